package zrtp

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type report struct {
	severity Severity
	code     int
}

// testHost records every callback and queues outbound messages for pump.
type testHost struct {
	mu        sync.Mutex
	out       [][]byte
	timerMs   []int
	timerOn   bool
	secrets   *SRTPSecrets
	ready     EnableSecurity
	off       []EnableSecurity
	secureOn  bool
	cipher    string
	sas       string
	verified  bool
	infos     []report
	failures  []report
	noSupport bool
	goClear   bool
	rejectSR  bool
}

func (h *testHost) SendDataZRTP(data []byte) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.out = append(h.out, append([]byte(nil), data...))
	return true
}

func (h *testHost) ActivateTimer(ms int) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.timerMs = append(h.timerMs, ms)
	h.timerOn = true
	return true
}

func (h *testHost) CancelTimer() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.timerOn = false
	return true
}

func (h *testHost) SRTPSecretsReady(s *SRTPSecrets, part EnableSecurity) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rejectSR {
		return false
	}
	h.secrets = s
	h.ready |= part
	return true
}

func (h *testHost) SRTPSecretsOff(part EnableSecurity) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.off = append(h.off, part)
	h.ready &^= part
}

func (h *testHost) SRTPSecretsOn(cipher, sas string, verified bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.secureOn = true
	h.cipher, h.sas, h.verified = cipher, sas, verified
}

func (h *testHost) SendInfo(s Severity, code int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.infos = append(h.infos, report{s, code})
}

func (h *testHost) NegotiationFailed(s Severity, code int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures = append(h.failures, report{s, code})
}

func (h *testHost) NoSupportOtherZRTP() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.noSupport = true
}

func (h *testHost) HandleGoClear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.goClear = true
}

func (h *testHost) pop() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.out) == 0 {
		return nil
	}
	msg := h.out[0]
	h.out = h.out[1:]
	return msg
}

func (h *testHost) hasInfo(s Severity, code int) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, r := range h.infos {
		if r.severity == s && r.code == code {
			return true
		}
	}
	return false
}

type endpoint struct {
	host  *testHost
	eng   *Engine
	cache *MemoryCache
}

func newEndpoint(t *testing.T, id byte, cfg *Config, cache *MemoryCache) *endpoint {
	t.Helper()
	if cache == nil {
		cache = NewMemoryCache(ZID{id})
	}
	h := &testHost{}
	eng, err := NewEngine(cfg, h, cache)
	require.NoError(t, err)
	return &endpoint{host: h, eng: eng, cache: cache}
}

// filter may modify or drop (return nil) a message in flight.
type filter func(from *endpoint, msg []byte) []byte

// pump alternates delivery between a and b until both queues are empty.
func pump(t *testing.T, a, b *endpoint, f filter) {
	t.Helper()
	for i := 0; i < 200; i++ {
		progressed := false
		for _, dir := range [][2]*endpoint{{a, b}, {b, a}} {
			msg := dir[0].host.pop()
			if msg == nil {
				continue
			}
			progressed = true
			if f != nil {
				msg = f(dir[0], msg)
				if msg == nil {
					continue
				}
			}
			dir[1].eng.ProcessMessage(msg, 0x1234)
		}
		if !progressed {
			return
		}
	}
	t.Fatal("pump did not settle")
}

func handshake(t *testing.T, a, b *endpoint, f filter) {
	t.Helper()
	a.eng.StartZrtpEngine()
	b.eng.StartZrtpEngine()
	pump(t, a, b, f)
}

func TestNewEngineValidation(t *testing.T) {
	cache := NewMemoryCache(ZID{1})
	_, err := NewEngine(nil, nil, cache)
	assert.ErrorIs(t, err, ErrNilCallback)

	_, err = NewEngine(nil, &testHost{}, nil)
	assert.ErrorIs(t, err, ErrNilCache)

	cfg := DefaultConfig()
	cfg.Ciphers = []CipherAlgo{"TWFS"}
	_, err = NewEngine(cfg, &testHost{}, cache)
	assert.Error(t, err)
}

func TestHandshakeDH(t *testing.T) {
	a := newEndpoint(t, 1, nil, nil)
	b := newEndpoint(t, 2, nil, nil)
	handshake(t, a, b, nil)

	require.True(t, a.eng.InState(StateSecure))
	require.True(t, b.eng.InState(StateSecure))
	assert.NotEqual(t, a.eng.Role(), b.eng.Role())
	assert.NotEqual(t, NoRole, a.eng.Role())

	assert.True(t, a.host.secureOn)
	assert.True(t, b.host.secureOn)
	assert.Len(t, a.host.sas, 4)
	assert.Equal(t, a.host.sas, b.host.sas)
	assert.Equal(t, a.eng.SAS(), a.host.sas)
	assert.False(t, a.host.verified)
	assert.Equal(t, "AES-CM-128/HS32", a.host.cipher)
	assert.Equal(t, a.host.cipher, b.eng.Cipher())

	assert.Equal(t, ForReceiver|ForSender, a.host.ready)
	assert.Equal(t, ForReceiver|ForSender, b.host.ready)
	assert.Equal(t, a.host.secrets.KeyInitiator, b.host.secrets.KeyInitiator)
	assert.Equal(t, a.host.secrets.SaltResponder, b.host.secrets.SaltResponder)
	assert.NotEqual(t, a.host.secrets.KeyInitiator, a.host.secrets.KeyResponder)
	assert.Len(t, a.host.secrets.KeyInitiator, 16)
	assert.Len(t, a.host.secrets.SaltInitiator, 14)

	assert.Equal(t, ZID{2}, a.eng.PeerZID())
	assert.Equal(t, ZID{1}, b.eng.PeerZID())
	assert.False(t, a.host.timerOn)
	assert.False(t, b.host.timerOn)
	assert.Empty(t, a.host.failures)
	assert.Empty(t, b.host.failures)

	assert.True(t, a.host.hasInfo(Warning, WarningNoRSMatch))
	assert.Equal(t, 1, a.cache.Len())
	rec, err := a.cache.Load(ZID{2})
	require.NoError(t, err)
	assert.Len(t, rec.RS1, 32)
	assert.Empty(t, rec.RS2)
}

func TestHandshakeAES256(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Ciphers = []CipherAlgo{CipherAES3, CipherAES1}
	cfg.AuthTags = []AuthTagAlgo{AuthHS80}
	a := newEndpoint(t, 1, cfg, nil)
	b := newEndpoint(t, 2, cfg, nil)
	handshake(t, a, b, nil)

	require.True(t, a.eng.InState(StateSecure))
	assert.Equal(t, "AES-CM-256/HS80", a.eng.Cipher())
	assert.Len(t, a.host.secrets.KeyResponder, 32)
}

func TestOnlyOneInitiatorAfterContention(t *testing.T) {
	for i := 0; i < 10; i++ {
		a := newEndpoint(t, 1, nil, nil)
		b := newEndpoint(t, 2, nil, nil)
		handshake(t, a, b, nil)
		require.True(t, a.eng.InState(StateSecure))
		roles := map[Role]int{a.eng.Role(): 1}
		roles[b.eng.Role()]++
		assert.Equal(t, 1, roles[Initiator])
		assert.Equal(t, 1, roles[Responder])
	}
}

func TestRetainedSecretsAndVerification(t *testing.T) {
	cacheA := NewMemoryCache(ZID{1})
	cacheB := NewMemoryCache(ZID{2})

	a := newEndpoint(t, 1, nil, cacheA)
	b := newEndpoint(t, 2, nil, cacheB)
	handshake(t, a, b, nil)
	require.True(t, a.eng.InState(StateSecure))
	a.eng.SASVerified()
	b.eng.SASVerified()

	a2 := newEndpoint(t, 1, nil, cacheA)
	b2 := newEndpoint(t, 2, nil, cacheB)
	handshake(t, a2, b2, nil)
	require.True(t, a2.eng.InState(StateSecure))
	assert.True(t, a2.host.hasInfo(Info, InfoRSMatchFound))
	assert.True(t, b2.host.hasInfo(Info, InfoRSMatchFound))
	assert.True(t, a2.host.verified)
	assert.True(t, b2.host.verified)

	rec, err := cacheA.Load(ZID{2})
	require.NoError(t, err)
	assert.Len(t, rec.RS2, 32)

	a2.eng.ResetSASVerified()
	rec, err = cacheA.Load(ZID{2})
	require.NoError(t, err)
	assert.False(t, rec.SASVerified)
}

func TestVerifiedRequiresBothSides(t *testing.T) {
	cacheA := NewMemoryCache(ZID{1})
	cacheB := NewMemoryCache(ZID{2})
	a := newEndpoint(t, 1, nil, cacheA)
	b := newEndpoint(t, 2, nil, cacheB)
	handshake(t, a, b, nil)
	a.eng.SASVerified()

	a2 := newEndpoint(t, 1, nil, cacheA)
	b2 := newEndpoint(t, 2, nil, cacheB)
	handshake(t, a2, b2, nil)
	assert.False(t, a2.host.verified)
	assert.False(t, b2.host.verified)
}

func TestCacheMismatchWarns(t *testing.T) {
	cacheA := NewMemoryCache(ZID{1})
	a := newEndpoint(t, 1, nil, cacheA)
	b := newEndpoint(t, 2, nil, nil)
	handshake(t, a, b, nil)
	a.eng.SASVerified()

	// The peer lost its cache.
	a2 := newEndpoint(t, 1, nil, cacheA)
	b2 := newEndpoint(t, 2, nil, nil)
	handshake(t, a2, b2, nil)
	require.True(t, a2.eng.InState(StateSecure))
	assert.True(t, a2.host.hasInfo(Warning, WarningNoExpectedRSMatch))
	assert.False(t, a2.host.verified)

	rec, err := cacheA.Load(ZID{2})
	require.NoError(t, err)
	assert.False(t, rec.SASVerified)
}

func TestParanoidNeverVerified(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Paranoid = true
	cacheA := NewMemoryCache(ZID{1})
	cacheB := NewMemoryCache(ZID{2})

	a := newEndpoint(t, 1, cfg, cacheA)
	b := newEndpoint(t, 2, cfg, cacheB)
	handshake(t, a, b, nil)
	a.eng.SASVerified()
	b.eng.SASVerified()

	a2 := newEndpoint(t, 1, cfg, cacheA)
	b2 := newEndpoint(t, 2, cfg, cacheB)
	handshake(t, a2, b2, nil)
	require.True(t, a2.eng.InState(StateSecure))
	assert.False(t, a2.host.verified)
	assert.False(t, b2.host.verified)
}

func TestMultiStream(t *testing.T) {
	a := newEndpoint(t, 1, nil, nil)
	b := newEndpoint(t, 2, nil, nil)
	handshake(t, a, b, nil)

	pa, ok := a.eng.MultiStreamParams()
	require.True(t, ok)
	pb, ok := b.eng.MultiStreamParams()
	require.True(t, ok)
	assert.Equal(t, pa.SessionKey, pb.SessionKey)

	sa := newEndpoint(t, 1, nil, a.cache)
	sb := newEndpoint(t, 2, nil, b.cache)
	sa.eng.SetMultiStreamParams(pa)
	sb.eng.SetMultiStreamParams(pb)
	assert.True(t, sa.eng.IsMultiStream())

	var seen []MessageType
	handshake(t, sa, sb, func(_ *endpoint, msg []byte) []byte {
		mt, err := MessageTypeOf(msg)
		require.NoError(t, err)
		seen = append(seen, mt)
		return msg
	})

	require.True(t, sa.eng.InState(StateSecure))
	require.True(t, sb.eng.InState(StateSecure))
	assert.NotContains(t, seen, MsgDHPart1)
	assert.NotContains(t, seen, MsgDHPart2)
	assert.Equal(t, sa.host.secrets.KeyInitiator, sb.host.secrets.KeyInitiator)
	assert.NotEqual(t, a.host.secrets.KeyInitiator, sa.host.secrets.KeyInitiator)
	assert.Empty(t, sa.host.sas)

	_, ok = sa.eng.MultiStreamParams()
	assert.False(t, ok, "slaves cannot seed further streams")
}

func TestMultiStreamWithoutParamsFails(t *testing.T) {
	a := newEndpoint(t, 1, nil, nil)
	b := newEndpoint(t, 2, nil, nil)
	handshake(t, a, b, nil)
	pa, _ := a.eng.MultiStreamParams()

	// Only one slave holds a session key. Its Mult Commit beats the DH
	// Commit of the other side, which then has nothing to key it with.
	sa := newEndpoint(t, 1, nil, nil)
	sb := newEndpoint(t, 2, nil, nil)
	sa.eng.SetMultiStreamParams(pa)
	handshake(t, sa, sb, nil)

	assert.Contains(t, sb.host.failures, report{ZrtpError, int(ErrNoSharedSecret)})
	assert.Contains(t, sa.host.failures, report{ZrtpError, int(ErrNoSharedSecret)})
	assert.False(t, sa.eng.InState(StateSecure))
	assert.False(t, sb.eng.InState(StateSecure))
}

func TestImplicitConfAck(t *testing.T) {
	a := newEndpoint(t, 1, nil, nil)
	b := newEndpoint(t, 2, nil, nil)
	handshake(t, a, b, func(_ *endpoint, msg []byte) []byte {
		if mt, _ := MessageTypeOf(msg); mt == MsgConf2ACK {
			return nil
		}
		return msg
	})

	initiator, responder := a, b
	if b.eng.Role() == Initiator {
		initiator, responder = b, a
	}
	require.True(t, responder.eng.InState(StateSecure))
	require.True(t, initiator.eng.InState(StateWaitConfAck))
	assert.Equal(t, ForReceiver, initiator.host.ready)

	assert.True(t, initiator.eng.ConfAckFromSRTP())
	assert.True(t, initiator.eng.InState(StateSecure))
	assert.Equal(t, ForReceiver|ForSender, initiator.host.ready)
	assert.False(t, initiator.eng.ConfAckFromSRTP())
}

func TestHelloRetransmitExhaustion(t *testing.T) {
	a := newEndpoint(t, 1, nil, nil)
	a.eng.StartZrtpEngine()
	require.Equal(t, []int{50}, a.host.timerMs)

	for i := 0; i < 20; i++ {
		a.eng.ProcessTimeout()
	}
	assert.Equal(t, 100, a.host.timerMs[1])
	assert.Equal(t, 200, a.host.timerMs[2])
	assert.Equal(t, 200, a.host.timerMs[20])
	assert.Len(t, a.host.out, 21)
	assert.False(t, a.host.noSupport)

	a.eng.ProcessTimeout()
	assert.True(t, a.host.noSupport)
	assert.True(t, a.eng.InState(StateInitial))
}

func TestProcessTimeoutIfIgnoresStaleExpiry(t *testing.T) {
	a := newEndpoint(t, 1, nil, nil)
	a.eng.StartZrtpEngine()
	require.Len(t, a.host.out, 1)

	a.eng.ProcessTimeoutIf(func() bool { return false })
	assert.Len(t, a.host.out, 1, "no retransmission")
	assert.Equal(t, []int{50}, a.host.timerMs, "retry budget untouched")

	a.eng.ProcessTimeoutIf(func() bool { return true })
	assert.Len(t, a.host.out, 2)
	assert.Equal(t, []int{50, 100}, a.host.timerMs)
}

func TestCommitRetransmitExhaustion(t *testing.T) {
	a := newEndpoint(t, 1, nil, nil)
	b := newEndpoint(t, 2, nil, nil)
	a.eng.StartZrtpEngine()
	b.eng.StartZrtpEngine()

	a.eng.ProcessMessage(b.host.pop(), 1)
	a.eng.ProcessMessage(newAckMessage(MsgHelloACK), 1)
	require.True(t, a.eng.InState(StateCommitSent))

	sent := len(a.host.timerMs)
	for i := 0; i < 10; i++ {
		a.eng.ProcessTimeout()
	}
	assert.Equal(t, []int{150, 300, 600, 1200, 1200}, a.host.timerMs[sent-1:sent+4])
	assert.Empty(t, a.host.failures)

	a.eng.ProcessTimeout()
	assert.Equal(t, []report{{Severe, SevereTooMuchRetries}}, a.host.failures)
	assert.True(t, a.eng.InState(StateInitial))
}

func TestEqualZIDRejected(t *testing.T) {
	a := newEndpoint(t, 1, nil, nil)
	b := newEndpoint(t, 1, nil, nil)
	handshake(t, a, b, nil)

	assert.Contains(t, a.host.failures, report{ZrtpError, int(ErrEqualZIDHello)})
	assert.False(t, a.host.secureOn)
}

func TestTamperedConfirmRejected(t *testing.T) {
	a := newEndpoint(t, 1, nil, nil)
	b := newEndpoint(t, 2, nil, nil)
	handshake(t, a, b, func(_ *endpoint, msg []byte) []byte {
		if mt, _ := MessageTypeOf(msg); mt == MsgConfirm1 {
			msg[headerLength] ^= 0xff
		}
		return msg
	})

	assert.False(t, a.eng.InState(StateSecure))
	assert.False(t, b.eng.InState(StateSecure))
	all := append(append([]report(nil), a.host.failures...), b.host.failures...)
	assert.Contains(t, all, report{ZrtpError, int(ErrConfirmHMACWrong)})
	assert.False(t, a.host.secureOn)
	assert.False(t, b.host.secureOn)
}

func TestTamperedHelloMACDetected(t *testing.T) {
	a := newEndpoint(t, 1, nil, nil)
	b := newEndpoint(t, 2, nil, nil)
	handshake(t, a, b, func(from *endpoint, msg []byte) []byte {
		if mt, _ := MessageTypeOf(msg); mt == MsgHello && from == b {
			msg[len(msg)-1] ^= 0x01
		}
		return msg
	})

	assert.Contains(t, a.host.failures, report{Severe, SevereHelloHMACFailed})
	assert.False(t, a.host.secureOn)
}

func TestSRTPSecretsRejected(t *testing.T) {
	a := newEndpoint(t, 1, nil, nil)
	b := newEndpoint(t, 2, nil, nil)
	a.host.rejectSR = true
	b.host.rejectSR = true
	handshake(t, a, b, nil)

	all := append(append([]report(nil), a.host.failures...), b.host.failures...)
	assert.Contains(t, all, report{ZrtpError, int(ErrCriticalSWError)})
}

func TestGoClear(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AllowClear = true
	a := newEndpoint(t, 1, cfg, nil)
	b := newEndpoint(t, 2, cfg, nil)
	handshake(t, a, b, nil)
	require.True(t, a.eng.InState(StateSecure))

	require.NoError(t, a.eng.GoClear())
	assert.True(t, a.eng.InState(StateWaitClearAck))
	pump(t, a, b, nil)

	assert.True(t, b.host.goClear)
	assert.True(t, b.host.hasInfo(Warning, WarningGoClearReceived))
	assert.True(t, a.eng.InState(StateInitial))
	assert.True(t, b.eng.InState(StateInitial))
	assert.Equal(t, EnableSecurity(0), a.host.ready)
	assert.Equal(t, EnableSecurity(0), b.host.ready)
}

func TestGoClearNotAllowed(t *testing.T) {
	a := newEndpoint(t, 1, nil, nil)
	b := newEndpoint(t, 2, nil, nil)
	handshake(t, a, b, nil)
	assert.Error(t, a.eng.GoClear())

	// A peer that ignores the flag still gets refused.
	b.eng.ProcessMessage(newGoClearMessage(make([]byte, macLength)), 1)
	assert.Contains(t, b.host.failures, report{ZrtpError, int(ErrGoClearNotAllowed)})
}

func TestStopZrtpEngine(t *testing.T) {
	a := newEndpoint(t, 1, nil, nil)
	b := newEndpoint(t, 2, nil, nil)
	handshake(t, a, b, nil)

	a.eng.StopZrtpEngine()
	assert.True(t, a.eng.InState(StateInitial))
	assert.Equal(t, []EnableSecurity{ForReceiver | ForSender}, a.host.off)
	assert.Empty(t, a.eng.SAS())

	a.eng.StopZrtpEngine()
	assert.Len(t, a.host.off, 1)
}

func TestPingAnsweredInAnyState(t *testing.T) {
	a := newEndpoint(t, 1, nil, nil)
	b := newEndpoint(t, 2, nil, nil)

	a.eng.SendPing()
	b.eng.ProcessMessage(a.host.pop(), 77)
	reply := b.host.pop()
	mt, err := MessageTypeOf(reply)
	require.NoError(t, err)
	assert.Equal(t, MsgPingACK, mt)
}

func TestErrorMessageResetsPeer(t *testing.T) {
	a := newEndpoint(t, 1, nil, nil)
	a.eng.StartZrtpEngine()
	a.eng.ProcessMessage(newErrorMessage(ErrServiceUnavailable), 9)

	assert.True(t, a.eng.InState(StateInitial))
	assert.Equal(t, []report{{ZrtpError, int(ErrServiceUnavailable)}}, a.host.failures)
	last := a.host.out[len(a.host.out)-1]
	mt, err := MessageTypeOf(last)
	require.NoError(t, err)
	assert.Equal(t, MsgErrorACK, mt)
}
