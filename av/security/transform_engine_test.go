package security

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/opd-ai/securemedia/av/rtp"
	"github.com/opd-ai/securemedia/av/zrtp"
	"github.com/pion/rtcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type discardWriter struct{}

func (discardWriter) Write(b []byte) (int, error) { return len(b), nil }

type failingOpener struct{}

func (failingOpener) Open(string, zrtp.ZID) (zrtp.Cache, error) {
	return nil, errors.New("identity file unreadable")
}

func newTestEngine(t *testing.T, cfg *Config) *TransformEngine {
	t.Helper()
	sched := NewScheduler()
	t.Cleanup(sched.Stop)
	e, err := NewTransformEngine(cfg, sched, memoryOpener(), NewEventManager(MediaAudio, 16, nil), discardWriter{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestNewTransformEngineValidation(t *testing.T) {
	sched := NewScheduler()
	defer sched.Stop()

	_, err := NewTransformEngine(nil, nil, memoryOpener(), nil, discardWriter{})
	assert.ErrorIs(t, err, ErrNilScheduler)
	_, err = NewTransformEngine(nil, sched, nil, nil, discardWriter{})
	assert.ErrorIs(t, err, ErrNilCacheOpener)
	_, err = NewTransformEngine(nil, sched, memoryOpener(), nil, nil)
	assert.ErrorIs(t, err, ErrNilWriter)

	e, err := NewTransformEngine(nil, sched, memoryOpener(), nil, discardWriter{})
	require.NoError(t, err)
	assert.Equal(t, StateUninitialized, e.State())
	assert.NotNil(t, e.Events())
}

func TestInitialize(t *testing.T) {
	e := newTestEngine(t, nil)
	assert.True(t, e.Initialize("alice.zid", true, nil, testZID(1)))
	assert.Equal(t, StateInitialized, e.State())
	assert.False(t, e.Initialize("alice.zid", true, nil, testZID(1)), "second initialize")

	sched := NewScheduler()
	defer sched.Stop()
	bad, err := NewTransformEngine(nil, sched, failingOpener{}, nil, discardWriter{})
	require.NoError(t, err)
	assert.False(t, bad.Initialize("x", true, nil, testZID(1)))
	assert.Equal(t, StateUninitialized, bad.State())

	invalid := zrtp.DefaultConfig()
	invalid.T1Initial = 0
	assert.False(t, newTestEngine(t, nil).Initialize("x", true, invalid, testZID(1)))
}

func TestStartZrtpOnce(t *testing.T) {
	e := newTestEngine(t, nil)
	e.StartZrtp()
	assert.Equal(t, StateUninitialized, e.State(), "no engine, no start")

	require.True(t, e.Initialize("a", false, nil, testZID(1)))
	e.StartZrtp()
	assert.Equal(t, StateStartedUnsecured, e.State())
	e.StartZrtp()
	assert.Equal(t, StateStartedUnsecured, e.State())

	e.StopZrtp()
	assert.Equal(t, StateInitialized, e.State())
}

func TestTransformPassThrough(t *testing.T) {
	e := newTestEngine(t, nil)

	_, known := e.SSRC()
	assert.False(t, known)
	media := rtp.NewRawPacket(mediaPacket(t, 1, []byte("hello")))
	assert.Same(t, media, e.Transform(media))
	ssrc, known := e.SSRC()
	assert.True(t, known)
	assert.Equal(t, uint32(0x5eed), ssrc)

	zpkt := rtp.NewZRTPPacket(1, 7, []byte{0x50, 0x5a, 0x00, 0x03, 'P', 'i', 'n', 'g', ' ', ' ', ' ', ' '})
	assert.Same(t, zpkt, e.Transform(zpkt))
	assert.Nil(t, e.Transform(nil))
}

func TestReverseTransformWithoutContext(t *testing.T) {
	e := newTestEngine(t, nil)
	require.True(t, e.Initialize("a", false, nil, testZID(1)))

	media := rtp.NewRawPacket(mediaPacket(t, 1, []byte("hello")))
	assert.Same(t, media, e.ReverseTransform(media))

	e.SetMuted(true)
	assert.Nil(t, e.ReverseTransform(media))
	e.SetMuted(false)
	assert.Same(t, media, e.ReverseTransform(media))
}

func TestReverseTransformStartsLazily(t *testing.T) {
	e := newTestEngine(t, nil)
	require.True(t, e.Initialize("a", true, nil, testZID(1)))

	media := rtp.NewRawPacket(mediaPacket(t, 1, []byte("x")))
	e.ReverseTransform(media)
	assert.Equal(t, StateInitialized, e.State(), "SSRC unknown")

	e.Transform(media)
	e.ReverseTransform(media)
	assert.Equal(t, StateStartedUnsecured, e.State())
}

func TestZRTPPacketsAreConsumed(t *testing.T) {
	e := newTestEngine(t, nil)
	require.True(t, e.Initialize("a", false, nil, testZID(1)))

	zpkt := rtp.NewZRTPPacket(1, 7, []byte{0x50, 0x5a, 0x00, 0x03, 'H', 'e', 'l', 'l', 'o', 'A', 'C', 'K'})
	assert.Nil(t, e.ReverseTransform(zpkt))
	assert.Empty(t, drain(e.Events().Events()))
}

func TestCRCFailureRaisesWarning(t *testing.T) {
	e := newTestEngine(t, nil)
	require.True(t, e.Initialize("a", false, nil, testZID(1)))

	zpkt := rtp.NewZRTPPacket(1, 7, []byte{0x50, 0x5a, 0x00, 0x03, 'H', 'e', 'l', 'l', 'o', 'A', 'C', 'K'})
	zpkt.Buffer()[14] ^= 0xff
	assert.Nil(t, e.ReverseTransform(zpkt))

	assert.Equal(t, []SecurityEvent{Warning{Code: zrtp.WarningCRCMismatch}}, drain(e.Events().Events()))
	assert.Equal(t, 1.0, counterValue(t, e.metrics.crcFailures))
}

func TestInboundZRTPRateLimited(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ZRTPPacketRate = 1
	cfg.ZRTPBurst = 1
	e := newTestEngine(t, cfg)
	require.True(t, e.Initialize("a", false, nil, testZID(1)))

	for i := 0; i < 3; i++ {
		zpkt := rtp.NewZRTPPacket(uint16(i), 7, []byte{0x50, 0x5a, 0x00, 0x03, 'H', 'e', 'l', 'l', 'o', 'A', 'C', 'K'})
		zpkt.Buffer()[14] ^= 0xff
		assert.Nil(t, e.ReverseTransform(zpkt))
	}
	assert.Equal(t, 1.0, counterValue(t, e.metrics.crcFailures))
	assert.Equal(t, 2.0, counterValue(t, e.metrics.zrtpRateLimited))
}

func TestSRTPRoundTrip(t *testing.T) {
	a := newTestEngine(t, nil)
	b := newTestEngine(t, nil)
	require.True(t, a.SRTPSecretsReady(testSecrets(zrtp.Initiator), zrtp.ForSender|zrtp.ForReceiver))
	require.True(t, b.SRTPSecretsReady(testSecrets(zrtp.Responder), zrtp.ForSender|zrtp.ForReceiver))
	assert.True(t, a.GetSecureCommunicationStatus())

	plain := mediaPacket(t, 10, []byte("opus frame"))
	enc := a.Transform(rtp.NewRawPacket(append([]byte(nil), plain...)))
	require.NotNil(t, enc)
	assert.NotEqual(t, plain, enc.Buffer())
	dec := b.ReverseTransform(enc)
	require.NotNil(t, dec)
	assert.Equal(t, plain, dec.Buffer())

	back := mediaPacket(t, 20, []byte("reply"))
	dec = a.ReverseTransform(b.Transform(rtp.NewRawPacket(append([]byte(nil), back...))))
	require.NotNil(t, dec)
	assert.Equal(t, back, dec.Buffer())

	// Replays and forgeries are dropped.
	assert.Nil(t, b.ReverseTransform(enc))
	forged := a.Transform(rtp.NewRawPacket(mediaPacket(t, 11, []byte("x"))))
	forged.Buffer()[forged.Len()-1] ^= 0x01
	assert.Nil(t, b.ReverseTransform(forged))
	assert.Equal(t, 2.0, counterValue(t, b.metrics.srtpAuthFailures))
}

func TestSRTCPRoundTrip(t *testing.T) {
	a := newTestEngine(t, nil)
	b := newTestEngine(t, nil)
	require.True(t, a.SRTPSecretsReady(testSecrets(zrtp.Initiator), zrtp.ForSender|zrtp.ForReceiver))
	require.True(t, b.SRTPSecretsReady(testSecrets(zrtp.Responder), zrtp.ForSender|zrtp.ForReceiver))

	report, err := (&rtcp.ReceiverReport{SSRC: 0x5eed}).Marshal()
	require.NoError(t, err)

	require.Same(t, a.RTCPTransformer(), a.RTCPTransformer())
	enc := a.TransformRTCP(rtp.NewRawPacket(append([]byte(nil), report...)))
	require.NotNil(t, enc)
	assert.Greater(t, enc.Len(), len(report))
	dec := b.ReverseTransformRTCP(enc)
	require.NotNil(t, dec)
	assert.Equal(t, report, dec.Buffer())
}

func TestNilConfigCountsDrops(t *testing.T) {
	sched := NewScheduler()
	defer sched.Stop()
	e, err := NewTransformEngine(nil, sched, memoryOpener(), nil, discardWriter{})
	require.NoError(t, err)
	defer e.Close()
	require.True(t, e.Initialize("a", false, nil, testZID(1)))
	require.True(t, e.SRTPSecretsReady(testSecrets(zrtp.Initiator), zrtp.ForSender|zrtp.ForReceiver))

	zpkt := rtp.NewZRTPPacket(1, 7, []byte{0x50, 0x5a, 0x00, 0x03, 'H', 'e', 'l', 'l', 'o', 'A', 'C', 'K'})
	zpkt.Buffer()[14] ^= 0xff
	plain := rtp.NewRawPacket(mediaPacket(t, 5, []byte("unprotected")))
	report, err := (&rtcp.ReceiverReport{SSRC: 0x5eed}).Marshal()
	require.NoError(t, err)
	forgedRTCP := rtp.NewRawPacket(append(report, 0x80, 0, 0, 1, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10))

	assert.NotPanics(t, func() {
		assert.Nil(t, e.ReverseTransform(zpkt))
		assert.Nil(t, e.ReverseTransform(plain))
		assert.Nil(t, e.ReverseTransformRTCP(forgedRTCP))
	})
	assert.Equal(t, 1.0, counterValue(t, e.metrics.crcFailures))
	assert.Equal(t, 2.0, counterValue(t, e.metrics.srtpAuthFailures))
}

func TestSRTPSecretsReadyRejectsAES256(t *testing.T) {
	e := newTestEngine(t, nil)
	s := testSecrets(zrtp.Initiator)
	s.Cipher = zrtp.CipherAES3
	s.KeyInitiator = bytes.Repeat([]byte{1}, 32)
	s.KeyResponder = bytes.Repeat([]byte{2}, 32)
	assert.False(t, e.SRTPSecretsReady(s, zrtp.ForSender|zrtp.ForReceiver))
	assert.False(t, e.GetSecureCommunicationStatus())
	assert.False(t, e.SRTPSecretsReady(nil, zrtp.ForSender))
}

func TestSRTPSecretsOffIdempotent(t *testing.T) {
	e := newTestEngine(t, nil)
	require.True(t, e.SRTPSecretsReady(testSecrets(zrtp.Responder), zrtp.ForSender|zrtp.ForReceiver))
	out := e.srtpOut.Load()

	e.SRTPSecretsOff(zrtp.ForSender)
	e.SRTPSecretsOff(zrtp.ForSender)
	assert.True(t, out.Closed())
	assert.True(t, e.GetSecureCommunicationStatus(), "receiver still installed")

	e.SRTPSecretsOff(zrtp.ForReceiver)
	e.SRTPSecretsOff(zrtp.ForSender | zrtp.ForReceiver)
	assert.False(t, e.GetSecureCommunicationStatus())
}

func TestCloseBeforeInitialize(t *testing.T) {
	sched := NewScheduler()
	defer sched.Stop()
	e, err := NewTransformEngine(nil, sched, memoryOpener(), nil, discardWriter{})
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		assert.NoError(t, e.Close())
		assert.NoError(t, e.Close())
	})
	assert.Equal(t, StateClosed, e.State())
	assert.False(t, e.GetSecureCommunicationStatus())
	assert.False(t, e.Initialize("a", true, nil, testZID(1)))
	assert.Nil(t, e.RTCPTransformer())
	assert.False(t, e.ActivateTimer(10))
	e.StartZrtp()
	e.StopZrtp()
	assert.Equal(t, StateClosed, e.State())
}

func TestCloseTearsDownContexts(t *testing.T) {
	e := newTestEngine(t, nil)
	require.True(t, e.Initialize("a", false, nil, testZID(1)))
	require.True(t, e.SRTPSecretsReady(testSecrets(zrtp.Initiator), zrtp.ForSender|zrtp.ForReceiver))
	out, in := e.srtpOut.Load(), e.srtpIn.Load()

	require.NoError(t, e.Close())
	require.NoError(t, e.Close())
	assert.False(t, e.GetSecureCommunicationStatus())
	assert.True(t, out.Closed())
	assert.True(t, in.Closed())
	assert.False(t, e.SRTPSecretsReady(testSecrets(zrtp.Initiator), zrtp.ForSender))

	media := rtp.NewRawPacket(mediaPacket(t, 1, []byte("x")))
	assert.Same(t, media, e.Transform(media))
}

func TestCloseConcurrentWithTransform(t *testing.T) {
	e := newTestEngine(t, nil)
	require.True(t, e.SRTPSecretsReady(testSecrets(zrtp.Initiator), zrtp.ForSender|zrtp.ForReceiver))

	packets := make([][]byte, 500)
	for i := range packets {
		packets[i] = mediaPacket(t, uint16(i), []byte("frame"))
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, b := range packets {
			e.Transform(rtp.NewRawPacket(b))
		}
	}()
	require.NoError(t, e.Close())
	<-done
	assert.False(t, e.GetSecureCommunicationStatus())
}

func TestKeyAgreementOverWire(t *testing.T) {
	p := newEnginePair(t, nil)
	p.a.StartZrtp()
	p.b.StartZrtp()
	p.waitSecured(t)

	onA := nextEvent[SecureOn](t, p.a.Events().Events())
	onB := nextEvent[SecureOn](t, p.b.Events().Events())
	assert.Equal(t, "AES-CM-128/HS32", onA.Cipher)
	assert.Equal(t, onA.SAS, onB.SAS)
	assert.Len(t, onA.SAS, 4)
	assert.False(t, onA.Verified)
	assert.Equal(t, onA.SAS, p.a.Events().SecurityString())
	assert.Equal(t, p.a.Cipher(), p.b.Cipher())
	assert.Equal(t, testZID(0xb2), p.a.PeerZID())

	plain := mediaPacket(t, 1, []byte("first protected frame"))
	enc := p.a.Transform(rtp.NewRawPacket(append([]byte(nil), plain...)))
	require.NotNil(t, enc)
	dec := p.b.ReverseTransform(enc)
	require.NotNil(t, dec)
	assert.Equal(t, plain, dec.Buffer())

	_, ok := p.a.MultiStreamParams()
	assert.True(t, ok)

	p.a.StopZrtp()
	assert.False(t, p.a.GetSecureCommunicationStatus())
	assert.Equal(t, StateInitialized, p.a.State())
}

func TestImplicitConfAckFromMedia(t *testing.T) {
	p := newEnginePair(t, nil)
	noAck := func(mt zrtp.MessageType) bool { return mt == zrtp.MsgConf2ACK }
	p.ab.setDrop(noAck)
	p.ba.setDrop(noAck)

	p.a.StartZrtp()
	p.b.StartZrtp()

	var responder, initiator *TransformEngine
	require.Eventually(t, func() bool {
		switch {
		case p.a.State() == StateSecured:
			responder, initiator = p.a, p.b
		case p.b.State() == StateSecured:
			responder, initiator = p.b, p.a
		default:
			return false
		}
		return true
	}, 5*time.Second, 2*time.Millisecond)
	assert.Equal(t, StateNegotiating, initiator.State())
	assert.True(t, initiator.GetSecureCommunicationStatus(), "receiver context installed before Conf2ACK")

	dec := initiator.ReverseTransform(responder.Transform(rtp.NewRawPacket(mediaPacket(t, 1, []byte("media")))))
	require.NotNil(t, dec)
	assert.Equal(t, StateSecured, initiator.State())
	nextEvent[SecureOn](t, initiator.Events().Events())
}

func TestPeerWithoutZRTP(t *testing.T) {
	sched := NewScheduler()
	defer sched.Stop()
	cfg := DefaultConfig()
	cfg.ZRTP = fastZRTPConfig()

	e, err := NewTransformEngine(cfg, sched, memoryOpener(), NewEventManager(MediaAudio, 8, nil), discardWriter{})
	require.NoError(t, err)
	defer e.Close()
	require.True(t, e.Initialize("a", false, nil, testZID(1)))
	e.StartZrtp()

	nextEvent[NotSupported](t, e.Events().Events())
	assert.Equal(t, StateStartedUnsecured, e.State())
	assert.False(t, e.GetSecureCommunicationStatus())
}

func TestCommitTimeoutFailsNegotiation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ZRTP = fastZRTPConfig()
	p := newEnginePair(t, cfg)

	// Responder side goes silent after Hello exchange.
	p.ba.setDrop(func(mt zrtp.MessageType) bool {
		return mt != zrtp.MsgHello && mt != zrtp.MsgHelloACK
	})
	p.ab.setDrop(func(mt zrtp.MessageType) bool {
		return mt != zrtp.MsgHello && mt != zrtp.MsgHelloACK
	})
	p.a.StartZrtp()
	p.b.StartZrtp()

	nextEvent[Timeout](t, p.a.Events().Events())
	failed := nextEvent[NegotiationFailed](t, p.a.Events().Events())
	assert.Equal(t, zrtp.Severe, failed.Severity)
	assert.Equal(t, zrtp.SevereTooMuchRetries, failed.Code)
	assert.Positive(t, p.ab.count(zrtp.MsgCommit))
	assert.False(t, p.a.GetSecureCommunicationStatus())
}
