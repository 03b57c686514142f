package security

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opd-ai/securemedia/av/rtp"
	"github.com/opd-ai/securemedia/av/srtp"
	"github.com/opd-ai/securemedia/av/zrtp"
	"github.com/opd-ai/securemedia/keystore"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// EngineState is the lifecycle state of a TransformEngine.
type EngineState int32

const (
	StateUninitialized EngineState = iota
	StateInitialized
	StateStartedUnsecured
	StateNegotiating
	StateSecured
	StateClosed
)

// String returns the state name.
func (s EngineState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitialized:
		return "initialized"
	case StateStartedUnsecured:
		return "started-unsecured"
	case StateNegotiating:
		return "negotiating"
	case StateSecured:
		return "secured"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// TransformEngine runs the ZRTP key agreement for one media stream and
// applies SRTP to the packets passing through it.
//
// Transform and ReverseTransform are called on the media path and never
// wait on the protocol. The protocol engine calls back into the
// TransformEngine with its own lock held, so the packet writer must not
// feed packets back into a peer engine synchronously.
type TransformEngine struct {
	cfg     *Config
	sched   *Scheduler
	opener  keystore.CacheOpener
	events  *EventManager
	metrics *Metrics
	limiter *rate.Limiter

	// mu serializes Initialize, StartZrtp, StopZrtp and Close.
	mu    sync.Mutex
	cache zrtp.Cache
	timer *Timer

	engine     atomic.Pointer[zrtp.Engine]
	state      atomic.Int32
	autoEnable atomic.Bool
	started    atomic.Bool
	disposed   atomic.Bool
	muted      atomic.Bool
	multi      atomic.Bool

	ssrc      atomic.Uint32
	ssrcKnown atomic.Bool

	outMu sync.Mutex
	out   io.Writer
	seq   uint16

	srtpOut atomic.Pointer[srtp.Transformer]
	srtpIn  atomic.Pointer[srtp.Transformer]
	rtcp    atomic.Pointer[RTCPTransformer]
}

var _ zrtp.Callback = (*TransformEngine)(nil)

// NewTransformEngine creates an uninitialized engine. Outgoing ZRTP
// packets are written to out; events are reported on events.
func NewTransformEngine(cfg *Config, sched *Scheduler, opener keystore.CacheOpener, events *EventManager, out io.Writer) (*TransformEngine, error) {
	if sched == nil {
		return nil, ErrNilScheduler
	}
	if opener == nil {
		return nil, ErrNilCacheOpener
	}
	if out == nil {
		return nil, ErrNilWriter
	}
	cfg = cfg.orDefault()
	if events == nil {
		events = NewEventManager(MediaAudio, cfg.EventBuffer, cfg.Metrics)
	}
	return &TransformEngine{
		cfg:     cfg,
		sched:   sched,
		opener:  opener,
		events:  events,
		metrics: cfg.Metrics,
		limiter: cfg.newLimiter(),
		out:     out,
	}, nil
}

// Initialize opens the ZID cache named identityFileName for myZid and
// builds the protocol engine. A nil cfg uses the engine configuration's
// ZRTP settings. With autoEnable the engine starts on its own once the
// local SSRC is known and a packet arrives. Failures are logged and
// reported as false.
func (e *TransformEngine) Initialize(identityFileName string, autoEnable bool, cfg *zrtp.Config, myZid zrtp.ZID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.disposed.Load() {
		e.logInitFailure(ErrEngineClosed)
		return false
	}
	if e.engine.Load() != nil {
		e.logInitFailure(ErrAlreadyInitialized)
		return false
	}
	if cfg == nil {
		cfg = e.cfg.ZRTP
	}

	cache, err := e.opener.Open(identityFileName, myZid)
	if err != nil {
		e.logInitFailure(fmt.Errorf("open ZID cache %q: %w", identityFileName, err))
		return false
	}
	eng, err := zrtp.NewEngine(cfg, e, cache)
	if err != nil {
		_ = cache.Close()
		e.logInitFailure(err)
		return false
	}

	e.cache = cache
	e.timer = e.sched.NewTimer(e.processTimeout)
	e.autoEnable.Store(autoEnable)
	e.engine.Store(eng)
	e.state.Store(int32(StateInitialized))

	logrus.WithFields(logrus.Fields{
		"function":   "TransformEngine.Initialize",
		"session":    e.events.SessionID().String(),
		"zid":        myZid.String(),
		"autoEnable": autoEnable,
	}).Info("ZRTP engine initialized")
	return true
}

func (e *TransformEngine) logInitFailure(err error) {
	logrus.WithFields(logrus.Fields{
		"function": "TransformEngine.Initialize",
		"session":  e.events.SessionID().String(),
		"error":    err.Error(),
	}).Warn("ZRTP engine initialization failed")
}

// StartZrtp begins the key agreement. It is a no-op without an engine and
// after the first start.
func (e *TransformEngine) StartZrtp() {
	e.mu.Lock()
	defer e.mu.Unlock()

	eng := e.engine.Load()
	if eng == nil || e.disposed.Load() {
		return
	}
	if !e.started.CompareAndSwap(false, true) {
		return
	}
	e.state.Store(int32(StateStartedUnsecured))

	logrus.WithFields(logrus.Fields{
		"function":    "TransformEngine.StartZrtp",
		"session":     e.events.SessionID().String(),
		"ssrc":        e.ssrc.Load(),
		"multistream": e.multi.Load(),
	}).Debug("Starting key agreement")

	eng.StartZrtpEngine()
}

// StopZrtp aborts the key agreement and removes the SRTP contexts. The
// engine does not restart on its own afterwards; StartZrtp starts it again.
func (e *TransformEngine) StopZrtp() {
	e.mu.Lock()
	defer e.mu.Unlock()

	eng := e.engine.Load()
	if eng == nil {
		return
	}
	e.autoEnable.Store(false)
	eng.StopZrtpEngine()
	e.teardown()
	e.started.Store(false)
	if !e.disposed.Load() {
		e.state.Store(int32(StateInitialized))
	}
}

// Close releases the engine in any state. It is idempotent. After Close
// no RTCP transformer is created and all transforms pass packets through
// or drop them.
func (e *TransformEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.disposed.CompareAndSwap(false, true) {
		return nil
	}
	e.state.Store(int32(StateClosed))

	if e.timer != nil {
		e.timer.Stop()
	}
	if eng := e.engine.Swap(nil); eng != nil {
		eng.StopZrtpEngine()
	}
	e.teardown()

	var err error
	if e.cache != nil {
		err = e.cache.Close()
		e.cache = nil
	}

	logrus.WithFields(logrus.Fields{
		"function": "TransformEngine.Close",
		"session":  e.events.SessionID().String(),
	}).Debug("Transform engine closed")
	return err
}

// teardown swaps both SRTP contexts out before destroying them, so a
// concurrent transform sees either a live context or none.
func (e *TransformEngine) teardown() {
	if old := e.srtpOut.Swap(nil); old != nil {
		_ = old.Close()
	}
	if old := e.srtpIn.Swap(nil); old != nil {
		_ = old.Close()
	}
}

// State returns the lifecycle state.
func (e *TransformEngine) State() EngineState {
	return EngineState(e.state.Load())
}

// GetSecureCommunicationStatus reports whether an SRTP context is installed.
func (e *TransformEngine) GetSecureCommunicationStatus() bool {
	return e.srtpOut.Load() != nil || e.srtpIn.Load() != nil
}

// SetMuted controls inbound media while no SRTP context exists: muted
// packets are dropped instead of passed through.
func (e *TransformEngine) SetMuted(muted bool) {
	e.muted.Store(muted)
}

// SetSSRC sets the local SSRC used in outgoing ZRTP packets.
func (e *TransformEngine) SetSSRC(ssrc uint32) {
	e.ssrc.Store(ssrc)
	e.ssrcKnown.Store(true)
}

// SSRC returns the local SSRC and whether it is known.
func (e *TransformEngine) SSRC() (uint32, bool) {
	return e.ssrc.Load(), e.ssrcKnown.Load()
}

// Events returns the event manager of this stream.
func (e *TransformEngine) Events() *EventManager {
	return e.events
}

// PeerZID returns the peer's ZID, zero before its Hello arrived.
func (e *TransformEngine) PeerZID() zrtp.ZID {
	if eng := e.engine.Load(); eng != nil {
		return eng.PeerZID()
	}
	return zrtp.ZID{}
}

// Cipher returns the negotiated cipher description.
func (e *TransformEngine) Cipher() string {
	if eng := e.engine.Load(); eng != nil {
		return eng.Cipher()
	}
	return ""
}

// SetSASVerified persists the user's SAS decision in the ZID cache.
func (e *TransformEngine) SetSASVerified(verified bool) {
	eng := e.engine.Load()
	if eng == nil {
		return
	}
	if verified {
		eng.SASVerified()
	} else {
		eng.ResetSASVerified()
	}
}

// MultiStreamParams returns the parameters a slave stream needs once this
// stream is secured with a DH key agreement.
func (e *TransformEngine) MultiStreamParams() (zrtp.MultiStreamParams, bool) {
	eng := e.engine.Load()
	if eng == nil {
		return zrtp.MultiStreamParams{}, false
	}
	return eng.MultiStreamParams()
}

// SetMultiStreamParams turns the engine into a multistream slave. It must
// be called before StartZrtp.
func (e *TransformEngine) SetMultiStreamParams(p zrtp.MultiStreamParams) {
	eng := e.engine.Load()
	if eng == nil || !p.Valid() {
		return
	}
	eng.SetMultiStreamParams(p)
	e.multi.Store(true)
}

// Transform protects an outbound packet. ZRTP packets pass unchanged;
// media is encrypted once an SRTP context exists. A nil result means the
// packet must be dropped.
func (e *TransformEngine) Transform(pkt *rtp.RawPacket) *rtp.RawPacket {
	if pkt == nil {
		return nil
	}
	if pkt.IsZRTP() {
		return pkt
	}
	if !e.ssrcKnown.Load() && pkt.Len() >= 12 {
		if e.ssrcKnown.CompareAndSwap(false, true) {
			e.ssrc.Store(pkt.SSRC())
		}
	}

	out := e.srtpOut.Load()
	if out == nil {
		return pkt
	}
	enc, err := out.EncryptRTP(pkt.Buffer())
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "TransformEngine.Transform",
			"error":    err.Error(),
		}).Debug("Dropping packet that failed SRTP protection")
		return nil
	}
	return rtp.NewRawPacket(enc)
}

// ReverseTransform handles an inbound packet. ZRTP packets are consumed
// and nil is returned; media is decrypted when an SRTP context exists.
func (e *TransformEngine) ReverseTransform(pkt *rtp.RawPacket) *rtp.RawPacket {
	if pkt == nil {
		return nil
	}
	if !e.started.Load() && e.autoEnable.Load() && e.ssrcKnown.Load() {
		e.StartZrtp()
	}

	if pkt.IsZRTP() {
		e.handleZRTP(pkt)
		return nil
	}

	in := e.srtpIn.Load()
	if in == nil {
		if e.muted.Load() {
			return nil
		}
		return pkt
	}
	dec, err := in.DecryptRTP(pkt.Buffer())
	if err != nil {
		e.metrics.srtpAuthFailures.Inc()
		logrus.WithFields(logrus.Fields{
			"function": "TransformEngine.ReverseTransform",
			"error":    err.Error(),
		}).Debug("Dropping packet that failed SRTP authentication")
		return nil
	}

	// A decrypted packet proves the responder has its keys, which stands in
	// for a lost Conf2ACK.
	if e.State() == StateNegotiating {
		if eng := e.engine.Load(); eng != nil && eng.InState(zrtp.StateWaitConfAck) {
			eng.ConfAckFromSRTP()
		}
	}
	return rtp.NewRawPacket(dec)
}

func (e *TransformEngine) handleZRTP(pkt *rtp.RawPacket) {
	eng := e.engine.Load()
	if eng == nil {
		return
	}
	if !e.limiter.Allow() {
		e.metrics.zrtpRateLimited.Inc()
		return
	}
	if !pkt.CheckZRTPCRC() {
		e.metrics.crcFailures.Inc()
		logrus.WithFields(logrus.Fields{
			"function": "TransformEngine.handleZRTP",
			"session":  e.events.SessionID().String(),
			"seq":      pkt.SequenceNumber(),
		}).Warn("Dropping ZRTP packet with bad CRC")
		e.events.info(zrtp.Warning, zrtp.WarningCRCMismatch)
		return
	}
	msg, err := pkt.ZRTPMessage()
	if err != nil {
		return
	}
	eng.ProcessMessage(msg, pkt.SSRC())
}

// processTimeout runs on the scheduler goroutine. The expiry is checked
// again under the protocol lock, where ActivateTimer and CancelTimer run,
// so a deadline replaced after it was popped does not count as a retry.
func (e *TransformEngine) processTimeout(x Expiry) {
	if e.disposed.Load() {
		return
	}
	if eng := e.engine.Load(); eng != nil {
		eng.ProcessTimeoutIf(x.Current)
	}
}

// RTCPTransformer returns the SRTCP view of this engine, creating it on
// first use. It returns nil after Close.
func (e *TransformEngine) RTCPTransformer() *RTCPTransformer {
	if t := e.rtcp.Load(); t != nil {
		return t
	}
	if e.disposed.Load() {
		return nil
	}
	e.rtcp.CompareAndSwap(nil, &RTCPTransformer{engine: e})
	return e.rtcp.Load()
}

// TransformRTCP protects an outbound RTCP packet.
func (e *TransformEngine) TransformRTCP(pkt *rtp.RawPacket) *rtp.RawPacket {
	t := e.RTCPTransformer()
	if t == nil {
		return pkt
	}
	return t.Transform(pkt)
}

// ReverseTransformRTCP unprotects an inbound RTCP packet.
func (e *TransformEngine) ReverseTransformRTCP(pkt *rtp.RawPacket) *rtp.RawPacket {
	t := e.RTCPTransformer()
	if t == nil {
		return nil
	}
	return t.ReverseTransform(pkt)
}

// RTCPTransformer applies the engine's current SRTP contexts to RTCP.
type RTCPTransformer struct {
	engine *TransformEngine
}

// Transform protects an outbound RTCP packet.
func (t *RTCPTransformer) Transform(pkt *rtp.RawPacket) *rtp.RawPacket {
	if pkt == nil {
		return nil
	}
	out := t.engine.srtpOut.Load()
	if out == nil {
		return pkt
	}
	enc, err := out.EncryptRTCP(pkt.Buffer())
	if err != nil {
		return nil
	}
	return rtp.NewRawPacket(enc)
}

// ReverseTransform unprotects an inbound RTCP packet.
func (t *RTCPTransformer) ReverseTransform(pkt *rtp.RawPacket) *rtp.RawPacket {
	if pkt == nil {
		return nil
	}
	in := t.engine.srtpIn.Load()
	if in == nil {
		if t.engine.muted.Load() {
			return nil
		}
		return pkt
	}
	dec, err := in.DecryptRTCP(pkt.Buffer())
	if err != nil {
		t.engine.metrics.srtpAuthFailures.Inc()
		return nil
	}
	return rtp.NewRawPacket(dec)
}

// SendDataZRTP implements zrtp.Callback.
func (e *TransformEngine) SendDataZRTP(data []byte) bool {
	e.outMu.Lock()
	defer e.outMu.Unlock()

	e.seq++
	pkt := rtp.NewZRTPPacket(e.seq, e.ssrc.Load(), data)
	if _, err := e.out.Write(pkt.Buffer()); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "TransformEngine.SendDataZRTP",
			"error":    err.Error(),
		}).Debug("Failed to write ZRTP packet")
		return false
	}
	return true
}

// ActivateTimer implements zrtp.Callback.
func (e *TransformEngine) ActivateTimer(ms int) bool {
	if e.timer == nil || e.disposed.Load() {
		return false
	}
	return e.timer.Reset(time.Duration(ms) * time.Millisecond)
}

// CancelTimer implements zrtp.Callback.
func (e *TransformEngine) CancelTimer() bool {
	if e.timer == nil {
		return false
	}
	e.timer.Stop()
	return true
}

// SRTPSecretsReady implements zrtp.Callback. It installs the SRTP
// context for every direction in part.
func (e *TransformEngine) SRTPSecretsReady(secrets *zrtp.SRTPSecrets, part zrtp.EnableSecurity) bool {
	if secrets == nil || e.disposed.Load() {
		return false
	}

	var sender, receiver *srtp.Transformer
	var err error
	if part.Has(zrtp.ForSender) {
		sender, err = newDirectionTransformer(secrets, zrtp.ForSender, e.cfg.ReplayWindow)
	}
	if err == nil && part.Has(zrtp.ForReceiver) {
		receiver, err = newDirectionTransformer(secrets, zrtp.ForReceiver, e.cfg.ReplayWindow)
	}
	if err != nil {
		if sender != nil {
			_ = sender.Close()
		}
		logrus.WithFields(logrus.Fields{
			"function": "TransformEngine.SRTPSecretsReady",
			"session":  e.events.SessionID().String(),
			"cipher":   string(secrets.Cipher),
			"authTag":  string(secrets.AuthTag),
			"error":    err.Error(),
		}).Warn("Cannot install SRTP context")
		return false
	}

	if sender != nil {
		if old := e.srtpOut.Swap(sender); old != nil {
			_ = old.Close()
		}
	}
	if receiver != nil {
		if old := e.srtpIn.Swap(receiver); old != nil {
			_ = old.Close()
		}
	}
	e.state.CompareAndSwap(int32(StateStartedUnsecured), int32(StateNegotiating))

	logrus.WithFields(logrus.Fields{
		"function": "TransformEngine.SRTPSecretsReady",
		"session":  e.events.SessionID().String(),
		"role":     secrets.Role.String(),
		"part":     part.String(),
	}).Debug("SRTP context installed")
	return true
}

// SRTPSecretsOff implements zrtp.Callback. Removing an absent context is
// a no-op.
func (e *TransformEngine) SRTPSecretsOff(part zrtp.EnableSecurity) {
	if part.Has(zrtp.ForSender) {
		if old := e.srtpOut.Swap(nil); old != nil {
			_ = old.Close()
		}
	}
	if part.Has(zrtp.ForReceiver) {
		if old := e.srtpIn.Swap(nil); old != nil {
			_ = old.Close()
		}
	}
	if !e.GetSecureCommunicationStatus() {
		e.state.CompareAndSwap(int32(StateSecured), int32(StateStartedUnsecured))
	}
}

// SRTPSecretsOn implements zrtp.Callback.
func (e *TransformEngine) SRTPSecretsOn(cipher, sas string, verified bool) {
	if e.disposed.Load() {
		return
	}
	e.state.Store(int32(StateSecured))
	e.events.secureOn(cipher, sas, verified, e.multi.Load())
}

// SendInfo implements zrtp.Callback.
func (e *TransformEngine) SendInfo(severity zrtp.Severity, subCode int) {
	if severity == zrtp.Info && subCode >= zrtp.InfoHelloReceived && subCode <= zrtp.InfoRespConf2Received {
		e.state.CompareAndSwap(int32(StateStartedUnsecured), int32(StateNegotiating))
	}
	e.events.info(severity, subCode)
}

// NegotiationFailed implements zrtp.Callback.
func (e *TransformEngine) NegotiationFailed(severity zrtp.Severity, subCode int) {
	e.resetToUnsecured()
	e.events.failed(severity, subCode)
}

// NoSupportOtherZRTP implements zrtp.Callback.
func (e *TransformEngine) NoSupportOtherZRTP() {
	e.resetToUnsecured()
	e.events.notSupported()
}

// HandleGoClear implements zrtp.Callback.
func (e *TransformEngine) HandleGoClear() {
	e.resetToUnsecured()
	e.events.secureOff()
}

func (e *TransformEngine) resetToUnsecured() {
	for {
		cur := e.state.Load()
		if EngineState(cur) == StateClosed || EngineState(cur) == StateInitialized {
			return
		}
		if e.state.CompareAndSwap(cur, int32(StateStartedUnsecured)) {
			return
		}
	}
}
