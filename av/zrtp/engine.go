package zrtp

import (
	"fmt"
	"strings"
	"sync"

	"github.com/opd-ai/securemedia/crypto"
	"github.com/sirupsen/logrus"
)

// Engine runs one ZRTP key agreement for one media stream.
type Engine struct {
	mu    sync.Mutex
	cfg   *Config
	cb    Callback
	cache Cache
	clock crypto.TimeProvider

	ownZID  ZID
	peerZID ZID
	state   State
	role    Role

	h0, h1, h2, h3 []byte
	dhKey          *crypto.KeyPair

	helloMsg   []byte
	commit     *Commit
	commitMsg  []byte
	dhPartMsg  []byte
	confirmMsg []byte
	controlMsg []byte // pending Error or GoClear

	peerHello     *Hello
	peerHelloMsg  []byte
	peerCommit    *Commit
	peerCommitMsg []byte
	peerDHPartMsg []byte
	peerSSRC      uint32
	chain         peerChain

	hash         HashAlgo
	cipher       CipherAlgo
	authTag      AuthTagAlgo
	keyAgreement KeyAgreementAlgo
	sasAlgo      SASAlgo

	keys         *sessionKeys
	sas          string
	record       *CacheRecord
	rsMatched    bool
	peerVerified bool
	peerClear    bool
	multi        MultiStreamParams

	t1, t2    retryTimer
	active    *retryTimer
	secretsOn EnableSecurity
}

// NewEngine creates an engine for the endpoint identified by cache.OwnZID.
func NewEngine(cfg *Config, cb Callback, cache Cache) (*Engine, error) {
	if cb == nil {
		return nil, ErrNilCallback
	}
	if cache == nil {
		return nil, ErrNilCache
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid zrtp config: %w", err)
	}
	cfg = cfg.clone()

	return &Engine{
		cfg:    cfg,
		cb:     cb,
		cache:  cache,
		clock:  crypto.DefaultTimeProvider{},
		ownZID: cache.OwnZID(),
		state:  StateInitial,
		t1:     newRetryTimer(cfg.T1Initial, cfg.T1Max, cfg.T1MaxRetries),
		t2:     newRetryTimer(cfg.T2Initial, cfg.T2Max, cfg.T2MaxRetries),
	}, nil
}

// SetTimeProvider replaces the clock used for cache expiry.
func (e *Engine) SetTimeProvider(tp crypto.TimeProvider) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clock = crypto.OrDefault(tp)
}

// StartZrtpEngine sends the first Hello. It is a no-op unless the engine is
// in the initial state.
func (e *Engine) StartZrtpEngine() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateInitial {
		return
	}
	if err := e.prepareSession(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Engine.StartZrtpEngine",
			"error":    err.Error(),
		}).Error("Failed to prepare ZRTP session")
		e.cb.NegotiationFailed(Severe, SevereProtocolError)
		return
	}

	logrus.WithFields(logrus.Fields{
		"function":    "Engine.StartZrtpEngine",
		"zid":         e.ownZID.String(),
		"multistream": e.multi.Valid(),
	}).Debug("Starting ZRTP engine")

	e.setState(StateDetect)
	e.send(e.helloMsg)
	e.startTimer(&e.t1)
}

// StopZrtpEngine cancels the protocol and tears down any SRTP state.
func (e *Engine) StopZrtpEngine() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == StateInitial && e.secretsOn == 0 {
		return
	}
	e.cancelTimer()
	e.secretsOff()
	e.wipe()
	e.setState(StateInitial)
}

// ProcessMessage handles one inbound ZRTP message with the packet framing
// already removed.
func (e *Engine) ProcessMessage(msg []byte, peerSSRC uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, err := MessageTypeOf(msg)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Engine.ProcessMessage",
			"error":    err.Error(),
		}).Debug("Dropping malformed ZRTP message")
		return
	}
	msg = append([]byte(nil), msg...)
	e.peerSSRC = peerSSRC

	logrus.WithFields(logrus.Fields{
		"function": "Engine.ProcessMessage",
		"type":     t.Name(),
		"state":    e.state.String(),
	}).Debug("Processing ZRTP message")

	if t == MsgPing {
		e.handlePing(msg)
		return
	}
	if e.state == StateInitial {
		return
	}

	switch t {
	case MsgHello:
		e.handleHello(msg)
	case MsgHelloACK:
		e.handleHelloACK()
	case MsgCommit:
		e.handleCommit(msg)
	case MsgDHPart1:
		e.handleDHPart1(msg)
	case MsgDHPart2:
		e.handleDHPart2(msg)
	case MsgConfirm1:
		e.handleConfirm1(msg)
	case MsgConfirm2:
		e.handleConfirm2(msg)
	case MsgConf2ACK:
		e.handleConf2ACK()
	case MsgError:
		e.handleError(msg)
	case MsgErrorACK:
		e.handleErrorACK()
	case MsgGoClear:
		e.handleGoClear(msg)
	case MsgClearACK:
		e.handleClearACK()
	case MsgPingACK:
	default:
		logrus.WithFields(logrus.Fields{
			"function": "Engine.ProcessMessage",
			"type":     string(t),
		}).Debug("Ignoring unknown ZRTP message type")
	}
}

// ProcessTimeout handles expiry of the timer requested via ActivateTimer.
func (e *Engine) ProcessTimeout() {
	e.ProcessTimeoutIf(nil)
}

// ProcessTimeoutIf is ProcessTimeout for callers whose timer may have been
// cancelled or re-armed after it expired. current is evaluated with the
// engine locked; a false result ignores the expiry.
func (e *Engine) ProcessTimeoutIf(current func() bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if current != nil && !current() {
		return
	}
	if e.active == nil {
		return
	}
	ms, ok := e.active.next()
	if !ok {
		e.retriesExhausted()
		return
	}

	var msg []byte
	switch e.state {
	case StateDetect, StateAckSent:
		msg = e.helloMsg
	case StateCommitSent:
		msg = e.commitMsg
	case StateWaitConfirm1:
		msg = e.dhPartMsg
	case StateWaitConfAck:
		msg = e.confirmMsg
	case StateWaitClearAck, StateWaitErrorAck:
		msg = e.controlMsg
	default:
		e.active = nil
		return
	}
	e.send(msg)
	if !e.cb.ActivateTimer(ms) {
		e.fail(Severe, SevereNoTimer)
	}
}

func (e *Engine) retriesExhausted() {
	e.active = nil
	logrus.WithFields(logrus.Fields{
		"function": "Engine.retriesExhausted",
		"state":    e.state.String(),
	}).Warn("ZRTP retransmission budget exhausted")

	switch e.state {
	case StateDetect:
		e.setState(StateInitial)
		e.cb.NoSupportOtherZRTP()
	case StateWaitErrorAck:
		e.setState(StateInitial)
	default:
		e.fail(Severe, SevereTooMuchRetries)
	}
}

// InState reports whether the engine is in state s.
func (e *Engine) InState(s State) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == s
}

// State returns the current state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// ConfAckFromSRTP accepts a successfully decrypted SRTP packet as an
// implicit Conf2ACK. It reports whether the engine was waiting for one.
func (e *Engine) ConfAckFromSRTP() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateWaitConfAck {
		return false
	}
	logrus.WithFields(logrus.Fields{
		"function": "Engine.ConfAckFromSRTP",
	}).Debug("Implicit Conf2ACK from SRTP")
	e.handleConf2ACK()
	return true
}

// SASVerified marks the SAS as verified and persists the flag.
func (e *Engine) SASVerified() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.setVerified(true)
}

// ResetSASVerified clears the persisted SAS verified flag.
func (e *Engine) ResetSASVerified() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.setVerified(false)
}

func (e *Engine) setVerified(v bool) {
	if e.peerZID.IsZero() {
		return
	}
	rec := e.record
	if rec == nil {
		rec = &CacheRecord{}
	}
	rec.SASVerified = v
	e.record = rec
	if err := e.cache.Save(e.peerZID, rec); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Engine.setVerified",
			"peer":     e.peerZID.String(),
			"error":    err.Error(),
		}).Warn("Failed to persist SAS verified flag")
	}
}

// MultiStreamParams returns the master session parameters for slave
// streams. It is only available in the secure state of a DH session.
func (e *Engine) MultiStreamParams() (MultiStreamParams, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateSecure || e.keys == nil || e.keyAgreement == KeyAgreementMult {
		return MultiStreamParams{}, false
	}
	return MultiStreamParams{
		Hash:       e.hash,
		SessionKey: append([]byte(nil), e.keys.sessionKey...),
	}, true
}

// SetMultiStreamParams turns the engine into a multistream slave. It must
// be called before StartZrtpEngine.
func (e *Engine) SetMultiStreamParams(p MultiStreamParams) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.multi = MultiStreamParams{Hash: p.Hash, SessionKey: append([]byte(nil), p.SessionKey...)}
}

// IsMultiStream reports whether the engine runs in multistream mode.
func (e *Engine) IsMultiStream() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.multi.Valid()
}

// PeerZID returns the peer's ZID once its Hello was received.
func (e *Engine) PeerZID() ZID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.peerZID
}

// OwnZID returns the local ZID.
func (e *Engine) OwnZID() ZID {
	return e.ownZID
}

// Cipher returns the negotiated cipher description, empty before Commit.
func (e *Engine) Cipher() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cipherString()
}

func (e *Engine) cipherString() string {
	if e.cipher == "" {
		return ""
	}
	return fmt.Sprintf("AES-CM-%d/%s", e.cipher.KeyLength()*8, e.authTag)
}

// Role returns the negotiated role.
func (e *Engine) Role() Role {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.role
}

// SAS returns the rendered short authentication string, empty until the
// key agreement completes or in multistream mode.
func (e *Engine) SAS() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sas
}

// GoClear asks the peer to switch the stream back to clear media.
func (e *Engine) GoClear() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateSecure {
		return ErrNotSecure
	}
	if !e.peerClear {
		return fmt.Errorf("peer does not allow GoClear")
	}
	e.controlMsg = newGoClearMessage(clearMAC(e.ownHMACKey()))
	e.setState(StateWaitClearAck)
	e.send(e.controlMsg)
	e.startTimer(&e.t2)
	return nil
}

// SendPing probes the peer endpoint.
func (e *Engine) SendPing() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.send(newPingMessage(e.endpointHash()))
}

func (e *Engine) endpointHash() EndpointHash {
	var ep EndpointHash
	copy(ep[:], hashOf(e.ownZID[:]))
	return ep
}

func (e *Engine) setState(s State) {
	if e.state == s {
		return
	}
	logrus.WithFields(logrus.Fields{
		"function": "Engine.setState",
		"from":     e.state.String(),
		"to":       s.String(),
	}).Debug("ZRTP state transition")
	e.state = s
}

func (e *Engine) send(msg []byte) {
	if msg == nil {
		return
	}
	if !e.cb.SendDataZRTP(msg) {
		logrus.WithFields(logrus.Fields{
			"function": "Engine.send",
			"state":    e.state.String(),
		}).Debug("Host failed to send ZRTP message")
	}
}

func (e *Engine) startTimer(t *retryTimer) {
	e.active = t
	if !e.cb.ActivateTimer(t.reset()) {
		e.fail(Severe, SevereNoTimer)
	}
}

func (e *Engine) cancelTimer() {
	if e.active == nil {
		return
	}
	e.active = nil
	e.cb.CancelTimer()
}

// fail aborts the session and reports a fatal condition.
func (e *Engine) fail(severity Severity, code int) {
	e.cancelTimer()
	e.secretsOff()
	e.setState(StateInitial)
	logrus.WithFields(logrus.Fields{
		"function": "Engine.fail",
		"severity": severity.String(),
		"code":     code,
	}).Warn("ZRTP negotiation failed")
	e.cb.NegotiationFailed(severity, code)
}

// sendError reports a protocol error to the peer and waits for ErrorACK.
func (e *Engine) sendError(code ErrorCode) {
	e.cancelTimer()
	e.secretsOff()
	logrus.WithFields(logrus.Fields{
		"function": "Engine.sendError",
		"code":     code.String(),
	}).Warn("Sending ZRTP Error")
	e.controlMsg = newErrorMessage(code)
	e.setState(StateWaitErrorAck)
	e.send(e.controlMsg)
	e.startTimer(&e.t2)
	e.cb.NegotiationFailed(ZrtpError, int(code))
}

func (e *Engine) secretsOff() {
	if e.secretsOn == 0 {
		return
	}
	part := e.secretsOn
	e.secretsOn = 0
	e.cb.SRTPSecretsOff(part)
}

func (e *Engine) srtpReady(part EnableSecurity) bool {
	k := e.keys
	secrets := &SRTPSecrets{
		Cipher:        e.cipher,
		AuthTag:       e.authTag,
		KeyInitiator:  append([]byte(nil), k.srtpKeyI...),
		SaltInitiator: append([]byte(nil), k.srtpSaltI...),
		KeyResponder:  append([]byte(nil), k.srtpKeyR...),
		SaltResponder: append([]byte(nil), k.srtpSaltR...),
		Role:          e.role,
		SAS:           e.sas,
	}
	if !e.cb.SRTPSecretsReady(secrets, part) {
		return false
	}
	e.secretsOn |= part
	return true
}

func (e *Engine) wipe() {
	if e.keys != nil {
		e.keys.wipe()
		e.keys = nil
	}
	if e.dhKey != nil {
		_ = crypto.WipeKeyPair(e.dhKey)
		e.dhKey = nil
	}
	for _, b := range [][]byte{e.h0, e.h1, e.h2} {
		crypto.ZeroBytes(b)
	}
	e.sas = ""
}

// prepareSession creates the hash chain, the DH key pair and the Hello.
func (e *Engine) prepareSession() error {
	e.h0 = make([]byte, hashImageLength)
	if _, err := randRead(e.h0); err != nil {
		return fmt.Errorf("generate H0: %w", err)
	}
	e.h1 = hashOf(e.h0)
	e.h2 = hashOf(e.h1)
	e.h3 = hashOf(e.h2)

	if contains(e.cfg.KeyAgreements, KeyAgreementX255) {
		kp, err := crypto.GenerateKeyPair()
		if err != nil {
			return err
		}
		e.dhKey = kp
	}

	hello := &Hello{
		Version:       Version,
		ClientID:      e.cfg.ClientID,
		ZID:           e.ownZID,
		MitM:          e.cfg.MitM,
		Hashes:        e.cfg.Hashes,
		Ciphers:       e.cfg.Ciphers,
		AuthTags:      e.cfg.AuthTags,
		KeyAgreements: e.cfg.KeyAgreements,
		SASTypes:      e.cfg.SASTypes,
	}
	copy(hello.H3[:], e.h3)
	e.helloMsg = hello.Marshal()
	setMAC(e.helloMsg, e.h2)

	e.role = NoRole
	e.peerZID = ZID{}
	e.peerHello, e.peerHelloMsg = nil, nil
	e.peerCommit, e.peerCommitMsg, e.peerDHPartMsg = nil, nil, nil
	e.commit, e.commitMsg, e.dhPartMsg, e.confirmMsg = nil, nil, nil, nil
	e.cipher, e.authTag, e.hash, e.keyAgreement, e.sasAlgo = "", "", "", "", ""
	e.rsMatched, e.peerVerified, e.peerClear = false, false, false
	e.record = nil
	e.chain.reset()
	return nil
}

func (e *Engine) ownHMACKey() []byte {
	if e.role == Initiator {
		return e.keys.hmacKeyI
	}
	return e.keys.hmacKeyR
}

func (e *Engine) peerHMACKey() []byte {
	if e.role == Initiator {
		return e.keys.hmacKeyR
	}
	return e.keys.hmacKeyI
}

func versionCompatible(v string) bool {
	return strings.HasPrefix(v, "1.1")
}
