package security

import (
	"sync"

	"github.com/google/uuid"
	"github.com/opd-ai/securemedia/av/zrtp"
	"github.com/sirupsen/logrus"
)

// SecurityEvent is a session level change reported to the call layer.
// The concrete types are SecureOn, SecureOff, SASEvent, Warning, Severe,
// NegotiationFailed, Timeout and NotSupported.
type SecurityEvent interface {
	isSecurityEvent()
}

// SecureOn reports that media is now protected.
type SecureOn struct {
	Cipher      string
	SAS         string
	Verified    bool
	MultiStream bool
}

// SecureOff reports that media is no longer protected.
type SecureOff struct{}

// SASEvent reports a change of the SAS verification state.
type SASEvent struct {
	SAS      string
	Verified bool
}

// Warning carries a zrtp.Warning* sub code.
type Warning struct {
	Code int
}

// Severe carries a zrtp.Severe* sub code reported without aborting.
type Severe struct {
	Code int
}

// NegotiationFailed reports that the key agreement was aborted. For
// zrtp.ZrtpError severity the code is a zrtp.ErrorCode.
type NegotiationFailed struct {
	Severity zrtp.Severity
	Code     int
}

// Timeout reports that the peer stopped answering during the key
// agreement. It is followed by a NegotiationFailed event.
type Timeout struct{}

// NotSupported reports that the peer never answered a Hello.
type NotSupported struct{}

func (SecureOn) isSecurityEvent()          {}
func (SecureOff) isSecurityEvent()         {}
func (SASEvent) isSecurityEvent()          {}
func (Warning) isSecurityEvent()           {}
func (Severe) isSecurityEvent()            {}
func (NegotiationFailed) isSecurityEvent() {}
func (Timeout) isSecurityEvent()           {}
func (NotSupported) isSecurityEvent()      {}

// NegotiationResult is the outcome of one key agreement. The master
// stream's event manager owns it; slaves read it through a ResultView.
type NegotiationResult struct {
	mu       sync.RWMutex
	cipher   string
	sas      string
	verified bool
	secured  bool
}

func (r *NegotiationResult) secure(cipher, sas string, verified bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cipher, r.sas, r.verified, r.secured = cipher, sas, verified, true
}

func (r *NegotiationResult) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.secured = false
}

func (r *NegotiationResult) setVerified(v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.verified = v
}

// ResultView is a read-only handle on a NegotiationResult.
type ResultView struct {
	r *NegotiationResult
}

// Cipher returns the negotiated cipher description.
func (v ResultView) Cipher() string {
	if v.r == nil {
		return ""
	}
	v.r.mu.RLock()
	defer v.r.mu.RUnlock()
	return v.r.cipher
}

// SAS returns the short authentication string.
func (v ResultView) SAS() string {
	if v.r == nil {
		return ""
	}
	v.r.mu.RLock()
	defer v.r.mu.RUnlock()
	return v.r.sas
}

// Verified reports whether the SAS was confirmed.
func (v ResultView) Verified() bool {
	if v.r == nil {
		return false
	}
	v.r.mu.RLock()
	defer v.r.mu.RUnlock()
	return v.r.verified
}

// Secured reports whether the owning stream is currently secure.
func (v ResultView) Secured() bool {
	if v.r == nil {
		return false
	}
	v.r.mu.RLock()
	defer v.r.mu.RUnlock()
	return v.r.secured
}

// Valid reports whether the view refers to a result.
func (v ResultView) Valid() bool {
	return v.r != nil
}

// EventManager turns protocol callback codes into SecurityEvent values and
// tracks the per stream security state.
type EventManager struct {
	sessionID uuid.UUID
	metrics   *Metrics

	own NegotiationResult

	mu     sync.Mutex
	media  MediaType
	master ResultView
	events chan SecurityEvent
	closed bool

	// onSecure runs after every SecureOn; Control uses it to release
	// waiting slaves.
	onSecure func()
}

// NewEventManager creates a manager whose channel holds buffer events.
func NewEventManager(media MediaType, buffer int, metrics *Metrics) *EventManager {
	if buffer <= 0 {
		buffer = 1
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &EventManager{
		media:     media,
		sessionID: uuid.New(),
		metrics:   metrics,
		events:    make(chan SecurityEvent, buffer),
	}
}

// Events returns the event channel. It is closed by Close.
func (m *EventManager) Events() <-chan SecurityEvent {
	return m.events
}

// SessionID identifies this stream's security session in logs.
func (m *EventManager) SessionID() uuid.UUID {
	return m.sessionID
}

// MediaType returns the stream media type.
func (m *EventManager) MediaType() MediaType {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.media
}

func (m *EventManager) setMediaType(media MediaType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.media = media
}

// Result returns a view on the result this manager owns.
func (m *EventManager) Result() ResultView {
	return ResultView{r: &m.own}
}

// SetMaster makes this manager report the master's SAS and verification
// state instead of its own.
func (m *EventManager) SetMaster(master ResultView) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.master = master
}

func (m *EventManager) view() ResultView {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.master.Valid() {
		return m.master
	}
	return ResultView{r: &m.own}
}

// SecurityString returns the SAS to display.
func (m *EventManager) SecurityString() string {
	return m.view().SAS()
}

// IsSecurityVerified reports whether the SAS was confirmed.
func (m *EventManager) IsSecurityVerified() bool {
	return m.view().Verified()
}

// CipherString returns the cipher protecting this stream.
func (m *EventManager) CipherString() string {
	return ResultView{r: &m.own}.Cipher()
}

// SetSASVerified records the user's SAS decision and emits a SASEvent.
// On a slave the event carries the master's SAS.
func (m *EventManager) SetSASVerified(verified bool) {
	m.own.setVerified(verified)
	m.emit(SASEvent{SAS: m.SecurityString(), Verified: verified})
}

func (m *EventManager) secureOn(cipher, sas string, verified, multi bool) {
	m.own.secure(cipher, sas, verified)
	m.metrics.securedSessions.Inc()

	v := m.view()
	logrus.WithFields(logrus.Fields{
		"function":    "EventManager.secureOn",
		"session":     m.sessionID.String(),
		"media":       m.MediaType().String(),
		"cipher":      cipher,
		"multistream": multi,
		"verified":    v.Verified(),
	}).Info("Media stream secured")

	m.emit(SecureOn{Cipher: cipher, SAS: v.SAS(), Verified: v.Verified(), MultiStream: multi})

	m.mu.Lock()
	hook := m.onSecure
	m.mu.Unlock()
	if hook != nil {
		hook()
	}
}

func (m *EventManager) secureOff() {
	m.own.clear()
	m.emit(SecureOff{})
}

// info handles zrtp.Callback.SendInfo.
func (m *EventManager) info(severity zrtp.Severity, code int) {
	switch severity {
	case zrtp.Info:
		logrus.WithFields(logrus.Fields{
			"function": "EventManager.info",
			"session":  m.sessionID.String(),
			"code":     code,
		}).Debug("ZRTP progress")
		if code == zrtp.InfoSecureStateOff {
			m.secureOff()
		}
	case zrtp.Warning:
		logrus.WithFields(logrus.Fields{
			"function": "EventManager.info",
			"session":  m.sessionID.String(),
			"code":     code,
		}).Warn("ZRTP warning")
		m.emit(Warning{Code: code})
	case zrtp.Severe:
		m.emit(Severe{Code: code})
	}
}

// failed handles zrtp.Callback.NegotiationFailed.
func (m *EventManager) failed(severity zrtp.Severity, code int) {
	m.own.clear()
	m.metrics.failedSessions.Inc()

	logrus.WithFields(logrus.Fields{
		"function": "EventManager.failed",
		"session":  m.sessionID.String(),
		"media":    m.MediaType().String(),
		"severity": severity.String(),
		"code":     code,
	}).Warn("Key agreement failed")

	if isTimeout(severity, code) {
		m.emit(Timeout{})
	}
	m.emit(NegotiationFailed{Severity: severity, Code: code})
}

func (m *EventManager) notSupported() {
	m.own.clear()
	m.emit(NotSupported{})
}

func isTimeout(severity zrtp.Severity, code int) bool {
	switch severity {
	case zrtp.Severe:
		return code == zrtp.SevereTooMuchRetries || code == zrtp.SevereNoTimer
	case zrtp.ZrtpError:
		return zrtp.ErrorCode(code) == zrtp.ErrProtocolTimeout
	}
	return false
}

func (m *EventManager) setSecureHook(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onSecure = fn
}

// emit delivers ev without blocking. A full channel drops the event.
func (m *EventManager) emit(ev SecurityEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	select {
	case m.events <- ev:
	default:
		m.metrics.droppedEvents.Inc()
		logrus.WithFields(logrus.Fields{
			"function": "EventManager.emit",
			"session":  m.sessionID.String(),
			"event":    eventName(ev),
		}).Warn("Security event channel full, dropping event")
	}
}

// Close closes the event channel. Later events are discarded.
func (m *EventManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	close(m.events)
}

func eventName(ev SecurityEvent) string {
	switch ev.(type) {
	case SecureOn:
		return "secure-on"
	case SecureOff:
		return "secure-off"
	case SASEvent:
		return "sas"
	case Warning:
		return "warning"
	case Severe:
		return "severe"
	case NegotiationFailed:
		return "negotiation-failed"
	case Timeout:
		return "timeout"
	case NotSupported:
		return "not-supported"
	default:
		return "unknown"
	}
}
