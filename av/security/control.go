package security

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sync"

	"github.com/opd-ai/securemedia/av/zrtp"
	"github.com/opd-ai/securemedia/keystore"
	"github.com/sirupsen/logrus"
)

// MediaType identifies the media carried by a stream.
type MediaType int

const (
	MediaAudio MediaType = iota
	MediaVideo
	MediaData
)

// String returns the media type name.
func (m MediaType) String() string {
	switch m {
	case MediaAudio:
		return "audio"
	case MediaVideo:
		return "video"
	case MediaData:
		return "data"
	default:
		return fmt.Sprintf("media(%d)", int(m))
	}
}

// accountSaltLength is the size of a freshly generated account salt.
const accountSaltLength = 32

// PropertyStore is the configuration service holding persistent account
// properties. *viper.Viper satisfies it.
type PropertyStore interface {
	GetString(key string) string
	Set(key string, value interface{})
}

// GenerateMyZid derives the local ZID used towards one peer: the first 12
// bytes of SHA-256(accountSalt || peerBare).
func GenerateMyZid(accountSalt []byte, peerBare string) zrtp.ZID {
	h := sha256.New()
	h.Write(accountSalt)
	h.Write([]byte(peerBare))
	var zid zrtp.ZID
	copy(zid[:], h.Sum(nil))
	return zid
}

// AccountSalt returns the hex encoded salt stored under key, generating
// and storing a new one when the property is empty.
func AccountSalt(props PropertyStore, key string) ([]byte, error) {
	if v := props.GetString(key); v != "" {
		salt, err := hex.DecodeString(v)
		if err != nil || len(salt) == 0 {
			return nil, fmt.Errorf("%w: property %q", ErrInvalidSalt, key)
		}
		return salt, nil
	}

	salt := make([]byte, accountSaltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate account salt: %w", err)
	}
	props.Set(key, hex.EncodeToString(salt))

	logrus.WithFields(logrus.Fields{
		"function": "AccountSalt",
		"key":      key,
	}).Info("Generated new account salt")
	return salt, nil
}

// ControlOptions configures a Control.
type ControlOptions struct {
	Config    *Config
	Scheduler *Scheduler
	Opener    keystore.CacheOpener
	// Trust receives SAS decisions for the peer's ZID fingerprint. It may
	// be nil.
	Trust keystore.TrustCallback
	// Writer carries outgoing ZRTP packets.
	Writer io.Writer

	AccountSalt []byte
	// PeerBare is the peer identity without resource, e.g. user@host.
	PeerBare string
	// IdentityFile names the ZID cache. Empty uses "zrtp".
	IdentityFile string
}

// Control orchestrates the key agreement of one media stream in a call.
// The audio stream is the master; other streams are multistream slaves
// bound with SetMultistream.
type Control struct {
	opts   ControlOptions
	cfg    *Config
	zid    zrtp.ZID
	engine *TransformEngine
	events *EventManager

	mu      sync.Mutex
	master  *Control
	slaves  []*Control
	started bool
	closed  bool
}

// NewControl creates a control with an uninitialized engine.
func NewControl(opts ControlOptions) (*Control, error) {
	cfg := opts.Config.orDefault()
	if opts.IdentityFile == "" {
		opts.IdentityFile = "zrtp"
	}
	events := NewEventManager(MediaAudio, cfg.EventBuffer, cfg.Metrics)
	engine, err := NewTransformEngine(cfg, opts.Scheduler, opts.Opener, events, opts.Writer)
	if err != nil {
		return nil, fmt.Errorf("create transform engine: %w", err)
	}
	return &Control{
		opts:   opts,
		cfg:    cfg,
		zid:    GenerateMyZid(opts.AccountSalt, opts.PeerBare),
		engine: engine,
		events: events,
	}, nil
}

// Engine returns the transform engine for the media path.
func (c *Control) Engine() *TransformEngine {
	return c.engine
}

// ZID returns the local ZID towards the peer.
func (c *Control) ZID() zrtp.ZID {
	return c.zid
}

// MediaType returns the media type given to Start.
func (c *Control) MediaType() MediaType {
	return c.events.MediaType()
}

// Events returns the channel of security events for this stream.
func (c *Control) Events() <-chan SecurityEvent {
	return c.events.Events()
}

// SessionID identifies the stream's security session.
func (c *Control) SessionID() string {
	return c.events.SessionID().String()
}

// SetMultistream binds this control as a slave of master. It must be
// called before Start.
func (c *Control) SetMultistream(master *Control) {
	if master == nil || master == c {
		return
	}
	c.mu.Lock()
	c.master = master
	c.mu.Unlock()
	c.events.SetMaster(master.events.Result())
}

// IsMaster reports whether the stream runs its own DH key agreement.
func (c *Control) IsMaster() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.master == nil
}

// Start initializes the engine for mediaType. The master starts the key
// agreement immediately; a slave starts once its master is secured.
func (c *Control) Start(mediaType MediaType) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrEngineClosed
	}
	if c.started {
		c.mu.Unlock()
		return nil
	}
	if mediaType == MediaAudio && c.master != nil {
		// Audio always runs the full key agreement.
		c.master = nil
		c.events.SetMaster(ResultView{})
	}
	master := c.master
	c.started = true
	c.mu.Unlock()

	c.events.setMediaType(mediaType)

	// Slaves never start lazily: startSlave installs the multistream
	// parameters before the explicit start.
	if !c.engine.Initialize(c.opts.IdentityFile, master == nil, c.cfg.ZRTP, c.zid) {
		c.mu.Lock()
		c.started = false
		c.mu.Unlock()
		return ErrNotInitialized
	}

	logrus.WithFields(logrus.Fields{
		"function": "Control.Start",
		"session":  c.SessionID(),
		"media":    mediaType.String(),
		"master":   master == nil,
	}).Info("Starting ZRTP control")

	if master == nil {
		c.events.setSecureHook(c.masterSecured)
		c.engine.StartZrtp()
		return nil
	}

	if !master.addSlave(c) {
		return c.startSlave(master)
	}
	return nil
}

// addSlave registers s to be started once c is secured. It returns false
// when c is already secured.
func (c *Control) addSlave(s *Control) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.events.Result().Secured() {
		return false
	}
	c.slaves = append(c.slaves, s)
	return true
}

func (c *Control) removeSlave(s *Control) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, other := range c.slaves {
		if other == s {
			c.slaves = append(c.slaves[:i], c.slaves[i+1:]...)
			return
		}
	}
}

// masterSecured runs from the protocol callback with the master engine
// locked, so the slaves start on their own goroutine.
func (c *Control) masterSecured() {
	c.mu.Lock()
	slaves := c.slaves
	c.slaves = nil
	c.mu.Unlock()
	if len(slaves) == 0 {
		return
	}
	go func() {
		for _, s := range slaves {
			if err := s.startSlave(c); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "Control.masterSecured",
					"session":  s.SessionID(),
					"error":    err.Error(),
				}).Warn("Failed to start multistream slave")
			}
		}
	}()
}

func (c *Control) startSlave(master *Control) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrEngineClosed
	}
	c.mu.Unlock()

	if master == nil {
		return ErrNoMaster
	}
	params, ok := master.engine.MultiStreamParams()
	if !ok {
		return fmt.Errorf("%w: master %s has no multistream parameters", ErrNoMaster, master.SessionID())
	}
	c.engine.SetMultiStreamParams(params)
	c.engine.StartZrtp()
	return nil
}

// Stop ends the key agreement and removes the SRTP contexts.
func (c *Control) Stop() {
	c.engine.StopZrtp()
}

// Close releases the engine and closes the event channel. It is
// idempotent.
func (c *Control) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	master := c.master
	c.mu.Unlock()

	if master != nil {
		master.removeSlave(c)
	}
	err := c.engine.Close()
	c.events.Close()
	return err
}

// SecureCommunicationStatus reports whether SRTP protects the stream.
func (c *Control) SecureCommunicationStatus() bool {
	return c.engine.GetSecureCommunicationStatus()
}

// SecurityString returns the SAS to display. Slaves return the master's.
func (c *Control) SecurityString() string {
	return c.events.SecurityString()
}

// IsSecurityVerified reports whether the SAS was confirmed. Slaves return
// the master's state.
func (c *Control) IsSecurityVerified() bool {
	return c.events.IsSecurityVerified()
}

// CipherString returns the cipher protecting this stream.
func (c *Control) CipherString() string {
	return c.events.CipherString()
}

// SetMuted drops unprotected inbound media while muted.
func (c *Control) SetMuted(muted bool) {
	c.engine.SetMuted(muted)
}

// PeerDevice returns the trust store device that stands for the peer.
func (c *Control) PeerDevice() keystore.Device {
	return keystore.Device{Name: c.opts.PeerBare}
}

// PeerFingerprint returns the fingerprint of the peer's ZID, empty before
// the peer's Hello arrived.
func (c *Control) PeerFingerprint() string {
	peer := c.engine.PeerZID()
	if peer.IsZero() {
		return ""
	}
	return keystore.Fingerprint(peer[:])
}

// PeerTrust asks the trust callback for the peer's current trust state.
func (c *Control) PeerTrust() (keystore.TrustState, error) {
	fp := c.PeerFingerprint()
	if c.opts.Trust == nil || fp == "" {
		return keystore.TrustUndecided, nil
	}
	return c.opts.Trust.GetTrust(c.PeerDevice(), fp)
}

// SetSASVerification records the user's SAS comparison. It is persisted
// in the ZID cache by the master engine and stored as trust for the
// peer's fingerprint. On a slave it applies to the master.
func (c *Control) SetSASVerification(verified bool) error {
	c.mu.Lock()
	master := c.master
	c.mu.Unlock()

	if master != nil {
		err := master.SetSASVerification(verified)
		c.events.SetSASVerified(verified)
		return err
	}

	c.engine.SetSASVerified(verified)
	c.events.SetSASVerified(verified)

	fp := c.PeerFingerprint()
	if c.opts.Trust == nil || fp == "" {
		return nil
	}
	state := keystore.TrustUntrusted
	if verified {
		state = keystore.TrustTrusted
	}
	if err := c.opts.Trust.SetTrust(c.PeerDevice(), fp, state); err != nil {
		return fmt.Errorf("store SAS trust: %w", err)
	}
	return nil
}
