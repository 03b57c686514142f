package srtp

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/rtcp"
	"github.com/pion/srtp/v2"
	"github.com/sirupsen/logrus"
)

// DefaultReplayWindow is the replay protection window used when the caller
// passes zero.
const DefaultReplayWindow = 64

// Transformer protects or unprotects one direction of a media flow.
// All methods are safe for concurrent use; after Close they return
// ErrTransformerClosed.
type Transformer struct {
	mu     sync.Mutex
	ctx    *srtp.Context
	policy Policy
	closed bool
}

// NewTransformer creates a transformer from a master key and salt.
func NewTransformer(key, salt []byte, policy Policy, replayWindow uint) (*Transformer, error) {
	profile, err := policy.Profile()
	if err != nil {
		return nil, err
	}
	if len(key) != policy.KeyLength || len(salt) != policy.SaltLength {
		return nil, fmt.Errorf("%w: key %d salt %d for %s", ErrInvalidKeyLength, len(key), len(salt), policy)
	}
	if replayWindow == 0 {
		replayWindow = DefaultReplayWindow
	}

	ctx, err := srtp.CreateContext(key, salt, profile,
		srtp.SRTPReplayProtection(replayWindow),
		srtp.SRTCPReplayProtection(replayWindow),
	)
	if err != nil {
		return nil, fmt.Errorf("create SRTP context: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "NewTransformer",
		"policy":   policy.String(),
		"window":   replayWindow,
	}).Debug("SRTP transformer created")

	return &Transformer{ctx: ctx, policy: policy}, nil
}

// Policy returns the policy the transformer was built with.
func (t *Transformer) Policy() Policy {
	return t.policy
}

// EncryptRTP protects one RTP packet and returns a new buffer.
func (t *Transformer) EncryptRTP(packet []byte) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrTransformerClosed
	}
	out, err := t.ctx.EncryptRTP(nil, packet, nil)
	if err != nil {
		return nil, fmt.Errorf("encrypt RTP: %w", err)
	}
	return out, nil
}

// DecryptRTP verifies and decrypts one SRTP packet.
func (t *Transformer) DecryptRTP(packet []byte) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrTransformerClosed
	}
	out, err := t.ctx.DecryptRTP(nil, packet, nil)
	if err != nil {
		return nil, errors.Join(ErrAuthFailed, err)
	}
	return out, nil
}

// EncryptRTCP protects one compound RTCP packet.
func (t *Transformer) EncryptRTCP(packet []byte) ([]byte, error) {
	var header rtcp.Header
	if err := header.Unmarshal(packet); err != nil {
		return nil, fmt.Errorf("parse RTCP header: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrTransformerClosed
	}
	out, err := t.ctx.EncryptRTCP(nil, packet, &header)
	if err != nil {
		return nil, fmt.Errorf("encrypt RTCP: %w", err)
	}
	return out, nil
}

// DecryptRTCP verifies and decrypts one SRTCP packet.
func (t *Transformer) DecryptRTCP(packet []byte) ([]byte, error) {
	var header rtcp.Header
	if err := header.Unmarshal(packet); err != nil {
		return nil, fmt.Errorf("parse RTCP header: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrTransformerClosed
	}
	out, err := t.ctx.DecryptRTCP(nil, packet, &header)
	if err != nil {
		return nil, errors.Join(ErrAuthFailed, err)
	}
	return out, nil
}

// Close releases the context. Calling Close more than once is a no-op.
func (t *Transformer) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	t.ctx = nil
	return nil
}

// Closed reports whether Close was called.
func (t *Transformer) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}
