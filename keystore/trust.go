package keystore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// TrustCallback answers trust questions about peer identity keys. GetTrust
// may block while a user decides.
type TrustCallback interface {
	GetTrust(device Device, fingerprint string) (TrustState, error)
	SetTrust(device Device, fingerprint string, state TrustState) error
}

// PromptFunc asks the user about an undecided fingerprint.
type PromptFunc func(device Device, fingerprint string) TrustState

// TrustManager implements TrustCallback over an IdentityKeyStore.
type TrustManager struct {
	store   IdentityKeyStore
	prompt  PromptFunc
	timeout time.Duration
}

// NewTrustManager creates a TrustManager. prompt may be nil, in which case
// undecided fingerprints stay undecided.
func NewTrustManager(store IdentityKeyStore, prompt PromptFunc) *TrustManager {
	return &TrustManager{store: store, prompt: prompt, timeout: 5 * time.Second}
}

// GetTrust returns the stored decision, prompting for undecided
// fingerprints. A decision made at the prompt is persisted.
func (m *TrustManager) GetTrust(device Device, fingerprint string) (TrustState, error) {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	state, err := m.store.GetFingerprintStatus(ctx, device, fingerprint)
	if err != nil {
		return TrustUndecided, fmt.Errorf("load trust for %s: %w", device.key(), err)
	}
	if state != TrustUndecided || m.prompt == nil {
		return state, nil
	}

	state = m.prompt(device, fingerprint)
	if state == TrustUndecided {
		return state, nil
	}
	if err := m.store.SetFingerprintStatus(ctx, device, fingerprint, state); err != nil {
		return state, fmt.Errorf("store trust for %s: %w", device.key(), err)
	}
	return state, nil
}

// SetTrust records a trust decision.
func (m *TrustManager) SetTrust(device Device, fingerprint string, state TrustState) error {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	logrus.WithFields(logrus.Fields{
		"function":    "TrustManager.SetTrust",
		"device":      device.key(),
		"fingerprint": fingerprint,
		"state":       state.String(),
	}).Info("Updating fingerprint trust")
	return m.store.SetFingerprintStatus(ctx, device, fingerprint, state)
}

// Fingerprint returns the hex fingerprint of a key: SHA-256 truncated to
// 10 bytes.
func Fingerprint(key []byte) string {
	sum := sha256.Sum256(key)
	return hex.EncodeToString(sum[:10])
}

var _ TrustCallback = (*TrustManager)(nil)
