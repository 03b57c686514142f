package keystore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/opd-ai/securemedia/crypto"
)

// TrustState is the user's decision about a peer identity key.
type TrustState int

const (
	TrustUndecided TrustState = iota
	TrustTrusted
	TrustUntrusted
)

// String returns the state name.
func (t TrustState) String() string {
	switch t {
	case TrustTrusted:
		return "trusted"
	case TrustUntrusted:
		return "untrusted"
	default:
		return "undecided"
	}
}

// Device names one device of an account.
type Device struct {
	Name string
	ID   uint32
}

func (d Device) key() string {
	return d.Name + "_" + strconv.FormatUint(uint64(d.ID), 10)
}

// PreKey is a one-time pre key.
type PreKey struct {
	ID      uint32
	KeyPair crypto.KeyPair
}

// SignedPreKey is a medium-term pre key with the identity key's signature.
type SignedPreKey struct {
	ID        uint32
	KeyPair   crypto.KeyPair
	Signature []byte
	Created   time.Time
}

// IdentityKeyStore is the identity and session key store consumed by the
// secure media stack. Load methods return ErrKeyNotFound for absent
// records and ErrCorruptedKey for records that fail to decode.
type IdentityKeyStore interface {
	LoadPreKey(ctx context.Context, id uint32) (*PreKey, error)
	StorePreKey(ctx context.Context, pk *PreKey) error
	RemovePreKey(ctx context.Context, id uint32) error

	LoadSignedPreKey(ctx context.Context, id uint32) (*SignedPreKey, error)
	StoreSignedPreKey(ctx context.Context, spk *SignedPreKey) error

	LoadIdentityKeyPair(ctx context.Context, device Device) (*crypto.KeyPair, error)
	StoreIdentityKeyPair(ctx context.Context, device Device, kp *crypto.KeyPair) error

	LoadSession(ctx context.Context, device Device) ([]byte, error)
	StoreSession(ctx context.Context, device Device, session []byte) error

	GetFingerprintStatus(ctx context.Context, device Device, fingerprint string) (TrustState, error)
	SetFingerprintStatus(ctx context.Context, device Device, fingerprint string, state TrustState) error
}

type keyPairRecord struct {
	Public  []byte `json:"public"`
	Private []byte `json:"private"`
}

type preKeyRecord struct {
	ID        uint32        `json:"id"`
	KeyPair   keyPairRecord `json:"key_pair"`
	Signature []byte        `json:"signature,omitempty"`
	Created   time.Time     `json:"created,omitempty"`
}

type sessionRecord struct {
	Data    []byte    `json:"data"`
	Updated time.Time `json:"updated"`
}

type trustRecord struct {
	State   TrustState `json:"state"`
	Updated time.Time  `json:"updated"`
}

// Store implements IdentityKeyStore on a Backend.
type Store struct {
	backend Backend
	clock   crypto.TimeProvider
}

// NewStore creates a Store over backend.
func NewStore(backend Backend) *Store {
	return &Store{backend: backend, clock: crypto.DefaultTimeProvider{}}
}

// SetTimeProvider replaces the clock used for record timestamps.
func (s *Store) SetTimeProvider(tp crypto.TimeProvider) {
	s.clock = crypto.OrDefault(tp)
}

// Backend returns the underlying backend.
func (s *Store) Backend() Backend {
	return s.backend
}

func preKeyKey(id uint32) string {
	return "prekey." + strconv.FormatUint(uint64(id), 10)
}

func signedPreKeyKey(id uint32) string {
	return "signedprekey." + strconv.FormatUint(uint64(id), 10)
}

// LoadPreKey implements IdentityKeyStore.
func (s *Store) LoadPreKey(ctx context.Context, id uint32) (*PreKey, error) {
	var rec preKeyRecord
	if err := s.getJSON(ctx, preKeyKey(id), &rec); err != nil {
		return nil, err
	}
	kp, err := rec.KeyPair.keyPair()
	if err != nil {
		return nil, fmt.Errorf("%w: pre key %d: %v", ErrCorruptedKey, id, err)
	}
	return &PreKey{ID: rec.ID, KeyPair: *kp}, nil
}

// StorePreKey implements IdentityKeyStore.
func (s *Store) StorePreKey(ctx context.Context, pk *PreKey) error {
	rec := preKeyRecord{ID: pk.ID, KeyPair: newKeyPairRecord(&pk.KeyPair)}
	return s.putJSON(ctx, preKeyKey(pk.ID), rec)
}

// RemovePreKey implements IdentityKeyStore.
func (s *Store) RemovePreKey(ctx context.Context, id uint32) error {
	return s.backend.Delete(ctx, preKeyKey(id))
}

// LoadSignedPreKey implements IdentityKeyStore.
func (s *Store) LoadSignedPreKey(ctx context.Context, id uint32) (*SignedPreKey, error) {
	var rec preKeyRecord
	if err := s.getJSON(ctx, signedPreKeyKey(id), &rec); err != nil {
		return nil, err
	}
	kp, err := rec.KeyPair.keyPair()
	if err != nil {
		return nil, fmt.Errorf("%w: signed pre key %d: %v", ErrCorruptedKey, id, err)
	}
	return &SignedPreKey{ID: rec.ID, KeyPair: *kp, Signature: rec.Signature, Created: rec.Created}, nil
}

// StoreSignedPreKey implements IdentityKeyStore.
func (s *Store) StoreSignedPreKey(ctx context.Context, spk *SignedPreKey) error {
	rec := preKeyRecord{
		ID:        spk.ID,
		KeyPair:   newKeyPairRecord(&spk.KeyPair),
		Signature: spk.Signature,
		Created:   spk.Created,
	}
	if rec.Created.IsZero() {
		rec.Created = s.clock.Now()
	}
	return s.putJSON(ctx, signedPreKeyKey(spk.ID), rec)
}

// LoadIdentityKeyPair implements IdentityKeyStore. The public half is
// recomputed from the private half; a mismatch means corruption.
func (s *Store) LoadIdentityKeyPair(ctx context.Context, device Device) (*crypto.KeyPair, error) {
	var rec keyPairRecord
	if err := s.getJSON(ctx, "identity."+device.key(), &rec); err != nil {
		return nil, err
	}
	kp, err := rec.keyPair()
	if err != nil {
		logger := crypto.NewPackageLogger("keystore", "Store.LoadIdentityKeyPair").
			WithField("device", device.key()).
			WithError(err, "corrupted", "load_identity")
		logger.Warn("Identity key pair failed validation")
		return nil, fmt.Errorf("%w: identity of %s: %v", ErrCorruptedKey, device.key(), err)
	}
	return kp, nil
}

// StoreIdentityKeyPair implements IdentityKeyStore.
func (s *Store) StoreIdentityKeyPair(ctx context.Context, device Device, kp *crypto.KeyPair) error {
	crypto.NewPackageLogger("keystore", "Store.StoreIdentityKeyPair").
		WithField("device", device.key()).
		WithKey("public_key", kp.Public[:]).
		Debug("Storing identity key pair")
	return s.putJSON(ctx, "identity."+device.key(), newKeyPairRecord(kp))
}

// LoadSession implements IdentityKeyStore.
func (s *Store) LoadSession(ctx context.Context, device Device) ([]byte, error) {
	var rec sessionRecord
	if err := s.getJSON(ctx, "session."+device.key(), &rec); err != nil {
		return nil, err
	}
	return rec.Data, nil
}

// StoreSession implements IdentityKeyStore.
func (s *Store) StoreSession(ctx context.Context, device Device, session []byte) error {
	return s.putJSON(ctx, "session."+device.key(), sessionRecord{Data: session, Updated: s.clock.Now()})
}

func trustKey(device Device, fingerprint string) string {
	return "trust." + device.key() + "." + fingerprint
}

// GetFingerprintStatus implements IdentityKeyStore. Unknown fingerprints
// are undecided.
func (s *Store) GetFingerprintStatus(ctx context.Context, device Device, fingerprint string) (TrustState, error) {
	var rec trustRecord
	err := s.getJSON(ctx, trustKey(device, fingerprint), &rec)
	if errors.Is(err, ErrKeyNotFound) {
		return TrustUndecided, nil
	}
	if err != nil {
		return TrustUndecided, err
	}
	return rec.State, nil
}

// SetFingerprintStatus implements IdentityKeyStore.
func (s *Store) SetFingerprintStatus(ctx context.Context, device Device, fingerprint string, state TrustState) error {
	return s.putJSON(ctx, trustKey(device, fingerprint), trustRecord{State: state, Updated: s.clock.Now()})
}

func (s *Store) getJSON(ctx context.Context, key string, v interface{}) error {
	data, err := s.backend.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCorruptedKey, key, err)
	}
	return nil
}

func (s *Store) putJSON(ctx context.Context, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	return s.backend.Put(ctx, key, data)
}

func newKeyPairRecord(kp *crypto.KeyPair) keyPairRecord {
	return keyPairRecord{
		Public:  append([]byte(nil), kp.Public[:]...),
		Private: append([]byte(nil), kp.Private[:]...),
	}
}

func (r keyPairRecord) keyPair() (*crypto.KeyPair, error) {
	if len(r.Private) != 32 || len(r.Public) != 32 {
		return nil, fmt.Errorf("key lengths %d/%d", len(r.Public), len(r.Private))
	}
	var priv [32]byte
	copy(priv[:], r.Private)
	kp, err := crypto.FromSecretKey(priv)
	if err != nil {
		return nil, err
	}
	if string(kp.Public[:]) != string(r.Public) {
		return nil, errors.New("public key does not match private key")
	}
	return kp, nil
}

var _ IdentityKeyStore = (*Store)(nil)
