package keystore

import (
	"context"
	"testing"
	"time"

	"github.com/opd-ai/securemedia/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreIdentityKeyPair(t *testing.T) {
	ctx := context.Background()
	s := NewStore(NewMemoryBackend())
	dev := Device{Name: "alice@example.org", ID: 7}

	_, err := s.LoadIdentityKeyPair(ctx, dev)
	assert.ErrorIs(t, err, ErrKeyNotFound)

	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	require.NoError(t, s.StoreIdentityKeyPair(ctx, dev, kp))

	got, err := s.LoadIdentityKeyPair(ctx, dev)
	require.NoError(t, err)
	assert.Equal(t, kp.Public, got.Public)
	assert.Equal(t, kp.Private, got.Private)
}

func TestStoreDetectsCorruption(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	s := NewStore(backend)
	dev := Device{Name: "bob", ID: 1}

	require.NoError(t, backend.Put(ctx, "identity."+dev.key(), []byte("{not json")))
	_, err := s.LoadIdentityKeyPair(ctx, dev)
	assert.ErrorIs(t, err, ErrCorruptedKey)

	// Well-formed JSON whose public key does not belong to the private key.
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	rec := newKeyPairRecord(kp)
	rec.Public[0] ^= 0xff
	require.NoError(t, s.putJSON(ctx, "identity."+dev.key(), rec))
	_, err = s.LoadIdentityKeyPair(ctx, dev)
	assert.ErrorIs(t, err, ErrCorruptedKey)
	assert.NotErrorIs(t, err, ErrKeyNotFound)
}

func TestStorePreKeys(t *testing.T) {
	ctx := context.Background()
	s := NewStore(NewMemoryBackend())
	clock := crypto.NewManualTimeProvider(time.Unix(1_700_000_000, 0))
	s.SetTimeProvider(clock)

	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	require.NoError(t, s.StorePreKey(ctx, &PreKey{ID: 3, KeyPair: *kp}))
	pk, err := s.LoadPreKey(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, kp.Public, pk.KeyPair.Public)

	require.NoError(t, s.RemovePreKey(ctx, 3))
	_, err = s.LoadPreKey(ctx, 3)
	assert.ErrorIs(t, err, ErrKeyNotFound)

	require.NoError(t, s.StoreSignedPreKey(ctx, &SignedPreKey{ID: 1, KeyPair: *kp, Signature: []byte{1, 2}}))
	spk, err := s.LoadSignedPreKey(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2}, spk.Signature)
	assert.True(t, clock.Now().Equal(spk.Created))
}

func TestStoreSessionsAndTrust(t *testing.T) {
	ctx := context.Background()
	s := NewStore(NewMemoryBackend())
	dev := Device{Name: "carol", ID: 2}

	require.NoError(t, s.StoreSession(ctx, dev, []byte("ratchet")))
	sess, err := s.LoadSession(ctx, dev)
	require.NoError(t, err)
	assert.Equal(t, []byte("ratchet"), sess)

	state, err := s.GetFingerprintStatus(ctx, dev, "abcd")
	require.NoError(t, err)
	assert.Equal(t, TrustUndecided, state)

	require.NoError(t, s.SetFingerprintStatus(ctx, dev, "abcd", TrustUntrusted))
	state, err = s.GetFingerprintStatus(ctx, dev, "abcd")
	require.NoError(t, err)
	assert.Equal(t, TrustUntrusted, state)
	assert.Equal(t, "untrusted", state.String())
}
