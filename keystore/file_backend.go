package keystore

import (
	"context"
	"errors"
	"fmt"

	"github.com/opd-ai/securemedia/crypto"
)

// FileBackend stores every record as its own encrypted file.
type FileBackend struct {
	ks *crypto.EncryptedKeyStore
}

// NewFileBackend opens or creates an encrypted store in dir. The password
// is wiped once the storage key has been derived.
func NewFileBackend(dir string, password []byte) (*FileBackend, error) {
	ks, err := crypto.NewEncryptedKeyStore(dir, password)
	if err != nil {
		return nil, fmt.Errorf("open file backend: %w", err)
	}
	return &FileBackend{ks: ks}, nil
}

// Get implements Backend.
func (f *FileBackend) Get(_ context.Context, key string) ([]byte, error) {
	v, err := f.ks.ReadEncrypted(key)
	if err != nil {
		return nil, mapStoreError(key, err)
	}
	return v, nil
}

// Put implements Backend.
func (f *FileBackend) Put(_ context.Context, key string, value []byte) error {
	if err := f.ks.WriteEncrypted(key, value); err != nil {
		return mapStoreError(key, err)
	}
	return nil
}

// Delete implements Backend.
func (f *FileBackend) Delete(_ context.Context, key string) error {
	err := f.ks.DeleteEncrypted(key)
	if err != nil && !errors.Is(err, crypto.ErrRecordNotFound) {
		return mapStoreError(key, err)
	}
	return nil
}

// List implements Backend.
func (f *FileBackend) List(_ context.Context, prefix string) ([]string, error) {
	names, err := f.ks.List(prefix)
	if err != nil {
		return nil, mapStoreError(prefix, err)
	}
	return names, nil
}

// Rekey re-encrypts all records under a new password.
func (f *FileBackend) Rekey(password []byte) error {
	return f.ks.RotateKey(password)
}

// Close implements Backend.
func (f *FileBackend) Close() error {
	return f.ks.Close()
}

func mapStoreError(key string, err error) error {
	switch {
	case errors.Is(err, crypto.ErrRecordNotFound):
		return fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	case errors.Is(err, crypto.ErrRecordCorrupted):
		return fmt.Errorf("%w: %s: %v", ErrCorruptedKey, key, err)
	case errors.Is(err, crypto.ErrStoreClosed):
		return ErrBackendClosed
	case errors.Is(err, crypto.ErrInvalidRecordName):
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	default:
		return err
	}
}

var _ Backend = (*FileBackend)(nil)
