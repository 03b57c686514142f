package keystore

import "errors"

var (
	// ErrKeyNotFound is returned when no record exists under a key.
	ErrKeyNotFound = errors.New("key not found")
	// ErrCorruptedKey is returned when a record exists but cannot be decoded.
	ErrCorruptedKey = errors.New("corrupted key")
	// ErrBackendClosed is returned by operations on a closed backend.
	ErrBackendClosed = errors.New("backend closed")
	// ErrInvalidKey is returned for keys a backend cannot represent.
	ErrInvalidKey = errors.New("invalid key")
)
