package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/crypto/pbkdf2"
)

// EncryptedKeyStore stores named records in a directory, each sealed with
// AES-256-GCM under a key derived from a master password.
type EncryptedKeyStore struct {
	mu            sync.RWMutex
	encryptionKey [32]byte
	dataDir       string
	saltFile      string
	closed        bool
}

const (
	// PBKDF2Iterations is the number of iterations for key derivation.
	PBKDF2Iterations = 100000
	// EncryptionVersion is the current record format version.
	EncryptionVersion = 1
	// SaltSize is the size of the PBKDF2 salt.
	SaltSize = 32

	saltFileName = ".salt"
	tmpSuffix    = ".tmp"
)

var (
	// ErrRecordNotFound is returned when a named record does not exist.
	ErrRecordNotFound = errors.New("record not found")
	// ErrRecordCorrupted is returned when a record fails to decrypt or parse.
	ErrRecordCorrupted = errors.New("record corrupted")
	// ErrStoreClosed is returned by operations on a closed store.
	ErrStoreClosed = errors.New("key store closed")
	// ErrInvalidRecordName is returned for names that would escape the store directory.
	ErrInvalidRecordName = errors.New("invalid record name")
)

// NewEncryptedKeyStore opens or creates a store rooted at dataDir.
// The master password is wiped after the key has been derived.
func NewEncryptedKeyStore(dataDir string, masterPassword []byte) (*EncryptedKeyStore, error) {
	logger := NewLogger("NewEncryptedKeyStore").WithField("data_dir", dataDir)

	if len(masterPassword) == 0 {
		return nil, fmt.Errorf("master password cannot be empty")
	}

	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	ks := &EncryptedKeyStore{
		dataDir:  dataDir,
		saltFile: filepath.Join(dataDir, saltFileName),
	}

	salt, err := ks.loadOrGenerateSalt()
	if err != nil {
		logger.WithError(err, "salt", "load_salt").Error("Failed to initialize salt")
		return nil, fmt.Errorf("failed to initialize salt: %w", err)
	}

	derivedKey := pbkdf2.Key(masterPassword, salt, PBKDF2Iterations, 32, sha256.New)
	copy(ks.encryptionKey[:], derivedKey)
	ZeroBytes(derivedKey)
	ZeroBytes(masterPassword)

	logger.Debug("Encrypted key store opened")
	return ks, nil
}

func (ks *EncryptedKeyStore) loadOrGenerateSalt() ([]byte, error) {
	data, err := os.ReadFile(ks.saltFile)
	if err == nil {
		if len(data) != SaltSize {
			return nil, fmt.Errorf("invalid salt file size: got %d, want %d", len(data), SaltSize)
		}
		return data, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read salt file: %w", err)
	}

	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	if err := os.WriteFile(ks.saltFile, salt, 0o600); err != nil {
		return nil, fmt.Errorf("failed to save salt: %w", err)
	}
	return salt, nil
}

func validRecordName(name string) bool {
	if name == "" || name == saltFileName || strings.HasSuffix(name, tmpSuffix) {
		return false
	}
	return !strings.ContainsAny(name, `/\`) && name != "." && name != ".."
}

func (ks *EncryptedKeyStore) newAEAD() (cipher.AEAD, error) {
	block, err := aes.NewCipher(ks.encryptionKey[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// WriteEncrypted seals plaintext and atomically replaces the named record.
// Format: [version:2][nonce:12][ciphertext+tag:N]
func (ks *EncryptedKeyStore) WriteEncrypted(name string, plaintext []byte) error {
	if !validRecordName(name) {
		return fmt.Errorf("%w: %q", ErrInvalidRecordName, name)
	}

	ks.mu.Lock()
	defer ks.mu.Unlock()
	if ks.closed {
		return ErrStoreClosed
	}
	return ks.writeLocked(name, plaintext)
}

func (ks *EncryptedKeyStore) writeLocked(name string, plaintext []byte) error {
	gcm, err := ks.newAEAD()
	if err != nil {
		return err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}

	// The record name is bound as associated data so records cannot be swapped.
	ciphertext := gcm.Seal(nil, nonce, plaintext, []byte(name))

	output := make([]byte, 2+len(nonce)+len(ciphertext))
	binary.BigEndian.PutUint16(output[0:2], EncryptionVersion)
	copy(output[2:2+len(nonce)], nonce)
	copy(output[2+len(nonce):], ciphertext)

	tmpFile := filepath.Join(ks.dataDir, name+tmpSuffix)
	finalFile := filepath.Join(ks.dataDir, name)

	if err := os.WriteFile(tmpFile, output, 0o600); err != nil {
		return fmt.Errorf("failed to write temporary file: %w", err)
	}
	if err := os.Rename(tmpFile, finalFile); err != nil {
		os.Remove(tmpFile)
		return fmt.Errorf("failed to rename file: %w", err)
	}
	return nil
}

// ReadEncrypted opens the named record. A missing record yields
// ErrRecordNotFound; a record that fails authentication yields
// ErrRecordCorrupted.
func (ks *EncryptedKeyStore) ReadEncrypted(name string) ([]byte, error) {
	if !validRecordName(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRecordName, name)
	}

	ks.mu.RLock()
	defer ks.mu.RUnlock()
	if ks.closed {
		return nil, ErrStoreClosed
	}
	return ks.readLocked(name)
}

func (ks *EncryptedKeyStore) readLocked(name string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(ks.dataDir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, name)
		}
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	gcm, err := ks.newAEAD()
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < 2+nonceSize+gcm.Overhead() {
		return nil, fmt.Errorf("%w: %s is %d bytes", ErrRecordCorrupted, name, len(data))
	}

	if version := binary.BigEndian.Uint16(data[0:2]); version != EncryptionVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrRecordCorrupted, version)
	}

	nonce := data[2 : 2+nonceSize]
	plaintext, err := gcm.Open(nil, nonce, data[2+nonceSize:], []byte(name))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrRecordCorrupted, name, err)
	}
	return plaintext, nil
}

// DeleteEncrypted overwrites and removes the named record. Deleting a
// missing record is not an error.
func (ks *EncryptedKeyStore) DeleteEncrypted(name string) error {
	if !validRecordName(name) {
		return fmt.Errorf("%w: %q", ErrInvalidRecordName, name)
	}

	ks.mu.Lock()
	defer ks.mu.Unlock()
	if ks.closed {
		return ErrStoreClosed
	}

	filePath := filepath.Join(ks.dataDir, name)
	info, err := os.Stat(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to stat file: %w", err)
	}

	// Best effort overwrite before unlinking.
	_ = os.WriteFile(filePath, make([]byte, info.Size()), 0o600)
	return os.Remove(filePath)
}

// List returns the names of all records with the given prefix, sorted.
func (ks *EncryptedKeyStore) List(prefix string) ([]string, error) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	if ks.closed {
		return nil, ErrStoreClosed
	}
	return ks.listLocked(prefix)
}

func (ks *EncryptedKeyStore) listLocked(prefix string) ([]string, error) {
	entries, err := os.ReadDir(ks.dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}

	var names []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !validRecordName(name) || !strings.HasPrefix(name, prefix) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// RotateKey re-encrypts every record under a key derived from a new
// master password and a fresh salt.
func (ks *EncryptedKeyStore) RotateKey(newMasterPassword []byte) error {
	if len(newMasterPassword) == 0 {
		return fmt.Errorf("new master password cannot be empty")
	}

	ks.mu.Lock()
	defer ks.mu.Unlock()
	if ks.closed {
		return ErrStoreClosed
	}

	names, err := ks.listLocked("")
	if err != nil {
		return err
	}

	records := make(map[string][]byte, len(names))
	for _, name := range names {
		plaintext, err := ks.readLocked(name)
		if err != nil {
			return fmt.Errorf("failed to decrypt %s: %w", name, err)
		}
		records[name] = plaintext
	}

	newSalt := make([]byte, SaltSize)
	if _, err := rand.Read(newSalt); err != nil {
		return fmt.Errorf("failed to generate new salt: %w", err)
	}

	newKey := pbkdf2.Key(newMasterPassword, newSalt, PBKDF2Iterations, 32, sha256.New)
	oldKey := ks.encryptionKey
	copy(ks.encryptionKey[:], newKey)
	ZeroBytes(newKey)

	for name, plaintext := range records {
		if err := ks.writeLocked(name, plaintext); err != nil {
			ks.encryptionKey = oldKey
			return fmt.Errorf("failed to re-encrypt %s: %w", name, err)
		}
		ZeroBytes(plaintext)
	}

	if err := os.WriteFile(ks.saltFile, newSalt, 0o600); err != nil {
		ks.encryptionKey = oldKey
		return fmt.Errorf("failed to save new salt: %w", err)
	}

	ZeroBytes(oldKey[:])
	ZeroBytes(newMasterPassword)
	return nil
}

// Close wipes the encryption key. Further operations return ErrStoreClosed.
func (ks *EncryptedKeyStore) Close() error {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	if ks.closed {
		return nil
	}
	ks.closed = true
	ZeroBytes(ks.encryptionKey[:])
	return nil
}
