package keystore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/opd-ai/securemedia/av/zrtp"
	"github.com/opd-ai/securemedia/crypto"
)

// ZIDCache implements zrtp.Cache on a Backend. Records live under
// "zid.<namespace>.<own>.<peer>".
type ZIDCache struct {
	backend Backend
	prefix  string
	own     zrtp.ZID
	owned   bool
	timeout time.Duration

	mu     sync.Mutex
	closed bool
}

// NewZIDCache creates a cache for own in namespace. The backend stays
// owned by the caller.
func NewZIDCache(backend Backend, namespace string, own zrtp.ZID) (*ZIDCache, error) {
	if own.IsZero() {
		return nil, fmt.Errorf("%w: zero ZID", ErrInvalidKey)
	}
	if strings.ContainsAny(namespace, `./\`) {
		return nil, fmt.Errorf("%w: namespace %q", ErrInvalidKey, namespace)
	}
	return &ZIDCache{
		backend: backend,
		prefix:  "zid." + namespace + "." + own.String() + ".",
		own:     own,
		timeout: 5 * time.Second,
	}, nil
}

// OwnZID implements zrtp.Cache.
func (c *ZIDCache) OwnZID() zrtp.ZID {
	return c.own
}

// Load implements zrtp.Cache. An absent peer returns (nil, nil).
func (c *ZIDCache) Load(peer zrtp.ZID) (*zrtp.CacheRecord, error) {
	if c.isClosed() {
		return nil, zrtp.ErrCacheClosed
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	data, err := c.backend.Get(ctx, c.prefix+peer.String())
	if errors.Is(err, ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec zrtp.CacheRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		crypto.NewPackageLogger("keystore", "ZIDCache.Load").
			WithField("peer", peer.String()).
			WithError(err, "corrupted", "decode_record").
			Warn("Dropping unreadable ZID cache record")
		return nil, fmt.Errorf("%w: zid record %s: %v", ErrCorruptedKey, peer, err)
	}
	return &rec, nil
}

// Save implements zrtp.Cache.
func (c *ZIDCache) Save(peer zrtp.ZID, rec *zrtp.CacheRecord) error {
	if c.isClosed() {
		return zrtp.ErrCacheClosed
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode zid record: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	return c.backend.Put(ctx, c.prefix+peer.String(), data)
}

// Peers lists the peers that have a record.
func (c *ZIDCache) Peers(ctx context.Context) ([]zrtp.ZID, error) {
	keys, err := c.backend.List(ctx, c.prefix)
	if err != nil {
		return nil, err
	}
	peers := make([]zrtp.ZID, 0, len(keys))
	for _, k := range keys {
		z, err := zrtp.ParseZID(strings.TrimPrefix(k, c.prefix))
		if err != nil {
			continue
		}
		peers = append(peers, z)
	}
	return peers, nil
}

// Forget removes the record for peer.
func (c *ZIDCache) Forget(ctx context.Context, peer zrtp.ZID) error {
	return c.backend.Delete(ctx, c.prefix+peer.String())
}

// Close implements zrtp.Cache. The backend is closed only when the cache
// was created by an opener that owns it.
func (c *ZIDCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.owned {
		return c.backend.Close()
	}
	return nil
}

func (c *ZIDCache) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// CacheOpener opens the ZID cache named by an identity file name.
type CacheOpener interface {
	Open(name string, own zrtp.ZID) (zrtp.Cache, error)
}

// BackendOpener opens caches as namespaces of one shared backend.
type BackendOpener struct {
	Backend Backend
}

// Open implements CacheOpener.
func (o BackendOpener) Open(name string, own zrtp.ZID) (zrtp.Cache, error) {
	if o.Backend == nil {
		return nil, ErrBackendClosed
	}
	return NewZIDCache(o.Backend, sanitizeName(name), own)
}

// FileOpener opens each cache as its own encrypted directory under Dir.
type FileOpener struct {
	Dir      string
	Password []byte
}

// Open implements CacheOpener.
func (o FileOpener) Open(name string, own zrtp.ZID) (zrtp.Cache, error) {
	ns := sanitizeName(name)
	dir := filepath.Join(o.Dir, ns)
	// NewEncryptedKeyStore wipes the password it is given.
	backend, err := NewFileBackend(dir, append([]byte(nil), o.Password...))
	if err != nil {
		return nil, err
	}
	cache, err := NewZIDCache(backend, ns, own)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	cache.owned = true
	return cache, nil
}

func sanitizeName(name string) string {
	name = strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
	r := strings.NewReplacer(".", "_", "/", "_", `\`, "_")
	name = r.Replace(name)
	if name == "" {
		return "default"
	}
	return name
}

var (
	_ zrtp.Cache  = (*ZIDCache)(nil)
	_ CacheOpener = BackendOpener{}
	_ CacheOpener = FileOpener{}
)
