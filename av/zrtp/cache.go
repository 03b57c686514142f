package zrtp

import (
	"sync"
	"time"
)

// CacheRecord holds what is remembered about one peer.
type CacheRecord struct {
	RS1         []byte    `json:"rs1,omitempty"`
	RS2         []byte    `json:"rs2,omitempty"`
	RS1Expiry   time.Time `json:"rs1_expiry"`
	RS2Expiry   time.Time `json:"rs2_expiry"`
	SASVerified bool      `json:"sas_verified"`
	MitM        bool      `json:"mitm,omitempty"`
	LastUse     time.Time `json:"last_use"`
}

// Clone returns a deep copy.
func (r *CacheRecord) Clone() *CacheRecord {
	if r == nil {
		return nil
	}
	cp := *r
	cp.RS1 = append([]byte(nil), r.RS1...)
	cp.RS2 = append([]byte(nil), r.RS2...)
	return &cp
}

// validSecrets returns the retained secrets that have not expired.
func (r *CacheRecord) validSecrets(now time.Time) (rs1, rs2 []byte) {
	if r == nil {
		return nil, nil
	}
	if len(r.RS1) > 0 && (r.RS1Expiry.IsZero() || now.Before(r.RS1Expiry)) {
		rs1 = r.RS1
	}
	if len(r.RS2) > 0 && (r.RS2Expiry.IsZero() || now.Before(r.RS2Expiry)) {
		rs2 = r.RS2
	}
	return rs1, rs2
}

// Cache persists retained secrets keyed by peer ZID.
type Cache interface {
	// OwnZID returns the local endpoint identifier.
	OwnZID() ZID
	// Load returns the record for peer, or nil if there is none.
	Load(peer ZID) (*CacheRecord, error)
	// Save stores the record for peer.
	Save(peer ZID, rec *CacheRecord) error
	// Close releases the cache.
	Close() error
}

// MemoryCache is an in-process Cache.
type MemoryCache struct {
	mu      sync.Mutex
	own     ZID
	records map[ZID]*CacheRecord
	closed  bool
}

// NewMemoryCache creates an empty cache for own.
func NewMemoryCache(own ZID) *MemoryCache {
	return &MemoryCache{own: own, records: make(map[ZID]*CacheRecord)}
}

// OwnZID implements Cache.
func (c *MemoryCache) OwnZID() ZID {
	return c.own
}

// Load implements Cache.
func (c *MemoryCache) Load(peer ZID) (*CacheRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrCacheClosed
	}
	return c.records[peer].Clone(), nil
}

// Save implements Cache.
func (c *MemoryCache) Save(peer ZID, rec *CacheRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrCacheClosed
	}
	c.records[peer] = rec.Clone()
	return nil
}

// Close implements Cache.
func (c *MemoryCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Len returns the number of stored peers.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}
