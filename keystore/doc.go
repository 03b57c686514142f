// Package keystore persists identity keys, sessions, trust decisions and the
// ZRTP retained-secret cache.
//
// All records go through a Backend, a flat key-value interface with three
// implementations:
//
//   - MemoryBackend keeps records in process, for tests and ephemeral calls.
//   - FileBackend seals every record with crypto.EncryptedKeyStore.
//   - RedisBackend stores records in Redis for deployments that share state
//     between media nodes.
//
// Store implements IdentityKeyStore on top of a Backend. TrustManager turns
// the fingerprint status of a Store into the TrustCallback consulted when a
// peer identity key is received. ZIDCache implements zrtp.Cache so the
// protocol engine can keep its retained secrets in any backend:
//
//	backend := keystore.NewMemoryBackend()
//	cache, err := keystore.NewZIDCache(backend, "alice", ownZID)
//	if err != nil {
//	    return err
//	}
//	engine, err := zrtp.NewEngine(cfg, host, cache)
//
// Missing records are reported with ErrKeyNotFound. Records that exist but
// cannot be decoded are reported with ErrCorruptedKey, which callers should
// treat as a prompt to purge and regenerate rather than as first use.
package keystore
