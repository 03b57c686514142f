// Package crypto implements the key material primitives shared by the
// secure media stack.
//
// The package provides Curve25519 key pairs and Diffie-Hellman shared secret
// computation for the ZRTP X255 key agreement, best-effort wiping of secret
// buffers, and an encrypted-at-rest file store used to persist long-term
// identity data such as the ZRTP retained-secret cache.
//
// # Key Pairs
//
//	kp, err := crypto.GenerateKeyPair()
//	if err != nil {
//	    return err
//	}
//	defer crypto.WipeKeyPair(kp)
//
//	secret, err := crypto.DeriveSharedSecret(peerPublic, kp.Private)
//
// # Encrypted Storage
//
// EncryptedKeyStore keeps each record in its own file, sealed with
// AES-256-GCM under a key derived from a master password with PBKDF2:
//
//	ks, err := crypto.NewEncryptedKeyStore(dir, []byte(password))
//	if err != nil {
//	    return err
//	}
//	defer ks.Close()
//	err = ks.WriteEncrypted("zid.cache", data)
//
// # Logging
//
// LoggerHelper wraps logrus with the standard field set used across the
// module. Key material must only be logged through SecureFieldHash.
//
// # Deterministic Testing
//
// Time-dependent code takes a TimeProvider so tests can control the clock.
package crypto
