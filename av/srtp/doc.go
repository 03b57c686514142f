// Package srtp maps negotiated cipher policies onto pion/srtp contexts and
// wraps them in goroutine-safe transformers.
//
// A Transformer protects a single direction. The sender side of a secured
// session encrypts with the local role's keys and the receiver side decrypts
// with the peer's keys; selecting which key goes where is up to the caller.
//
// Only AES-128 counter mode with HMAC-SHA1 (80 or 32 bit tags) is backed by
// pion/srtp. Other policies from the negotiation table are recognized but
// rejected with ErrUnsupportedPolicy.
package srtp
