// Package zrtp implements the ZRTP media path key agreement protocol
// (RFC 6189) for two-party calls.
//
// The supported subset is the SHA-256 hash, AES-128/AES-256 for Confirm
// encryption, HS32/HS80 SRTP auth tags, Curve25519 (X255) Diffie-Hellman,
// multistream (Mult) key agreement and base-32 SAS rendering. Retained
// secrets and the SAS verified flag persist through the Cache interface.
//
// Engine is transport-agnostic. It consumes ZRTP messages through
// ProcessMessage and ProcessTimeout and produces output exclusively through
// the Callback interface supplied by the host. Callback methods are invoked
// while the engine holds its internal lock, so an implementation must not
// call back into the same Engine synchronously.
//
// A typical host wires the engine into its packet path:
//
//	eng, err := zrtp.NewEngine(zrtp.DefaultConfig(), host, cache)
//	if err != nil {
//	    return err
//	}
//	eng.StartZrtpEngine()
//	...
//	eng.ProcessMessage(msg, peerSSRC) // for each inbound ZRTP message
//	eng.ProcessTimeout()              // when the timer requested via ActivateTimer fires
package zrtp
