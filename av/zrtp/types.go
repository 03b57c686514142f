package zrtp

import (
	"encoding/hex"
	"fmt"
)

// ZIDLength is the size of a ZRTP endpoint identifier.
const ZIDLength = 12

// ZID identifies a ZRTP endpoint and keys its cache entries.
type ZID [ZIDLength]byte

// String returns the hex form of the ZID.
func (z ZID) String() string {
	return hex.EncodeToString(z[:])
}

// IsZero reports whether z is unset.
func (z ZID) IsZero() bool {
	return z == ZID{}
}

// ParseZID decodes a 24-character hex string.
func ParseZID(s string) (ZID, error) {
	var z ZID
	b, err := hex.DecodeString(s)
	if err != nil {
		return z, fmt.Errorf("decode ZID: %w", err)
	}
	if len(b) != ZIDLength {
		return z, fmt.Errorf("%w: ZID must be %d bytes, got %d", ErrMalformed, ZIDLength, len(b))
	}
	copy(z[:], b)
	return z, nil
}

// Role is the endpoint role in the key agreement.
type Role int

const (
	// NoRole is reported before a Commit settles the roles.
	NoRole Role = iota
	Initiator
	Responder
)

// String returns the role name.
func (r Role) String() string {
	switch r {
	case Initiator:
		return "initiator"
	case Responder:
		return "responder"
	default:
		return "none"
	}
}

// EnableSecurity selects the direction to which SRTP secrets apply.
type EnableSecurity int

const (
	ForReceiver EnableSecurity = 1 << iota
	ForSender
)

// Has reports whether part includes p.
func (e EnableSecurity) Has(p EnableSecurity) bool {
	return e&p != 0
}

// String returns a readable direction set.
func (e EnableSecurity) String() string {
	switch e {
	case ForReceiver:
		return "receiver"
	case ForSender:
		return "sender"
	case ForReceiver | ForSender:
		return "sender+receiver"
	default:
		return "none"
	}
}

// SRTPSecrets carries the negotiated SRTP master keys and salts together
// with the crypto suite. Keys are in bytes; the host selects which pair
// protects which direction based on Role.
type SRTPSecrets struct {
	Cipher        CipherAlgo
	AuthTag       AuthTagAlgo
	KeyInitiator  []byte
	SaltInitiator []byte
	KeyResponder  []byte
	SaltResponder []byte
	Role          Role
	SAS           string
}

// MultiStreamParams is the master session state a slave stream needs to
// run the Mult key agreement.
type MultiStreamParams struct {
	Hash       HashAlgo
	SessionKey []byte
}

// Valid reports whether the params carry a session key.
func (m MultiStreamParams) Valid() bool {
	return len(m.SessionKey) > 0
}

// State is the protocol engine state.
type State int

const (
	StateInitial State = iota
	StateDetect
	StateAckDetected
	StateAckSent
	StateCommitSent
	StateWaitDHPart2
	StateWaitConfirm1
	StateWaitConfirm2
	StateWaitConfAck
	StateWaitClearAck
	StateSecure
	StateWaitErrorAck
)

var stateNames = [...]string{
	"initial",
	"detect",
	"ack-detected",
	"ack-sent",
	"commit-sent",
	"wait-dhpart2",
	"wait-confirm1",
	"wait-confirm2",
	"wait-confack",
	"wait-clearack",
	"secure",
	"wait-errorack",
}

// String returns the state name.
func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}
