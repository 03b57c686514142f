package srtp

import (
	"fmt"

	"github.com/pion/srtp/v2"
)

// CipherType is the SRTP encryption algorithm.
type CipherType int

const (
	NullCipher CipherType = iota
	AESCM
	TwofishCM
)

// String returns the cipher name.
func (c CipherType) String() string {
	switch c {
	case NullCipher:
		return "NULL"
	case AESCM:
		return "AES-CM"
	case TwofishCM:
		return "TWOFISH-CM"
	default:
		return "unknown"
	}
}

// AuthType is the SRTP authentication algorithm.
type AuthType int

const (
	NullAuth AuthType = iota
	HMACSHA1
	SkeinMAC
)

// String returns the authentication algorithm name.
func (a AuthType) String() string {
	switch a {
	case NullAuth:
		return "NULL"
	case HMACSHA1:
		return "HMAC-SHA1"
	case SkeinMAC:
		return "SKEIN"
	default:
		return "unknown"
	}
}

// Policy describes one negotiated SRTP crypto suite. Lengths are in bytes.
type Policy struct {
	Cipher        CipherType
	KeyLength     int
	Auth          AuthType
	AuthKeyLength int
	AuthTagLength int
	SaltLength    int
}

// String formats the policy for logs.
func (p Policy) String() string {
	return fmt.Sprintf("%s-%d/%s-%d", p.Cipher, p.KeyLength*8, p.Auth, p.AuthTagLength*8)
}

// Profile returns the pion/srtp protection profile for p.
func (p Policy) Profile() (srtp.ProtectionProfile, error) {
	if p.Cipher != AESCM || p.Auth != HMACSHA1 || p.KeyLength != 16 || p.SaltLength != 14 {
		return 0, fmt.Errorf("%w: %s", ErrUnsupportedPolicy, p)
	}
	switch p.AuthTagLength {
	case 10:
		return srtp.ProtectionProfileAes128CmHmacSha1_80, nil
	case 4:
		return srtp.ProtectionProfileAes128CmHmacSha1_32, nil
	default:
		return 0, fmt.Errorf("%w: %s", ErrUnsupportedPolicy, p)
	}
}

// Supported reports whether Profile would succeed.
func (p Policy) Supported() bool {
	_, err := p.Profile()
	return err == nil
}
