package zrtp

// HashAlgo names a ZRTP hash algorithm.
type HashAlgo string

// CipherAlgo names a ZRTP block cipher.
type CipherAlgo string

// AuthTagAlgo names an SRTP authentication tag type.
type AuthTagAlgo string

// KeyAgreementAlgo names a ZRTP key agreement type.
type KeyAgreementAlgo string

// SASAlgo names a SAS rendering scheme.
type SASAlgo string

const (
	HashS256 HashAlgo = "S256"

	CipherAES1 CipherAlgo = "AES1"
	CipherAES3 CipherAlgo = "AES3"

	AuthHS32 AuthTagAlgo = "HS32"
	AuthHS80 AuthTagAlgo = "HS80"

	KeyAgreementX255 KeyAgreementAlgo = "X255"
	KeyAgreementMult KeyAgreementAlgo = "Mult"

	SASB32 SASAlgo = "B32 "
)

// KeyLength returns the cipher key length in bytes.
func (c CipherAlgo) KeyLength() int {
	if c == CipherAES3 {
		return 32
	}
	return 16
}

// TagLength returns the SRTP auth tag length in bytes.
func (a AuthTagAlgo) TagLength() int {
	if a == AuthHS32 {
		return 4
	}
	return 10
}

// PublicValueLength returns the length of the DH public value, zero for
// non-DH modes.
func (k KeyAgreementAlgo) PublicValueLength() int {
	if k == KeyAgreementX255 {
		return 32
	}
	return 0
}

// IsDH reports whether k runs a Diffie-Hellman exchange.
func (k KeyAgreementAlgo) IsDH() bool {
	return k.PublicValueLength() > 0
}

func supportedHash(h HashAlgo) bool { return h == HashS256 }

func supportedCipher(c CipherAlgo) bool { return c == CipherAES1 || c == CipherAES3 }

func supportedAuth(a AuthTagAlgo) bool { return a == AuthHS32 || a == AuthHS80 }

func supportedKeyAgreement(k KeyAgreementAlgo) bool {
	return k == KeyAgreementX255 || k == KeyAgreementMult
}

func supportedSAS(s SASAlgo) bool { return s == SASB32 }

// choose returns the first entry of ours that theirs also lists, or the
// mandatory fallback if there is none.
func choose[T comparable](ours, theirs []T, fallback T) T {
	for _, o := range ours {
		for _, t := range theirs {
			if o == t {
				return o
			}
		}
	}
	return fallback
}

func contains[T comparable](list []T, v T) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
