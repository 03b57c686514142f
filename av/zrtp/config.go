package zrtp

import (
	"fmt"
	"time"
)

// Version is the protocol version advertised in Hello.
const Version = "1.10"

// Config holds the algorithm preferences and protocol options of an engine.
// Algorithm lists are in order of preference.
type Config struct {
	// ClientID identifies the implementation in Hello, at most 16 bytes.
	ClientID string

	Hashes        []HashAlgo
	Ciphers       []CipherAlgo
	AuthTags      []AuthTagAlgo
	KeyAgreements []KeyAgreementAlgo
	SASTypes      []SASAlgo

	// Paranoid disables automatic trust: the SAS is always reported as
	// unverified and the verified flag is never sent.
	Paranoid bool
	// MitM sets the MitM flag in Hello.
	MitM bool
	// AllowClear accepts GoClear from the peer.
	AllowClear bool

	// CacheExpiry is the retained secret lifetime sent in Confirm. Zero
	// means the secret never expires.
	CacheExpiry time.Duration

	// T1 drives Hello retransmission.
	T1Initial    time.Duration
	T1Max        time.Duration
	T1MaxRetries int
	// T2 drives Commit, DHPart2, Confirm2, GoClear and Error retransmission.
	T2Initial    time.Duration
	T2Max        time.Duration
	T2MaxRetries int
}

// DefaultConfig returns the RFC 6189 recommended timers with the
// mandatory algorithms plus X255 and multistream support.
func DefaultConfig() *Config {
	return &Config{
		ClientID:      "securemedia-go",
		Hashes:        []HashAlgo{HashS256},
		Ciphers:       []CipherAlgo{CipherAES1},
		AuthTags:      []AuthTagAlgo{AuthHS32, AuthHS80},
		KeyAgreements: []KeyAgreementAlgo{KeyAgreementX255, KeyAgreementMult},
		SASTypes:      []SASAlgo{SASB32},
		T1Initial:     50 * time.Millisecond,
		T1Max:         200 * time.Millisecond,
		T1MaxRetries:  20,
		T2Initial:     150 * time.Millisecond,
		T2Max:         1200 * time.Millisecond,
		T2MaxRetries:  10,
	}
}

// Validate checks that every configured algorithm is implemented and the
// timers are usable.
func (c *Config) Validate() error {
	if len(c.ClientID) > 16 {
		return fmt.Errorf("client id %q longer than 16 bytes", c.ClientID)
	}
	for _, h := range c.Hashes {
		if !supportedHash(h) {
			return fmt.Errorf("unsupported hash %q", h)
		}
	}
	for _, a := range c.Ciphers {
		if !supportedCipher(a) {
			return fmt.Errorf("unsupported cipher %q", a)
		}
	}
	for _, a := range c.AuthTags {
		if !supportedAuth(a) {
			return fmt.Errorf("unsupported auth tag %q", a)
		}
	}
	for _, k := range c.KeyAgreements {
		if !supportedKeyAgreement(k) {
			return fmt.Errorf("unsupported key agreement %q", k)
		}
	}
	for _, s := range c.SASTypes {
		if !supportedSAS(s) {
			return fmt.Errorf("unsupported SAS type %q", s)
		}
	}
	if c.T1Initial <= 0 || c.T2Initial <= 0 {
		return fmt.Errorf("timer intervals must be positive")
	}
	if c.T1MaxRetries <= 0 || c.T2MaxRetries <= 0 {
		return fmt.Errorf("retry counts must be positive")
	}
	return nil
}

func (c *Config) clone() *Config {
	cp := *c
	cp.Hashes = append([]HashAlgo(nil), c.Hashes...)
	cp.Ciphers = append([]CipherAlgo(nil), c.Ciphers...)
	cp.AuthTags = append([]AuthTagAlgo(nil), c.AuthTags...)
	cp.KeyAgreements = append([]KeyAgreementAlgo(nil), c.KeyAgreements...)
	cp.SASTypes = append([]SASAlgo(nil), c.SASTypes...)
	return &cp
}

func (c *Config) expirySeconds() uint32 {
	if c.CacheExpiry <= 0 {
		return 0xffffffff
	}
	return uint32(c.CacheExpiry / time.Second)
}
