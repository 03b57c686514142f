package security

import (
	"fmt"

	"github.com/opd-ai/securemedia/av/srtp"
	"github.com/opd-ai/securemedia/av/zrtp"
)

// srtpAuthKeyLength is the HMAC-SHA1 session auth key length in bytes.
const srtpAuthKeyLength = 20

// srtpSaltLength is the master salt length in bytes.
const srtpSaltLength = 14

// PolicyFor maps the negotiated ZRTP cipher and auth tag to an SRTP policy.
// Suites the SRTP layer cannot run, AES3 among them, are rejected.
func PolicyFor(cipher zrtp.CipherAlgo, tag zrtp.AuthTagAlgo) (srtp.Policy, error) {
	switch cipher {
	case zrtp.CipherAES1, zrtp.CipherAES3:
	default:
		return srtp.Policy{}, fmt.Errorf("%w: cipher %q", ErrUnsupportedSuite, cipher)
	}
	switch tag {
	case zrtp.AuthHS32, zrtp.AuthHS80:
	default:
		return srtp.Policy{}, fmt.Errorf("%w: auth tag %q", ErrUnsupportedSuite, tag)
	}
	p := srtp.Policy{
		Cipher:        srtp.AESCM,
		KeyLength:     cipher.KeyLength(),
		Auth:          srtp.HMACSHA1,
		AuthKeyLength: srtpAuthKeyLength,
		AuthTagLength: tag.TagLength(),
		SaltLength:    srtpSaltLength,
	}
	// AES3 is negotiable in ZRTP but has no SRTP profile to run it.
	if !p.Supported() {
		return srtp.Policy{}, fmt.Errorf("%w: cipher %q with %q", ErrUnsupportedSuite, cipher, tag)
	}
	return p, nil
}

// directionKeys returns the master key and salt protecting one direction.
// The initiator sends with the initiator keys and receives with the
// responder keys; the responder mirrors that.
func directionKeys(s *zrtp.SRTPSecrets, dir zrtp.EnableSecurity) (key, salt []byte, err error) {
	var useInitiator bool
	switch {
	case s.Role == zrtp.Initiator && dir == zrtp.ForSender:
		useInitiator = true
	case s.Role == zrtp.Initiator && dir == zrtp.ForReceiver:
		useInitiator = false
	case s.Role == zrtp.Responder && dir == zrtp.ForSender:
		useInitiator = false
	case s.Role == zrtp.Responder && dir == zrtp.ForReceiver:
		useInitiator = true
	default:
		return nil, nil, fmt.Errorf("%w: role %s direction %s", ErrUnsupportedSuite, s.Role, dir)
	}
	if useInitiator {
		return s.KeyInitiator, s.SaltInitiator, nil
	}
	return s.KeyResponder, s.SaltResponder, nil
}

// newDirectionTransformer builds the SRTP transformer for one direction.
func newDirectionTransformer(s *zrtp.SRTPSecrets, dir zrtp.EnableSecurity, replayWindow uint) (*srtp.Transformer, error) {
	policy, err := PolicyFor(s.Cipher, s.AuthTag)
	if err != nil {
		return nil, err
	}
	key, salt, err := directionKeys(s, dir)
	if err != nil {
		return nil, err
	}
	t, err := srtp.NewTransformer(key, salt, policy, replayWindow)
	if err != nil {
		return nil, fmt.Errorf("%s transformer: %w", dir, err)
	}
	return t, nil
}
