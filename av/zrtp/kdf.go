package zrtp

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

// KDF labels.
const (
	labelInitiatorSRTPKey  = "Initiator SRTP master key"
	labelInitiatorSRTPSalt = "Initiator SRTP master salt"
	labelResponderSRTPKey  = "Responder SRTP master key"
	labelResponderSRTPSalt = "Responder SRTP master salt"
	labelInitiatorHMACKey  = "Initiator HMAC key"
	labelResponderHMACKey  = "Responder HMAC key"
	labelInitiatorZRTPKey  = "Initiator ZRTP key"
	labelResponderZRTPKey  = "Responder ZRTP key"
	labelSAS               = "SAS"
	labelSessionKey        = "ZRTP Session Key"
	labelRetainedSecret    = "retained secret"
	labelMultiStream       = "ZRTP MSK"
	labelKDF               = "ZRTP-HMAC-KDF"

	srtpSaltBits = 112
	hashLength   = sha256.Size
)

func hashOf(parts ...[]byte) []byte {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

func hmacOf(key []byte, parts ...[]byte) []byte {
	m := hmac.New(sha256.New, key)
	for _, p := range parts {
		m.Write(p)
	}
	return m.Sum(nil)
}

// kdf is the ZRTP key derivation function of RFC 6189 section 4.5.1.
// lengthBits must not exceed the hash length.
func kdf(ki []byte, label string, context []byte, lengthBits int) []byte {
	var counter, length [4]byte
	binary.BigEndian.PutUint32(counter[:], 1)
	binary.BigEndian.PutUint32(length[:], uint32(lengthBits))
	out := hmacOf(ki, counter[:], []byte(label), []byte{0}, context, length[:])
	return out[:(lengthBits+7)/8]
}

func kdfContext(zidi, zidr ZID, totalHash []byte) []byte {
	ctx := make([]byte, 0, 2*ZIDLength+len(totalHash))
	ctx = append(ctx, zidi[:]...)
	ctx = append(ctx, zidr[:]...)
	return append(ctx, totalHash...)
}

// computeS0DH derives s0 for DH mode from the DH result, the KDF context
// and the optional shared secrets.
func computeS0DH(dhResult []byte, zidi, zidr ZID, totalHash, s1, s2, s3 []byte) []byte {
	var counter [4]byte
	binary.BigEndian.PutUint32(counter[:], 1)
	parts := [][]byte{counter[:], dhResult, []byte(labelKDF), zidi[:], zidr[:], totalHash}
	for _, s := range [][]byte{s1, s2, s3} {
		var l [4]byte
		binary.BigEndian.PutUint32(l[:], uint32(len(s)))
		parts = append(parts, l[:], s)
	}
	return hashOf(parts...)
}

// computeS0Multi derives s0 for multistream mode from the master session key.
func computeS0Multi(sessionKey, context []byte) []byte {
	return kdf(sessionKey, labelMultiStream, context, hashLength*8)
}

// sessionKeys is everything derived from s0.
type sessionKeys struct {
	srtpKeyI, srtpSaltI []byte
	srtpKeyR, srtpSaltR []byte
	hmacKeyI, hmacKeyR  []byte
	zrtpKeyI, zrtpKeyR  []byte
	sasHash             []byte
	sasValue            uint32
	sessionKey          []byte
	newRS1              []byte
}

func deriveKeys(s0, context []byte, cipherAlgo CipherAlgo) *sessionKeys {
	keyBits := cipherAlgo.KeyLength() * 8
	k := &sessionKeys{
		srtpKeyI:   kdf(s0, labelInitiatorSRTPKey, context, keyBits),
		srtpSaltI:  kdf(s0, labelInitiatorSRTPSalt, context, srtpSaltBits),
		srtpKeyR:   kdf(s0, labelResponderSRTPKey, context, keyBits),
		srtpSaltR:  kdf(s0, labelResponderSRTPSalt, context, srtpSaltBits),
		hmacKeyI:   kdf(s0, labelInitiatorHMACKey, context, hashLength*8),
		hmacKeyR:   kdf(s0, labelResponderHMACKey, context, hashLength*8),
		zrtpKeyI:   kdf(s0, labelInitiatorZRTPKey, context, keyBits),
		zrtpKeyR:   kdf(s0, labelResponderZRTPKey, context, keyBits),
		sasHash:    kdf(s0, labelSAS, context, 256),
		sessionKey: kdf(s0, labelSessionKey, context, hashLength*8),
		newRS1:     kdf(s0, labelRetainedSecret, context, 256),
	}
	k.sasValue = binary.BigEndian.Uint32(k.sasHash[:4])
	return k
}

func (k *sessionKeys) wipe() {
	for _, b := range [][]byte{
		k.srtpKeyI, k.srtpSaltI, k.srtpKeyR, k.srtpSaltR,
		k.hmacKeyI, k.hmacKeyR, k.zrtpKeyI, k.zrtpKeyR,
		k.sasHash, k.sessionKey, k.newRS1,
	} {
		for i := range b {
			b[i] = 0
		}
	}
}

// rsID computes the 64-bit identifier of a retained secret for a role.
func rsID(rs []byte, role Role) [rsIDLength]byte {
	label := "Responder"
	if role == Initiator {
		label = "Initiator"
	}
	var id [rsIDLength]byte
	copy(id[:], hmacOf(rs, []byte(label)))
	return id
}

// setMAC writes the truncated HMAC over everything before the MAC field.
func setMAC(msg, key []byte) {
	mac := hmacOf(key, msg[:len(msg)-macLength])
	copy(msg[len(msg)-macLength:], mac[:macLength])
}

func checkMAC(msg, key []byte) bool {
	if len(msg) < headerLength+macLength {
		return false
	}
	mac := hmacOf(key, msg[:len(msg)-macLength])
	return hmac.Equal(mac[:macLength], msg[len(msg)-macLength:])
}

// sealConfirm builds a Confirm1/Confirm2 message: confirm_mac, CFB IV and
// the body encrypted with zrtpKey.
func sealConfirm(t MessageType, body *Confirm, zrtpKey, hmacKey, iv []byte) ([]byte, error) {
	block, err := aes.NewCipher(zrtpKey)
	if err != nil {
		return nil, fmt.Errorf("confirm cipher: %w", err)
	}
	plain := body.marshalPlain()
	enc := make([]byte, len(plain))
	cipher.NewCFBEncrypter(block, iv).XORKeyStream(enc, plain)

	msg := newMessage(t, macLength+cfbIVLength+len(enc))
	b := msg[headerLength:]
	mac := hmacOf(hmacKey, enc)
	copy(b[0:macLength], mac[:macLength])
	copy(b[macLength:macLength+cfbIVLength], iv)
	copy(b[macLength+cfbIVLength:], enc)
	return msg, nil
}

// openConfirm verifies the confirm_mac and decrypts the body.
func openConfirm(msg, zrtpKey, hmacKey []byte) (*Confirm, bool, error) {
	if len(msg) != headerLength+macLength+cfbIVLength+confirmPlainSize {
		return nil, false, fmt.Errorf("%w: Confirm length", ErrMalformed)
	}
	b := msg[headerLength:]
	enc := b[macLength+cfbIVLength:]
	mac := hmacOf(hmacKey, enc)
	if !hmac.Equal(mac[:macLength], b[:macLength]) {
		return nil, false, nil
	}

	block, err := aes.NewCipher(zrtpKey)
	if err != nil {
		return nil, false, fmt.Errorf("confirm cipher: %w", err)
	}
	plain := make([]byte, len(enc))
	cipher.NewCFBDecrypter(block, b[macLength:macLength+cfbIVLength]).XORKeyStream(plain, enc)
	c, err := parseConfirmPlain(plain)
	if err != nil {
		return nil, true, err
	}
	return c, true, nil
}

func clearMAC(hmacKey []byte) []byte {
	return hmacOf(hmacKey, []byte(MsgGoClear))[:macLength]
}
