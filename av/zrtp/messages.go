package zrtp

import (
	"encoding/binary"
	"fmt"
	"strings"
)

const (
	messagePreamble  uint16 = 0x505a
	headerLength            = 12
	macLength               = 8
	hashImageLength         = 32
	nonceLength             = 16
	rsIDLength              = 8
	cfbIVLength             = 16
	confirmPlainSize        = hashImageLength + 8
	maxAlgoCount            = 7
)

// MessageType is the 8-byte ASCII type block of a ZRTP message.
type MessageType string

const (
	MsgHello    MessageType = "Hello   "
	MsgHelloACK MessageType = "HelloACK"
	MsgCommit   MessageType = "Commit  "
	MsgDHPart1  MessageType = "DHPart1 "
	MsgDHPart2  MessageType = "DHPart2 "
	MsgConfirm1 MessageType = "Confirm1"
	MsgConfirm2 MessageType = "Confirm2"
	MsgConf2ACK MessageType = "Conf2ACK"
	MsgError    MessageType = "Error   "
	MsgErrorACK MessageType = "ErrorACK"
	MsgGoClear  MessageType = "GoClear "
	MsgClearACK MessageType = "ClearACK"
	MsgPing     MessageType = "Ping    "
	MsgPingACK  MessageType = "PingACK "
)

// Name returns the type without padding.
func (t MessageType) Name() string {
	return strings.TrimRight(string(t), " ")
}

// MessageTypeOf validates the message header and returns its type.
func MessageTypeOf(msg []byte) (MessageType, error) {
	if len(msg) < headerLength {
		return "", fmt.Errorf("%w: %d bytes", ErrMalformed, len(msg))
	}
	if binary.BigEndian.Uint16(msg[0:2]) != messagePreamble {
		return "", fmt.Errorf("%w: bad preamble", ErrMalformed)
	}
	if words := int(binary.BigEndian.Uint16(msg[2:4])); words*4 != len(msg) {
		return "", fmt.Errorf("%w: length %d words for %d bytes", ErrMalformed, words, len(msg))
	}
	return MessageType(msg[4:12]), nil
}

func newMessage(t MessageType, bodyLen int) []byte {
	msg := make([]byte, headerLength+bodyLen)
	binary.BigEndian.PutUint16(msg[0:2], messagePreamble)
	binary.BigEndian.PutUint16(msg[2:4], uint16(len(msg)/4))
	copy(msg[4:12], t)
	return msg
}

func putName(dst []byte, name string) {
	copy(dst[:4], "    ")
	copy(dst[:4], name)
}

func getName(src []byte) string {
	return string(src[:4])
}

// Hello is the discovery message listing the sender's capabilities.
type Hello struct {
	Version       string
	ClientID      string
	H3            [hashImageLength]byte
	ZID           ZID
	SigCapable    bool
	MitM          bool
	Passive       bool
	Hashes        []HashAlgo
	Ciphers       []CipherAlgo
	AuthTags      []AuthTagAlgo
	KeyAgreements []KeyAgreementAlgo
	SASTypes      []SASAlgo
}

const helloFixedLength = 4 + 16 + hashImageLength + ZIDLength + 4

// Marshal encodes h with a zero MAC.
func (h *Hello) Marshal() []byte {
	n := len(h.Hashes) + len(h.Ciphers) + len(h.AuthTags) + len(h.KeyAgreements) + len(h.SASTypes)
	msg := newMessage(MsgHello, helloFixedLength+4*n+macLength)
	b := msg[headerLength:]

	putName(b[0:4], h.Version)
	copy(b[4:20], "                ")
	copy(b[4:20], h.ClientID)
	copy(b[20:52], h.H3[:])
	copy(b[52:64], h.ZID[:])

	var flags uint32
	if h.SigCapable {
		flags |= 1 << 30
	}
	if h.MitM {
		flags |= 1 << 29
	}
	if h.Passive {
		flags |= 1 << 28
	}
	flags |= uint32(len(h.Hashes)) << 16
	flags |= uint32(len(h.Ciphers)) << 12
	flags |= uint32(len(h.AuthTags)) << 8
	flags |= uint32(len(h.KeyAgreements)) << 4
	flags |= uint32(len(h.SASTypes))
	binary.BigEndian.PutUint32(b[64:68], flags)

	off := helloFixedLength
	put := func(name string) {
		putName(b[off:off+4], name)
		off += 4
	}
	for _, v := range h.Hashes {
		put(string(v))
	}
	for _, v := range h.Ciphers {
		put(string(v))
	}
	for _, v := range h.AuthTags {
		put(string(v))
	}
	for _, v := range h.KeyAgreements {
		put(string(v))
	}
	for _, v := range h.SASTypes {
		put(string(v))
	}
	return msg
}

// ParseHello decodes a Hello message.
func ParseHello(msg []byte) (*Hello, error) {
	if len(msg) < headerLength+helloFixedLength+macLength {
		return nil, fmt.Errorf("%w: Hello too short", ErrMalformed)
	}
	b := msg[headerLength:]
	h := &Hello{
		Version:  getName(b[0:4]),
		ClientID: strings.TrimRight(string(b[4:20]), " \x00"),
	}
	copy(h.H3[:], b[20:52])
	copy(h.ZID[:], b[52:64])

	flags := binary.BigEndian.Uint32(b[64:68])
	h.SigCapable = flags&(1<<30) != 0
	h.MitM = flags&(1<<29) != 0
	h.Passive = flags&(1<<28) != 0
	hc := int(flags>>16) & 0xf
	cc := int(flags>>12) & 0xf
	ac := int(flags>>8) & 0xf
	kc := int(flags>>4) & 0xf
	sc := int(flags) & 0xf
	for _, c := range []int{hc, cc, ac, kc, sc} {
		if c > maxAlgoCount {
			return nil, fmt.Errorf("%w: algorithm count %d", ErrMalformed, c)
		}
	}
	if len(b) != helloFixedLength+4*(hc+cc+ac+kc+sc)+macLength {
		return nil, fmt.Errorf("%w: Hello length does not match algorithm counts", ErrMalformed)
	}

	off := helloFixedLength
	next := func() string {
		v := getName(b[off : off+4])
		off += 4
		return v
	}
	for i := 0; i < hc; i++ {
		h.Hashes = append(h.Hashes, HashAlgo(next()))
	}
	for i := 0; i < cc; i++ {
		h.Ciphers = append(h.Ciphers, CipherAlgo(next()))
	}
	for i := 0; i < ac; i++ {
		h.AuthTags = append(h.AuthTags, AuthTagAlgo(next()))
	}
	for i := 0; i < kc; i++ {
		h.KeyAgreements = append(h.KeyAgreements, KeyAgreementAlgo(next()))
	}
	for i := 0; i < sc; i++ {
		h.SASTypes = append(h.SASTypes, SASAlgo(next()))
	}
	return h, nil
}

// Commit starts the key agreement and fixes the algorithms.
type Commit struct {
	H2           [hashImageLength]byte
	ZID          ZID
	Hash         HashAlgo
	Cipher       CipherAlgo
	AuthTag      AuthTagAlgo
	KeyAgreement KeyAgreementAlgo
	SAS          SASAlgo
	// HVI is set in DH mode, Nonce in multistream mode.
	HVI   [hashImageLength]byte
	Nonce [nonceLength]byte
}

const commitFixedLength = hashImageLength + ZIDLength + 5*4

// Marshal encodes c with a zero MAC.
func (c *Commit) Marshal() []byte {
	tail := hashImageLength
	if !c.KeyAgreement.IsDH() {
		tail = nonceLength
	}
	msg := newMessage(MsgCommit, commitFixedLength+tail+macLength)
	b := msg[headerLength:]
	copy(b[0:32], c.H2[:])
	copy(b[32:44], c.ZID[:])
	putName(b[44:48], string(c.Hash))
	putName(b[48:52], string(c.Cipher))
	putName(b[52:56], string(c.AuthTag))
	putName(b[56:60], string(c.KeyAgreement))
	putName(b[60:64], string(c.SAS))
	if c.KeyAgreement.IsDH() {
		copy(b[64:96], c.HVI[:])
	} else {
		copy(b[64:80], c.Nonce[:])
	}
	return msg
}

// ParseCommit decodes a Commit message.
func ParseCommit(msg []byte) (*Commit, error) {
	if len(msg) < headerLength+commitFixedLength+nonceLength+macLength {
		return nil, fmt.Errorf("%w: Commit too short", ErrMalformed)
	}
	b := msg[headerLength:]
	c := &Commit{
		Hash:         HashAlgo(getName(b[44:48])),
		Cipher:       CipherAlgo(getName(b[48:52])),
		AuthTag:      AuthTagAlgo(getName(b[52:56])),
		KeyAgreement: KeyAgreementAlgo(getName(b[56:60])),
		SAS:          SASAlgo(getName(b[60:64])),
	}
	copy(c.H2[:], b[0:32])
	copy(c.ZID[:], b[32:44])

	switch len(b) - commitFixedLength - macLength {
	case hashImageLength:
		if !c.KeyAgreement.IsDH() {
			return nil, fmt.Errorf("%w: DH Commit for %q", ErrMalformed, c.KeyAgreement)
		}
		copy(c.HVI[:], b[64:96])
	case nonceLength:
		if c.KeyAgreement.IsDH() {
			return nil, fmt.Errorf("%w: nonce Commit for %q", ErrMalformed, c.KeyAgreement)
		}
		copy(c.Nonce[:], b[64:80])
	default:
		return nil, fmt.Errorf("%w: Commit length", ErrMalformed)
	}
	return c, nil
}

// DHPart carries a DH public value and retained secret identifiers.
// The same layout serves DHPart1 and DHPart2.
type DHPart struct {
	Type  MessageType
	H1    [hashImageLength]byte
	RS1ID [rsIDLength]byte
	RS2ID [rsIDLength]byte
	AuxID [rsIDLength]byte
	PBXID [rsIDLength]byte
	PV    []byte
}

const dhPartFixedLength = hashImageLength + 4*rsIDLength

// Marshal encodes d with a zero MAC.
func (d *DHPart) Marshal() []byte {
	msg := newMessage(d.Type, dhPartFixedLength+len(d.PV)+macLength)
	b := msg[headerLength:]
	copy(b[0:32], d.H1[:])
	copy(b[32:40], d.RS1ID[:])
	copy(b[40:48], d.RS2ID[:])
	copy(b[48:56], d.AuxID[:])
	copy(b[56:64], d.PBXID[:])
	copy(b[64:], d.PV)
	return msg
}

// ParseDHPart decodes a DHPart1 or DHPart2 message.
func ParseDHPart(msg []byte) (*DHPart, error) {
	t, err := MessageTypeOf(msg)
	if err != nil {
		return nil, err
	}
	if t != MsgDHPart1 && t != MsgDHPart2 {
		return nil, fmt.Errorf("%w: %q is not a DHPart", ErrMalformed, t)
	}
	b := msg[headerLength:]
	pvLen := len(b) - dhPartFixedLength - macLength
	if pvLen <= 0 {
		return nil, fmt.Errorf("%w: DHPart too short", ErrMalformed)
	}
	d := &DHPart{Type: t, PV: make([]byte, pvLen)}
	copy(d.H1[:], b[0:32])
	copy(d.RS1ID[:], b[32:40])
	copy(d.RS2ID[:], b[40:48])
	copy(d.AuxID[:], b[48:56])
	copy(d.PBXID[:], b[56:64])
	copy(d.PV, b[64:64+pvLen])
	return d, nil
}

// Confirm is the decrypted body of a Confirm1 or Confirm2 message.
type Confirm struct {
	H0 [hashImageLength]byte
	// Verified is the sender's SAS verified flag.
	Verified bool
	// AllowClear signals that the sender accepts GoClear.
	AllowClear bool
	// Disclosure is the disclosure flag.
	Disclosure bool
	// Enrollment marks a PBX enrollment Confirm.
	Enrollment bool
	Expiry     uint32
}

func (c *Confirm) marshalPlain() []byte {
	b := make([]byte, confirmPlainSize)
	copy(b[0:32], c.H0[:])
	var flags byte
	if c.Enrollment {
		flags |= 0x08
	}
	if c.Verified {
		flags |= 0x04
	}
	if c.AllowClear {
		flags |= 0x02
	}
	if c.Disclosure {
		flags |= 0x01
	}
	// 15 unused bits and a zero signature length precede the flags.
	b[35] = flags
	binary.BigEndian.PutUint32(b[36:40], c.Expiry)
	return b
}

func parseConfirmPlain(b []byte) (*Confirm, error) {
	if len(b) != confirmPlainSize {
		return nil, fmt.Errorf("%w: Confirm body %d bytes", ErrMalformed, len(b))
	}
	if b[33]&0x01 != 0 || b[34] != 0 {
		return nil, fmt.Errorf("%w: signatures are not supported", ErrMalformed)
	}
	c := &Confirm{
		Enrollment: b[35]&0x08 != 0,
		Verified:   b[35]&0x04 != 0,
		AllowClear: b[35]&0x02 != 0,
		Disclosure: b[35]&0x01 != 0,
		Expiry:     binary.BigEndian.Uint32(b[36:40]),
	}
	copy(c.H0[:], b[0:32])
	return c, nil
}

func newAckMessage(t MessageType) []byte {
	return newMessage(t, 0)
}

func newErrorMessage(code ErrorCode) []byte {
	msg := newMessage(MsgError, 4)
	binary.BigEndian.PutUint32(msg[headerLength:], uint32(code))
	return msg
}

func parseErrorCode(msg []byte) (ErrorCode, error) {
	if len(msg) != headerLength+4 {
		return 0, fmt.Errorf("%w: Error length", ErrMalformed)
	}
	return ErrorCode(binary.BigEndian.Uint32(msg[headerLength:])), nil
}

func newGoClearMessage(clearMAC []byte) []byte {
	msg := newMessage(MsgGoClear, macLength)
	copy(msg[headerLength:], clearMAC)
	return msg
}

// EndpointHash identifies an endpoint in Ping and PingACK.
type EndpointHash [8]byte

func newPingMessage(ep EndpointHash) []byte {
	msg := newMessage(MsgPing, 4+8)
	putName(msg[headerLength:], Version)
	copy(msg[headerLength+4:], ep[:])
	return msg
}

func parsePing(msg []byte) (EndpointHash, error) {
	var ep EndpointHash
	if len(msg) != headerLength+12 {
		return ep, fmt.Errorf("%w: Ping length", ErrMalformed)
	}
	copy(ep[:], msg[headerLength+4:])
	return ep, nil
}

func newPingACKMessage(own, received EndpointHash, ssrc uint32) []byte {
	msg := newMessage(MsgPingACK, 4+8+8+4)
	b := msg[headerLength:]
	putName(b, Version)
	copy(b[4:12], own[:])
	copy(b[12:20], received[:])
	binary.BigEndian.PutUint32(b[20:24], ssrc)
	return msg
}
