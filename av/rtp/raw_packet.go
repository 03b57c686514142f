package rtp

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/pion/rtp"
)

const (
	// FixedHeaderLength is the RTP header length without CSRCs or extension.
	FixedHeaderLength = 12

	// ZRTPHeaderLength is the length of the ZRTP packet header.
	ZRTPHeaderLength = 12

	// CRCLength is the length of the ZRTP CRC-32C trailer.
	CRCLength = 4

	// ZRTPMagicCookie identifies ZRTP packets.
	ZRTPMagicCookie uint32 = 0x5a525450
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// RawPacket is a view over one datagram. The buffer is owned by the packet
// once handed to NewRawPacket.
type RawPacket struct {
	buf []byte
}

// NewRawPacket wraps buf without copying it.
func NewRawPacket(buf []byte) *RawPacket {
	return &RawPacket{buf: buf}
}

// Buffer returns the underlying bytes.
func (p *RawPacket) Buffer() []byte { return p.buf }

// SetBuffer replaces the underlying bytes.
func (p *RawPacket) SetBuffer(buf []byte) { p.buf = buf }

// Len returns the datagram length.
func (p *RawPacket) Len() int { return len(p.buf) }

// Clone returns a deep copy.
func (p *RawPacket) Clone() *RawPacket {
	c := make([]byte, len(p.buf))
	copy(c, p.buf)
	return &RawPacket{buf: c}
}

// Version returns the two version bits of the first byte.
func (p *RawPacket) Version() uint8 {
	if len(p.buf) == 0 {
		return 0
	}
	return p.buf[0] >> 6
}

// PayloadType returns the RTP payload type, without the marker bit.
func (p *RawPacket) PayloadType() uint8 {
	if len(p.buf) < 2 {
		return 0
	}
	return p.buf[1] & 0x7f
}

// SequenceNumber returns bytes 2-3. For ZRTP packets this is the ZRTP
// sequence counter.
func (p *RawPacket) SequenceNumber() uint16 {
	if len(p.buf) < 4 {
		return 0
	}
	return binary.BigEndian.Uint16(p.buf[2:4])
}

// Timestamp returns the RTP timestamp.
func (p *RawPacket) Timestamp() uint32 {
	if len(p.buf) < 8 {
		return 0
	}
	return binary.BigEndian.Uint32(p.buf[4:8])
}

// SSRC returns the synchronization source. RTP, RTCP and ZRTP all carry
// it at bytes 8-11 except RTCP, where it sits at bytes 4-7.
func (p *RawPacket) SSRC() uint32 {
	if p.IsRTCP() {
		if len(p.buf) < 8 {
			return 0
		}
		return binary.BigEndian.Uint32(p.buf[4:8])
	}
	if len(p.buf) < 12 {
		return 0
	}
	return binary.BigEndian.Uint32(p.buf[8:12])
}

// Header parses the RTP header.
func (p *RawPacket) Header() (rtp.Header, error) {
	var h rtp.Header
	if _, err := h.Unmarshal(p.buf); err != nil {
		return rtp.Header{}, fmt.Errorf("parse RTP header: %w", err)
	}
	return h, nil
}

// HeaderLength returns the full RTP header length including CSRCs and
// extensions.
func (p *RawPacket) HeaderLength() (int, error) {
	var h rtp.Header
	n, err := h.Unmarshal(p.buf)
	if err != nil {
		return 0, fmt.Errorf("parse RTP header: %w", err)
	}
	return n, nil
}

// IsZRTP reports whether the datagram is a ZRTP packet.
func (p *RawPacket) IsZRTP() bool {
	if len(p.buf) < ZRTPHeaderLength+CRCLength {
		return false
	}
	if p.buf[0]&0xf0 != 0x10 {
		return false
	}
	return binary.BigEndian.Uint32(p.buf[4:8]) == ZRTPMagicCookie
}

// IsRTCP reports whether the datagram is an RTCP packet (SR, RR, SDES,
// BYE or APP).
func (p *RawPacket) IsRTCP() bool {
	if len(p.buf) < 8 || p.Version() != 2 {
		return false
	}
	pt := p.buf[1]
	return pt >= 200 && pt <= 204
}

// ZRTPMessage returns the message carried between the ZRTP header and the
// CRC trailer.
func (p *RawPacket) ZRTPMessage() ([]byte, error) {
	if !p.IsZRTP() {
		return nil, ErrNotZRTP
	}
	return p.buf[ZRTPHeaderLength : len(p.buf)-CRCLength], nil
}

// CheckZRTPCRC verifies the CRC-32C trailer.
func (p *RawPacket) CheckZRTPCRC() bool {
	if len(p.buf) < ZRTPHeaderLength+CRCLength {
		return false
	}
	body := p.buf[:len(p.buf)-CRCLength]
	want := binary.BigEndian.Uint32(p.buf[len(p.buf)-CRCLength:])
	return crc32.Checksum(body, castagnoli) == want
}

// NewZRTPPacket frames msg in a ZRTP packet with a CRC-32C trailer.
func NewZRTPPacket(seq uint16, ssrc uint32, msg []byte) *RawPacket {
	buf := make([]byte, ZRTPHeaderLength+len(msg)+CRCLength)
	buf[0] = 0x10
	buf[1] = 0x00
	binary.BigEndian.PutUint16(buf[2:4], seq)
	binary.BigEndian.PutUint32(buf[4:8], ZRTPMagicCookie)
	binary.BigEndian.PutUint32(buf[8:12], ssrc)
	copy(buf[ZRTPHeaderLength:], msg)

	end := ZRTPHeaderLength + len(msg)
	binary.BigEndian.PutUint32(buf[end:], crc32.Checksum(buf[:end], castagnoli))
	return &RawPacket{buf: buf}
}
