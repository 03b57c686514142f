package rtp

import (
	"encoding/binary"
	"testing"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func marshalRTP(t *testing.T, h rtp.Header, payload []byte) []byte {
	t.Helper()
	pkt := &rtp.Packet{Header: h, Payload: payload}
	data, err := pkt.Marshal()
	require.NoError(t, err)
	return data
}

func TestRawPacketAccessors(t *testing.T) {
	data := marshalRTP(t, rtp.Header{
		Version:        2,
		Marker:         true,
		PayloadType:    111,
		SequenceNumber: 4242,
		Timestamp:      960,
		SSRC:           0xdeadbeef,
	}, []byte{1, 2, 3})

	p := NewRawPacket(data)
	assert.Equal(t, uint8(2), p.Version())
	assert.Equal(t, uint8(111), p.PayloadType())
	assert.Equal(t, uint16(4242), p.SequenceNumber())
	assert.Equal(t, uint32(960), p.Timestamp())
	assert.Equal(t, uint32(0xdeadbeef), p.SSRC())
	assert.False(t, p.IsZRTP())
	assert.False(t, p.IsRTCP())

	h, err := p.Header()
	require.NoError(t, err)
	assert.True(t, h.Marker)

	n, err := p.HeaderLength()
	require.NoError(t, err)
	assert.Equal(t, FixedHeaderLength, n)
}

func TestRawPacketShortBuffers(t *testing.T) {
	p := NewRawPacket([]byte{0x80})
	assert.Equal(t, uint16(0), p.SequenceNumber())
	assert.Equal(t, uint32(0), p.SSRC())
	assert.Equal(t, uint8(0), p.PayloadType())
	assert.False(t, p.IsZRTP())
	assert.False(t, p.CheckZRTPCRC())

	_, err := p.Header()
	assert.Error(t, err)
}

func TestRawPacketClone(t *testing.T) {
	p := NewRawPacket([]byte{1, 2, 3})
	c := p.Clone()
	c.Buffer()[0] = 9
	assert.Equal(t, byte(1), p.Buffer()[0])
}

func TestRawPacketRTCP(t *testing.T) {
	tests := []struct {
		name string
		pt   byte
		want bool
	}{
		{"sender report", 200, true},
		{"receiver report", 201, true},
		{"app", 204, true},
		{"rtpfb", 205, false},
		{"media", 96, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := make([]byte, 8)
			buf[0] = 0x80
			buf[1] = tt.pt
			binary.BigEndian.PutUint32(buf[4:], 77)
			p := NewRawPacket(buf)
			assert.Equal(t, tt.want, p.IsRTCP())
			if tt.want {
				assert.Equal(t, uint32(77), p.SSRC())
			}
		})
	}
}

func TestZRTPPacketFraming(t *testing.T) {
	msg := []byte("PZ\x00\x03HelloACK")
	p := NewZRTPPacket(7, 0x01020304, msg)

	require.True(t, p.IsZRTP())
	assert.True(t, p.CheckZRTPCRC())
	assert.Equal(t, uint16(7), p.SequenceNumber())
	assert.Equal(t, uint32(0x01020304), p.SSRC())
	assert.Equal(t, ZRTPHeaderLength+len(msg)+CRCLength, p.Len())

	got, err := p.ZRTPMessage()
	require.NoError(t, err)
	assert.Equal(t, msg, got)
}

func TestZRTPPacketCorruptedCRC(t *testing.T) {
	p := NewZRTPPacket(1, 1, []byte("PZ\x00\x03Ping    "))
	p.Buffer()[14] ^= 0xff
	assert.True(t, p.IsZRTP())
	assert.False(t, p.CheckZRTPCRC())
}

func TestZRTPMessageRejectsMedia(t *testing.T) {
	data := marshalRTP(t, rtp.Header{Version: 2, PayloadType: 0, SSRC: 1}, []byte{0, 0, 0, 0})
	_, err := NewRawPacket(data).ZRTPMessage()
	assert.ErrorIs(t, err, ErrNotZRTP)
}
