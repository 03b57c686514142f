package rtp

import (
	"testing"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPacketizer(t *testing.T) {
	p, err := NewPacketizer(48000, 111)
	require.NoError(t, err)
	assert.Equal(t, uint32(48000), p.ClockRate())

	_, err = NewPacketizer(0, 111)
	assert.ErrorIs(t, err, ErrInvalidClockRate)
}

func TestPacketizeAdvancesCounters(t *testing.T) {
	p, err := NewPacketizer(48000, 111)
	require.NoError(t, err)

	first, err := p.Packetize([]byte{1, 2, 3}, 960)
	require.NoError(t, err)
	second, err := p.Packetize([]byte{4, 5, 6}, 960)
	require.NoError(t, err)

	assert.Equal(t, p.SSRC(), first.SSRC())
	assert.Equal(t, first.SequenceNumber()+1, second.SequenceNumber())
	assert.Equal(t, first.Timestamp()+960, second.Timestamp())
	assert.Equal(t, uint8(111), first.PayloadType())

	_, err = p.Packetize(nil, 960)
	assert.ErrorIs(t, err, ErrEmptyPayload)
}

func TestDepacketizerRoundTrip(t *testing.T) {
	p, err := NewPacketizer(90000, 96)
	require.NoError(t, err)
	d := NewDepacketizer()

	pkt, err := p.Packetize([]byte("frame"), 3000)
	require.NoError(t, err)

	payload, ts, err := d.Process(pkt)
	require.NoError(t, err)
	assert.Equal(t, []byte("frame"), payload)
	assert.Equal(t, uint32(0), ts)
	assert.Equal(t, uint64(1), d.Statistics().PacketsReceived)
}

func TestDepacketizerTracksLoss(t *testing.T) {
	p, err := NewPacketizer(48000, 111)
	require.NoError(t, err)
	d := NewDepacketizer()

	var pkts []*RawPacket
	for i := 0; i < 5; i++ {
		pkt, err := p.Packetize([]byte{byte(i)}, 960)
		require.NoError(t, err)
		pkts = append(pkts, pkt)
	}

	for _, i := range []int{0, 1, 4} {
		_, _, err := d.Process(pkts[i])
		require.NoError(t, err)
	}
	stats := d.Statistics()
	assert.Equal(t, uint64(3), stats.PacketsReceived)
	assert.Equal(t, uint64(2), stats.PacketsLost)
}

func TestDepacketizerRejectsForeignSSRC(t *testing.T) {
	d := NewDepacketizer()

	mk := func(ssrc uint32) *RawPacket {
		pkt := &rtp.Packet{Header: rtp.Header{Version: 2, PayloadType: 96, SSRC: ssrc}, Payload: []byte{1}}
		data, err := pkt.Marshal()
		require.NoError(t, err)
		return NewRawPacket(data)
	}

	_, _, err := d.Process(mk(1))
	require.NoError(t, err)
	_, _, err = d.Process(mk(2))
	assert.ErrorIs(t, err, ErrUnexpectedSSRC)

	_, _, err = d.Process(NewRawPacket([]byte{0x80}))
	assert.ErrorIs(t, err, ErrShortPacket)
}
