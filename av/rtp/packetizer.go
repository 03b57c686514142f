package rtp

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/pion/rtp"
	"github.com/sirupsen/logrus"
)

// Packetizer converts encoded media frames into RTP packets.
type Packetizer struct {
	mu             sync.Mutex
	ssrc           uint32
	sequenceNumber uint16
	timestamp      uint32
	clockRate      uint32
	payloadType    uint8
}

// NewPacketizer creates a packetizer with a random SSRC.
//
// Parameters:
//   - clockRate: media clock rate in Hz (48000 for Opus, 90000 for video)
//   - payloadType: RTP payload type, usually dynamic (96-127)
func NewPacketizer(clockRate uint32, payloadType uint8) (*Packetizer, error) {
	if clockRate == 0 {
		logrus.WithFields(logrus.Fields{
			"function": "NewPacketizer",
			"error":    ErrInvalidClockRate.Error(),
		}).Error("Invalid clock rate")
		return nil, ErrInvalidClockRate
	}

	ssrcBytes := make([]byte, 4)
	if _, err := rand.Read(ssrcBytes); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "NewPacketizer",
			"error":    err.Error(),
		}).Error("Failed to generate SSRC")
		return nil, fmt.Errorf("failed to generate SSRC: %w", err)
	}
	ssrc := binary.BigEndian.Uint32(ssrcBytes)

	logrus.WithFields(logrus.Fields{
		"function":     "NewPacketizer",
		"ssrc":         ssrc,
		"clock_rate":   clockRate,
		"payload_type": payloadType,
	}).Debug("Packetizer created")

	return &Packetizer{
		ssrc:        ssrc,
		clockRate:   clockRate,
		payloadType: payloadType & 0x7f,
	}, nil
}

// SSRC returns the stream's synchronization source.
func (p *Packetizer) SSRC() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ssrc
}

// ClockRate returns the media clock rate.
func (p *Packetizer) ClockRate() uint32 {
	return p.clockRate
}

// Packetize wraps one frame in an RTP packet and advances the sequence
// number and timestamp. sampleCount is the frame duration in clock ticks.
func (p *Packetizer) Packetize(payload []byte, sampleCount uint32) (*RawPacket, error) {
	if len(payload) == 0 {
		return nil, ErrEmptyPayload
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	packet := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    p.payloadType,
			SequenceNumber: p.sequenceNumber,
			Timestamp:      p.timestamp,
			SSRC:           p.ssrc,
		},
		Payload: payload,
	}

	data, err := packet.Marshal()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Packetizer.Packetize",
			"error":    err.Error(),
		}).Error("Failed to marshal RTP packet")
		return nil, fmt.Errorf("failed to marshal RTP packet: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function":        "Packetizer.Packetize",
		"sequence_number": p.sequenceNumber,
		"timestamp":       p.timestamp,
		"size":            len(data),
	}).Debug("Packetized frame")

	p.sequenceNumber++
	p.timestamp += sampleCount

	return NewRawPacket(data), nil
}

// Statistics holds receive-side counters.
type Statistics struct {
	PacketsReceived uint64
	PacketsLost     uint64
	BytesReceived   uint64
}

// Depacketizer extracts payloads from an inbound RTP stream.
type Depacketizer struct {
	mu           sync.Mutex
	expectedSSRC uint32
	hasSSRC      bool
	lastSeq      uint16
	hasLastSeq   bool
	stats        Statistics
}

// NewDepacketizer creates a depacketizer that locks on to the first SSRC.
func NewDepacketizer() *Depacketizer {
	return &Depacketizer{}
}

// Process parses pkt and returns its payload and timestamp.
func (d *Depacketizer) Process(pkt *RawPacket) ([]byte, uint32, error) {
	if pkt == nil || pkt.Len() < FixedHeaderLength {
		return nil, 0, ErrShortPacket
	}

	packet := &rtp.Packet{}
	if err := packet.Unmarshal(pkt.Buffer()); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Depacketizer.Process",
			"error":    err.Error(),
		}).Debug("Failed to unmarshal RTP packet")
		return nil, 0, fmt.Errorf("failed to unmarshal RTP packet: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.hasSSRC {
		d.expectedSSRC = packet.SSRC
		d.hasSSRC = true
		logrus.WithFields(logrus.Fields{
			"function": "Depacketizer.Process",
			"ssrc":     packet.SSRC,
		}).Debug("Accepted new SSRC for stream")
	} else if packet.SSRC != d.expectedSSRC {
		return nil, 0, fmt.Errorf("%w: expected %d, got %d", ErrUnexpectedSSRC, d.expectedSSRC, packet.SSRC)
	}

	if d.hasLastSeq {
		expected := d.lastSeq + 1
		if gap := packet.SequenceNumber - expected; gap != 0 && gap < 0x8000 {
			d.stats.PacketsLost += uint64(gap)
			logrus.WithFields(logrus.Fields{
				"function":          "Depacketizer.Process",
				"expected_sequence": expected,
				"received_sequence": packet.SequenceNumber,
			}).Debug("Sequence gap detected in RTP stream")
		}
	}
	d.lastSeq = packet.SequenceNumber
	d.hasLastSeq = true
	d.stats.PacketsReceived++
	d.stats.BytesReceived += uint64(pkt.Len())

	return packet.Payload, packet.Timestamp, nil
}

// Statistics returns a copy of the receive counters.
func (d *Depacketizer) Statistics() Statistics {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}
