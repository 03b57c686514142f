package rtp

import "errors"

var (
	// ErrShortPacket indicates the buffer is too small for the header it claims.
	ErrShortPacket = errors.New("packet too short")

	// ErrEmptyPayload indicates an attempt to packetize an empty frame.
	ErrEmptyPayload = errors.New("payload cannot be empty")

	// ErrInvalidClockRate indicates a zero clock rate.
	ErrInvalidClockRate = errors.New("clock rate cannot be zero")

	// ErrUnexpectedSSRC indicates a packet from a source the depacketizer
	// is not locked on to.
	ErrUnexpectedSSRC = errors.New("unexpected SSRC")

	// ErrNotZRTP indicates the buffer does not carry a ZRTP packet.
	ErrNotZRTP = errors.New("not a ZRTP packet")
)
