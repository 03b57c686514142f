// Package rtp provides the packet views used by the secure media path.
//
// RawPacket is a thin wrapper over a datagram buffer that classifies the
// datagram as RTP, RTCP or ZRTP and exposes the header fields the security
// layer needs without a full parse. Header parsing and packet construction
// use the pion/rtp library.
//
// # ZRTP framing
//
// ZRTP messages travel in the same UDP flow as media. Each message is
// wrapped in a 12-byte header followed by a CRC-32C trailer:
//
//	0x10 0x00 | sequence (2) | magic cookie 0x5a525450 (4) | SSRC (4)
//	message ...
//	CRC-32C over everything above (4)
//
// NewZRTPPacket builds such a packet; RawPacket.IsZRTP, CheckZRTPCRC and
// ZRTPMessage take it apart again.
//
// # Media packetization
//
// Packetizer turns encoded frames into RTP packets with a random SSRC and
// monotonically increasing sequence numbers and timestamps:
//
//	p, err := rtp.NewPacketizer(48000, 111)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	pkt, err := p.Packetize(frame, 960)
//
// Depacketizer locks on to the first SSRC it sees and tracks sequence gaps:
//
//	d := rtp.NewDepacketizer()
//	payload, ts, err := d.Process(pkt)
package rtp
