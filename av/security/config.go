package security

import (
	"github.com/opd-ai/securemedia/av/zrtp"
	"golang.org/x/time/rate"
)

// Config holds the options shared by every engine of a call.
type Config struct {
	// ZRTP is the protocol configuration. Initialize may override it per
	// engine.
	ZRTP *zrtp.Config

	// ReplayWindow is the SRTP replay protection window in packets.
	ReplayWindow uint

	// ZRTPPacketRate bounds the inbound ZRTP packets processed per second.
	// Zero disables the limit.
	ZRTPPacketRate rate.Limit
	// ZRTPBurst is the number of ZRTP packets accepted above the rate.
	ZRTPBurst int

	// EventBuffer is the capacity of the event channel.
	EventBuffer int

	// Metrics receives counters. Nil creates an unregistered set.
	Metrics *Metrics
}

// DefaultConfig returns a configuration suitable for one voice or video
// call.
func DefaultConfig() *Config {
	return &Config{
		ZRTP:           zrtp.DefaultConfig(),
		ReplayWindow:   128,
		ZRTPPacketRate: 50,
		ZRTPBurst:      20,
		EventBuffer:    32,
	}
}

func (c *Config) orDefault() *Config {
	if c == nil {
		c = DefaultConfig()
	}
	cp := *c
	if cp.ZRTP == nil {
		cp.ZRTP = zrtp.DefaultConfig()
	}
	if cp.EventBuffer <= 0 {
		cp.EventBuffer = 32
	}
	if cp.ZRTPBurst <= 0 {
		cp.ZRTPBurst = 1
	}
	if cp.Metrics == nil {
		cp.Metrics = NewMetrics(nil)
	}
	return &cp
}

func (c *Config) newLimiter() *rate.Limiter {
	if c.ZRTPPacketRate <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(c.ZRTPPacketRate, c.ZRTPBurst)
}
