package bwe

// BandwidthUsage is the verdict produced by the overuse detector.
type BandwidthUsage int

const (
	// BwNormal indicates the path is stable.
	BwNormal BandwidthUsage = iota
	// BwUnderusing indicates queues are draining; the sender may increase.
	BwUnderusing
	// BwOverusing indicates queues are building; the sender must decrease.
	BwOverusing
)

// String returns a human-readable verdict.
func (b BandwidthUsage) String() string {
	switch b {
	case BwNormal:
		return "normal"
	case BwUnderusing:
		return "underusing"
	case BwOverusing:
		return "overusing"
	default:
		return "unknown"
	}
}

// RateControlState is the state of the AIMD rate controller.
type RateControlState int

const (
	// RCHold keeps the current target.
	RCHold RateControlState = iota
	// RCIncrease grows the target.
	RCIncrease
	// RCDecrease shrinks the target.
	RCDecrease
)

// String returns a human-readable state.
func (s RateControlState) String() string {
	switch s {
	case RCHold:
		return "hold"
	case RCIncrease:
		return "increase"
	case RCDecrease:
		return "decrease"
	default:
		return "unknown"
	}
}

// RateControlRegion records where the current rate sits relative to the
// last observed maximum throughput.
type RateControlRegion int

const (
	// RCMaxUnknown means no maximum has been observed yet.
	RCMaxUnknown RateControlRegion = iota
	// RCNearMax means the rate is close to the last observed maximum.
	RCNearMax
	// RCAboveMax means the rate exceeded the last observed maximum.
	RCAboveMax
)

// String returns a human-readable region.
func (r RateControlRegion) String() string {
	switch r {
	case RCMaxUnknown:
		return "max-unknown"
	case RCNearMax:
		return "near-max"
	case RCAboveMax:
		return "above-max"
	default:
		return "unknown"
	}
}

// RateControlInput is the per-cycle input of the rate controller.
// It is a plain value and is copied wholesale.
type RateControlInput struct {
	BwState         BandwidthUsage
	IncomingBitrate uint64 // bits per second
	NoiseVar        float64
}
