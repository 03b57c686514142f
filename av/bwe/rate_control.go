package bwe

import (
	"math"
	"sync"

	"github.com/sirupsen/logrus"
)

// RateControlConfig defines the AIMD controller parameters.
type RateControlConfig struct {
	MinBitrate   uint64 // bps
	MaxBitrate   uint64 // bps
	StartBitrate uint64 // bps

	// BackoffFactor multiplies the incoming bitrate on overuse.
	BackoffFactor float64
	// IncreasePerSecond is the multiplicative growth per second far from
	// the observed maximum.
	IncreasePerSecond float64
	// AdditiveIncreaseBps is the additive growth per second near the
	// observed maximum.
	AdditiveIncreaseBps uint64
	// IncomingHeadroom and IncomingMultiplier bound the target at
	// IncomingMultiplier*incoming + IncomingHeadroom.
	IncomingMultiplier float64
	IncomingHeadroom   uint64

	// MinChangeBitrate is the smallest change reported to the callback.
	MinChangeBitrate uint64
}

// DefaultRateControlConfig returns conservative defaults for a single
// audio/video stream.
func DefaultRateControlConfig() RateControlConfig {
	return RateControlConfig{
		MinBitrate:          30000,
		MaxBitrate:          30000000,
		StartBitrate:        300000,
		BackoffFactor:       0.85,
		IncreasePerSecond:   0.08,
		AdditiveIncreaseBps: 8000,
		IncomingMultiplier:  1.5,
		IncomingHeadroom:    10000,
		MinChangeBitrate:    5000,
	}
}

// RateController tracks a target bitrate from successive RateControlInput
// values. It is safe for concurrent use.
type RateController struct {
	mu  sync.Mutex
	cfg RateControlConfig

	state         RateControlState
	region        RateControlRegion
	current       uint64
	lastChangeMs  int64
	avgMaxKbps    float64
	varMaxKbps    float64
	lastNotified  uint64
	onTargetRate  func(uint64)
	decreaseCount uint64
}

// NewRateController creates a controller in the Hold state at the start
// bitrate.
func NewRateController(cfg RateControlConfig) *RateController {
	if cfg.MaxBitrate == 0 {
		cfg = DefaultRateControlConfig()
	}
	start := clampBitrate(cfg.StartBitrate, cfg.MinBitrate, cfg.MaxBitrate)

	logrus.WithFields(logrus.Fields{
		"function":      "NewRateController",
		"start_bps":     start,
		"min_bps":       cfg.MinBitrate,
		"max_bps":       cfg.MaxBitrate,
		"backoff":       cfg.BackoffFactor,
		"increase_rate": cfg.IncreasePerSecond,
	}).Debug("Creating rate controller")

	return &RateController{
		cfg:          cfg,
		state:        RCHold,
		region:       RCMaxUnknown,
		current:      start,
		lastChangeMs: -1,
		avgMaxKbps:   -1,
		varMaxKbps:   0.4,
		lastNotified: start,
	}
}

// OnTargetBitrate sets a callback invoked when the target moves by at
// least MinChangeBitrate. The callback runs on the caller of Update.
func (rc *RateController) OnTargetBitrate(cb func(uint64)) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.onTargetRate = cb
}

// Update applies one estimation cycle and returns the new target bitrate.
func (rc *RateController) Update(input RateControlInput, nowMs int64) uint64 {
	rc.mu.Lock()

	prevState := rc.state
	rc.changeState(input.BwState)

	if rc.lastChangeMs == -1 {
		rc.lastChangeMs = nowMs
	}
	elapsedMs := nowMs - rc.lastChangeMs
	if elapsedMs < 0 {
		elapsedMs = 0
	}

	newRate := rc.current
	incomingKbps := float64(input.IncomingBitrate) / 1000.0

	switch rc.state {
	case RCHold:
	case RCIncrease:
		stdMax := math.Sqrt(rc.varMaxKbps * rc.avgMaxKbps)
		if rc.avgMaxKbps >= 0 && incomingKbps > rc.avgMaxKbps+3*stdMax {
			rc.region = RCMaxUnknown
			rc.avgMaxKbps = -1
		}
		if rc.region == RCNearMax {
			newRate += rc.additiveIncrease(elapsedMs)
		} else {
			newRate = rc.multiplicativeIncrease(elapsedMs)
		}
		if input.IncomingBitrate > 0 {
			limit := uint64(rc.cfg.IncomingMultiplier*float64(input.IncomingBitrate)) + rc.cfg.IncomingHeadroom
			if newRate > limit {
				newRate = max(rc.current, limit)
			}
		}
	case RCDecrease:
		base := input.IncomingBitrate
		if base == 0 {
			base = rc.current
		}
		newRate = uint64(rc.cfg.BackoffFactor * float64(base))
		if newRate > rc.current {
			newRate = rc.current
		}
		if input.IncomingBitrate > 0 {
			if rc.avgMaxKbps >= 0 && incomingKbps < rc.avgMaxKbps-3*math.Sqrt(rc.varMaxKbps*rc.avgMaxKbps) {
				rc.avgMaxKbps = -1
			}
			rc.updateMaxEstimate(incomingKbps)
		}
		rc.region = RCNearMax
		rc.decreaseCount++
		// A decrease is a single step; wait for the next verdict.
		rc.state = RCHold
	}

	rc.current = clampBitrate(newRate, rc.cfg.MinBitrate, rc.cfg.MaxBitrate)
	rc.lastChangeMs = nowMs

	var cb func(uint64)
	target := rc.current
	if diff(target, rc.lastNotified) >= rc.cfg.MinChangeBitrate {
		rc.lastNotified = target
		cb = rc.onTargetRate
	}

	if prevState != rc.state {
		logrus.WithFields(logrus.Fields{
			"function":     "RateController.Update",
			"old_state":    prevState.String(),
			"new_state":    rc.state.String(),
			"bw_state":     input.BwState.String(),
			"target_bps":   target,
			"incoming_bps": input.IncomingBitrate,
		}).Debug("Rate control state changed")
	}
	rc.mu.Unlock()

	if cb != nil {
		cb(target)
	}
	return target
}

func (rc *RateController) changeState(usage BandwidthUsage) {
	switch usage {
	case BwNormal:
		if rc.state == RCHold {
			rc.state = RCIncrease
		}
	case BwOverusing:
		if rc.state != RCDecrease {
			rc.state = RCDecrease
		}
	case BwUnderusing:
		rc.state = RCHold
	}
}

func (rc *RateController) multiplicativeIncrease(elapsedMs int64) uint64 {
	if elapsedMs > 1000 {
		elapsedMs = 1000
	}
	alpha := math.Pow(1.0+rc.cfg.IncreasePerSecond, float64(elapsedMs)/1000.0)
	grown := uint64(float64(rc.current) * alpha)
	if grown <= rc.current && elapsedMs > 0 {
		grown = rc.current + 1000
	}
	return grown
}

func (rc *RateController) additiveIncrease(elapsedMs int64) uint64 {
	if elapsedMs > 1000 {
		elapsedMs = 1000
	}
	return rc.cfg.AdditiveIncreaseBps * uint64(elapsedMs) / 1000
}

func (rc *RateController) updateMaxEstimate(incomingKbps float64) {
	const alpha = 0.05
	if rc.avgMaxKbps == -1 {
		rc.avgMaxKbps = incomingKbps
	} else {
		rc.avgMaxKbps = (1-alpha)*rc.avgMaxKbps + alpha*incomingKbps
	}
	norm := math.Max(rc.avgMaxKbps, 1.0)
	d := rc.avgMaxKbps - incomingKbps
	rc.varMaxKbps = (1-alpha)*rc.varMaxKbps + alpha*d*d/norm
	rc.varMaxKbps = math.Max(0.4, math.Min(2.5, rc.varMaxKbps))
}

// TargetBitrate returns the current target in bps.
func (rc *RateController) TargetBitrate() uint64 {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.current
}

// State returns the controller state.
func (rc *RateController) State() RateControlState {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.state
}

// Region returns the controller region.
func (rc *RateController) Region() RateControlRegion {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.region
}

// DecreaseCount returns how many multiplicative decreases were applied.
func (rc *RateController) DecreaseCount() uint64 {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.decreaseCount
}

func clampBitrate(v, lo, hi uint64) uint64 {
	if v < lo {
		return lo
	}
	if hi > 0 && v > hi {
		return hi
	}
	return v
}

func diff(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return b - a
}
