package bwe

import "math"

// DetectorConfig holds the overuse detector parameters.
type DetectorConfig struct {
	// InitialThreshold is the starting detection threshold in ms.
	InitialThreshold float64
	// OverusingTimeThresholdMs is how long the offset must stay above the
	// threshold before Overusing is declared.
	OverusingTimeThresholdMs float64
	// MaxNumDeltas caps the weight given to the offset.
	MaxNumDeltas int

	// AdaptiveThreshold enables the threshold update. When false the
	// threshold stays at InitialThreshold.
	AdaptiveThreshold bool
	KUp               float64
	KDown             float64
	MinThreshold      float64
	MaxThreshold      float64
	// MaxAdaptOffsetMs skips adaptation for outliers further than this
	// above the threshold.
	MaxAdaptOffsetMs float64
	// MaxTimeDeltaMs caps the elapsed time used to scale one update.
	MaxTimeDeltaMs int64
}

// DefaultDetectorConfig returns the default parameters with the adaptive
// threshold disabled.
//
// The adaptation gains have not been validated for production traffic,
// which is why the adaptive mode is opt-in.
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		InitialThreshold:         12.5,
		OverusingTimeThresholdMs: 100,
		MaxNumDeltas:             60,
		AdaptiveThreshold:        false,
		KUp:                      0.01,
		KDown:                    0.00018,
		MinThreshold:             6,
		MaxThreshold:             600,
		MaxAdaptOffsetMs:         15,
		MaxTimeDeltaMs:           100,
	}
}

// DetectorState is the complete mutable state of the overuse detector.
type DetectorState struct {
	Hypothesis     BandwidthUsage
	Threshold      float64
	TimeOverUsing  float64 // -1 when not over-using
	OveruseCounter int
	PrevOffset     float64
	LastUpdateMs   int64 // -1 before the first threshold update
}

// NewDetectorState returns the initial state for cfg.
func NewDetectorState(cfg DetectorConfig) DetectorState {
	return DetectorState{
		Hypothesis:    BwNormal,
		Threshold:     cfg.InitialThreshold,
		TimeOverUsing: -1,
		LastUpdateMs:  -1,
	}
}

// Sample is one detector input.
type Sample struct {
	Offset      float64 // estimated queuing delay trend, ms
	TsDelta     float64 // time since the previous update, ms
	NumOfDeltas int     // samples aggregated by the offset estimate
	NowMs       int64   // monotonic time, ms
}

// Step classifies one sample. It returns the next state and the verdict.
// With fewer than two deltas the input state is returned unchanged
// together with BwNormal.
func Step(cfg DetectorConfig, st DetectorState, s Sample) (DetectorState, BandwidthUsage) {
	if s.NumOfDeltas < 2 {
		return st, BwNormal
	}

	n := s.NumOfDeltas
	if cfg.MaxNumDeltas > 0 && n > cfg.MaxNumDeltas {
		n = cfg.MaxNumDeltas
	}
	t := float64(n) * s.Offset

	switch {
	case t > st.Threshold:
		if st.TimeOverUsing == -1 {
			// Assume on average half the interval was already spent
			// over-using when the threshold is first crossed.
			st.TimeOverUsing = s.TsDelta / 2
		} else {
			st.TimeOverUsing += s.TsDelta
		}
		st.OveruseCounter++
		if st.TimeOverUsing > cfg.OverusingTimeThresholdMs && st.OveruseCounter > 1 {
			if s.Offset >= st.PrevOffset {
				st.TimeOverUsing = 0
				st.OveruseCounter = 0
				st.Hypothesis = BwOverusing
			}
		}
	case t < -st.Threshold:
		st.TimeOverUsing = -1
		st.OveruseCounter = 0
		st.Hypothesis = BwUnderusing
	default:
		st.TimeOverUsing = -1
		st.OveruseCounter = 0
		st.Hypothesis = BwNormal
	}

	st.PrevOffset = s.Offset
	st = updateThreshold(cfg, st, t, s.NowMs)

	return st, st.Hypothesis
}

func updateThreshold(cfg DetectorConfig, st DetectorState, modifiedOffset float64, nowMs int64) DetectorState {
	if !cfg.AdaptiveThreshold {
		return st
	}

	if st.LastUpdateMs == -1 {
		st.LastUpdateMs = nowMs
	}

	abs := math.Abs(modifiedOffset)
	if abs > st.Threshold+cfg.MaxAdaptOffsetMs {
		// Outliers such as a route change must not move the threshold.
		st.LastUpdateMs = nowMs
		return st
	}

	k := cfg.KUp
	if abs < st.Threshold {
		k = cfg.KDown
	}

	dt := nowMs - st.LastUpdateMs
	if dt > cfg.MaxTimeDeltaMs {
		dt = cfg.MaxTimeDeltaMs
	}

	st.Threshold += k * (abs - st.Threshold) * float64(dt)
	st.Threshold = math.Max(cfg.MinThreshold, math.Min(cfg.MaxThreshold, st.Threshold))
	st.LastUpdateMs = nowMs
	return st
}

// OveruseDetector is a stateful wrapper around Step.
// It is not safe for concurrent use.
type OveruseDetector struct {
	cfg   DetectorConfig
	state DetectorState
}

// NewOveruseDetector creates a detector with the initial state for cfg.
func NewOveruseDetector(cfg DetectorConfig) *OveruseDetector {
	return &OveruseDetector{cfg: cfg, state: NewDetectorState(cfg)}
}

// Detect classifies one offset estimate and returns the bandwidth usage.
func (d *OveruseDetector) Detect(offset, tsDelta float64, numOfDeltas int, nowMs int64) BandwidthUsage {
	var usage BandwidthUsage
	d.state, usage = Step(d.cfg, d.state, Sample{
		Offset:      offset,
		TsDelta:     tsDelta,
		NumOfDeltas: numOfDeltas,
		NowMs:       nowMs,
	})
	return usage
}

// State returns the last verdict.
func (d *OveruseDetector) State() BandwidthUsage {
	return d.state.Hypothesis
}

// Snapshot returns a copy of the full detector state.
func (d *OveruseDetector) Snapshot() DetectorState {
	return d.state
}

// Threshold returns the current detection threshold.
func (d *OveruseDetector) Threshold() float64 {
	return d.state.Threshold
}
