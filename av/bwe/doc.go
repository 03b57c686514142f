// Package bwe implements receive-side congestion sensing for media streams.
//
// The package classifies the bandwidth usage of a network path from packet
// inter-arrival timing. Three pieces cooperate:
//
//   - OveruseEstimator: a Kalman filter that turns inter-arrival and
//     inter-departure deltas into a queuing-delay trend (the offset) and a
//     noise variance estimate.
//   - OveruseDetector: an adaptive-threshold classifier that turns the offset
//     into a BandwidthUsage verdict (Normal, Underusing, Overusing).
//   - RateController: an AIMD controller that turns the verdict and the
//     incoming bitrate into a target bitrate.
//
// # Detector State
//
// The detector state is an explicit value. Step is a pure function from
// (config, state, sample) to (state, verdict), which keeps the classifier easy
// to test. OveruseDetector wraps Step for callers that prefer a stateful
// object:
//
//	det := bwe.NewOveruseDetector(bwe.DefaultDetectorConfig())
//	usage := det.Detect(offset, tsDeltaMs, numOfDeltas, nowMs)
//
// None of the types in this package are safe for concurrent use except
// RateController. Confine an estimator/detector pair to one goroutine.
package bwe
