package bwe

import (
	"math"

	"github.com/sirupsen/logrus"
)

const (
	deltaCounterMax             = 1000
	minFramePeriodHistoryLength = 60
)

// OveruseEstimator tracks the queuing delay trend with a two-state Kalman
// filter: the slope models the inverse link capacity and the offset models
// the queuing delay.
type OveruseEstimator struct {
	slope        float64
	offset       float64
	prevOffset   float64
	e            [2][2]float64
	processNoise [2]float64
	avgNoise     float64
	varNoise     float64
	numOfDeltas  int
	tsDeltaHist  []float64
}

// NewOveruseEstimator returns an estimator with the standard priors.
func NewOveruseEstimator() *OveruseEstimator {
	return &OveruseEstimator{
		slope:        8.0 / 512.0,
		e:            [2][2]float64{{100, 0}, {0, 1e-1}},
		processNoise: [2]float64{1e-13, 1e-3},
		varNoise:     50,
		tsDeltaHist:  make([]float64, 0, minFramePeriodHistoryLength),
	}
}

// Update feeds one group delta into the filter.
//
// tDelta is the inter-arrival delta and tsDelta the inter-departure delta,
// both in ms; sizeDelta is the size difference in bytes. currentHypothesis
// is the detector's last verdict.
func (e *OveruseEstimator) Update(tDelta int64, tsDelta float64, sizeDelta int, currentHypothesis BandwidthUsage) {
	minFramePeriod := e.updateMinFramePeriod(tsDelta)
	tTsDelta := float64(tDelta) - tsDelta
	fsDelta := float64(sizeDelta)

	e.numOfDeltas++
	if e.numOfDeltas > deltaCounterMax {
		e.numOfDeltas = deltaCounterMax
	}

	e.e[0][0] += e.processNoise[0]
	e.e[1][1] += e.processNoise[1]

	if (currentHypothesis == BwOverusing && e.offset < e.prevOffset) ||
		(currentHypothesis == BwUnderusing && e.offset > e.prevOffset) {
		e.e[1][1] += 10 * e.processNoise[1]
	}

	h := [2]float64{fsDelta, 1.0}
	eh := [2]float64{
		e.e[0][0]*h[0] + e.e[0][1]*h[1],
		e.e[1][0]*h[0] + e.e[1][1]*h[1],
	}

	residual := tTsDelta - e.slope*h[0] - e.offset

	inStableState := currentHypothesis == BwNormal
	maxResidual := 3.0 * math.Sqrt(e.varNoise)
	// Clamp large residuals so single outliers cannot blow up the noise estimate.
	if math.Abs(residual) < maxResidual {
		e.updateNoiseEstimate(residual, minFramePeriod, inStableState)
	} else if residual < 0 {
		e.updateNoiseEstimate(-maxResidual, minFramePeriod, inStableState)
	} else {
		e.updateNoiseEstimate(maxResidual, minFramePeriod, inStableState)
	}

	denom := e.varNoise + h[0]*eh[0] + h[1]*eh[1]
	k := [2]float64{eh[0] / denom, eh[1] / denom}

	ikh := [2][2]float64{
		{1.0 - k[0]*h[0], -k[0] * h[1]},
		{-k[1] * h[0], 1.0 - k[1]*h[1]},
	}
	e00 := e.e[0][0]
	e01 := e.e[0][1]

	e.e[0][0] = e00*ikh[0][0] + e.e[1][0]*ikh[0][1]
	e.e[0][1] = e01*ikh[0][0] + e.e[1][1]*ikh[0][1]
	e.e[1][0] = e00*ikh[1][0] + e.e[1][0]*ikh[1][1]
	e.e[1][1] = e01*ikh[1][0] + e.e[1][1]*ikh[1][1]

	positiveSemiDefinite := e.e[0][0]+e.e[1][1] >= 0 &&
		e.e[0][0]*e.e[1][1]-e.e[0][1]*e.e[1][0] >= 0 &&
		e.e[0][0] >= 0
	if !positiveSemiDefinite {
		logrus.WithFields(logrus.Fields{
			"function": "OveruseEstimator.Update",
			"e00":      e.e[0][0],
			"e11":      e.e[1][1],
		}).Warn("Covariance matrix is not positive semi-definite")
	}

	e.slope += k[0] * residual
	e.prevOffset = e.offset
	e.offset += k[1] * residual
}

func (e *OveruseEstimator) updateMinFramePeriod(tsDelta float64) float64 {
	minFramePeriod := tsDelta
	if len(e.tsDeltaHist) >= minFramePeriodHistoryLength {
		e.tsDeltaHist = e.tsDeltaHist[1:]
	}
	for _, old := range e.tsDeltaHist {
		minFramePeriod = math.Min(old, minFramePeriod)
	}
	e.tsDeltaHist = append(e.tsDeltaHist, tsDelta)
	return minFramePeriod
}

func (e *OveruseEstimator) updateNoiseEstimate(residual, tsDelta float64, stableState bool) {
	if !stableState {
		return
	}
	// Faster filter during startup to adapt to the jitter level of the
	// network. alpha is tuned for 30 frames per second.
	alpha := 0.01
	if e.numOfDeltas > 10*30 {
		alpha = 0.002
	}
	beta := math.Pow(1-alpha, tsDelta*30.0/1000.0)
	e.avgNoise = beta*e.avgNoise + (1-beta)*residual
	e.varNoise = beta*e.varNoise + (1-beta)*(e.avgNoise-residual)*(e.avgNoise-residual)
	if e.varNoise < 1 {
		e.varNoise = 1
	}
}

// Offset returns the estimated queuing delay trend in ms.
func (e *OveruseEstimator) Offset() float64 { return e.offset }

// VarNoise returns the estimated measurement noise variance.
func (e *OveruseEstimator) VarNoise() float64 { return e.varNoise }

// NumOfDeltas returns the number of updates seen, capped at 1000.
func (e *OveruseEstimator) NumOfDeltas() int { return e.numOfDeltas }
