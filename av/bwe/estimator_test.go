package bwe

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEstimatorStableLink(t *testing.T) {
	e := NewOveruseEstimator()
	for i := 0; i < 300; i++ {
		e.Update(33, 33, 0, BwNormal)
	}
	assert.InDelta(t, 0, e.Offset(), 0.1)
	assert.GreaterOrEqual(t, e.VarNoise(), 1.0)
}

func TestEstimatorGrowingQueue(t *testing.T) {
	e := NewOveruseEstimator()
	for i := 0; i < 100; i++ {
		// Each group arrives 5 ms later than it was sent.
		e.Update(38, 33, 0, BwNormal)
	}
	assert.Greater(t, e.Offset(), 0.0)
}

func TestEstimatorDrainingQueue(t *testing.T) {
	e := NewOveruseEstimator()
	for i := 0; i < 100; i++ {
		e.Update(28, 33, 0, BwNormal)
	}
	assert.Less(t, e.Offset(), 0.0)
}

func TestEstimatorDeltaCounterCapped(t *testing.T) {
	e := NewOveruseEstimator()
	for i := 0; i < deltaCounterMax+50; i++ {
		e.Update(20, 20, 0, BwNormal)
	}
	assert.Equal(t, deltaCounterMax, e.NumOfDeltas())
	assert.Len(t, e.tsDeltaHist, minFramePeriodHistoryLength)
}

func TestEstimatorFeedsDetector(t *testing.T) {
	e := NewOveruseEstimator()
	d := NewOveruseDetector(DefaultDetectorConfig())

	usage := BwNormal
	now := int64(0)
	sawOveruse := false
	for i := 0; i < 200; i++ {
		now += 40
		e.Update(40, 20, 0, usage)
		usage = d.Detect(e.Offset(), 20, e.NumOfDeltas(), now)
		if usage == BwOverusing {
			sawOveruse = true
			break
		}
	}
	assert.True(t, sawOveruse, "a link that doubles every delay must be flagged")
}
