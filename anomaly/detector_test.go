package anomaly

import (
	"testing"

	"argus/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func steadyValues(v float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestTrain_EmptyWindow(t *testing.T) {
	_, err := Train(core.AlgorithmMAD, nil)
	assert.Error(t, err)
}

func TestTrain_UnknownAlgorithm(t *testing.T) {
	_, err := Train("dbscan", []float64{1, 2, 3})
	assert.Error(t, err)
}

func TestMAD_DetectsSpike(t *testing.T) {
	// Values around 100 with mild noise
	values := []float64{98, 99, 100, 100, 101, 102, 100, 99, 101, 100}
	b, err := Train(core.AlgorithmMAD, values)
	require.NoError(t, err)
	assert.Equal(t, 100.0, b.Median)

	normal := b.Check(101, 1.0)
	assert.False(t, normal.IsAnomaly)

	spike := b.Check(200, 1.0)
	assert.True(t, spike.IsAnomaly)
	assert.Equal(t, 100.0, spike.Expected)
	assert.Equal(t, 100.0, spike.Deviation)
	assert.Equal(t, core.SeverityHigh, spike.Severity)
}

func TestMAD_FlatBaseline(t *testing.T) {
	b, err := Train(core.AlgorithmMAD, steadyValues(50, 24))
	require.NoError(t, err)
	require.Equal(t, 0.0, b.MAD)

	assert.False(t, b.Check(50, 1.0).IsAnomaly)

	s := b.Check(51, 1.0)
	assert.True(t, s.IsAnomaly, "any deviation from a flat baseline is anomalous")
	assert.Equal(t, core.SeverityHigh, s.Severity)
}

func TestMAD_SensitivityWidensThreshold(t *testing.T) {
	values := []float64{98, 99, 100, 100, 101, 102, 100, 99, 101, 100}
	b, err := Train(core.AlgorithmMAD, values)
	require.NoError(t, err)

	// Just outside the base threshold (median 100, MAD 1 -> cutoff 3)
	assert.True(t, b.Check(104, 1.0).IsAnomaly)
	assert.False(t, b.Check(104, 2.0).IsAnomaly, "higher sensitivity tolerates more deviation")
}

func TestZScore_DetectsOutlier(t *testing.T) {
	values := []float64{10, 12, 11, 9, 10, 11, 10, 12, 9, 11}
	b, err := Train(core.AlgorithmZScore, values)
	require.NoError(t, err)
	assert.InDelta(t, 10.5, b.Mean, 0.01)
	assert.Greater(t, b.StdDev, 0.0)

	assert.False(t, b.Check(12, 1.0).IsAnomaly)

	s := b.Check(50, 1.0)
	assert.True(t, s.IsAnomaly)
	assert.Equal(t, core.SeverityHigh, s.Severity)
}

func TestZScore_SeverityCutoffs(t *testing.T) {
	// Mean 0, stddev exactly 1
	b := &Baseline{Algorithm: core.AlgorithmZScore, Mean: 0, StdDev: 1}

	low := b.Check(3.5, 1.0)
	require.True(t, low.IsAnomaly)
	assert.Equal(t, core.SeverityMedium, low.Severity, "score in [3,5) is medium")

	high := b.Check(6, 1.0)
	require.True(t, high.IsAnomaly)
	assert.Equal(t, core.SeverityHigh, high.Severity, "score >= 5 is high")
}

func TestZScore_ZeroStdDev(t *testing.T) {
	b, err := Train(core.AlgorithmZScore, steadyValues(7, 10))
	require.NoError(t, err)
	assert.False(t, b.Check(7, 1.0).IsAnomaly)
	assert.True(t, b.Check(8, 1.0).IsAnomaly)
}

func TestIQR_Fences(t *testing.T) {
	values := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}
	b, err := Train(core.AlgorithmIQR, values)
	require.NoError(t, err)
	assert.Equal(t, 4.0, b.Q1)
	assert.Equal(t, 10.0, b.Q3)
	assert.Equal(t, 6.0, b.IQR)

	// Inside the fences [-5, 19]
	assert.False(t, b.Check(12, 1.0).IsAnomaly)
	assert.False(t, b.Check(-4, 1.0).IsAnomaly)

	above := b.Check(25, 1.0)
	assert.True(t, above.IsAnomaly)
	assert.Equal(t, core.SeverityMedium, above.Severity, "score (25-10)/6 = 2.5 is medium")

	far := b.Check(40, 1.0)
	assert.True(t, far.IsAnomaly)
	assert.Equal(t, core.SeverityHigh, far.Severity, "score (40-10)/6 = 5 is high")

	below := b.Check(-20, 1.0)
	assert.True(t, below.IsAnomaly)
}

func TestIQR_ZeroSpread(t *testing.T) {
	b, err := Train(core.AlgorithmIQR, steadyValues(3, 8))
	require.NoError(t, err)
	assert.False(t, b.Check(3, 1.0).IsAnomaly)
	assert.True(t, b.Check(4, 1.0).IsAnomaly)
}

func TestMedian(t *testing.T) {
	assert.Equal(t, 3.0, median([]float64{5, 1, 3, 2, 4}))
	assert.Equal(t, 2.5, median([]float64{4, 1, 3, 2}))
	assert.Equal(t, 9.0, median([]float64{9}))
}
