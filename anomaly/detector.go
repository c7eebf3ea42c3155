package anomaly

import (
	"fmt"
	"math"
	"sort"

	"argus/core"
)

// Baseline thresholds and severity cutoffs. Sensitivity scales the
// detection threshold per config; these constants are the unscaled base.
const (
	// madThresholdFactor and zscoreThreshold follow the 3-sigma rule
	madThresholdFactor = 3.0
	zscoreThreshold    = 3.0
	// iqrFenceFactor is the Tukey fence multiplier
	iqrFenceFactor = 1.5

	deviationSeverityHigh   = 5.0
	deviationSeverityMedium = 3.0
	iqrSeverityHigh         = 3.0
	iqrSeverityMedium       = 2.0
)

// Baseline is a trained statistical summary of a metric's history
type Baseline struct {
	Algorithm core.Algorithm

	// MAD baseline
	Median float64
	MAD    float64

	// Z-score baseline
	Mean   float64
	StdDev float64

	// IQR baseline
	Q1  float64
	Q3  float64
	IQR float64

	Samples int
}

// Score is the outcome of checking one value against a baseline
type Score struct {
	IsAnomaly bool
	// Expected is the baseline's central value
	Expected float64
	// Deviation is |observed - expected|
	Deviation float64
	// Value is the algorithm's normalized anomaly score
	Value    float64
	Severity core.Severity
}

// Train builds a baseline from the training window's values
func Train(algorithm core.Algorithm, values []float64) (*Baseline, error) {
	if len(values) == 0 {
		return nil, fmt.Errorf("cannot train on an empty window")
	}
	b := &Baseline{Algorithm: algorithm, Samples: len(values)}
	switch algorithm {
	case core.AlgorithmMAD:
		b.Median = median(values)
		deviations := make([]float64, len(values))
		for i, v := range values {
			deviations[i] = math.Abs(v - b.Median)
		}
		b.MAD = median(deviations)
	case core.AlgorithmZScore:
		b.Mean = mean(values)
		b.StdDev = stdDev(values, b.Mean)
	case core.AlgorithmIQR:
		sorted := append([]float64(nil), values...)
		sort.Float64s(sorted)
		b.Q1 = sorted[len(sorted)/4]
		b.Q3 = sorted[(len(sorted)*3)/4]
		b.IQR = b.Q3 - b.Q1
	default:
		return nil, fmt.Errorf("unknown algorithm: %s", algorithm)
	}
	return b, nil
}

// Check scores one observed value against the baseline. Sensitivity > 1
// widens the threshold (fewer anomalies), < 1 narrows it.
func (b *Baseline) Check(observed, sensitivity float64) Score {
	if sensitivity <= 0 {
		sensitivity = 1
	}
	switch b.Algorithm {
	case core.AlgorithmMAD:
		return b.checkMAD(observed, sensitivity)
	case core.AlgorithmZScore:
		return b.checkZScore(observed, sensitivity)
	case core.AlgorithmIQR:
		return b.checkIQR(observed, sensitivity)
	default:
		return Score{}
	}
}

func (b *Baseline) checkMAD(observed, sensitivity float64) Score {
	deviation := math.Abs(observed - b.Median)
	s := Score{Expected: b.Median, Deviation: deviation}
	if b.MAD == 0 {
		// A flat baseline: any deviation at all is anomalous
		if deviation > 0 {
			s.IsAnomaly = true
			s.Value = deviationSeverityHigh
			s.Severity = core.SeverityHigh
		}
		return s
	}
	s.Value = deviation / b.MAD
	if deviation > madThresholdFactor*b.MAD*sensitivity {
		s.IsAnomaly = true
		s.Severity = deviationSeverity(s.Value)
	}
	return s
}

func (b *Baseline) checkZScore(observed, sensitivity float64) Score {
	deviation := math.Abs(observed - b.Mean)
	s := Score{Expected: b.Mean, Deviation: deviation}
	if b.StdDev == 0 {
		if deviation > 0 {
			s.IsAnomaly = true
			s.Value = deviationSeverityHigh
			s.Severity = core.SeverityHigh
		}
		return s
	}
	s.Value = deviation / b.StdDev
	if s.Value > zscoreThreshold*sensitivity {
		s.IsAnomaly = true
		s.Severity = deviationSeverity(s.Value)
	}
	return s
}

func (b *Baseline) checkIQR(observed, sensitivity float64) Score {
	mid := (b.Q1 + b.Q3) / 2
	s := Score{Expected: mid, Deviation: math.Abs(observed - mid)}
	if b.IQR == 0 {
		if observed != b.Q1 {
			s.IsAnomaly = true
			s.Value = iqrSeverityHigh
			s.Severity = core.SeverityHigh
		}
		return s
	}
	lower := b.Q1 - iqrFenceFactor*b.IQR*sensitivity
	upper := b.Q3 + iqrFenceFactor*b.IQR*sensitivity
	if observed < lower {
		s.IsAnomaly = true
		s.Value = (b.Q1 - observed) / b.IQR
	} else if observed > upper {
		s.IsAnomaly = true
		s.Value = (observed - b.Q3) / b.IQR
	} else {
		s.Value = s.Deviation / b.IQR
		return s
	}
	s.Severity = iqrSeverity(s.Value)
	return s
}

func deviationSeverity(score float64) core.Severity {
	switch {
	case score >= deviationSeverityHigh:
		return core.SeverityHigh
	case score >= deviationSeverityMedium:
		return core.SeverityMedium
	default:
		return core.SeverityLow
	}
}

func iqrSeverity(score float64) core.Severity {
	switch {
	case score >= iqrSeverityHigh:
		return core.SeverityHigh
	case score >= iqrSeverityMedium:
		return core.SeverityMedium
	default:
		return core.SeverityLow
	}
}

func mean(values []float64) float64 {
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// stdDev is the population standard deviation
func stdDev(values []float64, mean float64) float64 {
	var sum float64
	for _, v := range values {
		d := v - mean
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(values)))
}

func median(values []float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}
