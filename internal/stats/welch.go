package stats

import "math"

// WelchResult is the outcome of Welch's unequal-variance t-test comparing
// per-visitor revenue of a variant against control.
type WelchResult struct {
	T           float64
	DF          float64
	PValue      float64 // two-tailed
	MeanControl float64
	MeanVariant float64
	Improvement float64 // relative lift of variant mean over control mean
	Significant bool
}

// Sample holds the summary statistics of one variant's per-visitor values.
type Sample struct {
	N        int64
	Mean     float64
	Variance float64 // sample variance (n-1 denominator)
}

// Summarize computes a Sample from raw per-visitor values.
func Summarize(values []float64) Sample {
	n := len(values)
	if n == 0 {
		return Sample{}
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(n)
	if n < 2 {
		return Sample{N: int64(n), Mean: mean}
	}
	var ss float64
	for _, v := range values {
		d := v - mean
		ss += d * d
	}
	return Sample{N: int64(n), Mean: mean, Variance: ss / float64(n-1)}
}

// WelchTTest runs Welch's t-test with the Welch-Satterthwaite degrees of
// freedom approximation.
func WelchTTest(control, variant Sample, confidence float64) WelchResult {
	if control.N < 2 || variant.N < 2 {
		return WelchResult{PValue: 1, MeanControl: control.Mean, MeanVariant: variant.Mean}
	}

	vc := control.Variance / float64(control.N)
	vv := variant.Variance / float64(variant.N)
	se := math.Sqrt(vc + vv)
	if se == 0 {
		return WelchResult{PValue: 1, MeanControl: control.Mean, MeanVariant: variant.Mean}
	}

	t := (variant.Mean - control.Mean) / se

	// Welch-Satterthwaite approximation.
	df := (vc + vv) * (vc + vv) /
		(vc*vc/float64(control.N-1) + vv*vv/float64(variant.N-1))

	p := 2 * StudentTSurvival(math.Abs(t), df)

	improvement := 0.0
	if control.Mean != 0 {
		improvement = (variant.Mean - control.Mean) / math.Abs(control.Mean)
	} else if variant.Mean > 0 {
		improvement = math.Inf(1)
	}

	return WelchResult{
		T:           t,
		DF:          df,
		PValue:      p,
		MeanControl: control.Mean,
		MeanVariant: variant.Mean,
		Improvement: improvement,
		Significant: p < 1-confidence,
	}
}
