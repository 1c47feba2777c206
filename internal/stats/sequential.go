package stats

import "math"

// Sequential testing correction. Dashboards are refreshed continuously, so
// a fixed-horizon z threshold would be peeked at many times and inflate the
// false-positive rate. We apply an O'Brien-Fleming style boundary: at
// information fraction t = n/target, the required |z| is z_{alpha/2}/sqrt(t),
// which demands overwhelming evidence early and relaxes to the fixed-horizon
// threshold as the test fills its target sample size.

// FixedThreshold returns the fixed-horizon two-sided critical |z| for a
// confidence level.
func FixedThreshold(confidence float64) float64 {
	return ZScore(confidence)
}

// SequentialThreshold returns the O'Brien-Fleming boundary at information
// fraction t, clamped to [minInfoFraction, 1].
func SequentialThreshold(confidence, infoFraction float64) float64 {
	const minInfoFraction = 0.01
	t := infoFraction
	if t > 1 {
		t = 1
	}
	if t < minInfoFraction {
		t = minInfoFraction
	}
	return ZScore(confidence) / math.Sqrt(t)
}

// InfoFraction computes n/target, or 0 when no target sample size is
// configured (fixed-horizon testing).
func InfoFraction(n, target int64) float64 {
	if target <= 0 {
		return 0
	}
	return float64(n) / float64(target)
}
