package stats

import (
	"math/rand"
	"sort"
)

// BootstrapCI is a non-parametric confidence interval on the difference of
// means (variant - control), used as a cross-check against the t-test for
// skewed revenue distributions.
type BootstrapCI struct {
	Lower     float64
	Upper     float64
	Resamples int
}

// BootstrapMeanDiff resamples per-visitor values within each variant with
// replacement, computes the mean difference per resample, and returns the
// 2.5th/97.5th percentiles. The RNG is injected so results are reproducible
// under test.
func BootstrapMeanDiff(control, variant []float64, resamples int, rng *rand.Rand) BootstrapCI {
	if len(control) == 0 || len(variant) == 0 || resamples <= 0 {
		return BootstrapCI{}
	}

	diffs := make([]float64, resamples)
	for i := 0; i < resamples; i++ {
		diffs[i] = resampleMean(variant, rng) - resampleMean(control, rng)
	}
	sort.Float64s(diffs)

	return BootstrapCI{
		Lower:     percentile(diffs, 0.025),
		Upper:     percentile(diffs, 0.975),
		Resamples: resamples,
	}
}

func resampleMean(values []float64, rng *rand.Rand) float64 {
	n := len(values)
	var sum float64
	for i := 0; i < n; i++ {
		sum += values[rng.Intn(n)]
	}
	return sum / float64(n)
}

// percentile interpolates linearly between order statistics of a sorted
// slice.
func percentile(sorted []float64, q float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n == 1 {
		return sorted[0]
	}
	pos := q * float64(n-1)
	lo := int(pos)
	if lo >= n-1 {
		return sorted[n-1]
	}
	frac := pos - float64(lo)
	return sorted[lo] + frac*(sorted[lo+1]-sorted[lo])
}
