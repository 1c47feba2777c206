package stats

import "math"

// ProportionResult is the outcome of a two-proportion z-test of a variant
// against control.
type ProportionResult struct {
	Z           float64
	PValue      float64 // two-tailed
	Improvement float64 // relative lift of variant rate over control rate
	CILower     float64 // CI on the absolute rate difference
	CIUpper     float64
	Significant bool
}

// TwoProportionZTest compares a variant's conversion rate against control
// using the pooled two-proportion z-test. The significance threshold is
// alpha = 1 - confidence, adjusted by the sequential boundary when
// information fraction t in (0, 1] is supplied (t <= 0 means fixed-horizon).
func TwoProportionZTest(convControl, nControl, convVariant, nVariant int64, confidence, infoFraction float64) ProportionResult {
	if nControl == 0 || nVariant == 0 {
		return ProportionResult{PValue: 1}
	}

	pC := float64(convControl) / float64(nControl)
	pV := float64(convVariant) / float64(nVariant)
	pooled := float64(convControl+convVariant) / float64(nControl+nVariant)

	se := math.Sqrt(pooled * (1 - pooled) * (1/float64(nControl) + 1/float64(nVariant)))
	if se == 0 {
		return ProportionResult{PValue: 1}
	}

	z := (pV - pC) / se
	p := 2 * (1 - NormalCDF(math.Abs(z)))

	improvement := 0.0
	if pC > 0 {
		improvement = (pV - pC) / pC
	} else if pV > 0 {
		improvement = math.Inf(1)
	}

	// Unpooled SE for the CI on the absolute difference.
	seDiff := math.Sqrt(pC*(1-pC)/float64(nControl) + pV*(1-pV)/float64(nVariant))
	zCrit := ZScore(confidence)
	diff := pV - pC

	threshold := FixedThreshold(confidence)
	if infoFraction > 0 {
		threshold = SequentialThreshold(confidence, infoFraction)
	}

	return ProportionResult{
		Z:           z,
		PValue:      p,
		Improvement: improvement,
		CILower:     diff - zCrit*seDiff,
		CIUpper:     diff + zCrit*seDiff,
		Significant: math.Abs(z) >= threshold,
	}
}
