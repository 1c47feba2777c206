package stats

// CUPED variance reduction. Given a pre-experiment covariate X correlated
// with the outcome Y but unaffected by treatment, each visitor's outcome is
// adjusted to Y' = Y - theta*(X - meanX) with theta = Cov(Y,X)/Var(X)
// estimated from the pooled sample. The same significance test is then run
// on the adjusted outcomes. The adjusted result is reported alongside the
// raw one, never in place of it.

// CovariatePair is one visitor's outcome and covariate.
type CovariatePair struct {
	Y float64
	X float64
}

// CUPEDTheta estimates theta = Cov(Y,X)/Var(X) over the pooled sample.
// Returns 0 when the covariate has no variance.
func CUPEDTheta(pairs []CovariatePair) float64 {
	n := float64(len(pairs))
	if n < 2 {
		return 0
	}
	var sumX, sumY float64
	for _, p := range pairs {
		sumX += p.X
		sumY += p.Y
	}
	meanX := sumX / n
	meanY := sumY / n

	var cov, varX float64
	for _, p := range pairs {
		dx := p.X - meanX
		cov += dx * (p.Y - meanY)
		varX += dx * dx
	}
	if varX == 0 {
		return 0
	}
	return cov / varX
}

// CovariateMean returns the mean of X over a sample.
func CovariateMean(pairs []CovariatePair) float64 {
	n := float64(len(pairs))
	if n == 0 {
		return 0
	}
	var sumX float64
	for _, p := range pairs {
		sumX += p.X
	}
	return sumX / n
}

// CUPEDAdjust returns the adjusted outcomes Y - theta*(X - meanX). The
// meanX must be the pooled mean across both arms; centering each arm on
// its own mean would cancel the very treatment effect under test.
func CUPEDAdjust(pairs []CovariatePair, theta, meanX float64) []float64 {
	adjusted := make([]float64, len(pairs))
	for i, p := range pairs {
		adjusted[i] = p.Y - theta*(p.X-meanX)
	}
	return adjusted
}
