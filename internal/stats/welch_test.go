package stats_test

import (
	"math"
	"math/rand"
	"testing"

	"github.com/splitbeam/splitbeam/internal/stats"
)

func TestSummarize(t *testing.T) {
	s := stats.Summarize([]float64{2, 4, 4, 4, 5, 5, 7, 9})

	if s.N != 8 {
		t.Errorf("N = %d, want 8", s.N)
	}
	if s.Mean != 5 {
		t.Errorf("Mean = %f, want 5", s.Mean)
	}
	// Sum of squared deviations is 32; sample variance 32/7.
	if math.Abs(s.Variance-32.0/7.0) > 1e-9 {
		t.Errorf("Variance = %f, want %f", s.Variance, 32.0/7.0)
	}
}

func TestSummarize_Degenerate(t *testing.T) {
	if s := stats.Summarize(nil); s.N != 0 || s.Mean != 0 {
		t.Errorf("empty sample should be zero, got %+v", s)
	}
	if s := stats.Summarize([]float64{42}); s.N != 1 || s.Mean != 42 || s.Variance != 0 {
		t.Errorf("single value sample wrong: %+v", s)
	}
}

func TestWelchTTest_ClearDifference(t *testing.T) {
	// Two normal-ish samples with well separated means.
	rng := rand.New(rand.NewSource(7))
	control := make([]float64, 400)
	variant := make([]float64, 400)
	for i := range control {
		control[i] = 100 + rng.NormFloat64()*30
		variant[i] = 115 + rng.NormFloat64()*45
	}

	r := stats.WelchTTest(stats.Summarize(control), stats.Summarize(variant), 0.95)

	if !r.Significant {
		t.Errorf("expected significance, t=%f df=%f p=%f", r.T, r.DF, r.PValue)
	}
	if r.T <= 0 {
		t.Errorf("variant mean is higher, t should be positive, got %f", r.T)
	}
	if r.Improvement <= 0 {
		t.Errorf("expected positive improvement, got %f", r.Improvement)
	}
}

func TestWelchTTest_SameDistribution(t *testing.T) {
	a := stats.Sample{N: 500, Mean: 100, Variance: 900}
	b := stats.Sample{N: 500, Mean: 100.5, Variance: 900}

	r := stats.WelchTTest(a, b, 0.95)

	if r.Significant {
		t.Errorf("near-identical samples must not be significant, p=%f", r.PValue)
	}
}

func TestWelchTTest_UnequalVariancesReduceDF(t *testing.T) {
	// With very unequal variances the Welch-Satterthwaite df falls well
	// below n1+n2-2.
	a := stats.Sample{N: 50, Mean: 10, Variance: 1}
	b := stats.Sample{N: 50, Mean: 12, Variance: 100}

	r := stats.WelchTTest(a, b, 0.95)

	if r.DF >= 98 {
		t.Errorf("df = %f, expected well below the pooled 98", r.DF)
	}
	if r.DF < 49 {
		t.Errorf("df = %f, should stay near the smaller-variance-dominated bound", r.DF)
	}
}

func TestWelchTTest_TooFewSamples(t *testing.T) {
	r := stats.WelchTTest(stats.Sample{N: 1, Mean: 5}, stats.Sample{N: 100, Mean: 6, Variance: 4}, 0.95)

	if r.Significant || r.PValue != 1 {
		t.Errorf("n<2 should be inert, got %+v", r)
	}
}

func TestCUPEDTheta_RecoversSlope(t *testing.T) {
	// Y = 2X + noise: theta should come out near 2.
	rng := rand.New(rand.NewSource(11))
	pairs := make([]stats.CovariatePair, 1000)
	for i := range pairs {
		x := rng.Float64() * 50
		pairs[i] = stats.CovariatePair{X: x, Y: 2*x + rng.NormFloat64()*5}
	}

	theta := stats.CUPEDTheta(pairs)
	if math.Abs(theta-2) > 0.1 {
		t.Errorf("theta = %f, want ~2", theta)
	}
}

func TestCUPEDTheta_NoVariance(t *testing.T) {
	pairs := []stats.CovariatePair{{X: 5, Y: 1}, {X: 5, Y: 2}, {X: 5, Y: 3}}
	if theta := stats.CUPEDTheta(pairs); theta != 0 {
		t.Errorf("constant covariate should give theta=0, got %f", theta)
	}
}

func TestCUPEDAdjust_ReducesVariance(t *testing.T) {
	// Outcome strongly driven by the pre-experiment covariate plus a small
	// treatment-independent noise term. The adjusted outcomes should have
	// far less variance while preserving the mean.
	rng := rand.New(rand.NewSource(13))
	pairs := make([]stats.CovariatePair, 2000)
	for i := range pairs {
		x := 100 + rng.NormFloat64()*20
		pairs[i] = stats.CovariatePair{X: x, Y: x + rng.NormFloat64()*3}
	}

	theta := stats.CUPEDTheta(pairs)
	meanX := stats.CovariateMean(pairs)
	adjusted := stats.CUPEDAdjust(pairs, theta, meanX)

	raw := make([]float64, len(pairs))
	for i, p := range pairs {
		raw[i] = p.Y
	}

	rawVar := stats.Summarize(raw).Variance
	adjVar := stats.Summarize(adjusted).Variance
	if adjVar >= rawVar/2 {
		t.Errorf("adjusted variance %f should be well under raw %f", adjVar, rawVar)
	}

	rawMean := stats.Summarize(raw).Mean
	adjMean := stats.Summarize(adjusted).Mean
	if math.Abs(rawMean-adjMean) > 1e-6 {
		t.Errorf("centering on the pooled mean must preserve the mean: raw %f adj %f", rawMean, adjMean)
	}
}

func TestCUPEDAdjust_PreservesTreatmentEffect(t *testing.T) {
	// Both arms share the covariate distribution; the variant gets a flat
	// +5 lift. Adjusting with the pooled covariate mean must keep the
	// difference of means at ~5.
	rng := rand.New(rand.NewSource(17))
	control := make([]stats.CovariatePair, 1000)
	variant := make([]stats.CovariatePair, 1000)
	for i := range control {
		x := 50 + rng.NormFloat64()*10
		control[i] = stats.CovariatePair{X: x, Y: x + rng.NormFloat64()}
		x = 50 + rng.NormFloat64()*10
		variant[i] = stats.CovariatePair{X: x, Y: x + 5 + rng.NormFloat64()}
	}

	pooled := append(append([]stats.CovariatePair{}, control...), variant...)
	theta := stats.CUPEDTheta(pooled)
	meanX := stats.CovariateMean(pooled)

	adjC := stats.Summarize(stats.CUPEDAdjust(control, theta, meanX))
	adjV := stats.Summarize(stats.CUPEDAdjust(variant, theta, meanX))

	diff := adjV.Mean - adjC.Mean
	if math.Abs(diff-5) > 0.5 {
		t.Errorf("adjusted mean difference = %f, want ~5", diff)
	}
}

func TestBootstrapMeanDiff_Deterministic(t *testing.T) {
	control := []float64{10, 12, 9, 11, 10, 13, 8, 10}
	variant := []float64{14, 15, 13, 16, 12, 14, 15, 13}

	a := stats.BootstrapMeanDiff(control, variant, 500, rand.New(rand.NewSource(42)))
	b := stats.BootstrapMeanDiff(control, variant, 500, rand.New(rand.NewSource(42)))

	if a != b {
		t.Errorf("same seed must reproduce the interval: %+v vs %+v", a, b)
	}
	if a.Resamples != 500 {
		t.Errorf("Resamples = %d, want 500", a.Resamples)
	}
}

func TestBootstrapMeanDiff_BracketsTrueDifference(t *testing.T) {
	rng := rand.New(rand.NewSource(19))
	control := make([]float64, 300)
	variant := make([]float64, 300)
	for i := range control {
		control[i] = 100 + rng.NormFloat64()*15
		variant[i] = 110 + rng.NormFloat64()*15
	}

	ci := stats.BootstrapMeanDiff(control, variant, 2000, rand.New(rand.NewSource(23)))

	if ci.Lower >= ci.Upper {
		t.Fatalf("degenerate interval [%f, %f]", ci.Lower, ci.Upper)
	}
	if ci.Lower > 10 || ci.Upper < 10 {
		t.Errorf("CI [%f, %f] should bracket the true difference 10", ci.Lower, ci.Upper)
	}
	if ci.Lower <= 0 {
		t.Errorf("a real +10 shift at n=300 should exclude zero, lower=%f", ci.Lower)
	}
}

func TestBootstrapMeanDiff_EmptyInput(t *testing.T) {
	ci := stats.BootstrapMeanDiff(nil, []float64{1, 2}, 100, rand.New(rand.NewSource(1)))
	if ci.Resamples != 0 {
		t.Errorf("empty control should return a zero interval, got %+v", ci)
	}
}
