package stats

import (
	"math/rand"

	"github.com/splitbeam/splitbeam/internal/store"
)

// Config tunes the analysis pass.
type Config struct {
	BootstrapResamples int
	// Rand seeds the bootstrap; nil uses a time-seeded source.
	Rand *rand.Rand
}

// minCovariateSamples is the smallest per-arm sample with covariates for
// which a CUPED adjustment is attempted.
const minCovariateSamples = 10

// VariantResult carries one variant's counters and test statistics against
// control. The CUPED result is reported alongside the raw one, never in its
// place.
type VariantResult struct {
	VariantID         string  `json:"variant_id"`
	Name              string  `json:"name"`
	IsControl         bool    `json:"is_control"`
	Visitors          int64   `json:"visitors"`
	Conversions       int64   `json:"conversions"`
	Rate              float64 `json:"rate"`
	RevenueCents      int64   `json:"revenue_cents"`
	RevenuePerVisitor float64 `json:"revenue_per_visitor"` // cents, mean over exposed visitors

	ZScore      float64 `json:"z_score"`
	PValue      float64 `json:"p_value"`
	CILower     float64 `json:"ci_lower"`
	CIUpper     float64 `json:"ci_upper"`
	Improvement float64 `json:"improvement"`
	Significant bool    `json:"is_significant"`

	Welch     *WelchResult `json:"welch,omitempty"`
	CUPED     *CUPEDResult `json:"cuped,omitempty"`
	Bootstrap *BootstrapCI `json:"bootstrap,omitempty"`
}

// CUPEDResult is the variance-reduced re-run of the revenue test.
type CUPEDResult struct {
	Theta float64     `json:"theta"`
	Welch WelchResult `json:"welch"`
}

// Result is the significance engine's output for one test.
type Result struct {
	ControlID string          `json:"control_id"`
	Variants  []VariantResult `json:"variants"`
}

// Analyze runs the full significance pass for one test: two-proportion
// z-tests on conversion rate, Welch t-tests on per-visitor revenue, the
// CUPED-adjusted re-run when covariates are available, and bootstrap
// intervals as a non-parametric cross-check. The test's optimization metric
// decides which statistic drives Improvement and Significant.
func Analyze(test *store.Test, totals []store.VariantTotals, outcomes []store.VisitorOutcome, cfg Config) *Result {
	control := test.Control()
	if control == nil {
		return &Result{}
	}

	totalsBy := make(map[string]store.VariantTotals, len(totals))
	var pooledVisitors int64
	for _, t := range totals {
		totalsBy[t.VariantID] = t
		pooledVisitors += t.Visitors
	}

	revenueBy := make(map[string][]float64)
	pairsBy := make(map[string][]CovariatePair)
	for _, o := range outcomes {
		revenueBy[o.VariantID] = append(revenueBy[o.VariantID], float64(o.RevenueCents))
		if o.CovariateCents != nil {
			pairsBy[o.VariantID] = append(pairsBy[o.VariantID], CovariatePair{
				Y: float64(o.RevenueCents),
				X: float64(*o.CovariateCents),
			})
		}
	}

	rng := cfg.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(rand.Int63()))
	}

	infoFraction := InfoFraction(pooledVisitors, int64(test.TargetSampleSize))
	controlTotals := totalsBy[control.ID]

	result := &Result{ControlID: control.ID}
	for i := range test.Variants {
		v := &test.Variants[i]
		vt := totalsBy[v.ID]

		vr := VariantResult{
			VariantID:    v.ID,
			Name:         v.Name,
			IsControl:    v.IsControl,
			Visitors:     vt.Visitors,
			Conversions:  vt.Conversions,
			RevenueCents: vt.RevenueCents,
		}
		if vt.Visitors > 0 {
			vr.Rate = float64(vt.Conversions) / float64(vt.Visitors)
			vr.RevenuePerVisitor = float64(vt.RevenueCents) / float64(vt.Visitors)
		}

		if !v.IsControl {
			analyzeVariant(test, &vr, controlTotals, vt,
				revenueBy[control.ID], revenueBy[v.ID],
				pairsBy[control.ID], pairsBy[v.ID],
				infoFraction, cfg.BootstrapResamples, rng)
		}

		result.Variants = append(result.Variants, vr)
	}
	return result
}

func analyzeVariant(test *store.Test, vr *VariantResult, ct, vt store.VariantTotals,
	controlRevenue, variantRevenue []float64,
	controlPairs, variantPairs []CovariatePair,
	infoFraction float64, resamples int, rng *rand.Rand) {

	zr := TwoProportionZTest(ct.Conversions, ct.Visitors, vt.Conversions, vt.Visitors,
		test.ConfidenceLevel, infoFraction)
	vr.ZScore = zr.Z
	vr.PValue = zr.PValue
	vr.CILower = zr.CILower
	vr.CIUpper = zr.CIUpper
	vr.Improvement = zr.Improvement
	vr.Significant = zr.Significant

	if len(controlRevenue) > 1 && len(variantRevenue) > 1 {
		welch := WelchTTest(Summarize(controlRevenue), Summarize(variantRevenue), test.ConfidenceLevel)
		vr.Welch = &welch

		if resamples > 0 {
			ci := BootstrapMeanDiff(controlRevenue, variantRevenue, resamples, rng)
			vr.Bootstrap = &ci
		}

		if len(controlPairs) >= minCovariateSamples && len(variantPairs) >= minCovariateSamples {
			vr.CUPED = cupedRun(controlPairs, variantPairs, test.ConfidenceLevel)
		}

		if test.OptimizationMetric == store.MetricRevenuePerVisitor {
			vr.Improvement = welch.Improvement
			vr.Significant = welch.Significant
		}
	}
}

func cupedRun(controlPairs, variantPairs []CovariatePair, confidence float64) *CUPEDResult {
	pooled := make([]CovariatePair, 0, len(controlPairs)+len(variantPairs))
	pooled = append(pooled, controlPairs...)
	pooled = append(pooled, variantPairs...)

	theta := CUPEDTheta(pooled)
	if theta == 0 {
		return nil
	}

	meanX := CovariateMean(pooled)
	adjControl := CUPEDAdjust(controlPairs, theta, meanX)
	adjVariant := CUPEDAdjust(variantPairs, theta, meanX)
	welch := WelchTTest(Summarize(adjControl), Summarize(adjVariant), confidence)
	return &CUPEDResult{Theta: theta, Welch: welch}
}
