package assign

import (
	"context"
	"math"
	"math/rand"

	"github.com/splitbeam/splitbeam/internal/store"
)

// ThompsonAllocator is the bandit-mode allocator: each variant's conversion
// rate gets a Beta(conversions+1, visitors-conversions+1) posterior, one
// draw is sampled per variant, and the highest draw wins. Assignments stay
// sticky through the assignment row, so only first-time visitors are
// steered. Tests in this mode skip SRM checks, since their expected traffic
// ratios are intentionally non-constant.
type ThompsonAllocator struct {
	Store store.Store
	// Rand is injectable for tests; nil uses the global source.
	Rand *rand.Rand
}

func (t *ThompsonAllocator) Pick(ctx context.Context, test *store.Test, visitorID string) (*store.Variant, error) {
	totals, err := t.Store.GetVariantTotals(ctx, test.ID)
	if err != nil {
		return nil, err
	}
	if len(totals) == 0 {
		// No aggregates yet; explore uniformly via the hash path.
		return HashPick(test, visitorID)
	}

	byVariant := make(map[string]store.VariantTotals, len(totals))
	for _, vt := range totals {
		byVariant[vt.VariantID] = vt
	}

	var best *store.Variant
	bestDraw := math.Inf(-1)
	for i := range test.Variants {
		v := &test.Variants[i]
		vt := byVariant[v.ID]
		alpha := float64(vt.Conversions) + 1
		beta := float64(vt.Visitors-vt.Conversions) + 1
		if beta < 1 {
			beta = 1
		}
		draw := t.sampleBeta(alpha, beta)
		if draw > bestDraw {
			bestDraw = draw
			best = v
		}
	}
	return best, nil
}

func (t *ThompsonAllocator) sampleBeta(alpha, beta float64) float64 {
	x := t.sampleGamma(alpha)
	y := t.sampleGamma(beta)
	if x+y == 0 {
		return 0.5
	}
	return x / (x + y)
}

// sampleGamma draws from Gamma(shape, 1) using Marsaglia-Tsang, with the
// shape<1 boost.
func (t *ThompsonAllocator) sampleGamma(shape float64) float64 {
	if shape < 1 {
		u := t.float64()
		return t.sampleGamma(shape+1) * math.Pow(u, 1/shape)
	}
	d := shape - 1.0/3.0
	c := 1 / math.Sqrt(9*d)
	for {
		x := t.normFloat64()
		v := 1 + c*x
		if v <= 0 {
			continue
		}
		v = v * v * v
		u := t.float64()
		if u < 1-0.0331*x*x*x*x {
			return d * v
		}
		if math.Log(u) < 0.5*x*x+d*(1-v+math.Log(v)) {
			return d * v
		}
	}
}

func (t *ThompsonAllocator) float64() float64 {
	if t.Rand != nil {
		return t.Rand.Float64()
	}
	return rand.Float64()
}

func (t *ThompsonAllocator) normFloat64() float64 {
	if t.Rand != nil {
		return t.Rand.NormFloat64()
	}
	return rand.NormFloat64()
}
