// Package guardrail watches secondary metrics for confident degradation and
// pauses a test when a variant breaches its bound. This is a fail-safe
// independent of the primary significance result.
package guardrail

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/splitbeam/splitbeam/internal/stats"
	"github.com/splitbeam/splitbeam/internal/store"
)

// Status is one guardrail's evaluation for one non-control variant.
type Status struct {
	Metric      string  `json:"metric"`
	VariantID   string  `json:"variant_id"`
	ControlRate float64 `json:"control_rate"`
	VariantRate float64 `json:"variant_rate"`
	Degradation float64 `json:"degradation"` // relative, positive = worse
	Z           float64 `json:"z"`
	Breached    bool    `json:"breached"`
}

type Evaluator struct {
	store  store.Store
	logger *slog.Logger
}

func New(s store.Store, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{store: s, logger: logger}
}

// Evaluate recomputes every guardrail for a test. A breach requires both a
// relative degradation beyond the configured bound and one-sided statistical
// confidence that the variant really is worse; noisy small samples do not
// pause tests. On breach the test is transitioned to paused.
func (e *Evaluator) Evaluate(ctx context.Context, test *store.Test, totals []store.VariantTotals) ([]Status, bool, error) {
	guardrails, err := e.store.GuardrailsForTest(ctx, test.ID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to load guardrails: %w", err)
	}
	if len(guardrails) == 0 {
		return nil, false, nil
	}

	control := test.Control()
	if control == nil {
		return nil, false, nil
	}

	visitorsBy := make(map[string]int64, len(totals))
	for _, t := range totals {
		visitorsBy[t.VariantID] = t.Visitors
	}

	var statuses []Status
	breached := false
	for _, g := range guardrails {
		counts, err := e.store.MetricConversionCounts(ctx, test.ID, g.Metric)
		if err != nil {
			return nil, false, fmt.Errorf("failed to load guardrail metric %q: %w", g.Metric, err)
		}
		countsBy := make(map[string]int64, len(counts))
		for _, c := range counts {
			countsBy[c.VariantID] = c.Count
		}

		for i := range test.Variants {
			v := &test.Variants[i]
			if v.IsControl {
				continue
			}
			s := evaluateOne(g, control.ID, v.ID, visitorsBy, countsBy)
			if s.Breached {
				breached = true
				e.logger.Warn("guardrail breach",
					"test", test.ID, "variant", v.ID, "metric", g.Metric,
					"degradation", s.Degradation)
			}
			statuses = append(statuses, s)
		}
	}

	if breached {
		if err := e.store.UpdateTestStatus(ctx, test.TenantID, test.ID, store.StatusPaused); err != nil {
			return statuses, true, fmt.Errorf("failed to pause test after breach: %w", err)
		}
		test.Status = store.StatusPaused
	}

	return statuses, breached, nil
}

// Guardrail metrics count bad outcomes (errors, abandonments), so a higher
// rate on the variant is the degrading direction.
func evaluateOne(g store.Guardrail, controlID, variantID string, visitors, counts map[string]int64) Status {
	nC, nV := visitors[controlID], visitors[variantID]
	kC, kV := counts[controlID], counts[variantID]

	s := Status{Metric: g.Metric, VariantID: variantID}
	if nC == 0 || nV == 0 {
		return s
	}

	pC := float64(kC) / float64(nC)
	pV := float64(kV) / float64(nV)
	s.ControlRate = pC
	s.VariantRate = pV
	if pC > 0 {
		s.Degradation = (pV - pC) / pC
	} else if pV > 0 {
		s.Degradation = math.Inf(1)
	}

	pooled := float64(kC+kV) / float64(nC+nV)
	se := math.Sqrt(pooled * (1 - pooled) * (1/float64(nC) + 1/float64(nV)))
	if se == 0 {
		return s
	}
	s.Z = (pV - pC) / se

	// One-sided: confident the variant is worse.
	confident := stats.NormalCDF(s.Z) > g.Confidence
	s.Breached = confident && s.Degradation > g.MaxRelativeDegradation
	return s
}
