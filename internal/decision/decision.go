// Package decision applies the stopping rule: it recommends declaring a
// winner, holding, pausing, or closing a test as inconclusive, and owns the
// explicit idempotent winner declaration. Declaring a winner never applies
// the winning variant to production traffic; that belongs to the admin
// surface.
package decision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/splitbeam/splitbeam/internal/guardrail"
	"github.com/splitbeam/splitbeam/internal/quality"
	"github.com/splitbeam/splitbeam/internal/stats"
	"github.com/splitbeam/splitbeam/internal/store"
)

type Recommendation string

const (
	Continue      Recommendation = "continue"
	DeclareWinner Recommendation = "declare_winner"
	Inconclusive  Recommendation = "inconclusive"
	Paused        Recommendation = "paused"
)

var (
	ErrSRMBlocked  = errors.New("winner declaration blocked by SRM alert")
	ErrNotEligible = errors.New("variant is not winner-eligible")
)

// Snapshot is the full result payload regenerated each aggregation cycle
// and persisted append-only for audit and trends.
type Snapshot struct {
	TestID            string             `json:"test_id"`
	Status            store.TestStatus   `json:"status"`
	ComputedAt        time.Time          `json:"computed_at"`
	Results           *stats.Result      `json:"results"`
	Quality           *quality.Report    `json:"quality"`
	Guardrails        []guardrail.Status `json:"guardrails,omitempty"`
	GuardrailBreached bool               `json:"guardrail_breached"`
	Recommendation    Recommendation     `json:"recommendation"`
	WinnerCandidateID string             `json:"winner_candidate_id,omitempty"`
	WinnerVariantID   string             `json:"winner_variant_id,omitempty"`
}

// Evaluate applies the stopping rule. Only non-control variants that are
// significant with positive improvement are winner-eligible; among them the
// highest improvement on the optimization metric wins the tie-break. With
// no eligible variant the test stays inconclusive regardless of elapsed
// time, and closes as inconclusive once the maximum duration passes.
func Evaluate(test *store.Test, results *stats.Result, q *quality.Report, breached bool, now time.Time) (Recommendation, string) {
	if breached {
		return Paused, ""
	}

	candidate := WinnerCandidate(results)
	if candidate != "" {
		if q != nil && q.BlocksWinner() {
			// The lift may be an artifact of broken assignment; hold until
			// the SRM alert is resolved.
			return Continue, candidate
		}
		return DeclareWinner, candidate
	}

	if test.MaxDurationDays > 0 && test.StartedAt != nil {
		deadline := test.StartedAt.AddDate(0, 0, test.MaxDurationDays)
		if !now.Before(deadline) {
			return Inconclusive, ""
		}
	}
	return Continue, ""
}

// WinnerCandidate returns the eligible variant with the highest
// improvement, or "".
func WinnerCandidate(results *stats.Result) string {
	if results == nil {
		return ""
	}
	best := ""
	bestImprovement := 0.0
	for _, v := range results.Variants {
		if v.IsControl || !v.Significant || v.Improvement <= 0 {
			continue
		}
		if best == "" || v.Improvement > bestImprovement {
			best = v.VariantID
			bestImprovement = v.Improvement
		}
	}
	return best
}

type Engine struct {
	store store.Store
}

func NewEngine(s store.Store) *Engine {
	return &Engine{store: s}
}

// Declare performs the explicit, idempotent winner declaration. It refuses
// while an SRM alert stands (force overrides after investigation) and
// requires the variant to be eligible in the latest snapshot.
func (e *Engine) Declare(ctx context.Context, test *store.Test, variantID string, force bool) error {
	snap, err := e.Latest(ctx, test.TenantID, test.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	if snap != nil && !force {
		if snap.Quality != nil && snap.Quality.BlocksWinner() {
			return ErrSRMBlocked
		}
		if !eligible(snap.Results, variantID) {
			return fmt.Errorf("%w: %s", ErrNotEligible, variantID)
		}
	}

	return e.store.DeclareWinner(ctx, test.TenantID, test.ID, variantID)
}

// Latest loads and decodes the most recent snapshot for a test.
func (e *Engine) Latest(ctx context.Context, tenantID, testID string) (*Snapshot, error) {
	payload, _, err := e.store.LatestResultSnapshot(ctx, tenantID, testID)
	if err != nil {
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode result snapshot: %w", err)
	}
	return &snap, nil
}

func eligible(results *stats.Result, variantID string) bool {
	if results == nil {
		return false
	}
	for _, v := range results.Variants {
		if v.VariantID == variantID {
			return !v.IsControl && v.Significant && v.Improvement > 0
		}
	}
	return false
}
