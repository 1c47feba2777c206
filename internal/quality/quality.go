// Package quality detects data problems that would invalidate a test's
// statistics: sample-ratio mismatch, novelty-effect decay, covariate drift,
// and shipping-suffix attribution errors. Alerts are first-class values in
// the result snapshot, not errors.
package quality

import (
	"context"
	"fmt"
	"math"

	"github.com/splitbeam/splitbeam/internal/stats"
	"github.com/splitbeam/splitbeam/internal/store"
)

const (
	// srmAlpha is stricter than significance testing: SRM indicates an
	// assignment bug, not a business signal.
	srmAlpha = 0.001
	// driftAlpha mirrors srmAlpha; drift also points at a leak, not a lift.
	driftAlpha = 0.001
	// noveltyWindow is the share of early exposures compared against the rest.
	noveltyWindow = 0.2
	// noveltyDecay flags an effect that shrank by more than this factor.
	noveltyDecay = 0.5
	// noveltyMinExposures gates the check until both windows have signal.
	noveltyMinExposures = 500
	// mismatchThreshold is the mismatch rate above which attribution is
	// considered unreliable.
	mismatchThreshold = 0.05
)

// SRMResult is the sample-ratio-mismatch check output.
type SRMResult struct {
	ChiSquare float64 `json:"chi_square"`
	PValue    float64 `json:"p_value"`
	Alert     bool    `json:"alert"`
	Skipped   bool    `json:"skipped,omitempty"` // bandit tests have no fixed expected ratios
}

// NoveltyResult compares the treatment effect in the first 20% of exposures
// against the remainder.
type NoveltyResult struct {
	EarlyEffect float64 `json:"early_effect"`
	LateEffect  float64 `json:"late_effect"`
	Warning     bool    `json:"warning"`
}

// DriftResult is the covariate-distribution homogeneity check.
type DriftResult struct {
	ChiSquare float64 `json:"chi_square"`
	PValue    float64 `json:"p_value"`
	Warning   bool    `json:"warning"`
}

// MismatchResult summarizes shipping-suffix attribution accuracy.
type MismatchResult struct {
	Mismatched  int64   `json:"mismatched"`
	TotalOrders int64   `json:"total_orders"`
	Rate        float64 `json:"rate"`
	Warning     bool    `json:"warning"`
}

// Report is the monitor's output for one test.
type Report struct {
	SRM      SRMResult       `json:"srm"`
	Novelty  *NoveltyResult  `json:"novelty,omitempty"`
	Drift    *DriftResult    `json:"drift,omitempty"`
	Mismatch *MismatchResult `json:"mismatch,omitempty"`
}

// BlocksWinner reports whether quality problems forbid declaring a winner.
// Only SRM blocks: it means the assignment itself is broken.
func (r *Report) BlocksWinner() bool {
	return r.SRM.Alert
}

type Monitor struct {
	store store.Store
}

func NewMonitor(s store.Store) *Monitor {
	return &Monitor{store: s}
}

// Run executes all checks for one test against fresh aggregates.
func (m *Monitor) Run(ctx context.Context, test *store.Test, totals []store.VariantTotals) (*Report, error) {
	report := &Report{SRM: CheckSRM(test, totals)}

	seq, err := m.store.ExposureSequence(ctx, test.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load exposure sequence: %w", err)
	}
	report.Novelty = CheckNovelty(test, seq)

	devices, err := m.store.DeviceCounts(ctx, test.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load device counts: %w", err)
	}
	report.Drift = CheckDrift(test, devices)

	if test.Type == store.TypeShipping {
		mismatched, total, err := m.store.MismatchStats(ctx, test.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to load mismatch stats: %w", err)
		}
		report.Mismatch = checkMismatch(mismatched, total)
	}

	return report, nil
}

// CheckSRM runs a chi-square goodness-of-fit test of observed exposure
// counts against the counts implied by configured allocations.
func CheckSRM(test *store.Test, totals []store.VariantTotals) SRMResult {
	if test.AllocationMode == store.AllocationBandit {
		return SRMResult{PValue: 1, Skipped: true}
	}

	totalsBy := make(map[string]int64, len(totals))
	var n int64
	for _, t := range totals {
		totalsBy[t.VariantID] = t.Visitors
		n += t.Visitors
	}
	if n == 0 {
		return SRMResult{PValue: 1}
	}

	observed := make([]int64, len(test.Variants))
	expected := make([]float64, len(test.Variants))
	for i := range test.Variants {
		observed[i] = totalsBy[test.Variants[i].ID]
		expected[i] = test.Variants[i].Allocation * float64(n)
	}

	chi2, p := stats.ChiSquareGOF(observed, expected)
	return SRMResult{ChiSquare: chi2, PValue: p, Alert: p < srmAlpha}
}

// CheckNovelty splits the exposure sequence 20/80 and compares the average
// treatment effect (pooled non-control conversion rate minus control rate)
// between windows. A material decay suggests the lift is novelty, not a
// durable effect, and a longer observation window is advised.
func CheckNovelty(test *store.Test, seq []store.ExposureOutcome) *NoveltyResult {
	if len(seq) < noveltyMinExposures {
		return nil
	}
	control := test.Control()
	if control == nil {
		return nil
	}

	split := int(float64(len(seq)) * noveltyWindow)
	early := effect(seq[:split], control.ID)
	late := effect(seq[split:], control.ID)
	if math.IsNaN(early) || math.IsNaN(late) {
		return nil
	}

	warning := math.Abs(early) > 0 &&
		math.Abs(late) < math.Abs(early)*noveltyDecay &&
		sameSignOrZero(early, late)

	return &NoveltyResult{EarlyEffect: early, LateEffect: late, Warning: warning}
}

func effect(window []store.ExposureOutcome, controlID string) float64 {
	var cN, cConv, vN, vConv float64
	for _, o := range window {
		if o.VariantID == controlID {
			cN++
			if o.Converted {
				cConv++
			}
		} else {
			vN++
			if o.Converted {
				vConv++
			}
		}
	}
	if cN == 0 || vN == 0 {
		return math.NaN()
	}
	return vConv/vN - cConv/cN
}

func sameSignOrZero(a, b float64) bool {
	return a >= 0 && b >= 0 || a <= 0 && b <= 0
}

// CheckDrift tests whether the device distribution differs across variants.
// Randomized assignment should balance stable covariates; a significant
// shift suggests an assignment or targeting leak.
func CheckDrift(test *store.Test, counts []store.DeviceCount) *DriftResult {
	devices := make(map[string]int)
	variants := make(map[string]int)
	for _, c := range counts {
		if _, ok := devices[c.Device]; !ok {
			devices[c.Device] = len(devices)
		}
		if _, ok := variants[c.VariantID]; !ok {
			variants[c.VariantID] = len(variants)
		}
	}
	if len(devices) < 2 || len(variants) < 2 {
		return nil
	}

	table := make([][]int64, len(variants))
	for i := range table {
		table[i] = make([]int64, len(devices))
	}
	for _, c := range counts {
		table[variants[c.VariantID]][devices[c.Device]] = c.Count
	}

	chi2, p := stats.ChiSquareHomogeneity(table)
	return &DriftResult{ChiSquare: chi2, PValue: p, Warning: p < driftAlpha}
}

func checkMismatch(mismatched, total int64) *MismatchResult {
	r := &MismatchResult{Mismatched: mismatched, TotalOrders: total}
	if total > 0 {
		r.Rate = float64(mismatched) / float64(total)
		r.Warning = r.Rate > mismatchThreshold
	}
	return r
}
