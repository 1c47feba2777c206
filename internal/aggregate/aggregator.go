// Package aggregate folds raw events into per-variant counters behind a
// monotonic watermark, so each event is counted exactly once even when a
// run retries after partial failure.
package aggregate

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/splitbeam/splitbeam/internal/store"
)

// batchSize bounds one scan; a busy test is drained over several passes.
const batchSize = 10000

type Aggregator struct {
	store  store.Store
	logger *slog.Logger
}

func New(s store.Store, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{store: s, logger: logger}
}

// Run folds all events past the watermark for one test. The deltas and the
// new watermark commit in a single transaction; on any failure the
// watermark stays put and the next tick retries the same events.
func (a *Aggregator) Run(ctx context.Context, test *store.Test) (folded int, err error) {
	for {
		n, err := a.runBatch(ctx, test)
		if err != nil {
			return folded, err
		}
		folded += n
		if n < batchSize {
			return folded, nil
		}
	}
}

func (a *Aggregator) runBatch(ctx context.Context, test *store.Test) (int, error) {
	watermark, err := a.store.Checkpoint(ctx, test.ID)
	if err != nil {
		return 0, fmt.Errorf("failed to read checkpoint: %w", err)
	}

	events, err := a.store.EventsAfter(ctx, test.ID, watermark, batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to scan events: %w", err)
	}
	if len(events) == 0 {
		return 0, nil
	}

	deltas := fold(events)
	newWatermark := events[len(events)-1].ID

	if err := a.store.CommitAggregation(ctx, test.TenantID, test.ID, watermark, newWatermark, deltas); err != nil {
		return 0, fmt.Errorf("failed to commit aggregation: %w", err)
	}

	a.logger.Debug("aggregation pass committed",
		"test", test.ID, "events", len(events), "watermark", newWatermark)
	return len(events), nil
}

// fold turns a batch of events into per-variant deltas. Exposure events are
// unique per visitor (enforced by the dedup index), so each one is a new
// distinct visitor. Conversions counted here are primary-goal only; named
// guardrail metrics are read straight from the event store at evaluation
// time.
func fold(events []*store.Event) []store.TotalsDelta {
	byVariant := make(map[string]*store.TotalsDelta)
	get := func(variantID string) *store.TotalsDelta {
		d, ok := byVariant[variantID]
		if !ok {
			d = &store.TotalsDelta{VariantID: variantID}
			byVariant[variantID] = d
		}
		return d
	}

	for _, e := range events {
		d := get(e.VariantID)
		switch e.Type {
		case store.EventExposure:
			d.Visitors++
		case store.EventConversion:
			if e.Metric == "" {
				d.Conversions++
			}
		case store.EventRevenue:
			d.RevenueCents += e.ValueCents
			v := float64(e.ValueCents)
			d.RevenueSumSq += v * v
		}
	}

	deltas := make([]store.TotalsDelta, 0, len(byVariant))
	for _, d := range byVariant {
		deltas = append(deltas, *d)
	}
	return deltas
}
