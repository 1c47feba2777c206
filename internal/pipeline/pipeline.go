// Package pipeline runs the periodic analysis batch: aggregation,
// significance, data-quality checks, guardrails, and the stopping rule, one
// pass per running test. Runs are parallel across tests and single-flight
// per test.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/splitbeam/splitbeam/internal/aggregate"
	"github.com/splitbeam/splitbeam/internal/decision"
	"github.com/splitbeam/splitbeam/internal/guardrail"
	"github.com/splitbeam/splitbeam/internal/metrics"
	"github.com/splitbeam/splitbeam/internal/quality"
	"github.com/splitbeam/splitbeam/internal/stats"
	"github.com/splitbeam/splitbeam/internal/store"
)

type Config struct {
	Interval           time.Duration
	RunTimeout         time.Duration
	ClaimTTL           time.Duration
	Concurrency        int
	BootstrapResamples int
}

func (c *Config) defaults() {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Minute
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = 60 * time.Second
	}
	if c.ClaimTTL <= 0 {
		// Longer than the run timeout so a live worker never loses its claim.
		c.ClaimTTL = 2 * c.RunTimeout
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.BootstrapResamples <= 0 {
		c.BootstrapResamples = 2000
	}
}

type Pipeline struct {
	store      store.Store
	aggregator *aggregate.Aggregator
	monitor    *quality.Monitor
	guardrails *guardrail.Evaluator
	cfg        Config
	logger     *slog.Logger
}

func New(s store.Store, cfg Config, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.defaults()
	return &Pipeline{
		store:      s,
		aggregator: aggregate.New(s, logger),
		monitor:    quality.NewMonitor(s),
		guardrails: guardrail.New(s, logger),
		cfg:        cfg,
		logger:     logger,
	}
}

// Start runs scheduled passes until the context is cancelled. Pausing or
// ending a test is simply observed at the next tick; each run is a bounded
// batch, so no mid-run cancellation is needed.
func (p *Pipeline) Start(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.RunAll(ctx); err != nil {
				p.logger.Error("pipeline tick failed", "error", err)
			}
		}
	}
}

// RunAll runs one pass over every running test, parallel across tests.
// Tests share no mutable state, so the only ordering constraint is within a
// test's own pipeline.
func (p *Pipeline) RunAll(ctx context.Context) error {
	tests, err := p.store.ListRunningTests(ctx)
	if err != nil {
		return fmt.Errorf("failed to list running tests: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)
	for _, test := range tests {
		test := test
		g.Go(func() error {
			if err := p.RunTest(ctx, test); err != nil {
				// One test's failure must not starve the others.
				p.logger.Error("pipeline run failed", "test", test.ID, "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}

// RunTest executes the full pipeline for one test under the single-flight
// claim and the run timeout. On timeout or failure nothing is committed:
// the aggregation watermark only advances inside its own transaction, so
// the next tick retries cleanly.
func (p *Pipeline) RunTest(ctx context.Context, test *store.Test) error {
	claimed, err := p.store.ClaimPipeline(ctx, test.ID, p.cfg.ClaimTTL)
	if err != nil {
		return fmt.Errorf("failed to claim pipeline: %w", err)
	}
	if !claimed {
		metrics.PipelineRuns.WithLabelValues("skipped").Inc()
		p.logger.Debug("pipeline run already in flight", "test", test.ID)
		return nil
	}
	defer func() {
		if err := p.store.ReleasePipeline(context.WithoutCancel(ctx), test.ID); err != nil {
			p.logger.Error("failed to release pipeline claim", "test", test.ID, "error", err)
		}
	}()

	runCtx, cancel := context.WithTimeout(ctx, p.cfg.RunTimeout)
	defer cancel()

	start := time.Now()
	err = p.run(runCtx, test)
	metrics.PipelineDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.PipelineRuns.WithLabelValues("error").Inc()
		return err
	}
	metrics.PipelineRuns.WithLabelValues("ok").Inc()
	return nil
}

func (p *Pipeline) run(ctx context.Context, test *store.Test) error {
	start := time.Now()

	// Aggregation must land before significance reads the totals.
	if _, err := p.aggregator.Run(ctx, test); err != nil {
		return err
	}

	totals, err := p.store.GetVariantTotals(ctx, test.ID)
	if err != nil {
		return err
	}
	outcomes, err := p.store.VisitorOutcomes(ctx, test.ID)
	if err != nil {
		return err
	}

	results := stats.Analyze(test, totals, outcomes, stats.Config{
		BootstrapResamples: p.cfg.BootstrapResamples,
	})

	report, err := p.monitor.Run(ctx, test, totals)
	if err != nil {
		return err
	}

	statuses, breached, err := p.guardrails.Evaluate(ctx, test, totals)
	if err != nil {
		return err
	}

	now := time.Now()
	recommendation, candidate := decision.Evaluate(test, results, report, breached, now)

	if recommendation == decision.Inconclusive {
		if err := p.store.UpdateTestStatus(ctx, test.TenantID, test.ID, store.StatusCompleted); err != nil {
			return fmt.Errorf("failed to complete inconclusive test: %w", err)
		}
		test.Status = store.StatusCompleted
	}

	snap := decision.Snapshot{
		TestID:            test.ID,
		Status:            test.Status,
		ComputedAt:        now,
		Results:           results,
		Quality:           report,
		Guardrails:        statuses,
		GuardrailBreached: breached,
		Recommendation:    recommendation,
		WinnerCandidateID: candidate,
		WinnerVariantID:   test.WinnerVariantID,
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	if err := p.store.SaveResultSnapshot(ctx, test.TenantID, test.ID, now, payload); err != nil {
		return err
	}

	p.logger.Info("pipeline run complete",
		"test", test.ID, "recommendation", recommendation, "elapsed", time.Since(start))
	return nil
}

// RunOne refreshes a single test on demand.
func (p *Pipeline) RunOne(ctx context.Context, tenantID, testID string) error {
	test, err := p.store.GetTest(ctx, tenantID, testID)
	if err != nil {
		return err
	}
	if test.Status != store.StatusRunning {
		return fmt.Errorf("test %s is %s, not running", testID, test.Status)
	}
	return p.RunTest(ctx, test)
}
