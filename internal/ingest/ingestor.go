// Package ingest records exposure, conversion, and revenue events
// idempotently. The request path is append-only: aggregates are never
// touched here, so a slow analytics pipeline can never stall event intake.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/splitbeam/splitbeam/internal/assign"
	"github.com/splitbeam/splitbeam/internal/metrics"
	"github.com/splitbeam/splitbeam/internal/store"
)

type Outcome string

const (
	Accepted           Outcome = "accepted"
	Duplicate          Outcome = "duplicate"
	DroppedNotRunning  Outcome = "dropped_not_running"
	DroppedUnassigned  Outcome = "dropped_unassigned"
)

var ErrInvalidEvent = errors.New("invalid event")

// Request is one incoming event from the storefront tracker or an order
// webhook handler.
type Request struct {
	TestID     string
	VisitorID  string
	Type       store.EventType
	Metric     string // named guardrail metric; empty = primary goal
	ValueCents int64
	OrderID    string
	// ShippingLineTitle is the shipping line on a placed order, used for
	// suffix mismatch detection on shipping tests.
	ShippingLineTitle string
}

// Result reports how the event was handled. Drops and duplicates are not
// errors: webhook retries are expected to replay events.
type Result struct {
	Outcome Outcome
	Reason  string
}

func (r Result) Accepted() bool { return r.Outcome == Accepted }

type Ingestor struct {
	store  store.Store
	logger *slog.Logger
}

func New(s store.Store, logger *slog.Logger) *Ingestor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{store: s, logger: logger}
}

// Record appends one event. Visitors without an assignment cannot produce
// attributable events; tests outside the running state drop events with a
// log line rather than an error. Duplicates (same dedup key) are accepted
// as no-ops with first write winning.
func (in *Ingestor) Record(ctx context.Context, test *store.Test, req Request) (Result, error) {
	if err := validate(req); err != nil {
		metrics.EventsIngested.WithLabelValues("rejected").Inc()
		return Result{}, err
	}

	if test.Status != store.StatusRunning {
		in.logger.Info("dropping event for non-running test",
			"test", test.ID, "status", test.Status, "type", req.Type)
		metrics.EventsIngested.WithLabelValues(string(DroppedNotRunning)).Inc()
		return Result{Outcome: DroppedNotRunning, Reason: fmt.Sprintf("test is %s", test.Status)}, nil
	}

	assignment, err := in.store.GetAssignment(ctx, test.ID, req.VisitorID)
	if errors.Is(err, store.ErrNotFound) {
		metrics.EventsIngested.WithLabelValues(string(DroppedUnassigned)).Inc()
		return Result{Outcome: DroppedUnassigned, Reason: "visitor has no assignment"}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("failed to look up assignment: %w", err)
	}

	inserted, err := in.store.InsertEvent(ctx, &store.Event{
		TenantID:   test.TenantID,
		TestID:     test.ID,
		VariantID:  assignment.VariantID,
		VisitorID:  req.VisitorID,
		Type:       req.Type,
		Metric:     req.Metric,
		ValueCents: req.ValueCents,
		OrderID:    req.OrderID,
	})
	if err != nil {
		return Result{}, fmt.Errorf("failed to record event: %w", err)
	}

	if test.Type == store.TypeShipping && req.Type == store.EventRevenue {
		in.checkShippingSuffix(ctx, test, assignment, req)
	}

	if !inserted {
		metrics.EventsIngested.WithLabelValues(string(Duplicate)).Inc()
		return Result{Outcome: Duplicate, Reason: "duplicate event"}, nil
	}
	metrics.EventsIngested.WithLabelValues(string(Accepted)).Inc()
	return Result{Outcome: Accepted}, nil
}

// checkShippingSuffix compares the suffix on the placed order's shipping
// line against the visitor's assigned suffix. A mismatch is tagged for
// attribution-accuracy reporting; the order still counts toward revenue.
func (in *Ingestor) checkShippingSuffix(ctx context.Context, test *store.Test, a *store.Assignment, req Request) {
	if req.OrderID == "" || req.ShippingLineTitle == "" {
		return
	}
	observed := assign.ExtractShippingSuffix(req.ShippingLineTitle)
	if observed == "" {
		// Unsuffixed rates are shown to every variant; no signal.
		return
	}

	var assigned string
	channel := assign.ShippingChannel{}
	for i := range test.Variants {
		if test.Variants[i].ID == a.VariantID {
			assigned = channel.VariantToken(test, &test.Variants[i])
			break
		}
	}
	if assigned == "" || assigned == observed {
		return
	}

	recorded, err := in.store.RecordMismatch(ctx, &store.Mismatch{
		TestID:         test.ID,
		OrderID:        req.OrderID,
		AssignedSuffix: assigned,
		ObservedSuffix: observed,
	})
	if err != nil {
		in.logger.Error("failed to record shipping mismatch", "test", test.ID, "order", req.OrderID, "error", err)
		return
	}
	if recorded {
		metrics.MismatchesRecorded.Inc()
		in.logger.Warn("shipping suffix mismatch",
			"test", test.ID, "order", req.OrderID, "assigned", assigned, "observed", observed)
	}
}

func validate(req Request) error {
	if req.TestID == "" || req.VisitorID == "" {
		return fmt.Errorf("%w: test id and visitor id are required", ErrInvalidEvent)
	}
	switch req.Type {
	case store.EventExposure, store.EventConversion:
	case store.EventRevenue:
		if req.ValueCents <= 0 {
			return fmt.Errorf("%w: revenue events need a positive value", ErrInvalidEvent)
		}
	default:
		return fmt.Errorf("%w: unknown event type %q", ErrInvalidEvent, req.Type)
	}
	return nil
}
