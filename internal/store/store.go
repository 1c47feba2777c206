package store

import (
	"context"
	"time"
)

// Store defines the persistence operations the engine needs. Every read and
// write is scoped to a tenant, either explicitly or through a test id that
// was itself fetched under a tenant.
type Store interface {
	// Test configuration
	CreateTest(ctx context.Context, t *Test) error
	GetTest(ctx context.Context, tenantID, testID string) (*Test, error)
	ListTests(ctx context.Context, tenantID string) ([]*Test, error)
	ListRunningTests(ctx context.Context) ([]*Test, error)
	UpdateTestStatus(ctx context.Context, tenantID, testID string, status TestStatus) error
	DeclareWinner(ctx context.Context, tenantID, testID, variantID string) error

	// Exclusion groups
	CreateExclusionGroup(ctx context.Context, g *ExclusionGroup) error
	RunningTestsInGroup(ctx context.Context, tenantID, groupID, excludeTestID string) (int, error)
	HasGroupAssignment(ctx context.Context, tenantID, groupID, excludeTestID, visitorID string) (bool, error)

	// Assignments
	GetAssignment(ctx context.Context, testID, visitorID string) (*Assignment, error)
	PutAssignment(ctx context.Context, a *Assignment) (*Assignment, error)

	// Events
	InsertEvent(ctx context.Context, e *Event) (bool, error)
	EventsAfter(ctx context.Context, testID string, afterID int64, limit int) ([]*Event, error)

	// Aggregates
	Checkpoint(ctx context.Context, testID string) (int64, error)
	CommitAggregation(ctx context.Context, tenantID, testID string, oldWatermark, newWatermark int64, deltas []TotalsDelta) error
	GetVariantTotals(ctx context.Context, testID string) ([]VariantTotals, error)

	// Analysis inputs
	VisitorOutcomes(ctx context.Context, testID string) ([]VisitorOutcome, error)
	ExposureSequence(ctx context.Context, testID string) ([]ExposureOutcome, error)
	DeviceCounts(ctx context.Context, testID string) ([]DeviceCount, error)
	MetricConversionCounts(ctx context.Context, testID, metric string) ([]MetricCount, error)

	// Shipping mismatches
	RecordMismatch(ctx context.Context, m *Mismatch) (bool, error)
	MismatchStats(ctx context.Context, testID string) (mismatched, totalOrders int64, err error)

	// Guardrails
	CreateGuardrail(ctx context.Context, g *Guardrail) error
	GuardrailsForTest(ctx context.Context, testID string) ([]Guardrail, error)

	// Result snapshots
	SaveResultSnapshot(ctx context.Context, tenantID, testID string, computedAt time.Time, payload []byte) error
	LatestResultSnapshot(ctx context.Context, tenantID, testID string) ([]byte, time.Time, error)

	// Pipeline single-flight
	ClaimPipeline(ctx context.Context, testID string, ttl time.Duration) (bool, error)
	ReleasePipeline(ctx context.Context, testID string) error

	Close() error
}
