package store

import "time"

type TestType string

const (
	TypeLandingPage TestType = "landing_page"
	TypeShipping    TestType = "shipping"
	TypeEmail       TestType = "email"
)

type TestStatus string

const (
	StatusDraft     TestStatus = "draft"
	StatusScheduled TestStatus = "scheduled"
	StatusRunning   TestStatus = "running"
	StatusPaused    TestStatus = "paused"
	StatusCompleted TestStatus = "completed"
	StatusArchived  TestStatus = "archived"
)

type AllocationMode string

const (
	AllocationHash   AllocationMode = "hash"
	AllocationBandit AllocationMode = "bandit"
)

type EventType string

const (
	EventExposure   EventType = "exposure"
	EventConversion EventType = "conversion"
	EventRevenue    EventType = "revenue"
)

// Optimization metric names.
const (
	MetricConversionRate    = "conversion_rate"
	MetricRevenuePerVisitor = "revenue_per_visitor"
)

type Test struct {
	ID                 string
	TenantID           string
	Name               string
	Type               TestType
	Status             TestStatus
	GoalEvent          string // e.g. "purchase"
	OptimizationMetric string // MetricConversionRate or MetricRevenuePerVisitor
	ConfidenceLevel    float64
	AllocationMode     AllocationMode
	TargetSampleSize   int // 0 = fixed-horizon testing, no sequential boundary
	MaxDurationDays    int
	ExclusionGroupID   string // empty = not in any group
	AllowOverlap       bool
	ConfigVersion      int
	WinnerVariantID    string
	CreatedAt          time.Time
	StartedAt          *time.Time
	EndedAt            *time.Time

	Variants []Variant
}

// Control returns the control variant, or nil if none is flagged.
func (t *Test) Control() *Variant {
	for i := range t.Variants {
		if t.Variants[i].IsControl {
			return &t.Variants[i]
		}
	}
	return nil
}

type Variant struct {
	ID                 string
	TestID             string
	Name               string
	Allocation         float64
	IsControl          bool
	ShippingSuffix     string // single letter A-D for shipping tests
	ShippingPriceCents int64
	Ord                int // fixed walk order for deterministic bucketing
}

type ExclusionGroup struct {
	ID       string
	TenantID string
	Name     string
}

// Assignment is immutable once written: the same visitor always receives
// the same variant for the lifetime of a test.
type Assignment struct {
	TestID         string
	VisitorID      string
	VariantID      string
	ConfigVersion  int
	CovariateCents *int64 // pre-experiment covariate, captured at assignment time
	Device         string
	AssignedAt     time.Time
}

type Event struct {
	ID         int64
	TenantID   string
	TestID     string
	VariantID  string
	VisitorID  string
	Type       EventType
	Metric     string // empty = primary goal; guardrail metrics are named
	ValueCents int64
	OrderID    string // empty = no order, dedup falls back to visitor
	OccurredAt time.Time
}

// VariantTotals are the running per-variant aggregates maintained by the
// aggregator under the watermark.
type VariantTotals struct {
	TestID       string
	VariantID    string
	Visitors     int64
	Conversions  int64
	RevenueCents int64
	RevenueSumSq float64 // sum of squared per-event revenue, in cents
}

// MetricSnapshot is an append-only copy of VariantTotals taken at
// aggregation time, kept as a time series for trend reporting.
type MetricSnapshot struct {
	ID           int64
	TenantID     string
	TestID       string
	VariantID    string
	Visitors     int64
	Conversions  int64
	RevenueCents int64
	RevenueSumSq float64
	ComputedAt   time.Time
}

type Guardrail struct {
	ID                     string
	TestID                 string
	Metric                 string
	MaxRelativeDegradation float64 // e.g. 0.10 = 10% worse than control
	Confidence             float64
}

type Mismatch struct {
	TestID         string
	OrderID        string
	AssignedSuffix string
	ObservedSuffix string
	RecordedAt     time.Time
}

// VisitorOutcome is one exposed visitor's outcome on a test: total revenue
// attributed to them (zero for non-converters), whether they converted on
// the goal event, and the pre-experiment covariate if one was captured.
type VisitorOutcome struct {
	VariantID      string
	VisitorID      string
	RevenueCents   int64
	Converted      bool
	CovariateCents *int64
}

// ExposureOutcome is one exposure in arrival order, with the visitor's
// eventual conversion flag. Used by the novelty-effect monitor.
type ExposureOutcome struct {
	VariantID string
	Converted bool
}

// DeviceCount is the number of assignments of one device class to one
// variant. Used by the drift monitor.
type DeviceCount struct {
	VariantID string
	Device    string
	Count     int64
}

// MetricCount is the number of distinct visitors on a variant that produced
// a named (guardrail) conversion event.
type MetricCount struct {
	VariantID string
	Count     int64
}

// TotalsDelta is the increment computed by one aggregation pass for one
// variant.
type TotalsDelta struct {
	VariantID    string
	Visitors     int64
	Conversions  int64
	RevenueCents int64
	RevenueSumSq float64
}
