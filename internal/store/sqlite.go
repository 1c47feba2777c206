package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrWinnerConflict    = errors.New("a different winner is already declared")
	ErrWatermarkConflict = errors.New("aggregation watermark moved concurrently")
)

type SQLiteStore struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS tests (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    type TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'draft',
    goal_event TEXT NOT NULL DEFAULT '',
    optimization_metric TEXT NOT NULL DEFAULT 'conversion_rate',
    confidence_level REAL NOT NULL DEFAULT 0.95,
    allocation_mode TEXT NOT NULL DEFAULT 'hash',
    target_sample_size INTEGER NOT NULL DEFAULT 0,
    max_duration_days INTEGER NOT NULL DEFAULT 0,
    exclusion_group_id TEXT,
    allow_overlap INTEGER NOT NULL DEFAULT 0,
    config_version INTEGER NOT NULL DEFAULT 1,
    winner_variant_id TEXT,
    created_at INTEGER NOT NULL,
    started_at INTEGER,
    ended_at INTEGER,
    UNIQUE(tenant_id, name)
);

CREATE INDEX IF NOT EXISTS idx_tests_tenant ON tests(tenant_id);
CREATE INDEX IF NOT EXISTS idx_tests_status ON tests(status);
CREATE INDEX IF NOT EXISTS idx_tests_group ON tests(tenant_id, exclusion_group_id);

CREATE TABLE IF NOT EXISTS variants (
    id TEXT PRIMARY KEY,
    test_id TEXT NOT NULL REFERENCES tests(id),
    name TEXT NOT NULL,
    allocation REAL NOT NULL,
    is_control INTEGER NOT NULL DEFAULT 0,
    shipping_suffix TEXT NOT NULL DEFAULT '',
    shipping_price_cents INTEGER NOT NULL DEFAULT 0,
    ord INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_variants_test ON variants(test_id, ord);

CREATE TABLE IF NOT EXISTS exclusion_groups (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    UNIQUE(tenant_id, name)
);

CREATE TABLE IF NOT EXISTS assignments (
    test_id TEXT NOT NULL,
    visitor_id TEXT NOT NULL,
    variant_id TEXT NOT NULL,
    config_version INTEGER NOT NULL,
    covariate_cents INTEGER,
    device TEXT NOT NULL DEFAULT '',
    assigned_at INTEGER NOT NULL,
    PRIMARY KEY (test_id, visitor_id)
);

CREATE INDEX IF NOT EXISTS idx_assignments_visitor ON assignments(visitor_id);

CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    tenant_id TEXT NOT NULL,
    test_id TEXT NOT NULL,
    variant_id TEXT NOT NULL,
    visitor_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    metric TEXT NOT NULL DEFAULT '',
    value_cents INTEGER NOT NULL DEFAULT 0,
    order_id TEXT,
    occurred_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_test ON events(test_id, id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_events_dedup_order
    ON events(test_id, order_id, event_type, metric) WHERE order_id IS NOT NULL;
CREATE UNIQUE INDEX IF NOT EXISTS idx_events_dedup_visitor
    ON events(test_id, visitor_id, event_type, metric) WHERE order_id IS NULL;

CREATE TABLE IF NOT EXISTS variant_totals (
    test_id TEXT NOT NULL,
    variant_id TEXT NOT NULL,
    visitors INTEGER NOT NULL DEFAULT 0,
    conversions INTEGER NOT NULL DEFAULT 0,
    revenue_cents INTEGER NOT NULL DEFAULT 0,
    revenue_sumsq REAL NOT NULL DEFAULT 0,
    PRIMARY KEY (test_id, variant_id)
);

CREATE TABLE IF NOT EXISTS metric_snapshots (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    tenant_id TEXT NOT NULL,
    test_id TEXT NOT NULL,
    variant_id TEXT NOT NULL,
    visitors INTEGER NOT NULL,
    conversions INTEGER NOT NULL,
    revenue_cents INTEGER NOT NULL,
    revenue_sumsq REAL NOT NULL,
    computed_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_metric_snapshots_test ON metric_snapshots(test_id, computed_at);

CREATE TABLE IF NOT EXISTS result_snapshots (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    tenant_id TEXT NOT NULL,
    test_id TEXT NOT NULL,
    computed_at INTEGER NOT NULL,
    payload TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_result_snapshots_test ON result_snapshots(tenant_id, test_id, computed_at);

CREATE TABLE IF NOT EXISTS aggregation_checkpoints (
    test_id TEXT PRIMARY KEY,
    last_event_id INTEGER NOT NULL DEFAULT 0,
    updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS pipeline_claims (
    test_id TEXT PRIMARY KEY,
    claimed_at INTEGER NOT NULL,
    expires_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS shipping_mismatches (
    test_id TEXT NOT NULL,
    order_id TEXT NOT NULL,
    assigned_suffix TEXT NOT NULL,
    observed_suffix TEXT NOT NULL,
    recorded_at INTEGER NOT NULL,
    PRIMARY KEY (test_id, order_id)
);

CREATE TABLE IF NOT EXISTS guardrails (
    id TEXT PRIMARY KEY,
    test_id TEXT NOT NULL REFERENCES tests(id),
    metric TEXT NOT NULL,
    max_relative_degradation REAL NOT NULL,
    confidence REAL NOT NULL DEFAULT 0.95
);

CREATE INDEX IF NOT EXISTS idx_guardrails_test ON guardrails(test_id);
`

func Open(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection for health checks.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) CreateTest(ctx context.Context, t *Test) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	if t.Status == "" {
		t.Status = StatusDraft
	}
	if t.AllocationMode == "" {
		t.AllocationMode = AllocationHash
	}
	if t.ConfigVersion == 0 {
		t.ConfigVersion = 1
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO tests (id, tenant_id, name, type, status, goal_event, optimization_metric,
		    confidence_level, allocation_mode, target_sample_size, max_duration_days,
		    exclusion_group_id, allow_overlap, config_version, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.TenantID, t.Name, string(t.Type), string(t.Status), t.GoalEvent,
		t.OptimizationMetric, t.ConfidenceLevel, string(t.AllocationMode),
		t.TargetSampleSize, t.MaxDurationDays, nullable(t.ExclusionGroupID),
		boolToInt(t.AllowOverlap), t.ConfigVersion, t.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert test: %w", err)
	}

	for i := range t.Variants {
		v := &t.Variants[i]
		if v.ID == "" {
			v.ID = uuid.NewString()
		}
		v.TestID = t.ID
		v.Ord = i
		_, err = tx.ExecContext(ctx,
			`INSERT INTO variants (id, test_id, name, allocation, is_control, shipping_suffix, shipping_price_cents, ord)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			v.ID, v.TestID, v.Name, v.Allocation, boolToInt(v.IsControl),
			v.ShippingSuffix, v.ShippingPriceCents, v.Ord,
		)
		if err != nil {
			return fmt.Errorf("failed to insert variant: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit test: %w", err)
	}
	return nil
}

const testColumns = `id, tenant_id, name, type, status, goal_event, optimization_metric,
	confidence_level, allocation_mode, target_sample_size, max_duration_days,
	exclusion_group_id, allow_overlap, config_version, winner_variant_id,
	created_at, started_at, ended_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTest(row rowScanner) (*Test, error) {
	var t Test
	var groupID, winnerID sql.NullString
	var allowOverlap int
	var createdAt int64
	var startedAt, endedAt sql.NullInt64

	err := row.Scan(&t.ID, &t.TenantID, &t.Name, (*string)(&t.Type), (*string)(&t.Status),
		&t.GoalEvent, &t.OptimizationMetric, &t.ConfidenceLevel, (*string)(&t.AllocationMode),
		&t.TargetSampleSize, &t.MaxDurationDays, &groupID, &allowOverlap, &t.ConfigVersion,
		&winnerID, &createdAt, &startedAt, &endedAt)
	if err != nil {
		return nil, err
	}

	t.ExclusionGroupID = groupID.String
	t.WinnerVariantID = winnerID.String
	t.AllowOverlap = allowOverlap != 0
	t.CreatedAt = time.Unix(createdAt, 0)
	if startedAt.Valid {
		ts := time.Unix(startedAt.Int64, 0)
		t.StartedAt = &ts
	}
	if endedAt.Valid {
		ts := time.Unix(endedAt.Int64, 0)
		t.EndedAt = &ts
	}
	return &t, nil
}

func (s *SQLiteStore) loadVariants(ctx context.Context, t *Test) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, test_id, name, allocation, is_control, shipping_suffix, shipping_price_cents, ord
		 FROM variants WHERE test_id = ? ORDER BY ord`, t.ID)
	if err != nil {
		return fmt.Errorf("failed to load variants: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var v Variant
		var isControl int
		if err := rows.Scan(&v.ID, &v.TestID, &v.Name, &v.Allocation, &isControl,
			&v.ShippingSuffix, &v.ShippingPriceCents, &v.Ord); err != nil {
			return fmt.Errorf("failed to scan variant: %w", err)
		}
		v.IsControl = isControl != 0
		t.Variants = append(t.Variants, v)
	}
	return rows.Err()
}

func (s *SQLiteStore) GetTest(ctx context.Context, tenantID, testID string) (*Test, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+testColumns+` FROM tests WHERE tenant_id = ? AND id = ?`, tenantID, testID)
	t, err := scanTest(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get test: %w", err)
	}
	if err := s.loadVariants(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *SQLiteStore) ListTests(ctx context.Context, tenantID string) ([]*Test, error) {
	return s.queryTests(ctx,
		`SELECT `+testColumns+` FROM tests WHERE tenant_id = ? ORDER BY created_at DESC`, tenantID)
}

// ListRunningTests returns running tests across all tenants; it feeds the
// pipeline scheduler, which scopes every subsequent query by the tenant id
// carried on each test.
func (s *SQLiteStore) ListRunningTests(ctx context.Context) ([]*Test, error) {
	return s.queryTests(ctx,
		`SELECT `+testColumns+` FROM tests WHERE status = ? ORDER BY created_at`, string(StatusRunning))
}

func (s *SQLiteStore) queryTests(ctx context.Context, query string, args ...any) ([]*Test, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tests: %w", err)
	}
	defer rows.Close()

	var tests []*Test
	for rows.Next() {
		t, err := scanTest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan test: %w", err)
		}
		tests = append(tests, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, t := range tests {
		if err := s.loadVariants(ctx, t); err != nil {
			return nil, err
		}
	}
	return tests, nil
}

func (s *SQLiteStore) UpdateTestStatus(ctx context.Context, tenantID, testID string, status TestStatus) error {
	now := time.Now().Unix()

	var result sql.Result
	var err error
	switch status {
	case StatusRunning:
		result, err = s.db.ExecContext(ctx,
			`UPDATE tests SET status = ?, started_at = COALESCE(started_at, ?)
			 WHERE tenant_id = ? AND id = ?`, string(status), now, tenantID, testID)
	case StatusCompleted, StatusArchived:
		result, err = s.db.ExecContext(ctx,
			`UPDATE tests SET status = ?, ended_at = COALESCE(ended_at, ?)
			 WHERE tenant_id = ? AND id = ?`, string(status), now, tenantID, testID)
	default:
		result, err = s.db.ExecContext(ctx,
			`UPDATE tests SET status = ? WHERE tenant_id = ? AND id = ?`, string(status), tenantID, testID)
	}
	if err != nil {
		return fmt.Errorf("failed to update test status: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeclareWinner marks a variant as the winner and completes the test.
// Declaring the same winner again is a no-op; declaring a different winner
// is rejected.
func (s *SQLiteStore) DeclareWinner(ctx context.Context, tenantID, testID, variantID string) error {
	var current sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT winner_variant_id FROM tests WHERE tenant_id = ? AND id = ?`, tenantID, testID,
	).Scan(&current)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read winner: %w", err)
	}

	if current.Valid && current.String != "" {
		if current.String == variantID {
			return nil
		}
		return ErrWinnerConflict
	}

	now := time.Now().Unix()
	_, err = s.db.ExecContext(ctx,
		`UPDATE tests SET winner_variant_id = ?, status = ?, ended_at = COALESCE(ended_at, ?)
		 WHERE tenant_id = ? AND id = ?`,
		variantID, string(StatusCompleted), now, tenantID, testID)
	if err != nil {
		return fmt.Errorf("failed to declare winner: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CreateExclusionGroup(ctx context.Context, g *ExclusionGroup) error {
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO exclusion_groups (id, tenant_id, name) VALUES (?, ?, ?)`,
		g.ID, g.TenantID, g.Name)
	if err != nil {
		return fmt.Errorf("failed to create exclusion group: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RunningTestsInGroup(ctx context.Context, tenantID, groupID, excludeTestID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tests
		 WHERE tenant_id = ? AND exclusion_group_id = ? AND status = ? AND id != ?`,
		tenantID, groupID, string(StatusRunning), excludeTestID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count tests in group: %w", err)
	}
	return n, nil
}

// HasGroupAssignment reports whether the visitor already holds an assignment
// to another running test in the same exclusion group.
func (s *SQLiteStore) HasGroupAssignment(ctx context.Context, tenantID, groupID, excludeTestID, visitorID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM assignments a
		 JOIN tests t ON t.id = a.test_id
		 WHERE t.tenant_id = ? AND t.exclusion_group_id = ? AND t.status = ?
		   AND a.test_id != ? AND a.visitor_id = ?`,
		tenantID, groupID, string(StatusRunning), excludeTestID, visitorID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check exclusion group assignments: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) GetAssignment(ctx context.Context, testID, visitorID string) (*Assignment, error) {
	var a Assignment
	var covariate sql.NullInt64
	var assignedAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT test_id, visitor_id, variant_id, config_version, covariate_cents, device, assigned_at
		 FROM assignments WHERE test_id = ? AND visitor_id = ?`, testID, visitorID,
	).Scan(&a.TestID, &a.VisitorID, &a.VariantID, &a.ConfigVersion, &covariate, &a.Device, &assignedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get assignment: %w", err)
	}
	if covariate.Valid {
		a.CovariateCents = &covariate.Int64
	}
	a.AssignedAt = time.Unix(assignedAt, 0)
	return &a, nil
}

// PutAssignment writes the assignment if absent and returns the row that
// won. Two concurrent first-exposure requests race on the primary key; the
// loser reads back the winner's row, so callers always observe one variant.
func (s *SQLiteStore) PutAssignment(ctx context.Context, a *Assignment) (*Assignment, error) {
	if a.AssignedAt.IsZero() {
		a.AssignedAt = time.Now()
	}
	var covariate sql.NullInt64
	if a.CovariateCents != nil {
		covariate = sql.NullInt64{Int64: *a.CovariateCents, Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO assignments (test_id, visitor_id, variant_id, config_version, covariate_cents, device, assigned_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(test_id, visitor_id) DO NOTHING`,
		a.TestID, a.VisitorID, a.VariantID, a.ConfigVersion, covariate, a.Device, a.AssignedAt.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to put assignment: %w", err)
	}
	return s.GetAssignment(ctx, a.TestID, a.VisitorID)
}

// InsertEvent appends an event, deduplicating through the partial unique
// indexes. Returns false when the event was a duplicate (first write wins).
func (s *SQLiteStore) InsertEvent(ctx context.Context, e *Event) (bool, error) {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now()
	}
	result, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO events (tenant_id, test_id, variant_id, visitor_id, event_type, metric, value_cents, order_id, occurred_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.TenantID, e.TestID, e.VariantID, e.VisitorID, string(e.Type), e.Metric,
		e.ValueCents, nullable(e.OrderID), e.OccurredAt.Unix())
	if err != nil {
		return false, fmt.Errorf("failed to insert event: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) EventsAfter(ctx context.Context, testID string, afterID int64, limit int) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, test_id, variant_id, visitor_id, event_type, metric, value_cents, order_id, occurred_at
		 FROM events WHERE test_id = ? AND id > ? ORDER BY id LIMIT ?`,
		testID, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var e Event
		var orderID sql.NullString
		var occurredAt int64
		if err := rows.Scan(&e.ID, &e.TenantID, &e.TestID, &e.VariantID, &e.VisitorID,
			(*string)(&e.Type), &e.Metric, &e.ValueCents, &orderID, &occurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.OrderID = orderID.String
		e.OccurredAt = time.Unix(occurredAt, 0)
		events = append(events, &e)
	}
	return events, rows.Err()
}

// Checkpoint returns the aggregation watermark for a test, creating the
// zero row on first use.
func (s *SQLiteStore) Checkpoint(ctx context.Context, testID string) (int64, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO aggregation_checkpoints (test_id, last_event_id, updated_at)
		 VALUES (?, 0, ?)`, testID, time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to init checkpoint: %w", err)
	}
	var watermark int64
	err = s.db.QueryRowContext(ctx,
		`SELECT last_event_id FROM aggregation_checkpoints WHERE test_id = ?`, testID,
	).Scan(&watermark)
	if err != nil {
		return 0, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	return watermark, nil
}

// CommitAggregation applies one aggregation pass atomically: variant totals
// are incremented, metric snapshots appended, and the watermark advanced,
// all in one transaction. The watermark update is conditional on the old
// value, so a retry after partial failure can never fold events twice.
func (s *SQLiteStore) CommitAggregation(ctx context.Context, tenantID, testID string, oldWatermark, newWatermark int64, deltas []TotalsDelta) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	result, err := tx.ExecContext(ctx,
		`UPDATE aggregation_checkpoints SET last_event_id = ?, updated_at = ?
		 WHERE test_id = ? AND last_event_id = ?`,
		newWatermark, now, testID, oldWatermark)
	if err != nil {
		return fmt.Errorf("failed to advance watermark: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return ErrWatermarkConflict
	}

	for _, d := range deltas {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO variant_totals (test_id, variant_id, visitors, conversions, revenue_cents, revenue_sumsq)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(test_id, variant_id) DO UPDATE SET
			     visitors = visitors + excluded.visitors,
			     conversions = conversions + excluded.conversions,
			     revenue_cents = revenue_cents + excluded.revenue_cents,
			     revenue_sumsq = revenue_sumsq + excluded.revenue_sumsq`,
			testID, d.VariantID, d.Visitors, d.Conversions, d.RevenueCents, d.RevenueSumSq)
		if err != nil {
			return fmt.Errorf("failed to apply totals delta: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO metric_snapshots (tenant_id, test_id, variant_id, visitors, conversions, revenue_cents, revenue_sumsq, computed_at)
		 SELECT ?, test_id, variant_id, visitors, conversions, revenue_cents, revenue_sumsq, ?
		 FROM variant_totals WHERE test_id = ?`,
		tenantID, now, testID)
	if err != nil {
		return fmt.Errorf("failed to append metric snapshots: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit aggregation: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetVariantTotals(ctx context.Context, testID string) ([]VariantTotals, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT test_id, variant_id, visitors, conversions, revenue_cents, revenue_sumsq
		 FROM variant_totals WHERE test_id = ?`, testID)
	if err != nil {
		return nil, fmt.Errorf("failed to get variant totals: %w", err)
	}
	defer rows.Close()

	var totals []VariantTotals
	for rows.Next() {
		var t VariantTotals
		if err := rows.Scan(&t.TestID, &t.VariantID, &t.Visitors, &t.Conversions, &t.RevenueCents, &t.RevenueSumSq); err != nil {
			return nil, fmt.Errorf("failed to scan totals: %w", err)
		}
		totals = append(totals, t)
	}
	return totals, rows.Err()
}

// VisitorOutcomes returns one row per exposed visitor with their attributed
// revenue (zero for non-converters), goal conversion flag, and the
// pre-experiment covariate captured on the assignment.
func (s *SQLiteStore) VisitorOutcomes(ctx context.Context, testID string) ([]VisitorOutcome, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.variant_id, a.visitor_id,
		       COALESCE(SUM(CASE WHEN e.event_type = 'revenue' THEN e.value_cents ELSE 0 END), 0),
		       COALESCE(MAX(CASE WHEN (e.event_type = 'conversion' AND e.metric = '') OR e.event_type = 'revenue' THEN 1 ELSE 0 END), 0),
		       a.covariate_cents
		FROM assignments a
		JOIN events x ON x.test_id = a.test_id AND x.visitor_id = a.visitor_id AND x.event_type = 'exposure'
		LEFT JOIN events e ON e.test_id = a.test_id AND e.visitor_id = a.visitor_id AND e.event_type != 'exposure'
		WHERE a.test_id = ?
		GROUP BY a.variant_id, a.visitor_id
		ORDER BY a.variant_id, a.visitor_id`, testID)
	if err != nil {
		return nil, fmt.Errorf("failed to query visitor outcomes: %w", err)
	}
	defer rows.Close()

	var outcomes []VisitorOutcome
	for rows.Next() {
		var o VisitorOutcome
		var converted int
		var covariate sql.NullInt64
		if err := rows.Scan(&o.VariantID, &o.VisitorID, &o.RevenueCents, &converted, &covariate); err != nil {
			return nil, fmt.Errorf("failed to scan visitor outcome: %w", err)
		}
		o.Converted = converted != 0
		if covariate.Valid {
			o.CovariateCents = &covariate.Int64
		}
		outcomes = append(outcomes, o)
	}
	return outcomes, rows.Err()
}

// ExposureSequence returns exposures in arrival order with each visitor's
// eventual conversion flag.
func (s *SQLiteStore) ExposureSequence(ctx context.Context, testID string) ([]ExposureOutcome, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.variant_id,
		       EXISTS(SELECT 1 FROM events c
		              WHERE c.test_id = e.test_id AND c.visitor_id = e.visitor_id
		                AND ((c.event_type = 'conversion' AND c.metric = '') OR c.event_type = 'revenue'))
		FROM events e
		WHERE e.test_id = ? AND e.event_type = 'exposure'
		ORDER BY e.id`, testID)
	if err != nil {
		return nil, fmt.Errorf("failed to query exposure sequence: %w", err)
	}
	defer rows.Close()

	var seq []ExposureOutcome
	for rows.Next() {
		var o ExposureOutcome
		var converted int
		if err := rows.Scan(&o.VariantID, &converted); err != nil {
			return nil, fmt.Errorf("failed to scan exposure: %w", err)
		}
		o.Converted = converted != 0
		seq = append(seq, o)
	}
	return seq, rows.Err()
}

func (s *SQLiteStore) DeviceCounts(ctx context.Context, testID string) ([]DeviceCount, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT variant_id, device, COUNT(*) FROM assignments
		 WHERE test_id = ? AND device != '' GROUP BY variant_id, device`, testID)
	if err != nil {
		return nil, fmt.Errorf("failed to query device counts: %w", err)
	}
	defer rows.Close()

	var counts []DeviceCount
	for rows.Next() {
		var c DeviceCount
		if err := rows.Scan(&c.VariantID, &c.Device, &c.Count); err != nil {
			return nil, fmt.Errorf("failed to scan device count: %w", err)
		}
		counts = append(counts, c)
	}
	return counts, rows.Err()
}

func (s *SQLiteStore) MetricConversionCounts(ctx context.Context, testID, metric string) ([]MetricCount, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT variant_id, COUNT(DISTINCT visitor_id) FROM events
		 WHERE test_id = ? AND event_type = 'conversion' AND metric = ?
		 GROUP BY variant_id`, testID, metric)
	if err != nil {
		return nil, fmt.Errorf("failed to query metric counts: %w", err)
	}
	defer rows.Close()

	var counts []MetricCount
	for rows.Next() {
		var c MetricCount
		if err := rows.Scan(&c.VariantID, &c.Count); err != nil {
			return nil, fmt.Errorf("failed to scan metric count: %w", err)
		}
		counts = append(counts, c)
	}
	return counts, rows.Err()
}

// RecordMismatch records a shipping-suffix mismatch once per order.
func (s *SQLiteStore) RecordMismatch(ctx context.Context, m *Mismatch) (bool, error) {
	if m.RecordedAt.IsZero() {
		m.RecordedAt = time.Now()
	}
	result, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO shipping_mismatches (test_id, order_id, assigned_suffix, observed_suffix, recorded_at)
		 VALUES (?, ?, ?, ?, ?)`,
		m.TestID, m.OrderID, m.AssignedSuffix, m.ObservedSuffix, m.RecordedAt.Unix())
	if err != nil {
		return false, fmt.Errorf("failed to record mismatch: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) MismatchStats(ctx context.Context, testID string) (int64, int64, error) {
	var mismatched int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM shipping_mismatches WHERE test_id = ?`, testID).Scan(&mismatched)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count mismatches: %w", err)
	}
	var total int64
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT order_id) FROM events
		 WHERE test_id = ? AND event_type = 'revenue' AND order_id IS NOT NULL`, testID).Scan(&total)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count orders: %w", err)
	}
	return mismatched, total, nil
}

func (s *SQLiteStore) CreateGuardrail(ctx context.Context, g *Guardrail) error {
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	if g.Confidence == 0 {
		g.Confidence = 0.95
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO guardrails (id, test_id, metric, max_relative_degradation, confidence)
		 VALUES (?, ?, ?, ?, ?)`,
		g.ID, g.TestID, g.Metric, g.MaxRelativeDegradation, g.Confidence)
	if err != nil {
		return fmt.Errorf("failed to create guardrail: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GuardrailsForTest(ctx context.Context, testID string) ([]Guardrail, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, test_id, metric, max_relative_degradation, confidence
		 FROM guardrails WHERE test_id = ?`, testID)
	if err != nil {
		return nil, fmt.Errorf("failed to list guardrails: %w", err)
	}
	defer rows.Close()

	var guardrails []Guardrail
	for rows.Next() {
		var g Guardrail
		if err := rows.Scan(&g.ID, &g.TestID, &g.Metric, &g.MaxRelativeDegradation, &g.Confidence); err != nil {
			return nil, fmt.Errorf("failed to scan guardrail: %w", err)
		}
		guardrails = append(guardrails, g)
	}
	return guardrails, rows.Err()
}

func (s *SQLiteStore) SaveResultSnapshot(ctx context.Context, tenantID, testID string, computedAt time.Time, payload []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO result_snapshots (tenant_id, test_id, computed_at, payload) VALUES (?, ?, ?, ?)`,
		tenantID, testID, computedAt.Unix(), string(payload))
	if err != nil {
		return fmt.Errorf("failed to save result snapshot: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LatestResultSnapshot(ctx context.Context, tenantID, testID string) ([]byte, time.Time, error) {
	var payload string
	var computedAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT payload, computed_at FROM result_snapshots
		 WHERE tenant_id = ? AND test_id = ? ORDER BY computed_at DESC, id DESC LIMIT 1`,
		tenantID, testID,
	).Scan(&payload, &computedAt)
	if err == sql.ErrNoRows {
		return nil, time.Time{}, ErrNotFound
	}
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to get result snapshot: %w", err)
	}
	return []byte(payload), time.Unix(computedAt, 0), nil
}

// ClaimPipeline takes the single-flight claim for a test's pipeline run.
// Expired claims from crashed workers are swept first.
func (s *SQLiteStore) ClaimPipeline(ctx context.Context, testID string, ttl time.Duration) (bool, error) {
	now := time.Now()
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM pipeline_claims WHERE test_id = ? AND expires_at < ?`, testID, now.Unix())
	if err != nil {
		return false, fmt.Errorf("failed to sweep expired claim: %w", err)
	}
	result, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO pipeline_claims (test_id, claimed_at, expires_at) VALUES (?, ?, ?)`,
		testID, now.Unix(), now.Add(ttl).Unix())
	if err != nil {
		return false, fmt.Errorf("failed to claim pipeline: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) ReleasePipeline(ctx context.Context, testID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM pipeline_claims WHERE test_id = ?`, testID)
	if err != nil {
		return fmt.Errorf("failed to release pipeline claim: %w", err)
	}
	return nil
}

func nullable(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
