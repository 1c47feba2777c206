package store_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/splitbeam/splitbeam/internal/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newStoredTest(t *testing.T, s *store.SQLiteStore, tenantID, name string) *store.Test {
	t.Helper()
	test := &store.Test{
		TenantID:        tenantID,
		Name:            name,
		Type:            store.TypeLandingPage,
		GoalEvent:       "purchase",
		ConfidenceLevel: 0.95,
		Variants: []store.Variant{
			{Name: "control", Allocation: 0.5, IsControl: true},
			{Name: "treatment", Allocation: 0.5},
		},
	}
	if err := s.CreateTest(context.Background(), test); err != nil {
		t.Fatalf("failed to create test: %v", err)
	}
	return test
}

func TestCreateTest_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created := newStoredTest(t, s, "acme", "hero-copy")

	got, err := s.GetTest(ctx, "acme", created.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "hero-copy" || got.Type != store.TypeLandingPage {
		t.Errorf("round trip lost fields: %+v", got)
	}
	if got.Status != store.StatusDraft {
		t.Errorf("new test should be draft, got %s", got.Status)
	}
	if got.ConfigVersion != 1 {
		t.Errorf("config version = %d, want 1", got.ConfigVersion)
	}
	if len(got.Variants) != 2 {
		t.Fatalf("expected 2 variants, got %d", len(got.Variants))
	}
	if got.Variants[0].Ord != 0 || got.Variants[1].Ord != 1 {
		t.Error("variants must come back in fixed order")
	}
	if !got.Variants[0].IsControl {
		t.Error("control flag lost")
	}
	if got.Control() == nil {
		t.Error("Control() should find the control variant")
	}
}

func TestGetTest_TenantIsolation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created := newStoredTest(t, s, "acme", "hero-copy")

	if _, err := s.GetTest(ctx, "other", created.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("cross-tenant read must miss, got %v", err)
	}

	newStoredTest(t, s, "other", "their-test")
	acme, err := s.ListTests(ctx, "acme")
	if err != nil {
		t.Fatal(err)
	}
	if len(acme) != 1 || acme[0].ID != created.ID {
		t.Errorf("tenant listing leaked: %d tests", len(acme))
	}
}

func TestUpdateTestStatus_SetsStartedOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	test := newStoredTest(t, s, "acme", "hero-copy")

	if err := s.UpdateTestStatus(ctx, "acme", test.ID, store.StatusRunning); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetTest(ctx, "acme", test.ID)
	if got.Status != store.StatusRunning || got.StartedAt == nil {
		t.Fatalf("expected running with started_at, got %+v", got)
	}
	started := *got.StartedAt

	// Pause and resume: the original start time survives.
	if err := s.UpdateTestStatus(ctx, "acme", test.ID, store.StatusPaused); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateTestStatus(ctx, "acme", test.ID, store.StatusRunning); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetTest(ctx, "acme", test.ID)
	if !got.StartedAt.Equal(started) {
		t.Errorf("started_at moved from %v to %v", started, got.StartedAt)
	}
}

func TestUpdateTestStatus_NotFound(t *testing.T) {
	s := newTestStore(t)
	err := s.UpdateTestStatus(context.Background(), "acme", "missing", store.StatusPaused)
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListRunningTests_CrossesTenants(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := newStoredTest(t, s, "acme", "a")
	b := newStoredTest(t, s, "other", "b")
	newStoredTest(t, s, "acme", "still-draft")

	s.UpdateTestStatus(ctx, "acme", a.ID, store.StatusRunning)
	s.UpdateTestStatus(ctx, "other", b.ID, store.StatusRunning)

	running, err := s.ListRunningTests(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(running) != 2 {
		t.Fatalf("expected 2 running tests across tenants, got %d", len(running))
	}
}

func TestDeclareWinner_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	test := newStoredTest(t, s, "acme", "hero-copy")
	winner := test.Variants[1].ID

	if err := s.DeclareWinner(ctx, "acme", test.ID, winner); err != nil {
		t.Fatal(err)
	}
	// Declaring the same winner again is a no-op.
	if err := s.DeclareWinner(ctx, "acme", test.ID, winner); err != nil {
		t.Fatalf("repeat declaration should be a no-op, got %v", err)
	}
	// A different winner is rejected.
	err := s.DeclareWinner(ctx, "acme", test.ID, test.Variants[0].ID)
	if !errors.Is(err, store.ErrWinnerConflict) {
		t.Fatalf("expected ErrWinnerConflict, got %v", err)
	}

	got, _ := s.GetTest(ctx, "acme", test.ID)
	if got.WinnerVariantID != winner {
		t.Errorf("winner = %s, want %s", got.WinnerVariantID, winner)
	}
	if got.Status != store.StatusCompleted || got.EndedAt == nil {
		t.Errorf("declaration should complete the test, got %s", got.Status)
	}
}

func TestPutAssignment_FirstWriteWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	test := newStoredTest(t, s, "acme", "hero-copy")

	cov := int64(12345)
	first, err := s.PutAssignment(ctx, &store.Assignment{
		TestID: test.ID, VisitorID: "v1", VariantID: test.Variants[0].ID,
		ConfigVersion: 1, CovariateCents: &cov, Device: "mobile",
	})
	if err != nil {
		t.Fatal(err)
	}

	// A racing write for the other variant must observe the first row.
	second, err := s.PutAssignment(ctx, &store.Assignment{
		TestID: test.ID, VisitorID: "v1", VariantID: test.Variants[1].ID, ConfigVersion: 1,
	})
	if err != nil {
		t.Fatal(err)
	}
	if second.VariantID != first.VariantID {
		t.Errorf("second write won the race: %s vs %s", second.VariantID, first.VariantID)
	}

	got, err := s.GetAssignment(ctx, test.ID, "v1")
	if err != nil {
		t.Fatal(err)
	}
	if got.CovariateCents == nil || *got.CovariateCents != 12345 {
		t.Error("covariate lost on round trip")
	}
	if got.Device != "mobile" {
		t.Errorf("device = %q, want mobile", got.Device)
	}
}

func TestGetAssignment_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetAssignment(context.Background(), "t", "nobody")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestHasGroupAssignment(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	group := &store.ExclusionGroup{TenantID: "acme", Name: "checkout"}
	if err := s.CreateExclusionGroup(ctx, group); err != nil {
		t.Fatal(err)
	}

	a := &store.Test{
		TenantID: "acme", Name: "a", Type: store.TypeLandingPage,
		ExclusionGroupID: group.ID, ConfidenceLevel: 0.95,
		Variants: []store.Variant{{Name: "c", Allocation: 1, IsControl: true}},
	}
	b := &store.Test{
		TenantID: "acme", Name: "b", Type: store.TypeLandingPage,
		ExclusionGroupID: group.ID, ConfidenceLevel: 0.95,
		Variants: []store.Variant{{Name: "c", Allocation: 1, IsControl: true}},
	}
	s.CreateTest(ctx, a)
	s.CreateTest(ctx, b)
	s.UpdateTestStatus(ctx, "acme", a.ID, store.StatusRunning)
	s.UpdateTestStatus(ctx, "acme", b.ID, store.StatusRunning)

	s.PutAssignment(ctx, &store.Assignment{TestID: a.ID, VisitorID: "v1", VariantID: a.Variants[0].ID, ConfigVersion: 1})

	// v1 holds an assignment on test a, so test b must exclude them.
	held, err := s.HasGroupAssignment(ctx, "acme", group.ID, b.ID, "v1")
	if err != nil {
		t.Fatal(err)
	}
	if !held {
		t.Error("visitor assigned elsewhere in the group must be held out")
	}

	// A test never excludes its own visitors.
	held, _ = s.HasGroupAssignment(ctx, "acme", group.ID, a.ID, "v1")
	if held {
		t.Error("own assignment must not exclude")
	}

	// Paused tests release their hold.
	s.UpdateTestStatus(ctx, "acme", a.ID, store.StatusPaused)
	held, _ = s.HasGroupAssignment(ctx, "acme", group.ID, b.ID, "v1")
	if held {
		t.Error("assignments on non-running tests must not exclude")
	}
}

func TestInsertEvent_OrderDedup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	test := newStoredTest(t, s, "acme", "hero-copy")
	variant := test.Variants[0].ID

	e := &store.Event{
		TenantID: "acme", TestID: test.ID, VariantID: variant, VisitorID: "v1",
		Type: store.EventRevenue, ValueCents: 4999, OrderID: "order-1",
	}
	inserted, err := s.InsertEvent(ctx, e)
	if err != nil {
		t.Fatal(err)
	}
	if !inserted {
		t.Fatal("first insert should land")
	}

	// Same order, type, and metric: a retried webhook. Even a different
	// value must not create a second row; first write wins.
	dup := &store.Event{
		TenantID: "acme", TestID: test.ID, VariantID: variant, VisitorID: "v1",
		Type: store.EventRevenue, ValueCents: 9999, OrderID: "order-1",
	}
	inserted, err = s.InsertEvent(ctx, dup)
	if err != nil {
		t.Fatal(err)
	}
	if inserted {
		t.Fatal("duplicate order event must be ignored")
	}

	events, _ := s.EventsAfter(ctx, test.ID, 0, 100)
	if len(events) != 1 || events[0].ValueCents != 4999 {
		t.Fatalf("expected the first event only, got %d events", len(events))
	}

	// A different order for the same visitor is a new purchase.
	inserted, _ = s.InsertEvent(ctx, &store.Event{
		TenantID: "acme", TestID: test.ID, VariantID: variant, VisitorID: "v1",
		Type: store.EventRevenue, ValueCents: 1500, OrderID: "order-2",
	})
	if !inserted {
		t.Error("distinct orders must both land")
	}
}

func TestInsertEvent_VisitorDedupWithoutOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	test := newStoredTest(t, s, "acme", "hero-copy")
	variant := test.Variants[0].ID

	exposure := func() *store.Event {
		return &store.Event{
			TenantID: "acme", TestID: test.ID, VariantID: variant, VisitorID: "v1",
			Type: store.EventExposure,
		}
	}
	if inserted, _ := s.InsertEvent(ctx, exposure()); !inserted {
		t.Fatal("first exposure should land")
	}
	if inserted, _ := s.InsertEvent(ctx, exposure()); inserted {
		t.Fatal("repeat exposure for the same visitor must dedup")
	}

	// A named guardrail metric dedups independently of the primary goal.
	if inserted, _ := s.InsertEvent(ctx, &store.Event{
		TenantID: "acme", TestID: test.ID, VariantID: variant, VisitorID: "v1",
		Type: store.EventConversion,
	}); !inserted {
		t.Fatal("primary conversion should land")
	}
	if inserted, _ := s.InsertEvent(ctx, &store.Event{
		TenantID: "acme", TestID: test.ID, VariantID: variant, VisitorID: "v1",
		Type: store.EventConversion, Metric: "support_ticket",
	}); !inserted {
		t.Fatal("named metric conversion should land alongside the primary goal")
	}
}

func TestEventsAfter_WatermarkPaging(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	test := newStoredTest(t, s, "acme", "hero-copy")
	variant := test.Variants[0].ID

	for i := 0; i < 5; i++ {
		s.InsertEvent(ctx, &store.Event{
			TenantID: "acme", TestID: test.ID, VariantID: variant,
			VisitorID: "v" + string(rune('a'+i)), Type: store.EventExposure,
		})
	}

	page, err := s.EventsAfter(ctx, test.ID, 0, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 3 {
		t.Fatalf("limit not honored: %d", len(page))
	}
	for i := 1; i < len(page); i++ {
		if page[i].ID <= page[i-1].ID {
			t.Fatal("events must come back in id order")
		}
	}

	rest, _ := s.EventsAfter(ctx, test.ID, page[2].ID, 100)
	if len(rest) != 2 {
		t.Fatalf("expected the remaining 2 events, got %d", len(rest))
	}
}

func TestCommitAggregation_ExactlyOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	test := newStoredTest(t, s, "acme", "hero-copy")
	variant := test.Variants[0].ID

	wm, err := s.Checkpoint(ctx, test.ID)
	if err != nil {
		t.Fatal(err)
	}
	if wm != 0 {
		t.Fatalf("fresh checkpoint = %d, want 0", wm)
	}

	deltas := []store.TotalsDelta{{VariantID: variant, Visitors: 10, Conversions: 2, RevenueCents: 5000, RevenueSumSq: 250}}
	if err := s.CommitAggregation(ctx, "acme", test.ID, 0, 42, deltas); err != nil {
		t.Fatal(err)
	}

	// A retry from the stale watermark must refuse rather than double-count.
	err = s.CommitAggregation(ctx, "acme", test.ID, 0, 99, deltas)
	if !errors.Is(err, store.ErrWatermarkConflict) {
		t.Fatalf("expected ErrWatermarkConflict, got %v", err)
	}

	wm, _ = s.Checkpoint(ctx, test.ID)
	if wm != 42 {
		t.Errorf("watermark = %d, want 42", wm)
	}

	totals, err := s.GetVariantTotals(ctx, test.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(totals) != 1 || totals[0].Visitors != 10 || totals[0].Conversions != 2 {
		t.Fatalf("totals wrong after conflict retry: %+v", totals)
	}

	// A second pass from the correct watermark accumulates.
	if err := s.CommitAggregation(ctx, "acme", test.ID, 42, 50, deltas); err != nil {
		t.Fatal(err)
	}
	totals, _ = s.GetVariantTotals(ctx, test.ID)
	if totals[0].Visitors != 20 || totals[0].RevenueCents != 10000 {
		t.Errorf("totals did not accumulate: %+v", totals)
	}
}

func TestVisitorOutcomes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	test := newStoredTest(t, s, "acme", "hero-copy")
	vA, vB := test.Variants[0].ID, test.Variants[1].ID

	cov := int64(2000)
	s.PutAssignment(ctx, &store.Assignment{TestID: test.ID, VisitorID: "buyer", VariantID: vA, ConfigVersion: 1, CovariateCents: &cov})
	s.PutAssignment(ctx, &store.Assignment{TestID: test.ID, VisitorID: "browser", VariantID: vB, ConfigVersion: 1})
	s.PutAssignment(ctx, &store.Assignment{TestID: test.ID, VisitorID: "never-exposed", VariantID: vB, ConfigVersion: 1})

	// buyer: exposed, two purchases.
	s.InsertEvent(ctx, &store.Event{TenantID: "acme", TestID: test.ID, VariantID: vA, VisitorID: "buyer", Type: store.EventExposure})
	s.InsertEvent(ctx, &store.Event{TenantID: "acme", TestID: test.ID, VariantID: vA, VisitorID: "buyer", Type: store.EventRevenue, ValueCents: 3000, OrderID: "o1"})
	s.InsertEvent(ctx, &store.Event{TenantID: "acme", TestID: test.ID, VariantID: vA, VisitorID: "buyer", Type: store.EventRevenue, ValueCents: 2000, OrderID: "o2"})

	// browser: exposed, never converts.
	s.InsertEvent(ctx, &store.Event{TenantID: "acme", TestID: test.ID, VariantID: vB, VisitorID: "browser", Type: store.EventExposure})

	outcomes, err := s.VisitorOutcomes(ctx, test.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(outcomes) != 2 {
		t.Fatalf("expected 2 exposed visitors, got %d", len(outcomes))
	}

	byVisitor := map[string]store.VisitorOutcome{}
	for _, o := range outcomes {
		byVisitor[o.VisitorID] = o
	}

	buyer := byVisitor["buyer"]
	if !buyer.Converted || buyer.RevenueCents != 5000 {
		t.Errorf("buyer outcome wrong: %+v", buyer)
	}
	if buyer.CovariateCents == nil || *buyer.CovariateCents != 2000 {
		t.Error("covariate lost on the outcome row")
	}

	browser := byVisitor["browser"]
	if browser.Converted || browser.RevenueCents != 0 {
		t.Errorf("non-converter outcome wrong: %+v", browser)
	}

	if _, ok := byVisitor["never-exposed"]; ok {
		t.Error("assigned-but-never-exposed visitors must not appear")
	}
}

func TestExposureSequence_ArrivalOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	test := newStoredTest(t, s, "acme", "hero-copy")
	vA := test.Variants[0].ID

	for _, visitor := range []string{"v1", "v2", "v3"} {
		s.InsertEvent(ctx, &store.Event{TenantID: "acme", TestID: test.ID, VariantID: vA, VisitorID: visitor, Type: store.EventExposure})
	}
	// v2 converts later; the conversion flag applies to their exposure.
	s.InsertEvent(ctx, &store.Event{TenantID: "acme", TestID: test.ID, VariantID: vA, VisitorID: "v2", Type: store.EventConversion})

	seq, err := s.ExposureSequence(ctx, test.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(seq) != 3 {
		t.Fatalf("expected 3 exposures, got %d", len(seq))
	}
	if seq[0].Converted || !seq[1].Converted || seq[2].Converted {
		t.Errorf("conversion flags wrong: %+v", seq)
	}
}

func TestDeviceCounts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	test := newStoredTest(t, s, "acme", "hero-copy")
	vA := test.Variants[0].ID

	s.PutAssignment(ctx, &store.Assignment{TestID: test.ID, VisitorID: "v1", VariantID: vA, ConfigVersion: 1, Device: "mobile"})
	s.PutAssignment(ctx, &store.Assignment{TestID: test.ID, VisitorID: "v2", VariantID: vA, ConfigVersion: 1, Device: "mobile"})
	s.PutAssignment(ctx, &store.Assignment{TestID: test.ID, VisitorID: "v3", VariantID: vA, ConfigVersion: 1, Device: "desktop"})
	s.PutAssignment(ctx, &store.Assignment{TestID: test.ID, VisitorID: "v4", VariantID: vA, ConfigVersion: 1})

	counts, err := s.DeviceCounts(ctx, test.ID)
	if err != nil {
		t.Fatal(err)
	}
	got := map[string]int64{}
	for _, c := range counts {
		got[c.Device] = c.Count
	}
	if got["mobile"] != 2 || got["desktop"] != 1 {
		t.Errorf("device counts wrong: %v", got)
	}
	if _, ok := got[""]; ok {
		t.Error("unknown devices must be excluded")
	}
}

func TestMetricConversionCounts_DistinctVisitors(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	test := newStoredTest(t, s, "acme", "hero-copy")
	vA := test.Variants[0].ID

	// v1 files two support tickets via different orders; they count once.
	s.InsertEvent(ctx, &store.Event{TenantID: "acme", TestID: test.ID, VariantID: vA, VisitorID: "v1", Type: store.EventConversion, Metric: "support_ticket", OrderID: "o1"})
	s.InsertEvent(ctx, &store.Event{TenantID: "acme", TestID: test.ID, VariantID: vA, VisitorID: "v1", Type: store.EventConversion, Metric: "support_ticket", OrderID: "o2"})
	s.InsertEvent(ctx, &store.Event{TenantID: "acme", TestID: test.ID, VariantID: vA, VisitorID: "v2", Type: store.EventConversion, Metric: "support_ticket"})

	counts, err := s.MetricConversionCounts(ctx, test.ID, "support_ticket")
	if err != nil {
		t.Fatal(err)
	}
	if len(counts) != 1 || counts[0].Count != 2 {
		t.Fatalf("expected 2 distinct visitors, got %+v", counts)
	}
}

func TestRecordMismatch_OncePerOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := &store.Mismatch{TestID: "t1", OrderID: "o1", AssignedSuffix: "A", ObservedSuffix: "B"}
	if recorded, _ := s.RecordMismatch(ctx, m); !recorded {
		t.Fatal("first mismatch should record")
	}
	if recorded, _ := s.RecordMismatch(ctx, m); recorded {
		t.Fatal("repeat mismatch for the same order must be ignored")
	}

	mismatched, _, err := s.MismatchStats(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if mismatched != 1 {
		t.Errorf("mismatched = %d, want 1", mismatched)
	}
}

func TestGuardrails_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	test := newStoredTest(t, s, "acme", "hero-copy")

	g := &store.Guardrail{TestID: test.ID, Metric: "support_ticket", MaxRelativeDegradation: 0.10}
	if err := s.CreateGuardrail(ctx, g); err != nil {
		t.Fatal(err)
	}

	got, err := s.GuardrailsForTest(ctx, test.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Metric != "support_ticket" {
		t.Fatalf("guardrail round trip wrong: %+v", got)
	}
	if got[0].Confidence != 0.95 {
		t.Errorf("default confidence = %v, want 0.95", got[0].Confidence)
	}
}

func TestResultSnapshots_LatestWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, _, err := s.LatestResultSnapshot(ctx, "acme", "t1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound before any snapshot, got %v", err)
	}

	base := time.Now().Truncate(time.Second)
	s.SaveResultSnapshot(ctx, "acme", "t1", base, []byte(`{"n":1}`))
	s.SaveResultSnapshot(ctx, "acme", "t1", base.Add(time.Minute), []byte(`{"n":2}`))

	payload, computedAt, err := s.LatestResultSnapshot(ctx, "acme", "t1")
	if err != nil {
		t.Fatal(err)
	}
	if string(payload) != `{"n":2}` {
		t.Errorf("got stale snapshot %s", payload)
	}
	if !computedAt.Equal(base.Add(time.Minute)) {
		t.Errorf("computed_at = %v, want %v", computedAt, base.Add(time.Minute))
	}

	// Other tenants never see it.
	if _, _, err := s.LatestResultSnapshot(ctx, "other", "t1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("cross-tenant snapshot read must miss, got %v", err)
	}
}

func TestClaimPipeline_SingleFlight(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	claimed, err := s.ClaimPipeline(ctx, "t1", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if !claimed {
		t.Fatal("first claim should succeed")
	}

	if claimed, _ := s.ClaimPipeline(ctx, "t1", time.Minute); claimed {
		t.Fatal("second claim must be refused while the first is live")
	}

	// Claims on other tests are independent.
	if claimed, _ := s.ClaimPipeline(ctx, "t2", time.Minute); !claimed {
		t.Fatal("claims must be per test")
	}

	if err := s.ReleasePipeline(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	if claimed, _ := s.ClaimPipeline(ctx, "t1", time.Minute); !claimed {
		t.Fatal("claim should succeed after release")
	}
}

func TestClaimPipeline_ExpiredClaimSwept(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// A crashed worker leaves an already-expired claim behind.
	if claimed, _ := s.ClaimPipeline(ctx, "t1", -time.Minute); !claimed {
		t.Fatal("setup claim failed")
	}
	if claimed, _ := s.ClaimPipeline(ctx, "t1", time.Minute); !claimed {
		t.Fatal("expired claim must be swept and re-taken")
	}
}
