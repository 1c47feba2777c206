// Package assign implements deterministic visitor-to-variant assignment
// with sticky persistence, mutual exclusion across concurrent tests, and a
// pluggable allocator for bandit-mode tests.
package assign

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"

	"github.com/splitbeam/splitbeam/internal/store"
)

var (
	ErrNotRunning = errors.New("test is not running")
	ErrNoVariants = errors.New("test has no variants")
)

// buckets is the resolution of the allocation space. Allocations are scaled
// to integer boundaries over [0, buckets).
const buckets = 10000

// Options carries optional attributes captured once, at first exposure.
type Options struct {
	Device         string
	CovariateCents *int64
}

// Result is the outcome of an assignment request.
type Result struct {
	VariantID string
	Variant   *store.Variant
	Excluded  bool
	// Fallback is set when storage was unavailable: the control experience
	// is shown and nothing is recorded, so the storefront stays up.
	Fallback bool
}

// Allocator picks a variant for a first-time visitor. The deterministic
// hash path and the Thompson-sampling path implement it.
type Allocator interface {
	Pick(ctx context.Context, test *store.Test, visitorID string) (*store.Variant, error)
}

type Assigner struct {
	store  store.Store
	bandit Allocator
	logger *slog.Logger
}

func New(s store.Store, logger *slog.Logger) *Assigner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Assigner{
		store:  s,
		bandit: &ThompsonAllocator{Store: s},
		logger: logger,
	}
}

// Assign returns the variant for a visitor on a test. Existing assignments
// are returned unconditionally, ignoring any allocation changes made after
// first exposure. New visitors are checked against the test's exclusion
// group, bucketed, and persisted with an insert-if-absent write.
func (a *Assigner) Assign(ctx context.Context, test *store.Test, visitorID string, opts Options) (Result, error) {
	if test.Status != store.StatusRunning {
		return Result{}, ErrNotRunning
	}
	if len(test.Variants) == 0 {
		return Result{}, ErrNoVariants
	}

	existing, err := a.store.GetAssignment(ctx, test.ID, visitorID)
	if err == nil {
		return a.resolve(test, existing.VariantID), nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		a.logger.Error("assignment read failed, serving control", "test", test.ID, "error", err)
		return a.fallback(test), nil
	}

	if test.ExclusionGroupID != "" {
		held, err := a.store.HasGroupAssignment(ctx, test.TenantID, test.ExclusionGroupID, test.ID, visitorID)
		if err != nil {
			a.logger.Error("exclusion check failed, serving control", "test", test.ID, "error", err)
			return a.fallback(test), nil
		}
		if held {
			// The visitor belongs to another test in the group: no row is
			// written and they see the control experience uncounted.
			control := test.Control()
			return Result{VariantID: control.ID, Variant: control, Excluded: true}, nil
		}
	}

	variant, err := a.pick(ctx, test, visitorID)
	if err != nil {
		return Result{}, err
	}

	assignment := &store.Assignment{
		TestID:         test.ID,
		VisitorID:      visitorID,
		VariantID:      variant.ID,
		ConfigVersion:  test.ConfigVersion,
		CovariateCents: opts.CovariateCents,
		Device:         opts.Device,
	}
	written, err := a.store.PutAssignment(ctx, assignment)
	if err != nil {
		a.logger.Error("assignment write failed, serving control", "test", test.ID, "error", err)
		return a.fallback(test), nil
	}

	// written may differ from our pick if a concurrent request won the race.
	return a.resolve(test, written.VariantID), nil
}

func (a *Assigner) pick(ctx context.Context, test *store.Test, visitorID string) (*store.Variant, error) {
	if test.AllocationMode == store.AllocationBandit {
		v, err := a.bandit.Pick(ctx, test, visitorID)
		if err == nil {
			return v, nil
		}
		a.logger.Warn("bandit pick failed, falling back to hash", "test", test.ID, "error", err)
	}
	return HashPick(test, visitorID)
}

func (a *Assigner) resolve(test *store.Test, variantID string) Result {
	for i := range test.Variants {
		if test.Variants[i].ID == variantID {
			return Result{VariantID: variantID, Variant: &test.Variants[i]}
		}
	}
	// Assignment points at a variant removed from config; honor stickiness
	// by returning the id anyway.
	return Result{VariantID: variantID}
}

func (a *Assigner) fallback(test *store.Test) Result {
	control := test.Control()
	if control == nil {
		control = &test.Variants[0]
	}
	return Result{VariantID: control.ID, Variant: control, Fallback: true}
}

// HashPick maps a visitor to a variant deterministically: FNV-1a over
// testID:visitorID mod 10000, then a walk of the variants in their fixed
// order accumulating allocation boundaries. The same inputs always produce
// the same variant, across processes and restarts, with no storage read.
func HashPick(test *store.Test, visitorID string) (*store.Variant, error) {
	if len(test.Variants) == 0 {
		return nil, ErrNoVariants
	}

	h := Bucket(test.ID, visitorID)
	cumulative := 0
	for i := range test.Variants {
		cumulative += int(test.Variants[i].Allocation*buckets + 0.5)
		if h < cumulative {
			return &test.Variants[i], nil
		}
	}
	// Rounding can leave a sliver at the top of the range.
	return &test.Variants[len(test.Variants)-1], nil
}

// Bucket returns the visitor's position in [0, 10000) for a test.
func Bucket(testID, visitorID string) int {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s:%s", testID, visitorID)
	return int(h.Sum64() % buckets)
}
