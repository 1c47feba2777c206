package assign

import (
	"errors"
	"fmt"
	"math"

	"github.com/splitbeam/splitbeam/internal/store"
)

// allocationEpsilon is the accepted rounding slack on the allocation sum.
const allocationEpsilon = 0.001

var (
	ErrBadAllocation = errors.New("variant allocations must sum to 1.0")
	ErrNoControl     = errors.New("test must have exactly one control variant")
	ErrTooFewVariants = errors.New("test needs at least two variants")
)

// ValidateConfig re-validates a test's configuration at activation time.
// The admin surface validates upstream, but a bad allocation reaching the
// assignor would bias every bucket walk, so the engine refuses to start a
// test it cannot randomize correctly.
func ValidateConfig(t *store.Test) error {
	if len(t.Variants) < 2 {
		return fmt.Errorf("%w: got %d", ErrTooFewVariants, len(t.Variants))
	}

	var sum float64
	controls := 0
	for _, v := range t.Variants {
		if v.Allocation < 0 || v.Allocation > 1 {
			return fmt.Errorf("%w: variant %q has allocation %v", ErrBadAllocation, v.Name, v.Allocation)
		}
		sum += v.Allocation
		if v.IsControl {
			controls++
		}
	}
	if math.Abs(sum-1.0) > allocationEpsilon {
		return fmt.Errorf("%w: sum is %v", ErrBadAllocation, sum)
	}
	if controls != 1 {
		return fmt.Errorf("%w: found %d", ErrNoControl, controls)
	}
	if t.ConfidenceLevel <= 0 || t.ConfidenceLevel >= 1 {
		return fmt.Errorf("confidence level must be in (0, 1), got %v", t.ConfidenceLevel)
	}
	return nil
}
