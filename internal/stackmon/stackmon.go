// Package stackmon implements declared stack-budget accounting.
//
// The monitor never inspects the hardware stack. Callers declare a fixed
// byte cost for every step that would be a nested call in a recursive
// formulation, commit it with CheckUsage before proceeding, and hand it back
// with Release when the step completes. If a commit would exceed the limit the
// operation aborts with ErrStackOverflowRisk instead of overflowing.
package stackmon

import (
	"errors"
	"fmt"
)

// DefaultLimit is the usable budget of an 8KB execution stack.
const DefaultLimit = 6144

// ErrStackOverflow is matched by every *ErrStackOverflowRisk via errors.Is.
var ErrStackOverflow = errors.New("stack budget exceeded")

// ErrStackOverflowRisk is returned when a commit would exceed the limit.
type ErrStackOverflowRisk struct {
	Requested int
	Used      int
	Limit     int
}

func (e *ErrStackOverflowRisk) Error() string {
	return fmt.Sprintf("stack budget exceeded: requested %d bytes with %d/%d in use", e.Requested, e.Used, e.Limit)
}

func (e *ErrStackOverflowRisk) Is(target error) bool { return target == ErrStackOverflow }

// Monitor tracks committed bytes for one logical operation.
// It is not safe for concurrent use; the owner serializes access.
type Monitor struct {
	limit     int
	used      int
	highWater int
	// peak is the maximum across all operations since construction.
	peak int
}

// New creates a monitor. A non-positive limit selects DefaultLimit.
func New(limit int) *Monitor {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Monitor{limit: limit}
}

// CheckUsage commits requested bytes if the total stays within the limit.
func (m *Monitor) CheckUsage(requested int) error {
	if requested < 0 {
		requested = 0
	}
	if m.used+requested > m.limit {
		return &ErrStackOverflowRisk{Requested: requested, Used: m.used, Limit: m.limit}
	}
	m.used += requested
	if m.used > m.highWater {
		m.highWater = m.used
		if m.used > m.peak {
			m.peak = m.used
		}
	}
	return nil
}

// Release returns n previously committed bytes.
func (m *Monitor) Release(n int) {
	m.used -= n
	if m.used < 0 {
		m.used = 0
	}
}

// Reset clears usage at the start of a top-level call.
func (m *Monitor) Reset() {
	m.used = 0
	m.highWater = 0
}

// Used returns the bytes currently committed.
func (m *Monitor) Used() int { return m.used }

// HighWater returns the maximum usage since the last Reset.
func (m *Monitor) HighWater() int { return m.highWater }

// Peak returns the maximum usage observed since construction.
func (m *Monitor) Peak() int { return m.peak }

// Limit returns the configured ceiling.
func (m *Monitor) Limit() int { return m.limit }

// SetLimit changes the ceiling. A non-positive limit selects DefaultLimit.
func (m *Monitor) SetLimit(limit int) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	m.limit = limit
}

// Frame is a committed cost that is released exactly once.
type Frame struct {
	m    *Monitor
	cost int
}

// Enter commits cost and returns a frame that releases it.
func (m *Monitor) Enter(cost int) (Frame, error) {
	if err := m.CheckUsage(cost); err != nil {
		return Frame{}, err
	}
	return Frame{m: m, cost: cost}, nil
}

// Leave releases the frame. Calling Leave on a zero Frame is a no-op.
func (f *Frame) Leave() {
	if f.m == nil {
		return
	}
	f.m.Release(f.cost)
	f.m = nil
}
