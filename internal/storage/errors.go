package storage

import (
	"errors"
	"fmt"

	"github.com/hupe1980/vecfs/internal/cache"
)

var (
	// ErrIOFailure wraps every backing device error.
	ErrIOFailure = errors.New("storage i/o failure")
	// ErrCacheExhausted is returned when a vector cannot be held in memory
	// even after evicting every other cached vector.
	ErrCacheExhausted = cache.ErrCacheExhausted
	ErrNotFound       = errors.New("vector not found")
	// ErrInitFailed is returned once initialization failed. The state is
	// sticky; the cause is wrapped as well.
	ErrInitFailed  = errors.New("storage initialization failed")
	ErrCorrupted   = errors.New("vector record corrupted")
	ErrClosed      = errors.New("storage closed")
	ErrEmptyVector = errors.New("empty vector")
	// ErrNotReady is returned by ReadVector before initialization and
	// after Close.
	ErrNotReady = errors.New("storage not ready")
)

// ErrDimensionMismatch is returned by PutVector when a fixed dimension is
// configured.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

func ioFailure(op string, id uint64, err error) error {
	return fmt.Errorf("%w: %s %d: %w", ErrIOFailure, op, id, err)
}
