package vecfs

import (
	"errors"
	"fmt"

	"github.com/hupe1980/vecfs/internal/bridge"
	"github.com/hupe1980/vecfs/internal/hnsw"
	"github.com/hupe1980/vecfs/internal/storage"
)

var (
	// ErrInvalidK is returned when k is not positive.
	ErrInvalidK = errors.New("k must be positive")
	// ErrNotFound is returned when removing or fetching an unknown id.
	ErrNotFound = errors.New("vector not found")
	// ErrStackOverflow is returned when an operation exceeded the declared
	// stack budget. Retry with a smaller ef or a larger budget.
	ErrStackOverflow = errors.New("stack budget exceeded")
	// ErrIOFailure is returned when the block device failed.
	ErrIOFailure = errors.New("block device I/O failure")
	// ErrCacheExhausted is returned when the vector cache cannot make room
	// within the memory budget.
	ErrCacheExhausted = errors.New("vector cache exhausted")
	// ErrCorrupted is returned on checksum mismatches and broken graph
	// invariants.
	ErrCorrupted = errors.New("data corrupted")
	// ErrStorageFailed is returned after storage initialization failed.
	ErrStorageFailed = errors.New("storage initialization failed")
	// ErrInvalidConfig is returned by Config.Validate.
	ErrInvalidConfig = errors.New("invalid configuration")
	// ErrClosed is returned by operations on a closed DB.
	ErrClosed = errors.New("db closed")
)

// ErrDimensionMismatch indicates a vector/query dimensionality mismatch.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
	cause    error
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

func (e *ErrDimensionMismatch) Unwrap() error { return e.cause }

// ErrNotIndexed is a soft failure: the vector was stored durably but could
// not be indexed. Reindex or Rebuild retries indexing without rewriting it.
type ErrNotIndexed struct {
	ID    uint64
	Cause error
}

func (e *ErrNotIndexed) Error() string {
	return fmt.Sprintf("vector %d stored but not indexed: %v", e.ID, e.Cause)
}

func (e *ErrNotIndexed) Unwrap() error { return e.Cause }

// IsNotIndexed reports whether err is a stored-but-not-indexed soft failure.
func IsNotIndexed(err error) bool {
	var e *ErrNotIndexed
	return errors.As(err, &e)
}

func translateError(err error) error {
	if err == nil {
		return nil
	}

	var ni *bridge.ErrNotIndexed
	if errors.As(err, &ni) {
		return &ErrNotIndexed{ID: ni.ID, Cause: translateError(ni.Cause)}
	}

	var hdm *hnsw.ErrDimensionMismatch
	if errors.As(err, &hdm) {
		return &ErrDimensionMismatch{Expected: hdm.Expected, Actual: hdm.Actual, cause: err}
	}
	var sdm *storage.ErrDimensionMismatch
	if errors.As(err, &sdm) {
		return &ErrDimensionMismatch{Expected: sdm.Expected, Actual: sdm.Actual, cause: err}
	}

	switch {
	case errors.Is(err, hnsw.ErrNotFound), errors.Is(err, storage.ErrNotFound):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case errors.Is(err, hnsw.ErrStackOverflow):
		return fmt.Errorf("%w: %w", ErrStackOverflow, err)
	case errors.Is(err, storage.ErrInitFailed):
		return fmt.Errorf("%w: %w", ErrStorageFailed, err)
	case errors.Is(err, storage.ErrIOFailure):
		return fmt.Errorf("%w: %w", ErrIOFailure, err)
	case errors.Is(err, storage.ErrCacheExhausted):
		return fmt.Errorf("%w: %w", ErrCacheExhausted, err)
	case errors.Is(err, hnsw.ErrCorrupted), errors.Is(err, storage.ErrCorrupted):
		return fmt.Errorf("%w: %w", ErrCorrupted, err)
	case errors.Is(err, hnsw.ErrInvalidK):
		return fmt.Errorf("%w: %w", ErrInvalidK, err)
	case errors.Is(err, storage.ErrClosed), errors.Is(err, storage.ErrNotReady):
		return fmt.Errorf("%w: %w", ErrClosed, err)
	}
	return err
}
