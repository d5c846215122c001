package bridge

import (
	"errors"
	"fmt"
)

// ErrNoJournal is returned by Recover when no journal is configured.
var ErrNoJournal = errors.New("no journal configured")

// ErrNotIndexed is the soft failure of InsertVector: the vector is durable in
// storage but the index step failed. IndexStored or BuildIndexFromStorage
// retries it.
type ErrNotIndexed struct {
	ID    uint64
	Cause error
}

func (e *ErrNotIndexed) Error() string {
	return fmt.Sprintf("vector %d stored but not indexed: %v", e.ID, e.Cause)
}

func (e *ErrNotIndexed) Unwrap() error { return e.Cause }

// IsNotIndexed reports whether err is a stored-but-unindexed soft failure.
func IsNotIndexed(err error) bool {
	var e *ErrNotIndexed
	return errors.As(err, &e)
}
