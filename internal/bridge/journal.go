package bridge

import (
	"context"

	"github.com/hupe1980/vecfs/internal/wal"
)

// Journal wraps mutations in begin/commit/abort hooks for crash atomicity.
type Journal interface {
	Begin(ctx context.Context, op wal.Op, id uint64, vec []float32) (Txn, error)
	// Pending returns transactions begun but never finished before the
	// last restart.
	Pending() []wal.Intent
	// Checkpoint forgets finished and pending transactions.
	Checkpoint() error
}

// Txn is one open journal transaction.
type Txn interface {
	Commit() error
	Abort() error
}

// WALJournal adapts a *wal.Journal.
func WALJournal(j *wal.Journal) Journal {
	return walJournal{j: j}
}

type walJournal struct {
	j *wal.Journal
}

func (w walJournal) Begin(ctx context.Context, op wal.Op, id uint64, vec []float32) (Txn, error) {
	tx, err := w.j.Begin(ctx, op, id, vec)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

func (w walJournal) Pending() []wal.Intent { return w.j.Pending() }

func (w walJournal) Checkpoint() error { return w.j.Checkpoint() }

// noopTxn is used when no journal is configured.
type noopTxn struct{}

func (noopTxn) Commit() error { return nil }
func (noopTxn) Abort() error  { return nil }
