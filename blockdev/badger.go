package blockdev

import (
	"context"
	"encoding/binary"
	"errors"

	"github.com/dgraph-io/badger/v4"
)

var badgerBlockPrefix = []byte("blk/")

// BadgerStore keeps one block per badger key.
type BadgerStore struct {
	db   *badger.DB
	owns bool
}

// NewBadgerStore wraps an open database. The caller keeps ownership.
func NewBadgerStore(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

// BadgerOptions configures OpenBadger.
type BadgerOptions struct {
	// InMemory runs badger without touching dir.
	InMemory  bool
	BlockSize int
}

// OpenBadger opens a badger database at dir and returns a device over it.
// Closing the device closes the database.
func OpenBadger(ctx context.Context, dir string, optFns ...func(o *BadgerOptions)) (*BlockDevice, error) {
	opts := BadgerOptions{BlockSize: DefaultBlockSize}
	for _, fn := range optFns {
		fn(&opts)
	}

	bopts := badger.DefaultOptions(dir).WithLogger(nil)
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	}
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, err
	}

	store := &BadgerStore{db: db, owns: true}
	dev, err := NewBlockDevice(ctx, store, opts.BlockSize)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return dev, nil
}

func badgerBlockKey(idx int64) []byte {
	key := make([]byte, len(badgerBlockPrefix)+8)
	copy(key, badgerBlockPrefix)
	binary.BigEndian.PutUint64(key[len(badgerBlockPrefix):], uint64(idx))
	return key
}

func (s *BadgerStore) GetBlock(_ context.Context, idx int64) ([]byte, error) {
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerBlockKey(idx))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrBlockNotFound
	}
	return out, err
}

func (s *BadgerStore) PutBlock(_ context.Context, idx int64, data []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(badgerBlockKey(idx), data)
	})
}

func (s *BadgerStore) Blocks(_ context.Context) (int64, error) {
	var n int64
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = badgerBlockPrefix
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		// Keys are big-endian, so the last key holds the highest index.
		it.Seek(badgerBlockKey(-1))
		if it.Valid() {
			key := it.Item().Key()
			n = int64(binary.BigEndian.Uint64(key[len(badgerBlockPrefix):])) + 1
		}
		return nil
	})
	return n, err
}

func (s *BadgerStore) Sync(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.db.Opts().InMemory {
		return nil
	}
	return s.db.Sync()
}

func (s *BadgerStore) Close() error {
	if !s.owns {
		return nil
	}
	return s.db.Close()
}
