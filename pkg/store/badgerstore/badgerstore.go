// Package badgerstore persists records in a BadgerDB key-value store,
// keyed by path so prefix scans serve folder listings.
package badgerstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"github.com/fruitsalade/remotesync/pkg/store"
)

// keyPrefix namespaces record keys: "r:<path>".
const keyPrefix = "r:"

func keyRecord(path string) []byte {
	return []byte(keyPrefix + path)
}

// Config holds store configuration.
type Config struct {
	// Dir is the database directory. Empty means in-memory.
	Dir string
}

// Store is a BadgerDB record backend.
type Store struct {
	db *badger.DB
}

// Open opens or creates the database.
func Open(cfg Config) (*Store, error) {
	var opts badger.Options
	if cfg.Dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(cfg.Dir)
	}
	opts = opts.WithLoggingLevel(badger.WARNING)
	opts = opts.WithCompression(options.None)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB at %q: %w", cfg.Dir, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Load(ctx context.Context, path string) (*store.Record, error) {
	var rec *store.Record
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(keyRecord(path))
		if err == badger.ErrKeyNotFound {
			return store.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to get record: %w", err)
		}
		return item.Value(func(val []byte) error {
			r, err := decodeRecord(val)
			rec = r
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *Store) Save(ctx context.Context, rec *store.Record) error {
	val, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(keyRecord(rec.Path), val)
	})
}

func (s *Store) Remove(ctx context.Context, path string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(keyRecord(path))
	})
}

func (s *Store) List(ctx context.Context, prefix string) ([]*store.Record, error) {
	var out []*store.Record
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		opts.Prefix = keyRecord(prefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		n := 0
		for it.Rewind(); it.Valid(); it.Next() {
			if n%100 == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
			}
			n++
			err := it.Item().Value(func(val []byte) error {
				rec, err := decodeRecord(val)
				if err != nil {
					return err
				}
				out = append(out, rec)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return out, err
}

// RunGC reclaims space in the value log. It is a no-op for in-memory stores.
func (s *Store) RunGC() error {
	if s.db.Opts().InMemory {
		return nil
	}
	err := s.db.RunValueLogGC(0.5)
	if errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrRejected) {
		return nil
	}
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}

func decodeRecord(val []byte) (*store.Record, error) {
	var rec store.Record
	if err := json.Unmarshal(val, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode record: %w", err)
	}
	return &rec, nil
}
