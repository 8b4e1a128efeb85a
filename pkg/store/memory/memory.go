// Package memory provides an in-memory record backend.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/fruitsalade/remotesync/pkg/store"
)

// Store keeps records in a map. Contents are lost on Close.
type Store struct {
	mu      sync.RWMutex
	records map[string]*store.Record
}

// New creates an empty store.
func New() *Store {
	return &Store{records: make(map[string]*store.Record)}
}

func (s *Store) Load(ctx context.Context, path string) (*store.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[path]
	if !ok {
		return nil, store.ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *Store) Save(ctx context.Context, rec *store.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.Path] = rec.Clone()
	return nil
}

func (s *Store) Remove(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, path)
	return nil
}

func (s *Store) List(ctx context.Context, prefix string) ([]*store.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*store.Record
	for path, rec := range s.records {
		if strings.HasPrefix(path, prefix) {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// Len returns the number of records, tombstones included.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[string]*store.Record)
	return nil
}
