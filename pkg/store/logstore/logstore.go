// Package logstore persists records as an append-only JSON lines log,
// replayed into memory on open.
package logstore

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/fruitsalade/remotesync/internal/logging"
	"github.com/fruitsalade/remotesync/pkg/store"
)

const (
	opSave   = "save"
	opRemove = "remove"
)

type logEntry struct {
	Op     string        `json:"op"`
	Path   string        `json:"path"`
	Record *store.Record `json:"record,omitempty"`
}

// Store is an append-only log of record changes.
type Store struct {
	fs   afero.Fs
	path string

	mu      sync.RWMutex
	file    afero.File
	records map[string]*store.Record
	entries int
}

// Open replays the log at path on fs, creating it if absent. A torn final
// line, left by a crash mid-append, is dropped.
func Open(fs afero.Fs, path string) (*Store, error) {
	s := &Store{fs: fs, path: path, records: make(map[string]*store.Record)}
	if err := s.replay(); err != nil {
		return nil, err
	}
	f, err := fs.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("open log %s: %w", path, err)
	}
	s.file = f
	if torn, err := s.tornTail(); err != nil {
		f.Close()
		return nil, err
	} else if torn {
		if _, err := f.Write([]byte{'\n'}); err != nil {
			f.Close()
			return nil, fmt.Errorf("terminate torn line in %s: %w", path, err)
		}
	}
	return s, nil
}

// tornTail reports whether the log ends without a newline.
func (s *Store) tornTail() (bool, error) {
	fi, err := s.fs.Stat(s.path)
	if err != nil {
		return false, err
	}
	if fi.Size() == 0 {
		return false, nil
	}
	f, err := s.fs.Open(s.path)
	if err != nil {
		return false, err
	}
	defer f.Close()
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, fi.Size()-1); err != nil {
		return false, err
	}
	return last[0] != '\n', nil
}

func (s *Store) replay() error {
	f, err := s.fs.Open(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open log %s: %w", s.path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 256<<20)
	line := 0
	for scanner.Scan() {
		line++
		var e logEntry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			logging.Warn("Skipping unreadable log line",
				zap.String("path", s.path),
				zap.Int("line", line),
				zap.Error(err))
			continue
		}
		s.apply(e)
	}
	return scanner.Err()
}

func (s *Store) apply(e logEntry) {
	s.entries++
	switch e.Op {
	case opSave:
		if e.Record != nil {
			s.records[e.Path] = e.Record
		}
	case opRemove:
		delete(s.records, e.Path)
	}
}

func (s *Store) append(e logEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if _, err := s.file.Write(data); err != nil {
		return fmt.Errorf("append to %s: %w", s.path, err)
	}
	s.apply(e)
	return nil
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
	return s.append(logEntry{Op: opSave, Path: rec.Path, Record: rec.Clone()})
}

func (s *Store) Remove(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[path]; !ok {
		return nil
	}
	return s.append(logEntry{Op: opRemove, Path: path})
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

// Compact rewrites the log with one save entry per live record.
func (s *Store) Compact() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tmp := s.path + ".tmp"
	f, err := s.fs.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for path, rec := range s.records {
		if err := enc.Encode(logEntry{Op: opSave, Path: path, Record: rec}); err != nil {
			f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	if err := s.file.Close(); err != nil {
		return err
	}
	if err := s.fs.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace %s: %w", s.path, err)
	}
	s.file, err = s.fs.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("reopen log %s: %w", s.path, err)
	}
	logging.Debug("Compacted record log",
		zap.String("path", s.path),
		zap.Int("before", s.entries),
		zap.Int("after", len(s.records)))
	s.entries = len(s.records)
	return nil
}

// Entries returns the number of entries in the log.
func (s *Store) Entries() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}
