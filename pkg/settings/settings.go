// Package settings persists small JSON values such as credentials and the
// public link table. Values are best-effort caches: a missing or unreadable
// file reads as empty.
package settings

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/fruitsalade/remotesync/internal/logging"
)

// Store is a key-value store of JSON values.
type Store interface {
	// Load decodes the value at key into v and reports whether it existed.
	Load(key string, v any) (bool, error)
	Save(key string, v any) error
	Delete(key string) error
}

// File keeps every key in one JSON object file.
type File struct {
	fs   afero.Fs
	path string

	mu     sync.Mutex
	values map[string]json.RawMessage
	loaded bool
}

// NewFile returns a store backed by path on fs. The file is read lazily.
func NewFile(fs afero.Fs, path string) *File {
	return &File{fs: fs, path: path}
}

// Path returns the backing file path.
func (f *File) Path() string {
	return f.path
}

func (f *File) ensureLoaded() {
	if f.loaded {
		return
	}
	f.loaded = true
	f.values = make(map[string]json.RawMessage)

	data, err := afero.ReadFile(f.fs, f.path)
	if err != nil {
		if !os.IsNotExist(err) {
			logging.Warn("Ignoring unreadable settings file", zap.String("path", f.path), zap.Error(err))
		}
		return
	}
	if err := json.Unmarshal(data, &f.values); err != nil {
		logging.Warn("Ignoring corrupt settings file", zap.String("path", f.path), zap.Error(err))
		f.values = make(map[string]json.RawMessage)
	}
}

func (f *File) Load(key string, v any) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensureLoaded()
	raw, ok := f.values[key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("decode setting %s: %w", key, err)
	}
	return true, nil
}

func (f *File) Save(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode setting %s: %w", key, err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensureLoaded()
	f.values[key] = raw
	return f.flush()
}

func (f *File) Delete(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensureLoaded()
	if _, ok := f.values[key]; !ok {
		return nil
	}
	delete(f.values, key)
	return f.flush()
}

func (f *File) flush() error {
	if err := f.fs.MkdirAll(filepath.Dir(f.path), 0700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(f.values, "", "  ")
	if err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := afero.WriteFile(f.fs, tmp, data, 0600); err != nil {
		return err
	}
	return f.fs.Rename(tmp, f.path)
}

// Memory is a Store held in memory.
type Memory struct {
	mu     sync.Mutex
	values map[string][]byte
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{values: make(map[string][]byte)}
}

func (m *Memory) Load(key string, v any) (bool, error) {
	m.mu.Lock()
	raw, ok := m.values[key]
	m.mu.Unlock()
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, v)
}

func (m *Memory) Save(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.values[key] = raw
	m.mu.Unlock()
	return nil
}

func (m *Memory) Delete(key string) error {
	m.mu.Lock()
	delete(m.values, key)
	m.mu.Unlock()
	return nil
}
