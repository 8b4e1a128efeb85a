// Package revcache holds the last known remote revision of every path an
// adapter has seen. Paths start with "/" and folders end with "/".
package revcache

import (
	"strings"
	"sync"
)

// State describes what the cache knows about a path.
type State int

const (
	// Unknown means the path was never seen or was invalidated and must be
	// queried remotely.
	Unknown State = iota
	// Deleted means the path is known to be absent remotely.
	Deleted
	// Known means the cache holds a revision for the path.
	Known
)

func (s State) String() string {
	switch s {
	case Deleted:
		return "deleted"
	case Known:
		return "known"
	default:
		return "unknown"
	}
}

type entry struct {
	rev     string
	deleted bool
}

// Cache maps path → revision. A change under a folder invalidates every
// ancestor folder while propagation is active.
type Cache struct {
	mu        sync.Mutex
	revs      map[string]entry
	propagate bool
	foldCase  bool
}

// Option configures a Cache.
type Option func(*Cache)

// WithCaseFolding lower-cases keys, for remotes whose paths are
// case-insensitive.
func WithCaseFolding() Option {
	return func(c *Cache) { c.foldCase = true }
}

// New creates an empty cache with propagation active.
func New(opts ...Option) *Cache {
	c := &Cache{
		revs:      make(map[string]entry),
		propagate: true,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cache) key(path string) string {
	if c.foldCase {
		return strings.ToLower(path)
	}
	return path
}

// Get returns the cached revision for path and what the cache knows.
func (c *Cache) Get(path string) (string, State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.revs[c.key(path)]
	switch {
	case !ok:
		return "", Unknown
	case e.deleted:
		return "", Deleted
	default:
		return e.rev, Known
	}
}

// Set stores rev for path. Setting the value already held is a no-op.
func (c *Cache) Set(path, rev string) {
	c.store(path, entry{rev: rev})
}

// Delete marks path as known to be deleted.
func (c *Cache) Delete(path string) {
	c.store(path, entry{deleted: true})
}

func (c *Cache) store(path string, e entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := c.key(path)
	if cur, ok := c.revs[k]; ok && cur == e {
		return
	}
	c.revs[k] = e
	if c.propagate {
		for _, parent := range Ancestors(k) {
			delete(c.revs, parent)
		}
	}
}

// DeactivatePropagation stops ancestor invalidation, for bulk loads.
func (c *Cache) DeactivatePropagation() {
	c.mu.Lock()
	c.propagate = false
	c.mu.Unlock()
}

// ActivatePropagation resumes ancestor invalidation.
func (c *Cache) ActivatePropagation() {
	c.mu.Lock()
	c.propagate = true
	c.mu.Unlock()
}

// Propagating reports whether ancestor invalidation is active.
func (c *Cache) Propagating() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.propagate
}

// Len returns the number of entries, deleted markers included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.revs)
}

// Reset forgets every entry.
func (c *Cache) Reset() {
	c.mu.Lock()
	c.revs = make(map[string]entry)
	c.mu.Unlock()
}

// Ancestors returns the folder paths containing path, nearest first.
// "/a/b/c.txt" yields "/a/b/", "/a/", "/".
func Ancestors(path string) []string {
	var out []string
	p := strings.TrimSuffix(path, "/")
	for p != "" {
		i := strings.LastIndex(p, "/")
		if i < 0 {
			break
		}
		p = p[:i]
		out = append(out, p+"/")
	}
	return out
}

// IsFolder reports whether path names a folder.
func IsFolder(path string) bool {
	return strings.HasSuffix(path, "/")
}
