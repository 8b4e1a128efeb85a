// Package store defines the get-put-delete contract shared by remote
// adapters and local stores, and the Local engine that gives any record
// backend those semantics.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/fruitsalade/remotesync/pkg/events"
)

// AnyRevision is the IfNoneMatch value meaning "must not exist".
const AnyRevision = "*"

var (
	// ErrNotConnected is returned by remote operations when no usable token is held.
	ErrNotConnected = errors.New("not connected")
	// ErrTooLarge is returned for uploads above the remote's single-shot limit.
	ErrTooLarge = errors.New("payload exceeds single-shot upload limit")
	// ErrNotFound is returned by Records backends for unknown paths.
	ErrNotFound = errors.New("record not found")
	// ErrInvalidPath is returned for paths not starting with "/".
	ErrInvalidPath = errors.New("path must start with /")
)

// ListingEntry describes one child of a folder listing.
type ListingEntry struct {
	ETag          string `json:"ETag"`
	ContentType   string `json:"Content-Type,omitempty"`
	ContentLength int64  `json:"Content-Length,omitempty"`
}

// Item is the result of a get, put or delete.
type Item struct {
	StatusCode  int
	Body        []byte
	ContentType string
	Revision    string
	// Listing is set for folder reads. Child folder names end with "/".
	Listing map[string]ListingEntry
}

// GetOptions holds conditional read options.
type GetOptions struct {
	IfNoneMatch string
}

// PutOptions holds conditional write options.
type PutOptions struct {
	IfMatch     string
	IfNoneMatch string
}

// DeleteOptions holds conditional delete options.
type DeleteOptions struct {
	IfMatch string
}

// GPD is the get-put-delete contract.
type GPD interface {
	Get(ctx context.Context, path string, opts GetOptions) (*Item, error)
	Put(ctx context.Context, path string, body []byte, contentType string, opts PutOptions) (*Item, error)
	Delete(ctx context.Context, path string, opts DeleteOptions) (*Item, error)
}

// Remote is a GPD backed by a remote service.
type Remote interface {
	GPD
	Connected() bool
	Online() bool
	On(name string, h events.Handler) events.Subscription
	StopWaitingForToken()
}

// Record is one stored document, as read and written by a Records backend.
type Record struct {
	Path        string `json:"path"`
	Body        []byte `json:"body,omitempty"`
	ContentType string `json:"contentType,omitempty"`
	Revision    string `json:"revision"`
	// RemoteRevision is the remote revision the record was last synced with.
	RemoteRevision string    `json:"remoteRevision,omitempty"`
	Deleted        bool      `json:"deleted,omitempty"`
	Dirty          bool      `json:"dirty,omitempty"`
	Modified       time.Time `json:"modified"`
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	c := *r
	if r.Body != nil {
		c.Body = append([]byte(nil), r.Body...)
	}
	return &c
}

// Records is what a local persistence backend must implement.
type Records interface {
	// Load returns ErrNotFound for unknown paths.
	Load(ctx context.Context, path string) (*Record, error)
	Save(ctx context.Context, rec *Record) error
	// Remove of an unknown path is not an error.
	Remove(ctx context.Context, path string) error
	// List returns every record whose path starts with prefix, tombstones included.
	List(ctx context.Context, prefix string) ([]*Record, error)
	Close() error
}

// ValidPath reports whether p is an absolute store path.
func ValidPath(p string) bool {
	return strings.HasPrefix(p, "/")
}

// IsFolder reports whether p names a folder.
func IsFolder(p string) bool {
	return strings.HasSuffix(p, "/")
}
