package store

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Local gives a Records backend get-put-delete semantics with local
// revisions, preconditions, folder listings derived from record paths and
// the tombstones and dirty flags a sync cycle consumes.
type Local struct {
	mu      sync.Mutex
	records Records
	now     func() time.Time
}

// NewLocal wraps records.
func NewLocal(records Records) *Local {
	return &Local{records: records, now: time.Now}
}

// Close closes the underlying backend.
func (l *Local) Close() error {
	return l.records.Close()
}

func (l *Local) load(ctx context.Context, path string) (*Record, error) {
	rec, err := l.records.Load(ctx, path)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return rec, nil
}

// live returns the record at path, or nil when absent or tombstoned.
func (l *Local) live(ctx context.Context, path string) (*Record, error) {
	rec, err := l.load(ctx, path)
	if err != nil || rec == nil || rec.Deleted {
		return nil, err
	}
	return rec, nil
}

// Get reads a document or a folder listing.
func (l *Local) Get(ctx context.Context, path string, opts GetOptions) (*Item, error) {
	if !ValidPath(path) {
		return nil, ErrInvalidPath
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if IsFolder(path) {
		return l.listing(ctx, path, opts)
	}
	rec, err := l.live(ctx, path)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return &Item{StatusCode: http.StatusNotFound}, nil
	}
	if opts.IfNoneMatch != "" && opts.IfNoneMatch == rec.Revision {
		return &Item{StatusCode: http.StatusNotModified, Revision: rec.Revision}, nil
	}
	return &Item{
		StatusCode:  http.StatusOK,
		Body:        append([]byte(nil), rec.Body...),
		ContentType: rec.ContentType,
		Revision:    rec.Revision,
	}, nil
}

func (l *Local) listing(ctx context.Context, folder string, opts GetOptions) (*Item, error) {
	recs, err := l.records.List(ctx, folder)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", folder, err)
	}

	listing := make(map[string]ListingEntry)
	subfolders := make(map[string][]string)
	for _, rec := range recs {
		if rec.Deleted {
			continue
		}
		rest := strings.TrimPrefix(rec.Path, folder)
		if i := strings.Index(rest, "/"); i >= 0 {
			name := rest[:i+1]
			subfolders[name] = append(subfolders[name], rec.Path+"="+rec.Revision)
			continue
		}
		listing[rest] = ListingEntry{
			ETag:          rec.Revision,
			ContentType:   rec.ContentType,
			ContentLength: int64(len(rec.Body)),
		}
	}
	for name, parts := range subfolders {
		listing[name] = ListingEntry{ETag: folderRevision(parts)}
	}

	names := make([]string, 0, len(listing))
	for name, e := range listing {
		names = append(names, name+"="+e.ETag)
	}
	rev := ""
	if len(names) > 0 {
		rev = folderRevision(names)
	}
	if opts.IfNoneMatch != "" && opts.IfNoneMatch == rev {
		return &Item{StatusCode: http.StatusNotModified, Revision: rev}, nil
	}
	return &Item{StatusCode: http.StatusOK, Revision: rev, Listing: listing}, nil
}

// folderRevision derives a stable revision from the revisions below a folder.
func folderRevision(parts []string) string {
	sort.Strings(parts)
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(strings.Join(parts, "\n"))).String()
}

// Put writes a document and marks it dirty.
func (l *Local) Put(ctx context.Context, path string, body []byte, contentType string, opts PutOptions) (*Item, error) {
	if !ValidPath(path) || IsFolder(path) {
		return nil, ErrInvalidPath
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	existing, err := l.load(ctx, path)
	if err != nil {
		return nil, err
	}
	current := ""
	if existing != nil && !existing.Deleted {
		current = existing.Revision
	}
	if opts.IfMatch != "" && opts.IfMatch != current {
		return &Item{StatusCode: http.StatusPreconditionFailed, Revision: current}, nil
	}
	if opts.IfNoneMatch == AnyRevision && current != "" {
		return &Item{StatusCode: http.StatusPreconditionFailed, Revision: current}, nil
	}

	rec := &Record{
		Path:        path,
		Body:        append([]byte(nil), body...),
		ContentType: contentType,
		Revision:    uuid.NewString(),
		Dirty:       true,
		Modified:    l.now(),
	}
	if existing != nil {
		rec.RemoteRevision = existing.RemoteRevision
	}
	if err := l.records.Save(ctx, rec); err != nil {
		return nil, fmt.Errorf("save %s: %w", path, err)
	}
	return &Item{StatusCode: http.StatusOK, Revision: rec.Revision}, nil
}

// Delete removes a document. Documents that were synced before leave a
// dirty tombstone so the deletion reaches the remote.
func (l *Local) Delete(ctx context.Context, path string, opts DeleteOptions) (*Item, error) {
	if !ValidPath(path) || IsFolder(path) {
		return nil, ErrInvalidPath
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	existing, err := l.load(ctx, path)
	if err != nil {
		return nil, err
	}
	if existing == nil || existing.Deleted {
		return &Item{StatusCode: http.StatusNotFound}, nil
	}
	if opts.IfMatch != "" && opts.IfMatch != existing.Revision {
		return &Item{StatusCode: http.StatusPreconditionFailed, Revision: existing.Revision}, nil
	}

	if existing.RemoteRevision == "" {
		if err := l.records.Remove(ctx, path); err != nil {
			return nil, fmt.Errorf("remove %s: %w", path, err)
		}
		return &Item{StatusCode: http.StatusOK}, nil
	}
	tomb := &Record{
		Path:           path,
		Revision:       existing.Revision,
		RemoteRevision: existing.RemoteRevision,
		Deleted:        true,
		Dirty:          true,
		Modified:       l.now(),
	}
	if err := l.records.Save(ctx, tomb); err != nil {
		return nil, fmt.Errorf("save tombstone %s: %w", path, err)
	}
	return &Item{StatusCode: http.StatusOK}, nil
}

// Record returns the stored record at path, tombstones included, or
// ErrNotFound.
func (l *Local) Record(ctx context.Context, path string) (*Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.records.Load(ctx, path)
}

// Records returns all records under prefix, tombstones included.
func (l *Local) Records(ctx context.Context, prefix string) ([]*Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.records.List(ctx, prefix)
}

// Dirty returns records with changes not yet pushed to the remote.
func (l *Local) Dirty(ctx context.Context) ([]*Record, error) {
	recs, err := l.Records(ctx, "/")
	if err != nil {
		return nil, err
	}
	out := recs[:0]
	for _, rec := range recs {
		if rec.Dirty {
			out = append(out, rec)
		}
	}
	return out, nil
}

// MarkSynced records that the change at path reached the remote with
// remoteRev. A pushed tombstone is removed. The record is left alone when it
// changed again since rev was read.
func (l *Local) MarkSynced(ctx context.Context, path, rev, remoteRev string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, err := l.load(ctx, path)
	if err != nil || rec == nil || rec.Revision != rev {
		return err
	}
	if rec.Deleted {
		return l.records.Remove(ctx, path)
	}
	rec.RemoteRevision = remoteRev
	rec.Dirty = false
	return l.records.Save(ctx, rec)
}

// ApplyRemote stores a document fetched from the remote as a clean record.
func (l *Local) ApplyRemote(ctx context.Context, path string, body []byte, contentType, remoteRev string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.records.Save(ctx, &Record{
		Path:           path,
		Body:           append([]byte(nil), body...),
		ContentType:    contentType,
		Revision:       remoteRev,
		RemoteRevision: remoteRev,
		Modified:       l.now(),
	})
}

// ApplyRemoteDelete drops the record at path after the remote lost it.
func (l *Local) ApplyRemoteDelete(ctx context.Context, path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.records.Remove(ctx, path)
}
