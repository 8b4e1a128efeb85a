package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/remotesync/internal/logging"
	"github.com/fruitsalade/remotesync/internal/metrics"
	"github.com/fruitsalade/remotesync/pkg/events"
	"github.com/fruitsalade/remotesync/pkg/store"
)

// Stats counts what one sync cycle moved.
type Stats struct {
	Pushed    int
	Pulled    int
	Removed   int
	Conflicts int
}

// Syncer reconciles a local store with a remote: local changes are pushed
// first, then remote changes are pulled. On conflict the remote wins.
type Syncer struct {
	local   *store.Local
	remote  store.Remote
	emitter *events.Emitter
	log     *zap.Logger

	// mu serializes cycles.
	mu sync.Mutex
}

// NewSyncer creates a sync cycle between local and remote.
func NewSyncer(local *store.Local, remote store.Remote, emitter *events.Emitter) *Syncer {
	if emitter == nil {
		emitter = events.New()
	}
	return &Syncer{
		local:   local,
		remote:  remote,
		emitter: emitter,
		log:     logging.Named("sync"),
	}
}

// Sync runs one cycle. A cycle started while another runs waits for it.
func (s *Syncer) Sync(ctx context.Context) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.remote.Connected() {
		return Stats{}, store.ErrNotConnected
	}

	start := time.Now()
	var stats Stats
	err := s.push(ctx, &stats)
	if err == nil {
		err = s.pull(ctx, &stats)
	}
	metrics.RecordSyncCycle(stats.Pushed, stats.Pulled, err)
	if err != nil {
		s.log.Warn("Sync cycle failed", zap.Error(err))
		s.emitter.Emit(events.Event{Name: events.SyncDone, Success: false})
		return stats, err
	}

	s.log.Debug("Sync cycle finished",
		zap.Int("pushed", stats.Pushed),
		zap.Int("pulled", stats.Pulled),
		zap.Int("removed", stats.Removed),
		zap.Int("conflicts", stats.Conflicts),
		zap.Duration("duration", time.Since(start)))
	s.emitter.Emit(events.Event{Name: events.SyncDone, Success: true})
	return stats, nil
}

// Run syncs immediately and then every interval until ctx ends. Failed
// cycles are logged and retried on the next tick.
func (s *Syncer) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.log.Info("Sync loop started", zap.Duration("interval", interval))
	for {
		if _, err := s.Sync(ctx); err != nil && !errors.Is(err, store.ErrNotConnected) {
			s.log.Debug("Will retry on next tick", zap.Error(err))
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			s.log.Info("Sync loop stopped")
			return
		}
	}
}

func (s *Syncer) push(ctx context.Context, stats *Stats) error {
	dirty, err := s.local.Dirty(ctx)
	if err != nil {
		return fmt.Errorf("push: %w", err)
	}
	for _, rec := range dirty {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.pushRecord(ctx, rec, stats); err != nil {
			return err
		}
	}
	return nil
}

func (s *Syncer) pushRecord(ctx context.Context, rec *store.Record, stats *Stats) error {
	if rec.Deleted {
		item, err := s.remote.Delete(ctx, rec.Path, store.DeleteOptions{IfMatch: rec.RemoteRevision})
		if err != nil {
			return fmt.Errorf("push delete %s: %w", rec.Path, err)
		}
		switch item.StatusCode {
		case http.StatusOK, http.StatusNotFound:
			stats.Pushed++
			return s.local.MarkSynced(ctx, rec.Path, rec.Revision, "")
		case http.StatusPreconditionFailed:
			return s.conflict(ctx, rec.Path, stats)
		default:
			return fmt.Errorf("push delete %s: remote returned %d", rec.Path, item.StatusCode)
		}
	}

	opts := store.PutOptions{IfMatch: rec.RemoteRevision}
	if rec.RemoteRevision == "" {
		opts = store.PutOptions{IfNoneMatch: store.AnyRevision}
	}
	item, err := s.remote.Put(ctx, rec.Path, rec.Body, rec.ContentType, opts)
	if err != nil {
		return fmt.Errorf("push %s: %w", rec.Path, err)
	}
	switch item.StatusCode {
	case http.StatusOK, http.StatusCreated:
		stats.Pushed++
		return s.local.MarkSynced(ctx, rec.Path, rec.Revision, item.Revision)
	case http.StatusPreconditionFailed:
		return s.conflict(ctx, rec.Path, stats)
	default:
		return fmt.Errorf("push %s: remote returned %d", rec.Path, item.StatusCode)
	}
}

// conflict replaces the local version of path with the remote one.
func (s *Syncer) conflict(ctx context.Context, path string, stats *Stats) error {
	stats.Conflicts++
	metrics.RecordSyncConflict()
	s.log.Info("Conflict resolved in favour of the remote", zap.String("path", path))
	s.emitter.Emit(events.Event{Name: events.Conflict, Path: path})
	return s.fetch(ctx, path, stats)
}

// fetch copies the remote version of path into the local store.
func (s *Syncer) fetch(ctx context.Context, path string, stats *Stats) error {
	item, err := s.remote.Get(ctx, path, store.GetOptions{})
	if err != nil {
		return fmt.Errorf("pull %s: %w", path, err)
	}
	switch item.StatusCode {
	case http.StatusOK:
		stats.Pulled++
		return s.local.ApplyRemote(ctx, path, item.Body, item.ContentType, item.Revision)
	case http.StatusNotFound:
		stats.Removed++
		return s.local.ApplyRemoteDelete(ctx, path)
	default:
		return fmt.Errorf("pull %s: remote returned %d", path, item.StatusCode)
	}
}

func (s *Syncer) pull(ctx context.Context, stats *Stats) error {
	seen := make(map[string]bool)
	if err := s.pullFolder(ctx, "/", seen, stats); err != nil {
		return err
	}

	recs, err := s.local.Records(ctx, "/")
	if err != nil {
		return fmt.Errorf("pull: %w", err)
	}
	for _, rec := range recs {
		if seen[rec.Path] || rec.Dirty || rec.RemoteRevision == "" {
			continue
		}
		if err := s.local.ApplyRemoteDelete(ctx, rec.Path); err != nil {
			return fmt.Errorf("pull delete %s: %w", rec.Path, err)
		}
		stats.Removed++
	}
	return nil
}

func (s *Syncer) pullFolder(ctx context.Context, folder string, seen map[string]bool, stats *Stats) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	item, err := s.remote.Get(ctx, folder, store.GetOptions{})
	if err != nil {
		return fmt.Errorf("pull %s: %w", folder, err)
	}
	switch item.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil
	default:
		return fmt.Errorf("pull %s: remote returned %d", folder, item.StatusCode)
	}

	names := make([]string, 0, len(item.Listing))
	for name := range item.Listing {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		path := folder + name
		if strings.HasSuffix(name, "/") {
			if err := s.pullFolder(ctx, path, seen, stats); err != nil {
				return err
			}
			continue
		}
		seen[path] = true

		rec, err := s.local.Record(ctx, path)
		switch {
		case errors.Is(err, store.ErrNotFound):
			rec = nil
		case err != nil:
			return fmt.Errorf("pull %s: %w", path, err)
		}
		// Local changes made during this cycle go out with the next push.
		if rec != nil && (rec.Dirty || rec.RemoteRevision == item.Listing[name].ETag) {
			continue
		}
		if err := s.fetch(ctx, path, stats); err != nil {
			return err
		}
	}
	return nil
}
