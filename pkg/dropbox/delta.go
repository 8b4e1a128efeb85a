package dropbox

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fruitsalade/remotesync/internal/metrics"
	"github.com/fruitsalade/remotesync/pkg/gateway"
)

// FetchDelta brings the revision cache up to date with the remote change
// feed. Concurrent callers share one scan and all observe its result. The
// scan runs detached from ctx; ctx only bounds how long this caller waits.
func (a *Adapter) FetchDelta(ctx context.Context) error {
	scanCtx := context.WithoutCancel(ctx)
	ch := a.delta.DoChan("delta", func() (any, error) {
		return nil, a.scan(scanCtx)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Adapter) scan(ctx context.Context) error {
	id := uuid.NewString()
	start := time.Now()

	a.mu.Lock()
	cursor := a.cursor
	a.mu.Unlock()
	full := cursor == ""

	log := a.log.With(zap.String("scan", id), zap.Bool("full", full))
	log.Debug("Delta scan started")

	if full {
		// Bulk loads skip ancestor invalidation until the last page is in.
		a.cache.DeactivatePropagation()
		defer a.cache.ActivatePropagation()
	}

	entries, err := a.scanPages(ctx, cursor, log)
	metrics.RecordDeltaScan(full, time.Since(start), err)
	if err != nil {
		log.Warn("Delta scan failed", zap.Error(err))
		return fmt.Errorf("delta scan %s: %w", id, err)
	}
	log.Debug("Delta scan finished", zap.Int("entries", entries), zap.Duration("duration", time.Since(start)))
	return nil
}

func (a *Adapter) scanPages(ctx context.Context, cursor string, log *zap.Logger) (int, error) {
	processed := 0
	for {
		var resp *gateway.Response
		var err error
		if cursor == "" {
			resp, err = a.call(ctx, epListFolder, listFolderArg{
				Path:           a.root,
				Recursive:      true,
				IncludeDeleted: true,
			}, true)
		} else {
			resp, err = a.call(ctx, epListFolderContinue, listFolderContinueArg{Cursor: cursor}, true)
		}
		if err != nil {
			if gateway.IsTransport(err) || gateway.IsTimeout(err) {
				// Already visible as network-offline.
				log.Debug("Delta scan interrupted by network", zap.Error(err))
				return processed, nil
			}
			return processed, err
		}

		switch resp.StatusCode {
		case http.StatusOK:
		case http.StatusUnauthorized:
			return processed, nil
		case http.StatusConflict:
			if cat, _ := decodeError(resp.Body); cat == CategoryPathNotFound && cursor == "" {
				// No root folder yet: the tree is empty.
				a.mu.Lock()
				a.initialFetchDone = true
				a.mu.Unlock()
				return processed, nil
			}
			return processed, remoteError("delta", a.root, resp.StatusCode, resp.Body)
		default:
			return processed, remoteError("delta", a.root, resp.StatusCode, resp.Body)
		}

		var page listFolderResult
		if err := json.Unmarshal(resp.Body, &page); err != nil {
			return processed, fmt.Errorf("decode delta page: %w", err)
		}
		for _, e := range page.Entries {
			a.applyDeltaEntry(e)
			processed++
		}

		if page.HasMore {
			cursor = page.Cursor
			continue
		}
		a.mu.Lock()
		a.cursor = page.Cursor
		a.initialFetchDone = true
		a.mu.Unlock()
		return processed, nil
	}
}

func (a *Adapter) applyDeltaEntry(e metadata) {
	path, ok := a.localPath(e.PathLower)
	if !ok || path == "" {
		return
	}
	metrics.RecordDeltaEntry(e.Tag)
	switch e.Tag {
	case tagDeleted:
		// The feed does not say whether a file or a folder went away.
		a.cache.Delete(path)
		a.cache.Delete(path + "/")
	case tagFile:
		a.cache.Set(path, e.Rev)
	}
}
