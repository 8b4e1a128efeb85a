package dropbox

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const linkTimeout = 30 * time.Second

// PublicURL returns the shared link resolved for path.
func (a *Adapter) PublicURL(path string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	url, ok := a.shares[path]
	return url, ok
}

// maybeResolveLink starts link resolution in the background for public
// documents without a known link. Failures are logged only.
func (a *Adapter) maybeResolveLink(path string) {
	if !strings.HasPrefix(path, PublicPrefix) || strings.HasSuffix(path, "/") {
		return
	}
	a.mu.Lock()
	if _, ok := a.shares[path]; ok || a.resolving[path] || a.closed {
		a.mu.Unlock()
		return
	}
	a.resolving[path] = true
	a.links.Add(1)
	a.mu.Unlock()

	go func() {
		defer a.links.Done()
		defer func() {
			a.mu.Lock()
			delete(a.resolving, path)
			a.mu.Unlock()
		}()
		ctx, cancel := context.WithTimeout(context.Background(), linkTimeout)
		defer cancel()
		if _, err := a.ResolveLink(ctx, path); err != nil {
			a.log.Warn("Shared link resolution failed", zap.String("path", path), zap.Error(err))
		}
	}()
}

// WaitLinks blocks until background link resolutions finish.
func (a *Adapter) WaitLinks() {
	a.links.Wait()
}

// Close stops starting background link resolutions and waits for the
// running ones. Reads and writes keep working.
func (a *Adapter) Close() {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	a.WaitLinks()
}

// ResolveLink creates a public shared link for path, or reuses the existing
// one, and persists it.
func (a *Adapter) ResolveLink(ctx context.Context, path string) (string, error) {
	if err := a.checkConnected(path); err != nil {
		return "", err
	}
	remote := a.remotePath(path)
	resp, err := a.call(ctx, epCreateSharedLink, createSharedLinkArg{
		Path:     remote,
		Settings: sharedLinkSettings{RequestedVisibility: "public"},
	}, false)
	if err != nil {
		return "", fmt.Errorf("share %s: %w", path, err)
	}

	var url string
	switch resp.StatusCode {
	case http.StatusOK:
		var link sharedLink
		if err := json.Unmarshal(resp.Body, &link); err != nil {
			return "", fmt.Errorf("share %s: decode: %w", path, err)
		}
		url = link.URL
	case http.StatusConflict:
		cat, _ := decodeError(resp.Body)
		if cat != CategorySharedLinkAlreadyExists {
			return "", remoteError("share", path, resp.StatusCode, resp.Body)
		}
		url, err = a.existingLink(ctx, path, remote)
		if err != nil {
			return "", err
		}
	default:
		return "", remoteError("share", path, resp.StatusCode, resp.Body)
	}

	a.mu.Lock()
	a.shares[path] = url
	a.mu.Unlock()
	a.saveShares()
	return url, nil
}

func (a *Adapter) existingLink(ctx context.Context, path, remote string) (string, error) {
	resp, err := a.call(ctx, epListSharedLinks, listSharedLinksArg{Path: remote, DirectOnly: true}, false)
	if err != nil {
		return "", fmt.Errorf("share %s: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", remoteError("share", path, resp.StatusCode, resp.Body)
	}
	var res listSharedLinksResult
	if err := json.Unmarshal(resp.Body, &res); err != nil {
		return "", fmt.Errorf("share %s: decode links: %w", path, err)
	}
	if len(res.Links) == 0 {
		return "", fmt.Errorf("share %s: link reported as existing but none listed", path)
	}
	return res.Links[0].URL, nil
}

// dropLink forgets the shared link of a deleted document.
func (a *Adapter) dropLink(path string) {
	a.mu.Lock()
	if _, ok := a.shares[path]; !ok {
		a.mu.Unlock()
		return
	}
	delete(a.shares, path)
	a.mu.Unlock()
	a.saveShares()
}

func (a *Adapter) saveShares() {
	a.mu.Lock()
	snapshot := maps.Clone(a.shares)
	a.mu.Unlock()
	if err := a.settings.Save(sharesKey, snapshot); err != nil {
		a.log.Warn("Failed to save shared links", zap.Error(err))
	}
}
