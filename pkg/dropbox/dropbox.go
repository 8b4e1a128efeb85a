// Package dropbox adapts the Dropbox HTTP API to the store.Remote contract.
//
// Revisions are Dropbox file revs. Folders have no native revision, so a
// folder's cached revision only lives until something below it changes.
package dropbox

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/fruitsalade/remotesync/internal/logging"
	"github.com/fruitsalade/remotesync/internal/metrics"
	"github.com/fruitsalade/remotesync/pkg/auth"
	"github.com/fruitsalade/remotesync/pkg/events"
	"github.com/fruitsalade/remotesync/pkg/gateway"
	"github.com/fruitsalade/remotesync/pkg/revcache"
	"github.com/fruitsalade/remotesync/pkg/settings"
	"github.com/fruitsalade/remotesync/pkg/store"
)

const (
	// MaxUploadSize is the single-shot upload limit of files/upload.
	MaxUploadSize = 150 << 20

	// DefaultRootPath is the Dropbox folder holding all documents.
	DefaultRootPath = "/remotestorage"

	// PublicPrefix marks documents that get a shared link.
	PublicPrefix = "/public/"

	settingsKey = "remotestorage:dropbox"
	sharesKey   = "remotestorage:dropbox:shares"
)

// Config holds adapter configuration.
type Config struct {
	Token       string
	UserAddress string
	RootPath    string
	APIURL      string
	ContentURL  string
	RetryDelay  time.Duration
	Timeout     time.Duration
	Transport   gateway.Doer
	Settings    settings.Store
	Emitter     *events.Emitter
}

// Settings are the credentials passed to Configure.
type Settings struct {
	UserAddress string `json:"userAddress,omitempty"`
	Token       string `json:"token,omitempty"`
}

// Adapter is a store.Remote backed by Dropbox.
type Adapter struct {
	root       string
	apiURL     string
	contentURL string
	gw         *gateway.Gateway
	emitter    *events.Emitter
	settings   settings.Store
	cache      *revcache.Cache
	log        *zap.Logger

	mu               sync.Mutex
	connected        bool
	userAddress      string
	cursor           string
	initialFetchDone bool
	shares           map[string]string
	resolving        map[string]bool
	closed           bool

	delta singleflight.Group
	links sync.WaitGroup
}

// New creates an adapter. Credentials missing from cfg are read from the
// settings store. The adapter is not connected until Connect or Configure
// succeeds.
func New(cfg Config) *Adapter {
	if cfg.RootPath == "" {
		cfg.RootPath = DefaultRootPath
	}
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}
	if cfg.ContentURL == "" {
		cfg.ContentURL = DefaultContentURL
	}
	if cfg.Settings == nil {
		cfg.Settings = settings.NewMemory()
	}
	if cfg.Emitter == nil {
		cfg.Emitter = events.New()
	}

	a := &Adapter{
		root:       strings.TrimSuffix(cfg.RootPath, "/"),
		apiURL:     strings.TrimSuffix(cfg.APIURL, "/"),
		contentURL: strings.TrimSuffix(cfg.ContentURL, "/"),
		emitter:    cfg.Emitter,
		settings:   cfg.Settings,
		cache:      revcache.New(revcache.WithCaseFolding()),
		log:        logging.Named("dropbox"),
		shares:     make(map[string]string),
		resolving:  make(map[string]bool),
	}

	var saved Settings
	if _, err := cfg.Settings.Load(settingsKey, &saved); err != nil {
		a.log.Warn("Ignoring saved credentials", zap.Error(err))
	}
	if cfg.Token == "" {
		cfg.Token = saved.Token
		if cfg.UserAddress == "" {
			cfg.UserAddress = saved.UserAddress
		}
	}
	if _, err := cfg.Settings.Load(sharesKey, &a.shares); err != nil || a.shares == nil {
		a.shares = make(map[string]string)
	}
	a.userAddress = cfg.UserAddress

	a.gw = gateway.New(gateway.Config{
		Transport:      cfg.Transport,
		Timeout:        cfg.Timeout,
		RetryDelay:     cfg.RetryDelay,
		Emitter:        cfg.Emitter,
		Token:          cfg.Token,
		OnUnauthorized: a.unauthorized,
	})
	return a
}

// On registers h for events named name.
func (a *Adapter) On(name string, h events.Handler) events.Subscription {
	return a.emitter.On(name, h)
}

// Emitter returns the emitter the adapter reports on.
func (a *Adapter) Emitter() *events.Emitter {
	return a.emitter
}

// Connected reports whether the adapter holds credentials the remote accepted.
func (a *Adapter) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

// Online reports whether the last round-trip reached Dropbox.
func (a *Adapter) Online() bool {
	return a.gw.Online()
}

// UserAddress returns the account address, if known.
func (a *Adapter) UserAddress() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.userAddress
}

// InitialFetchDone reports whether a full delta scan has completed.
func (a *Adapter) InitialFetchDone() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.initialFetchDone
}

// Connect marks the adapter connected when it holds a usable token,
// resolving the user address first when it is unknown.
func (a *Adapter) Connect(ctx context.Context) error {
	if !auth.Usable(a.gw.Token()) {
		a.log.Debug("No usable token, staying disconnected")
		return nil
	}
	if a.UserAddress() == "" {
		addr, err := a.Info(ctx)
		if err != nil {
			return err
		}
		a.mu.Lock()
		a.userAddress = addr
		a.mu.Unlock()
		a.persist()
	}

	a.mu.Lock()
	was := a.connected
	a.connected = true
	a.mu.Unlock()
	if !was {
		a.log.Info("Connected", zap.String("user", a.UserAddress()))
		a.emitter.Emit(events.Event{Name: events.Connected})
	}
	return nil
}

// Configure replaces the credentials, persists them and connects. Empty
// credentials disconnect.
func (a *Adapter) Configure(ctx context.Context, s Settings) error {
	if s.Token == "" {
		a.Disconnect()
		return nil
	}
	if held := a.gw.Token(); held != "" && held != s.Token {
		a.log.Info("Token changed, dropping cached remote state")
		a.Disconnect()
	}
	a.gw.SetToken(s.Token)
	a.mu.Lock()
	a.userAddress = s.UserAddress
	a.mu.Unlock()
	a.persist()
	return a.Connect(ctx)
}

// Disconnect forgets credentials and all cached remote state.
func (a *Adapter) Disconnect() {
	a.clearConnection()
	a.resetRemoteState()
}

// resetRemoteState drops everything learned from the current account.
func (a *Adapter) resetRemoteState() {
	a.mu.Lock()
	a.cursor = ""
	a.initialFetchDone = false
	a.shares = make(map[string]string)
	a.mu.Unlock()
	a.cache.Reset()
	if err := a.settings.Delete(sharesKey); err != nil {
		a.log.Warn("Failed to drop saved links", zap.Error(err))
	}
}

func (a *Adapter) clearConnection() {
	a.gw.SetToken("")
	a.mu.Lock()
	a.connected = false
	a.userAddress = ""
	a.mu.Unlock()
	if err := a.settings.Delete(settingsKey); err != nil {
		a.log.Warn("Failed to drop saved credentials", zap.Error(err))
	}
}

// unauthorized runs when Dropbox rejects the token.
func (a *Adapter) unauthorized() {
	a.clearConnection()
}

// StopWaitingForToken emits not-connected when no credentials are held, so
// callers waiting for readiness are released.
func (a *Adapter) StopWaitingForToken() {
	if !a.Connected() {
		a.emitter.Emit(events.Event{Name: events.NotConnected})
	}
}

func (a *Adapter) persist() {
	s := Settings{UserAddress: a.UserAddress(), Token: a.gw.Token()}
	if err := a.settings.Save(settingsKey, s); err != nil {
		a.log.Warn("Failed to save credentials", zap.Error(err))
	}
}

// remotePath maps a store path to a Dropbox path. Folders lose their
// trailing slash; the root folder maps to the root path itself.
func (a *Adapter) remotePath(path string) string {
	return a.root + strings.TrimSuffix(path, "/")
}

// localPath maps a Dropbox path_lower back to a store path. It returns false
// for paths outside the root.
func (a *Adapter) localPath(remote string) (string, bool) {
	root := strings.ToLower(a.root)
	lower := strings.ToLower(remote)
	if lower != root && !strings.HasPrefix(lower, root+"/") {
		return "", false
	}
	return remote[len(root):], true
}

func (a *Adapter) call(ctx context.Context, endpoint string, arg any, isFolder bool) (*gateway.Response, error) {
	return a.gw.Do(ctx, &gateway.Request{
		Method:   http.MethodPost,
		URL:      a.apiURL + endpoint,
		Body:     arg,
		IsFolder: isFolder,
	})
}

func (a *Adapter) checkConnected(path string) error {
	if !a.Connected() {
		return fmt.Errorf("%s: %w", path, store.ErrNotConnected)
	}
	if !store.ValidPath(path) {
		return fmt.Errorf("%s: %w", path, store.ErrInvalidPath)
	}
	return nil
}

// Get reads a document or folder listing.
func (a *Adapter) Get(ctx context.Context, path string, opts store.GetOptions) (*store.Item, error) {
	if err := a.checkConnected(path); err != nil {
		return nil, err
	}

	rev, state := a.cache.Get(path)
	if state == revcache.Deleted {
		return &store.Item{StatusCode: http.StatusNotFound}, nil
	}

	if opts.IfNoneMatch != "" {
		if !a.InitialFetchDone() {
			if err := a.FetchDelta(ctx); err != nil {
				return nil, err
			}
			rev, state = a.cache.Get(path)
			if state == revcache.Deleted {
				return &store.Item{StatusCode: http.StatusNotFound}, nil
			}
		}
		if state == revcache.Known && rev == opts.IfNoneMatch {
			return &store.Item{StatusCode: http.StatusNotModified, Revision: rev}, nil
		}
	}

	if store.IsFolder(path) {
		return a.getFolder(ctx, path)
	}
	return a.getFile(ctx, path)
}

func (a *Adapter) getFile(ctx context.Context, path string) (*store.Item, error) {
	arg, err := apiArg(pathArg{Path: a.remotePath(path)})
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("Dropbox-API-Arg", arg)
	resp, err := a.gw.Do(ctx, &gateway.Request{
		Method: http.MethodPost,
		URL:    a.contentURL + epDownload,
		Header: header,
	})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", path, err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusConflict:
		if cat, _ := decodeError(resp.Body); cat == CategoryPathNotFound {
			return &store.Item{StatusCode: http.StatusNotFound}, nil
		}
		return nil, remoteError("get", path, resp.StatusCode, resp.Body)
	case http.StatusUnauthorized:
		return &store.Item{StatusCode: http.StatusUnauthorized}, nil
	default:
		return nil, remoteError("get", path, resp.StatusCode, resp.Body)
	}

	var meta metadata
	if err := json.Unmarshal([]byte(resp.Header.Get("Dropbox-API-Result")), &meta); err != nil {
		return nil, fmt.Errorf("get %s: decode Dropbox-API-Result: %w", path, err)
	}
	a.cache.Set(path, meta.Rev)
	a.maybeResolveLink(path)

	return &store.Item{
		StatusCode:  http.StatusOK,
		Body:        resp.Body,
		ContentType: detectContentType(resp.Body),
		Revision:    meta.Rev,
	}, nil
}

// detectContentType sniffs the document body. Dropbox keeps no content type.
func detectContentType(body []byte) string {
	mt := mimetype.Detect(body)
	if mt.Is("application/json") {
		return "application/json"
	}
	return mt.String()
}

func (a *Adapter) getFolder(ctx context.Context, path string) (*store.Item, error) {
	entries, notFound, err := a.listFolder(ctx, path)
	if err != nil {
		return nil, err
	}
	if entries == nil && !notFound {
		return &store.Item{StatusCode: http.StatusUnauthorized}, nil
	}

	listing := make(map[string]store.ListingEntry, len(entries))
	for _, e := range entries {
		switch e.Tag {
		case tagFolder:
			rev, _ := a.cache.Get(path + e.Name + "/")
			listing[e.Name+"/"] = store.ListingEntry{ETag: rev}
		case tagFile:
			a.cache.Set(path+e.Name, e.Rev)
			listing[e.Name] = store.ListingEntry{ETag: e.Rev, ContentLength: e.Size}
		}
	}
	rev, _ := a.cache.Get(path)
	return &store.Item{StatusCode: http.StatusOK, Revision: rev, Listing: listing}, nil
}

// listFolder returns the merged pages of a folder listing. A missing folder
// yields (nil, true, nil); a 401 yields (nil, false, nil).
func (a *Adapter) listFolder(ctx context.Context, path string) ([]metadata, bool, error) {
	resp, err := a.call(ctx, epListFolder, listFolderArg{Path: a.remotePath(path)}, true)
	if err != nil {
		return nil, false, fmt.Errorf("list %s: %w", path, err)
	}

	entries := []metadata{}
	for {
		switch resp.StatusCode {
		case http.StatusOK:
		case http.StatusConflict:
			if cat, _ := decodeError(resp.Body); cat == CategoryPathNotFound {
				return nil, true, nil
			}
			return nil, false, remoteError("list", path, resp.StatusCode, resp.Body)
		case http.StatusUnauthorized:
			return nil, false, nil
		default:
			return nil, false, remoteError("list", path, resp.StatusCode, resp.Body)
		}

		var page listFolderResult
		if err := json.Unmarshal(resp.Body, &page); err != nil {
			return nil, false, fmt.Errorf("list %s: decode: %w", path, err)
		}
		entries = append(entries, page.Entries...)
		if !page.HasMore {
			return entries, false, nil
		}
		resp, err = a.call(ctx, epListFolderContinue, listFolderContinueArg{Cursor: page.Cursor}, true)
		if err != nil {
			return nil, false, fmt.Errorf("list %s: %w", path, err)
		}
	}
}

// remoteRevision fetches the current revision of path. Absent paths
// return "". The status is non-zero when the remote refused the call.
func (a *Adapter) remoteRevision(ctx context.Context, op, path string) (string, int, error) {
	resp, err := a.call(ctx, epGetMetadata, pathArg{Path: a.remotePath(path)}, false)
	if err != nil {
		return "", 0, fmt.Errorf("%s %s: metadata: %w", op, path, err)
	}
	switch resp.StatusCode {
	case http.StatusOK:
		var meta metadata
		if err := json.Unmarshal(resp.Body, &meta); err != nil {
			return "", 0, fmt.Errorf("%s %s: decode metadata: %w", op, path, err)
		}
		if meta.Tag != tagFile {
			return "", 0, nil
		}
		a.cache.Set(path, meta.Rev)
		return meta.Rev, 0, nil
	case http.StatusConflict:
		if cat, _ := decodeError(resp.Body); cat == CategoryPathNotFound {
			return "", 0, nil
		}
		return "", 0, remoteError(op, path, resp.StatusCode, resp.Body)
	case http.StatusUnauthorized:
		return "", resp.StatusCode, nil
	default:
		return "", 0, remoteError(op, path, resp.StatusCode, resp.Body)
	}
}

// cachedPrecondition decides a precondition from the cache alone. It only
// ever decides failure; success needs the remote's word.
func (a *Adapter) cachedPrecondition(op, path, ifMatch, ifNoneMatch string) *store.Item {
	rev, state := a.cache.Get(path)
	failed := false
	switch {
	case ifMatch != "" && state == revcache.Known && rev != ifMatch:
		failed = true
	case ifMatch != "" && state == revcache.Deleted:
		failed = true
	case ifNoneMatch == store.AnyRevision && state == revcache.Known:
		failed = true
	}
	if !failed {
		return nil
	}
	metrics.RecordPreconditionFailure(op, true)
	return &store.Item{StatusCode: http.StatusPreconditionFailed, Revision: rev}
}

func preconditionHolds(current, ifMatch, ifNoneMatch string) bool {
	if ifMatch != "" && current != ifMatch {
		return false
	}
	if ifNoneMatch == store.AnyRevision && current != "" {
		return false
	}
	return true
}

// Put uploads a document.
func (a *Adapter) Put(ctx context.Context, path string, body []byte, contentType string, opts store.PutOptions) (*store.Item, error) {
	if err := a.checkConnected(path); err != nil {
		return nil, err
	}
	if store.IsFolder(path) {
		return nil, fmt.Errorf("put %s: %w", path, store.ErrInvalidPath)
	}
	if item := a.cachedPrecondition("put", path, opts.IfMatch, opts.IfNoneMatch); item != nil {
		return item, nil
	}
	if len(body) > MaxUploadSize {
		return nil, fmt.Errorf("put %s (%d bytes): %w", path, len(body), store.ErrTooLarge)
	}

	if opts.IfMatch != "" || opts.IfNoneMatch != "" {
		current, status, err := a.remoteRevision(ctx, "put", path)
		if err != nil {
			return nil, err
		}
		if status != 0 {
			return &store.Item{StatusCode: status}, nil
		}
		if !preconditionHolds(current, opts.IfMatch, opts.IfNoneMatch) {
			if current == "" {
				a.cache.Delete(path)
			}
			metrics.RecordPreconditionFailure("put", false)
			return &store.Item{StatusCode: http.StatusPreconditionFailed, Revision: current}, nil
		}
	}

	mode := writeMode{Tag: modeOverwrite}
	switch {
	case opts.IfMatch != "":
		mode = writeMode{Tag: modeUpdate, Update: opts.IfMatch}
	case opts.IfNoneMatch == store.AnyRevision:
		mode = writeMode{Tag: modeAdd}
	}
	arg, err := apiArg(uploadArg{Path: a.remotePath(path), Mode: mode, Mute: true})
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("Dropbox-API-Arg", arg)
	header.Set("Content-Type", "application/octet-stream")

	resp, err := a.gw.Do(ctx, &gateway.Request{
		Method: http.MethodPost,
		URL:    a.contentURL + epUpload,
		Header: header,
		Body:   body,
	})
	if err != nil {
		return nil, fmt.Errorf("put %s: %w", path, err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusConflict:
		if cat, _ := decodeError(resp.Body); cat == CategoryPathConflict {
			current, status, err := a.remoteRevision(ctx, "put", path)
			if err != nil {
				return nil, err
			}
			if status != 0 {
				return &store.Item{StatusCode: status}, nil
			}
			metrics.RecordPreconditionFailure("put", false)
			return &store.Item{StatusCode: http.StatusPreconditionFailed, Revision: current}, nil
		}
		return nil, remoteError("put", path, resp.StatusCode, resp.Body)
	case http.StatusUnauthorized:
		return &store.Item{StatusCode: http.StatusUnauthorized}, nil
	default:
		return nil, remoteError("put", path, resp.StatusCode, resp.Body)
	}

	var meta metadata
	if err := json.Unmarshal(resp.Body, &meta); err != nil {
		return nil, fmt.Errorf("put %s: decode: %w", path, err)
	}
	a.cache.Set(path, meta.Rev)
	a.maybeResolveLink(path)
	a.log.Debug("Uploaded", zap.String("path", path), zap.String("rev", meta.Rev), zap.String("type", contentType))
	return &store.Item{StatusCode: http.StatusOK, Revision: meta.Rev}, nil
}

// Delete removes a document. Deleting an absent document yields 404.
func (a *Adapter) Delete(ctx context.Context, path string, opts store.DeleteOptions) (*store.Item, error) {
	if err := a.checkConnected(path); err != nil {
		return nil, err
	}
	if item := a.cachedPrecondition("delete", path, opts.IfMatch, ""); item != nil {
		return item, nil
	}
	if opts.IfMatch != "" {
		current, status, err := a.remoteRevision(ctx, "delete", path)
		if err != nil {
			return nil, err
		}
		if status != 0 {
			return &store.Item{StatusCode: status}, nil
		}
		if !preconditionHolds(current, opts.IfMatch, "") {
			if current == "" {
				a.cache.Delete(path)
			}
			metrics.RecordPreconditionFailure("delete", false)
			return &store.Item{StatusCode: http.StatusPreconditionFailed, Revision: current}, nil
		}
	}

	resp, err := a.call(ctx, epDelete, pathArg{Path: a.remotePath(path)}, store.IsFolder(path))
	if err != nil {
		return nil, fmt.Errorf("delete %s: %w", path, err)
	}

	status := http.StatusOK
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusConflict:
		cat, _ := decodeError(resp.Body)
		if cat != CategoryPathLookupNotFound && cat != CategoryPathNotFound {
			return nil, remoteError("delete", path, resp.StatusCode, resp.Body)
		}
		status = http.StatusNotFound
	case http.StatusUnauthorized:
		return &store.Item{StatusCode: http.StatusUnauthorized}, nil
	default:
		return nil, remoteError("delete", path, resp.StatusCode, resp.Body)
	}

	a.cache.Delete(path)
	a.dropLink(path)
	return &store.Item{StatusCode: status}, nil
}

// Info returns the email address of the authenticated account.
func (a *Adapter) Info(ctx context.Context) (string, error) {
	resp, err := a.call(ctx, epCurrentAccount, nil, false)
	if err != nil {
		return "", &ConfigurationError{Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return "", &ConfigurationError{Err: remoteError("info", "", resp.StatusCode, resp.Body)}
	}
	var acct account
	if err := json.Unmarshal(resp.Body, &acct); err != nil {
		return "", &ConfigurationError{Err: fmt.Errorf("decode account: %w", err)}
	}
	return acct.Email, nil
}
