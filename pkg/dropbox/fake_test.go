package dropbox

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fruitsalade/remotesync/pkg/events"
	"github.com/fruitsalade/remotesync/pkg/settings"
)

const (
	testToken  = "test-token"
	otherToken = "other-token"
)

type fakeFile struct {
	rev  string
	body []byte
}

// fakeDropbox is an in-memory stand-in for the Dropbox endpoints the adapter
// uses. Paths are stored lower-cased.
type fakeDropbox struct {
	t *testing.T

	mu     sync.Mutex
	files  map[string]fakeFile
	links  map[string]string
	calls  map[string]int
	revSeq int

	// deltaPages, when set, replaces the computed recursive listing. Page i
	// is served for cursor "page-i"; the first page for a fresh listing.
	deltaPages []listFolderResult
	// continuePages are served, in order, for cursors outside deltaPages.
	continuePages []listFolderResult

	// override lets a test answer an endpoint itself.
	override func(endpoint string, w http.ResponseWriter, r *http.Request) bool
}

func newFakeDropbox(t *testing.T) *fakeDropbox {
	return &fakeDropbox{
		t:     t,
		files: make(map[string]fakeFile),
		links: make(map[string]string),
		calls: make(map[string]int),
	}
}

func (f *fakeDropbox) seed(path, rev, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[strings.ToLower(path)] = fakeFile{rev: rev, body: []byte(body)}
}

func (f *fakeDropbox) count(endpoint string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[endpoint]
}

func (f *fakeDropbox) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeSummary(w http.ResponseWriter, summary string) {
	writeJSON(w, http.StatusConflict, map[string]string{"error_summary": summary})
}

func (f *fakeDropbox) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	endpoint := strings.TrimPrefix(r.URL.Path, "/2")

	f.mu.Lock()
	f.calls[endpoint]++
	override := f.override
	f.mu.Unlock()

	if override != nil && override(endpoint, w, r) {
		return
	}
	if bearer := r.Header.Get("Authorization"); bearer != "Bearer "+testToken && bearer != "Bearer "+otherToken {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error_summary": "invalid_access_token/"})
		return
	}

	var arg map[string]any
	if raw := r.Header.Get("Dropbox-API-Arg"); raw != "" {
		json.Unmarshal([]byte(raw), &arg)
	} else if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		json.NewDecoder(r.Body).Decode(&arg)
	}
	path, _ := arg["path"].(string)
	key := strings.ToLower(path)

	f.mu.Lock()
	defer f.mu.Unlock()

	switch endpoint {
	case epDownload:
		file, ok := f.files[key]
		if !ok {
			writeSummary(w, "path/not_found/..")
			return
		}
		meta, _ := json.Marshal(f.meta(key, file))
		w.Header().Set("Dropbox-API-Result", string(meta))
		w.Write(file.body)

	case epUpload:
		body, _ := io.ReadAll(r.Body)
		mode, _ := arg["mode"].(map[string]any)
		existing, exists := f.files[key]
		switch mode[".tag"] {
		case modeUpdate:
			if !exists || existing.rev != mode["update"] {
				writeSummary(w, "path/conflict/file/..")
				return
			}
		case modeAdd:
			if exists {
				writeSummary(w, "path/conflict/file/..")
				return
			}
		}
		f.revSeq++
		file := fakeFile{rev: fmt.Sprintf("rev%d", f.revSeq), body: body}
		f.files[key] = file
		writeJSON(w, http.StatusOK, f.meta(key, file))

	case epGetMetadata:
		file, ok := f.files[key]
		if !ok {
			writeSummary(w, "path/not_found/..")
			return
		}
		writeJSON(w, http.StatusOK, f.meta(key, file))

	case epDelete:
		file, ok := f.files[key]
		if !ok {
			writeSummary(w, "path_lookup/not_found/..")
			return
		}
		delete(f.files, key)
		writeJSON(w, http.StatusOK, map[string]any{"metadata": f.meta(key, file)})

	case epListFolder:
		if recursive, _ := arg["recursive"].(bool); recursive {
			f.serveDelta(w, "")
			return
		}
		f.serveListing(w, key)

	case epListFolderContinue:
		cursor, _ := arg["cursor"].(string)
		f.serveDelta(w, cursor)

	case epCurrentAccount:
		writeJSON(w, http.StatusOK, map[string]any{"account_id": "dbid:1", "email": "alice@example.com"})

	case epCreateSharedLink:
		if _, ok := f.links[key]; ok {
			writeSummary(w, "shared_link_already_exists/..")
			return
		}
		url := "https://dl.example.com/s/" + strings.TrimPrefix(key, "/")
		f.links[key] = url
		writeJSON(w, http.StatusOK, sharedLink{URL: url, PathLower: key})

	case epListSharedLinks:
		var links []sharedLink
		if url, ok := f.links[key]; ok {
			links = append(links, sharedLink{URL: url, PathLower: key})
		}
		writeJSON(w, http.StatusOK, listSharedLinksResult{Links: links})

	default:
		f.t.Errorf("unexpected endpoint %s", endpoint)
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeDropbox) meta(key string, file fakeFile) metadata {
	return metadata{
		Tag:       tagFile,
		Name:      key[strings.LastIndex(key, "/")+1:],
		PathLower: key,
		Rev:       file.rev,
		Size:      int64(len(file.body)),
	}
}

func (f *fakeDropbox) serveListing(w http.ResponseWriter, folder string) {
	prefix := folder + "/"
	seen := map[string]bool{}
	var entries []metadata
	keys := make([]string, 0, len(f.files))
	for k := range f.files {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		rest := k[len(prefix):]
		if i := strings.Index(rest, "/"); i >= 0 {
			name := rest[:i]
			if !seen[name] {
				seen[name] = true
				entries = append(entries, metadata{Tag: tagFolder, Name: name, PathLower: prefix + name})
			}
			continue
		}
		entries = append(entries, f.meta(k, f.files[k]))
	}
	if len(entries) == 0 {
		writeSummary(w, "path/not_found/..")
		return
	}
	// Split into two pages to exercise continuation.
	if len(entries) > 1 {
		f.continuePages = append(f.continuePages, listFolderResult{Entries: entries[1:], Cursor: "listing-end"})
		writeJSON(w, http.StatusOK, listFolderResult{Entries: entries[:1], Cursor: "listing-more", HasMore: true})
		return
	}
	writeJSON(w, http.StatusOK, listFolderResult{Entries: entries, Cursor: "listing-end"})
}

func (f *fakeDropbox) serveDelta(w http.ResponseWriter, cursor string) {
	if f.deltaPages != nil {
		idx := 0
		if cursor != "" {
			if _, err := fmt.Sscanf(cursor, "page-%d", &idx); err != nil {
				idx = -1
			}
		}
		if idx >= 0 && idx < len(f.deltaPages) {
			writeJSON(w, http.StatusOK, f.deltaPages[idx])
			return
		}
	}
	if cursor != "" {
		if len(f.continuePages) > 0 {
			page := f.continuePages[0]
			f.continuePages = f.continuePages[1:]
			writeJSON(w, http.StatusOK, page)
			return
		}
		writeJSON(w, http.StatusOK, listFolderResult{Cursor: cursor})
		return
	}

	var entries []metadata
	for k, file := range f.files {
		entries = append(entries, f.meta(k, file))
	}
	writeJSON(w, http.StatusOK, listFolderResult{Entries: entries, Cursor: "delta-end"})
}

type testEnv struct {
	fake     *fakeDropbox
	server   *httptest.Server
	adapter  *Adapter
	settings *settings.Memory
	emitter  *events.Emitter
}

func newTestEnv(t *testing.T, token string) *testEnv {
	t.Helper()
	fake := newFakeDropbox(t)
	ts := httptest.NewServer(fake)
	t.Cleanup(ts.Close)

	st := settings.NewMemory()
	em := events.New()
	a := New(Config{
		Token:       token,
		UserAddress: "alice@example.com",
		APIURL:      ts.URL + "/2",
		ContentURL:  ts.URL + "/2",
		RetryDelay:  time.Millisecond,
		Settings:    st,
		Emitter:     em,
	})
	t.Cleanup(a.WaitLinks)
	return &testEnv{fake: fake, server: ts, adapter: a, settings: st, emitter: em}
}

// connectedEnv returns an environment whose adapter is connected.
func connectedEnv(t *testing.T) *testEnv {
	t.Helper()
	env := newTestEnv(t, testToken)
	if err := env.adapter.Connect(t.Context()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return env
}
