package dropbox

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/remotesync/pkg/events"
	"github.com/fruitsalade/remotesync/pkg/gateway"
	"github.com/fruitsalade/remotesync/pkg/revcache"
	"github.com/fruitsalade/remotesync/pkg/store"
)

func TestNotConnected(t *testing.T) {
	env := newTestEnv(t, "")
	require.NoError(t, env.adapter.Connect(context.Background()))
	assert.False(t, env.adapter.Connected())

	_, err := env.adapter.Get(context.Background(), "/a.txt", store.GetOptions{})
	assert.ErrorIs(t, err, store.ErrNotConnected)
	_, err = env.adapter.Put(context.Background(), "/a.txt", []byte("x"), "text/plain", store.PutOptions{})
	assert.ErrorIs(t, err, store.ErrNotConnected)
	_, err = env.adapter.Delete(context.Background(), "/a.txt", store.DeleteOptions{})
	assert.ErrorIs(t, err, store.ErrNotConnected)
	assert.Equal(t, 0, env.fake.total())
}

func TestStopWaitingForToken(t *testing.T) {
	env := newTestEnv(t, "")
	var got []string
	env.adapter.On(events.NotConnected, func(ev events.Event) { got = append(got, ev.Name) })
	env.adapter.StopWaitingForToken()
	assert.Equal(t, []string{events.NotConnected}, got)

	connected := connectedEnv(t)
	calls := 0
	connected.adapter.On(events.NotConnected, func(events.Event) { calls++ })
	connected.adapter.StopWaitingForToken()
	assert.Equal(t, 0, calls)
}

func TestConfigureResolvesUserAddress(t *testing.T) {
	env := newTestEnv(t, "")
	connected := 0
	env.adapter.On(events.Connected, func(events.Event) { connected++ })

	require.NoError(t, env.adapter.Configure(context.Background(), Settings{Token: testToken}))
	assert.True(t, env.adapter.Connected())
	assert.Equal(t, "alice@example.com", env.adapter.UserAddress())
	assert.Equal(t, 1, env.fake.count(epCurrentAccount))
	assert.Equal(t, 1, connected)

	var saved Settings
	ok, err := env.settings.Load(settingsKey, &saved)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, testToken, saved.Token)
	assert.Equal(t, "alice@example.com", saved.UserAddress)

	// Saved credentials are picked up by a new adapter.
	again := New(Config{Settings: env.settings, APIURL: env.server.URL + "/2", ContentURL: env.server.URL + "/2"})
	require.NoError(t, again.Connect(context.Background()))
	assert.True(t, again.Connected())

	require.NoError(t, env.adapter.Configure(context.Background(), Settings{}))
	assert.False(t, env.adapter.Connected())
	ok, _ = env.settings.Load(settingsKey, &saved)
	assert.False(t, ok)
}

func TestConfigureNewTokenDropsAccountState(t *testing.T) {
	ctx := context.Background()
	env := connectedEnv(t)
	env.fake.seed("/remotestorage/a.txt", "r1", "x")
	env.fake.seed("/remotestorage/public/p.txt", "r1", "x")

	_, err := env.adapter.Delete(ctx, "/a.txt", store.DeleteOptions{})
	require.NoError(t, err)
	_, err = env.adapter.ResolveLink(ctx, "/public/p.txt")
	require.NoError(t, err)
	require.NoError(t, env.adapter.FetchDelta(ctx))
	require.True(t, env.adapter.InitialFetchDone())

	require.NoError(t, env.adapter.Configure(ctx, Settings{Token: otherToken, UserAddress: "bob@example.com"}))
	assert.True(t, env.adapter.Connected())
	assert.Equal(t, "bob@example.com", env.adapter.UserAddress())
	assert.False(t, env.adapter.InitialFetchDone())
	_, ok := env.adapter.PublicURL("/public/p.txt")
	assert.False(t, ok)
	var shares map[string]string
	found, err := env.settings.Load(sharesKey, &shares)
	require.NoError(t, err)
	assert.False(t, found)

	// The deletion seen under the first account is not served for the second.
	env.fake.seed("/remotestorage/a.txt", "r9", "y")
	downloads := env.fake.count(epDownload)
	item, err := env.adapter.Get(ctx, "/a.txt", store.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, item.StatusCode)
	assert.Equal(t, "r9", item.Revision)
	assert.Equal(t, downloads+1, env.fake.count(epDownload))

	// The next scan starts over instead of continuing the old cursor.
	listings := env.fake.count(epListFolder)
	require.NoError(t, env.adapter.FetchDelta(ctx))
	assert.Equal(t, listings+1, env.fake.count(epListFolder))

	// Configuring the same token again keeps what was learned.
	require.NoError(t, env.adapter.Configure(ctx, Settings{Token: otherToken, UserAddress: "bob@example.com"}))
	assert.True(t, env.adapter.InitialFetchDone())
	rev, state := env.adapter.cache.Get("/a.txt")
	assert.Equal(t, revcache.Known, state)
	assert.Equal(t, "r9", rev)
}

func TestInfoFailureIsConfigurationError(t *testing.T) {
	env := newTestEnv(t, "wrong-token")
	_, err := env.adapter.Info(context.Background())
	var cfgErr *ConfigurationError
	assert.True(t, errors.As(err, &cfgErr), "expected ConfigurationError, got %v", err)
}

func TestGetFile(t *testing.T) {
	env := connectedEnv(t)
	env.fake.seed("/remotestorage/notes/a.json", "r1", `{"hello":"world"}`)

	item, err := env.adapter.Get(context.Background(), "/notes/a.json", store.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, item.StatusCode)
	assert.Equal(t, `{"hello":"world"}`, string(item.Body))
	assert.Equal(t, "application/json", item.ContentType)
	assert.Equal(t, "r1", item.Revision)

	rev, state := env.adapter.cache.Get("/notes/a.json")
	assert.Equal(t, revcache.Known, state)
	assert.Equal(t, "r1", rev)
}

func TestGetDetectsBinary(t *testing.T) {
	env := connectedEnv(t)
	png := "\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x06\x00\x00\x00"
	env.fake.seed("/remotestorage/img.txt", "r1", png)

	item, err := env.adapter.Get(context.Background(), "/img.txt", store.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "image/png", item.ContentType)
}

func TestGetMissingFileIs404(t *testing.T) {
	env := connectedEnv(t)
	item, err := env.adapter.Get(context.Background(), "/missing.txt", store.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, item.StatusCode)
	assert.Equal(t, 1, env.fake.count(epDownload))
}

func TestDeleteThenGetSkipsNetwork(t *testing.T) {
	env := connectedEnv(t)
	env.fake.seed("/remotestorage/a.txt", "r1", "x")

	item, err := env.adapter.Delete(context.Background(), "/a.txt", store.DeleteOptions{})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, item.StatusCode)

	before := env.fake.total()
	got, err := env.adapter.Get(context.Background(), "/a.txt", store.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, got.StatusCode)
	assert.Equal(t, before, env.fake.total(), "get after delete must not touch the network")
}

func TestDeleteTwice(t *testing.T) {
	env := connectedEnv(t)
	env.fake.seed("/remotestorage/a.txt", "r1", "x")

	first, err := env.adapter.Delete(context.Background(), "/a.txt", store.DeleteOptions{})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, first.StatusCode)

	second, err := env.adapter.Delete(context.Background(), "/a.txt", store.DeleteOptions{})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, second.StatusCode)
}

func TestDeleteIfMatch(t *testing.T) {
	env := connectedEnv(t)
	env.fake.seed("/remotestorage/a.txt", "r2", "x")

	stale, err := env.adapter.Delete(context.Background(), "/a.txt", store.DeleteOptions{IfMatch: "r1"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusPreconditionFailed, stale.StatusCode)
	assert.Equal(t, "r2", stale.Revision)
	assert.Equal(t, 0, env.fake.count(epDelete))

	ok, err := env.adapter.Delete(context.Background(), "/a.txt", store.DeleteOptions{IfMatch: "r2"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, ok.StatusCode)
}

func TestPutAndGetRevision(t *testing.T) {
	env := connectedEnv(t)
	item, err := env.adapter.Put(context.Background(), "/a.txt", []byte("hello"), "text/plain", store.PutOptions{})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, item.StatusCode)
	require.NotEmpty(t, item.Revision)

	rev, state := env.adapter.cache.Get("/a.txt")
	assert.Equal(t, revcache.Known, state)
	assert.Equal(t, item.Revision, rev)
	assert.Equal(t, 0, env.fake.count(epGetMetadata), "unconditional put needs no metadata")
}

func TestPutConflictLaw(t *testing.T) {
	env := connectedEnv(t)
	env.fake.seed("/remotestorage/a.txt", "current", "remote body")

	item, err := env.adapter.Put(context.Background(), "/a.txt", []byte("mine"), "text/plain", store.PutOptions{IfMatch: "stale"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusPreconditionFailed, item.StatusCode)
	assert.Equal(t, "current", item.Revision)
	assert.Equal(t, 0, env.fake.count(epUpload))

	rev, _ := env.adapter.cache.Get("/a.txt")
	assert.Equal(t, "current", rev)
}

func TestPutPreconditionFromCache(t *testing.T) {
	env := connectedEnv(t)
	env.adapter.cache.Set("/a.txt", "known")

	item, err := env.adapter.Put(context.Background(), "/a.txt", []byte("x"), "text/plain", store.PutOptions{IfMatch: "other"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusPreconditionFailed, item.StatusCode)
	assert.Equal(t, "known", item.Revision)

	item, err = env.adapter.Put(context.Background(), "/a.txt", []byte("x"), "text/plain", store.PutOptions{IfNoneMatch: store.AnyRevision})
	require.NoError(t, err)
	assert.Equal(t, http.StatusPreconditionFailed, item.StatusCode)
	assert.Equal(t, 0, env.fake.total())
}

func TestPutIfNoneMatchChecksRemote(t *testing.T) {
	env := connectedEnv(t)
	env.fake.seed("/remotestorage/a.txt", "r1", "x")

	item, err := env.adapter.Put(context.Background(), "/a.txt", []byte("x"), "text/plain", store.PutOptions{IfNoneMatch: store.AnyRevision})
	require.NoError(t, err)
	assert.Equal(t, http.StatusPreconditionFailed, item.StatusCode)
	assert.Equal(t, "r1", item.Revision)
	assert.Equal(t, 1, env.fake.count(epGetMetadata))

	fresh, err := env.adapter.Put(context.Background(), "/b.txt", []byte("x"), "text/plain", store.PutOptions{IfNoneMatch: store.AnyRevision})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, fresh.StatusCode)
}

func TestPutIfMatchSucceeds(t *testing.T) {
	env := connectedEnv(t)
	env.fake.seed("/remotestorage/a.txt", "r1", "x")

	item, err := env.adapter.Put(context.Background(), "/a.txt", []byte("y"), "text/plain", store.PutOptions{IfMatch: "r1"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, item.StatusCode)
	assert.NotEqual(t, "r1", item.Revision)
}

func TestPutUploadConflictIs412(t *testing.T) {
	env := connectedEnv(t)
	env.fake.seed("/remotestorage/a.txt", "r1", "x")
	// The remote changes between the metadata check and the upload.
	env.fake.override = func(endpoint string, w http.ResponseWriter, r *http.Request) bool {
		if endpoint == epUpload {
			env.fake.seed("/remotestorage/a.txt", "r2", "changed")
			writeSummary(w, "path/conflict/file/..")
			return true
		}
		return false
	}

	item, err := env.adapter.Put(context.Background(), "/a.txt", []byte("y"), "text/plain", store.PutOptions{IfMatch: "r1"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusPreconditionFailed, item.StatusCode)
	assert.Equal(t, "r2", item.Revision)
}

func TestPutTooLargeSkipsNetwork(t *testing.T) {
	env := connectedEnv(t)
	body := make([]byte, MaxUploadSize+1)

	_, err := env.adapter.Put(context.Background(), "/big.bin", body, "application/octet-stream", store.PutOptions{})
	assert.ErrorIs(t, err, store.ErrTooLarge)
	assert.Equal(t, 0, env.fake.total())
}

func TestPutFolderPathRejected(t *testing.T) {
	env := connectedEnv(t)
	_, err := env.adapter.Put(context.Background(), "/dir/", nil, "", store.PutOptions{})
	assert.ErrorIs(t, err, store.ErrInvalidPath)
}

func TestFolderListing(t *testing.T) {
	env := connectedEnv(t)
	env.fake.seed("/remotestorage/docs/a.txt", "ra", "aaa")
	env.fake.seed("/remotestorage/docs/sub/b.txt", "rb", "b")
	env.adapter.cache.DeactivatePropagation()
	env.adapter.cache.Set("/docs/sub/", "folder-rev")
	env.adapter.cache.ActivatePropagation()

	item, err := env.adapter.Get(context.Background(), "/docs/", store.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, item.StatusCode)
	require.Len(t, item.Listing, 2)
	assert.Equal(t, store.ListingEntry{ETag: "ra", ContentLength: 3}, item.Listing["a.txt"])
	assert.Equal(t, "folder-rev", item.Listing["sub/"].ETag)
	assert.Equal(t, 1, env.fake.count(epListFolderContinue), "pages must be merged")
}

func TestMissingFolderIsEmpty(t *testing.T) {
	env := connectedEnv(t)
	item, err := env.adapter.Get(context.Background(), "/nothing/", store.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, item.StatusCode)
	assert.Empty(t, item.Listing)
}

func TestUnknownErrorCategoryPropagates(t *testing.T) {
	env := connectedEnv(t)
	env.fake.override = func(endpoint string, w http.ResponseWriter, r *http.Request) bool {
		writeSummary(w, "too_many_write_operations/..")
		return true
	}

	_, err := env.adapter.Get(context.Background(), "/a.txt", store.GetOptions{})
	require.Error(t, err)
	re, ok := AsRemote(err)
	require.True(t, ok, "expected RemoteError, got %v", err)
	assert.Equal(t, CategoryUnknown, re.Category)
	assert.Equal(t, "get", re.Op)
	assert.Equal(t, "/a.txt", re.Path)
	assert.Contains(t, err.Error(), "too_many_write_operations")
}

func TestUnauthorizedClearsConnection(t *testing.T) {
	env := connectedEnv(t)
	env.fake.override = func(endpoint string, w http.ResponseWriter, r *http.Request) bool {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error_summary": "expired_access_token/"})
		return true
	}
	var authErr error
	env.adapter.On(events.Error, func(ev events.Event) { authErr = ev.Err })

	item, err := env.adapter.Get(context.Background(), "/a.txt", store.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, item.StatusCode)
	assert.ErrorIs(t, authErr, gateway.ErrUnauthorized)
	assert.False(t, env.adapter.Connected())

	_, err = env.adapter.Get(context.Background(), "/a.txt", store.GetOptions{})
	assert.ErrorIs(t, err, store.ErrNotConnected)
}

func TestPublicLinkResolution(t *testing.T) {
	env := connectedEnv(t)
	_, err := env.adapter.Put(context.Background(), "/public/photo.txt", []byte("x"), "text/plain", store.PutOptions{})
	require.NoError(t, err)
	env.adapter.WaitLinks()

	url, ok := env.adapter.PublicURL("/public/photo.txt")
	require.True(t, ok)
	assert.Equal(t, "https://dl.example.com/s/remotestorage/public/photo.txt", url)

	var shares map[string]string
	found, err := env.settings.Load(sharesKey, &shares)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, url, shares["/public/photo.txt"])

	// A second get does not resolve again.
	_, err = env.adapter.Get(context.Background(), "/public/photo.txt", store.GetOptions{})
	require.NoError(t, err)
	env.adapter.WaitLinks()
	assert.Equal(t, 1, env.fake.count(epCreateSharedLink))

	// Deleting drops the link.
	_, err = env.adapter.Delete(context.Background(), "/public/photo.txt", store.DeleteOptions{})
	require.NoError(t, err)
	_, ok = env.adapter.PublicURL("/public/photo.txt")
	assert.False(t, ok)
}

func TestPublicLinkAlreadyExists(t *testing.T) {
	env := connectedEnv(t)
	env.fake.links["/remotestorage/public/a.txt"] = "https://existing.example.com/a"

	url, err := env.adapter.ResolveLink(context.Background(), "/public/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "https://existing.example.com/a", url)
	assert.Equal(t, 1, env.fake.count(epListSharedLinks))
}

func TestPublicLinkFailureDoesNotFailGet(t *testing.T) {
	env := connectedEnv(t)
	env.fake.seed("/remotestorage/public/a.txt", "r1", "x")
	env.fake.override = func(endpoint string, w http.ResponseWriter, r *http.Request) bool {
		if endpoint == epCreateSharedLink {
			w.WriteHeader(http.StatusInternalServerError)
			return true
		}
		return false
	}

	item, err := env.adapter.Get(context.Background(), "/public/a.txt", store.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, item.StatusCode)
	env.adapter.WaitLinks()
	_, ok := env.adapter.PublicURL("/public/a.txt")
	assert.False(t, ok)
}

func TestCloseStopsLinkResolution(t *testing.T) {
	env := connectedEnv(t)
	env.fake.seed("/remotestorage/public/a.txt", "r1", "x")
	env.adapter.Close()

	item, err := env.adapter.Get(context.Background(), "/public/a.txt", store.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, item.StatusCode)
	env.adapter.WaitLinks()
	assert.Equal(t, 0, env.fake.count(epCreateSharedLink))
	_, ok := env.adapter.PublicURL("/public/a.txt")
	assert.False(t, ok)
}

func TestConcurrentGets(t *testing.T) {
	env := connectedEnv(t)
	env.fake.seed("/remotestorage/a.txt", "r1", "x")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			item, err := env.adapter.Get(context.Background(), "/a.txt", store.GetOptions{})
			if assert.NoError(t, err) {
				assert.Equal(t, http.StatusOK, item.StatusCode)
			}
		}()
	}
	wg.Wait()
}
