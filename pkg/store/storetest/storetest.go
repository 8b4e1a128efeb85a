// Package storetest holds the conformance suite every Records backend runs.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/remotesync/pkg/store"
)

// Run exercises the Records contract against backends created by open.
func Run(t *testing.T, open func(t *testing.T) store.Records) {
	ctx := context.Background()

	t.Run("LoadMissing", func(t *testing.T) {
		r := open(t)
		_, err := r.Load(ctx, "/missing")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("SaveLoad", func(t *testing.T) {
		r := open(t)
		rec := &store.Record{
			Path:           "/a/b.txt",
			Body:           []byte("hello"),
			ContentType:    "text/plain",
			Revision:       "l1",
			RemoteRevision: "r1",
			Dirty:          true,
			Modified:       time.Unix(1700000000, 0).UTC(),
		}
		require.NoError(t, r.Save(ctx, rec))

		got, err := r.Load(ctx, "/a/b.txt")
		require.NoError(t, err)
		assert.Equal(t, rec.Body, got.Body)
		assert.Equal(t, rec.ContentType, got.ContentType)
		assert.Equal(t, rec.Revision, got.Revision)
		assert.Equal(t, rec.RemoteRevision, got.RemoteRevision)
		assert.True(t, got.Dirty)
		assert.False(t, got.Deleted)
		assert.True(t, rec.Modified.Equal(got.Modified))
	})

	t.Run("Overwrite", func(t *testing.T) {
		r := open(t)
		require.NoError(t, r.Save(ctx, &store.Record{Path: "/x", Revision: "1", Body: []byte("one")}))
		require.NoError(t, r.Save(ctx, &store.Record{Path: "/x", Revision: "2", Deleted: true}))
		got, err := r.Load(ctx, "/x")
		require.NoError(t, err)
		assert.Equal(t, "2", got.Revision)
		assert.True(t, got.Deleted)
		assert.Empty(t, got.Body)
	})

	t.Run("Remove", func(t *testing.T) {
		r := open(t)
		require.NoError(t, r.Save(ctx, &store.Record{Path: "/x", Revision: "1"}))
		require.NoError(t, r.Remove(ctx, "/x"))
		require.NoError(t, r.Remove(ctx, "/x"))
		_, err := r.Load(ctx, "/x")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("ListPrefix", func(t *testing.T) {
		r := open(t)
		for _, p := range []string{"/docs/a", "/docs/sub/b", "/docsx/c", "/other"} {
			require.NoError(t, r.Save(ctx, &store.Record{Path: p, Revision: "1"}))
		}
		recs, err := r.List(ctx, "/docs/")
		require.NoError(t, err)
		var paths []string
		for _, rec := range recs {
			paths = append(paths, rec.Path)
		}
		assert.ElementsMatch(t, []string{"/docs/a", "/docs/sub/b"}, paths)

		all, err := r.List(ctx, "/")
		require.NoError(t, err)
		assert.Len(t, all, 4)
	})

	t.Run("LoadReturnsCopy", func(t *testing.T) {
		r := open(t)
		require.NoError(t, r.Save(ctx, &store.Record{Path: "/x", Revision: "1", Body: []byte("abc")}))
		got, err := r.Load(ctx, "/x")
		require.NoError(t, err)
		got.Body[0] = 'z'
		again, err := r.Load(ctx, "/x")
		require.NoError(t, err)
		assert.Equal(t, "abc", string(again.Body))
	})
}
