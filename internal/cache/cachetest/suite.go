// Package cachetest holds the behaviour every cache.Storage driver must share.
package cachetest

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shellcache/shellcache/internal/cache"
)

// Factory 为每个子测试创建一份全新的 Storage。
type Factory func(t *testing.T) cache.Storage

// Run 针对驱动执行统一的行为校验。
func Run(t *testing.T, newStorage Factory) {
	t.Helper()

	t.Run("PutGetRoundTrip", func(t *testing.T) {
		s := open(t, newStorage)
		ctx := context.Background()
		key := cache.NewKey("", "https://app.local/index.html")
		resp := sampleResponse("<html>shell</html>")

		require.NoError(t, s.Put(ctx, "app-static-v1", key, resp))
		got, err := s.Get(ctx, "app-static-v1", key)
		require.NoError(t, err)
		require.Equal(t, resp.Body, got.Body)
		require.Equal(t, http.StatusOK, got.Status)
		require.Equal(t, cache.TypeBasic, got.Type)
		require.Equal(t, "text/html", got.Header.Get("Content-Type"))
		require.False(t, got.StoredAt.IsZero())
	})

	t.Run("GetMissing", func(t *testing.T) {
		s := open(t, newStorage)
		ctx := context.Background()
		_, err := s.Get(ctx, "absent", cache.NewKey("GET", "https://app.local/x"))
		require.ErrorIs(t, err, cache.ErrNotFound)

		require.NoError(t, s.Open(ctx, "present"))
		_, err = s.Get(ctx, "present", cache.NewKey("GET", "https://app.local/x"))
		require.ErrorIs(t, err, cache.ErrNotFound)
	})

	t.Run("StoredSnapshotIsIsolated", func(t *testing.T) {
		s := open(t, newStorage)
		ctx := context.Background()
		key := cache.NewKey("GET", "https://app.local/app.js")
		resp := sampleResponse("console.log(1)")
		require.NoError(t, s.Put(ctx, "rt", key, resp))

		resp.Body[0] = 'X'
		got, err := s.Get(ctx, "rt", key)
		require.NoError(t, err)
		require.Equal(t, "console.log(1)", string(got.Body))
	})

	t.Run("PutOverwritesAndMovesToEnd", func(t *testing.T) {
		s := open(t, newStorage)
		ctx := context.Background()
		a := cache.NewKey("GET", "https://app.local/a")
		b := cache.NewKey("GET", "https://app.local/b")
		require.NoError(t, s.Put(ctx, "rt", a, sampleResponse("a1")))
		require.NoError(t, s.Put(ctx, "rt", b, sampleResponse("b1")))
		require.NoError(t, s.Put(ctx, "rt", a, sampleResponse("a2")))

		keys, err := s.Keys(ctx, "rt")
		require.NoError(t, err)
		require.Equal(t, []cache.Key{b, a}, keys)

		got, err := s.Get(ctx, "rt", a)
		require.NoError(t, err)
		require.Equal(t, "a2", string(got.Body))
	})

	t.Run("KeysKeepInsertionOrder", func(t *testing.T) {
		s := open(t, newStorage)
		ctx := context.Background()
		var want []cache.Key
		for _, p := range []string{"/z", "/a", "/m", "/b"} {
			key := cache.NewKey("GET", "https://app.local"+p)
			want = append(want, key)
			require.NoError(t, s.Put(ctx, "rt", key, sampleResponse(p)))
		}
		keys, err := s.Keys(ctx, "rt")
		require.NoError(t, err)
		require.Equal(t, want, keys)

		empty, err := s.Keys(ctx, "never-opened")
		require.NoError(t, err)
		require.Empty(t, empty)
	})

	t.Run("Delete", func(t *testing.T) {
		s := open(t, newStorage)
		ctx := context.Background()
		key := cache.NewKey("GET", "https://app.local/gone")
		require.NoError(t, s.Put(ctx, "rt", key, sampleResponse("x")))

		existed, err := s.Delete(ctx, "rt", key)
		require.NoError(t, err)
		require.True(t, existed)

		existed, err = s.Delete(ctx, "rt", key)
		require.NoError(t, err)
		require.False(t, existed)

		_, err = s.Get(ctx, "rt", key)
		require.ErrorIs(t, err, cache.ErrNotFound)
	})

	t.Run("NamespacesInCreationOrder", func(t *testing.T) {
		s := open(t, newStorage)
		ctx := context.Background()
		require.NoError(t, s.Open(ctx, "app-static-v1"))
		require.NoError(t, s.Put(ctx, "app-runtime-v1", cache.NewKey("GET", "https://app.local/r"), sampleResponse("r")))
		require.NoError(t, s.Open(ctx, "app-static-v1"))
		require.NoError(t, s.Open(ctx, "unrelated"))

		names, err := s.Namespaces(ctx)
		require.NoError(t, err)
		require.Equal(t, []string{"app-static-v1", "app-runtime-v1", "unrelated"}, names)
	})

	t.Run("DeleteNamespace", func(t *testing.T) {
		s := open(t, newStorage)
		ctx := context.Background()
		key := cache.NewKey("GET", "https://app.local/r")
		require.NoError(t, s.Put(ctx, "old", key, sampleResponse("r")))
		require.NoError(t, s.Open(ctx, "keep"))

		existed, err := s.DeleteNamespace(ctx, "old")
		require.NoError(t, err)
		require.True(t, existed)

		existed, err = s.DeleteNamespace(ctx, "old")
		require.NoError(t, err)
		require.False(t, existed)

		names, err := s.Namespaces(ctx)
		require.NoError(t, err)
		require.Equal(t, []string{"keep"}, names)

		_, err = s.Get(ctx, "old", key)
		require.ErrorIs(t, err, cache.ErrNotFound)
	})

	t.Run("RejectsInvalidNamespace", func(t *testing.T) {
		s := open(t, newStorage)
		err := s.Put(context.Background(), "../escape", cache.NewKey("GET", "https://app.local/"), sampleResponse("x"))
		require.ErrorIs(t, err, cache.ErrInvalidNamespace)
	})

	t.Run("MatchSearchesAllNamespaces", func(t *testing.T) {
		s := open(t, newStorage)
		ctx := context.Background()
		key := cache.NewKey("GET", "https://app.local/logo.png")
		require.NoError(t, s.Open(ctx, "app-static-v1"))
		require.NoError(t, s.Put(ctx, "app-runtime-v1", key, sampleResponse("png")))

		got, ns, err := cache.Match(ctx, s, key)
		require.NoError(t, err)
		require.Equal(t, "app-runtime-v1", ns)
		require.Equal(t, "png", string(got.Body))

		_, _, err = cache.Match(ctx, s, cache.NewKey("GET", "https://app.local/none"))
		require.ErrorIs(t, err, cache.ErrNotFound)
	})
}

func open(t *testing.T, newStorage Factory) cache.Storage {
	t.Helper()
	s := newStorage(t)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleResponse(body string) *cache.Response {
	header := http.Header{}
	header.Set("Content-Type", "text/html")
	return &cache.Response{
		Status: http.StatusOK,
		Header: header,
		Body:   []byte(body),
		Type:   cache.TypeBasic,
	}
}
