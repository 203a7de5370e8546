package sqlite

import (
	"context"
	"net/http"
	"path/filepath"
	"testing"

	"github.com/shellcache/shellcache/internal/cache"
	"github.com/shellcache/shellcache/internal/cache/cachetest"
)

func TestStoreConformance(t *testing.T) {
	cachetest.Run(t, func(t *testing.T) cache.Storage {
		return openTempStore(t, filepath.Join(t.TempDir(), "cache.db"))
	})
}

func TestStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	key := cache.NewKey("GET", "https://app.local/index.html")

	first := openTempStore(t, path)
	if err := first.Put(context.Background(), "app-static-v3", key, &cache.Response{Status: http.StatusOK, Body: []byte("shell"), Type: cache.TypeBasic}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	second := openTempStore(t, path)
	resp, err := second.Get(context.Background(), "app-static-v3", key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(resp.Body) != "shell" {
		t.Fatalf("unexpected body %q", resp.Body)
	}
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open(" "); err == nil {
		t.Fatalf("expected error for empty path")
	}
}

func TestDriverRegistered(t *testing.T) {
	if _, ok := cache.ResolveDriver("sqlite"); !ok {
		t.Fatalf("sqlite driver should register itself")
	}
}

func openTempStore(t *testing.T, path string) *Store {
	t.Helper()
	store, err := Open(path)
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}
