package server

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shellcache/shellcache/internal/cache"
	"github.com/shellcache/shellcache/internal/clients"
	"github.com/shellcache/shellcache/internal/config"
	"github.com/shellcache/shellcache/internal/worker"
)

func TestDeployerSwapsVersions(t *testing.T) {
	origin, hits := newOriginStub(t)
	deployer, storage := newTestDeployer(t, origin.URL)
	ctx := context.Background()

	first, err := deployer.Deploy(ctx, "v1")
	if err != nil {
		t.Fatalf("deploy v1: %v", err)
	}
	if len(first.Install.Cached) != 2 {
		t.Fatalf("expected two cached assets, got %+v", first.Install)
	}
	v1 := deployer.Active()
	if v1 == nil || v1.Tag() != "v1" {
		t.Fatalf("expected v1 active")
	}

	if _, err := deployer.Deploy(ctx, "v1"); err != nil {
		t.Fatalf("redeploy v1: %v", err)
	}
	if deployer.Active() != v1 {
		t.Fatalf("same tag must not replace the active worker")
	}
	before := hits.Load()

	second, err := deployer.Deploy(ctx, "v2")
	if err != nil {
		t.Fatalf("deploy v2: %v", err)
	}
	if hits.Load() != before+2 {
		t.Fatalf("expected v2 install to refetch core assets")
	}
	if v1.State() != worker.StateRedundant {
		t.Fatalf("previous worker should be redundant, got %s", v1.State())
	}
	if len(second.Activate.Deleted) != 1 || second.Activate.Deleted[0] != "shell-static-v1" {
		t.Fatalf("expected v1 precache deleted, got %v", second.Activate.Deleted)
	}
	names, err := storage.Namespaces(ctx)
	if err != nil {
		t.Fatalf("namespaces: %v", err)
	}
	if len(names) != 1 || names[0] != "shell-static-v2" {
		t.Fatalf("unexpected namespaces %v", names)
	}
	last, ok := deployer.LastDeployment()
	if !ok || last.Tag != "v2" {
		t.Fatalf("unexpected last deployment %+v", last)
	}
}

func TestDeployerApplyOnlyRedeploysOnVersionChange(t *testing.T) {
	origin, _ := newOriginStub(t)
	deployer, _ := newTestDeployer(t, origin.URL)
	ctx := context.Background()
	if _, err := deployer.Deploy(ctx, "v1"); err != nil {
		t.Fatalf("deploy: %v", err)
	}

	same := *deployer.Config()
	same.Shell.RuntimeMaxEntries = 10
	deployed, err := deployer.Apply(ctx, &same)
	if err != nil || deployed {
		t.Fatalf("unchanged version must not redeploy: %v %v", deployed, err)
	}
	if deployer.Config().Shell.RuntimeMaxEntries != 10 {
		t.Fatalf("config snapshot should be replaced")
	}

	bumped := same
	bumped.Shell.CacheVersion = "v2"
	deployed, err = deployer.Apply(ctx, &bumped)
	if err != nil || !deployed {
		t.Fatalf("version bump must redeploy: %v %v", deployed, err)
	}
	if deployer.Active().Tag() != "v2" {
		t.Fatalf("expected v2 active")
	}
}

// listObservingStorage 在激活阶段枚举命名空间时回调 onList。
type listObservingStorage struct {
	cache.Storage
	onList func()
}

func (s *listObservingStorage) Namespaces(ctx context.Context) ([]string, error) {
	if s.onList != nil {
		s.onList()
	}
	return s.Storage.Namespaces(ctx)
}

func TestDeployerRetiresPreviousBeforeCleanup(t *testing.T) {
	origin, _ := newOriginStub(t)
	deployer, storage := newTestDeployer(t, origin.URL)
	ctx := context.Background()
	if _, err := deployer.Deploy(ctx, "v1"); err != nil {
		t.Fatalf("deploy v1: %v", err)
	}
	v1 := deployer.Active()

	var stateDuringCleanup worker.State
	deployer.deps.Storage = &listObservingStorage{Storage: storage, onList: func() {
		stateDuringCleanup = v1.State()
	}}
	if _, err := deployer.Deploy(ctx, "v2"); err != nil {
		t.Fatalf("deploy v2: %v", err)
	}
	if stateDuringCleanup != worker.StateRedundant {
		t.Fatalf("v1 must be redundant before v2 deletes stale namespaces, got %s", stateDuringCleanup)
	}
	if deployer.Active().Tag() != "v2" {
		t.Fatalf("expected v2 active")
	}
}

func TestDeployerKeepsPreviousOnFailure(t *testing.T) {
	origin, _ := newOriginStub(t)
	deployer, _ := newTestDeployer(t, origin.URL)
	if _, err := deployer.Deploy(context.Background(), "v1"); err != nil {
		t.Fatalf("deploy: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := deployer.Deploy(ctx, "v2"); err == nil {
		t.Fatalf("cancelled deploy should fail")
	}
	if deployer.Active().Tag() != "v1" || deployer.Active().State() != worker.StateActivated {
		t.Fatalf("v1 should stay active")
	}
}

func TestDeployerNotifiesConnectedPages(t *testing.T) {
	origin, _ := newOriginStub(t)
	deployer, _ := newTestDeployer(t, origin.URL)
	page := deployer.deps.Clients.Connect(clients.KindWindow)

	if _, err := deployer.Deploy(context.Background(), "v5"); err != nil {
		t.Fatalf("deploy: %v", err)
	}
	select {
	case msg := <-page.Messages():
		if msg.Version != "v5" {
			t.Fatalf("unexpected message %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatalf("page was not notified")
	}
}

func newOriginStub(t *testing.T) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte("asset " + r.URL.Path))
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func newTestDeployer(t *testing.T, origin string) (*Deployer, cache.Storage) {
	t.Helper()
	cfg := &config.Config{
		Global: config.GlobalConfig{UpstreamTimeout: config.Duration(5 * time.Second)},
		Shell: config.ShellConfig{
			Origin:             origin,
			CachePrefix:        "shell",
			CacheVersion:       "v1",
			CoreAssets:         []string{"index.html", "app.js"},
			EntryPoint:         "index.html",
			RuntimeMaxEntries:  50,
			InstallConcurrency: 2,
			NotifyClients:      true,
		},
	}
	client, err := NewOriginClient(cfg)
	if err != nil {
		t.Fatalf("origin client: %v", err)
	}
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	storage := cache.NewMemoryStore()
	deployer, err := NewDeployer(cfg, worker.Dependencies{
		Storage: storage,
		Fetcher: client,
		Clients: clients.NewRegistry(),
		Logger:  logger,
	})
	if err != nil {
		t.Fatalf("new deployer: %v", err)
	}
	return deployer, storage
}
