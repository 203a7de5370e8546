package routes

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/shellcache/shellcache/internal/cache"
	"github.com/shellcache/shellcache/internal/clients"
	"github.com/shellcache/shellcache/internal/config"
	"github.com/shellcache/shellcache/internal/metrics"
	"github.com/shellcache/shellcache/internal/server"
	"github.com/shellcache/shellcache/internal/worker"
)

func TestStatusRouteReportsActiveVersion(t *testing.T) {
	deployer := newTestDeployer(t)
	if _, err := deployer.Deploy(context.Background(), "v3"); err != nil {
		t.Fatalf("deploy: %v", err)
	}

	app := fiber.New()
	RegisterStatusRoutes(app, deployer)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/-/status", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var payload statusPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if payload.Version != "v3" || payload.State != "activated" {
		t.Fatalf("unexpected status %+v", payload)
	}
	if payload.Precache != "shell-static-v3" || payload.StorageDriver != "memory" {
		t.Fatalf("unexpected namespace info %+v", payload)
	}
	if payload.Deployment == nil || len(payload.Deployment.Cached) != 1 {
		t.Fatalf("expected deployment summary, got %+v", payload.Deployment)
	}
}

func TestStatusRouteBeforeDeploy(t *testing.T) {
	app := fiber.New()
	RegisterStatusRoutes(app, newTestDeployer(t))

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/-/status", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusServiceUnavailable {
		t.Fatalf("expected 503 before first deploy, got %d", resp.StatusCode)
	}
}

func TestClientRouteRejectsUnknownType(t *testing.T) {
	app := fiber.New()
	registry := clients.NewRegistry()
	RegisterClientRoutes(app, registry)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/-/clients?type=tab", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	if registry.Len() != 0 {
		t.Fatalf("rejected request must not register a client")
	}
}

func TestStreamMessagesForwardsNewVersion(t *testing.T) {
	registry := clients.NewRegistry()
	client := registry.Connect(clients.KindWindow)

	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	done := make(chan struct{})
	go func() {
		defer close(done)
		streamMessages(w, client, time.Hour)
	}()

	client.PostMessage(clients.Message{Type: clients.MessageNewVersion, Version: "v9"})
	time.Sleep(20 * time.Millisecond)
	registry.Disconnect(client.ID)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("stream did not stop after disconnect")
	}

	out := buf.String()
	if !strings.HasPrefix(out, "event: hello\n") || !strings.Contains(out, client.ID) {
		t.Fatalf("expected hello event, got %q", out)
	}
	if !strings.Contains(out, "event: message\ndata: {\"type\":\"NEW_VERSION\",\"version\":\"v9\"}\n\n") {
		t.Fatalf("expected NEW_VERSION event, got %q", out)
	}
}

func TestMetricsRouteExposesRecorder(t *testing.T) {
	recorder := metrics.NewRecorder(nil)
	recorder.ObserveFetch("cache-first", metrics.SourceCache)

	app := fiber.New()
	RegisterMetricsRoutes(app, recorder)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/-/metrics", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "shellcache_fetch_responses_total") {
		t.Fatalf("expected fetch metric, got %s", body)
	}
}

func newTestDeployer(t *testing.T) *server.Deployer {
	t.Helper()
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<!doctype html>"))
	}))
	t.Cleanup(origin.Close)

	cfg := &config.Config{
		Global: config.GlobalConfig{StorageDriver: "memory", UpstreamTimeout: config.Duration(5 * time.Second)},
		Shell: config.ShellConfig{
			Origin:      origin.URL,
			CachePrefix: "shell",
			CoreAssets:  []string{"index.html"},
			EntryPoint:  "index.html",
		},
	}
	client, err := server.NewOriginClient(cfg)
	if err != nil {
		t.Fatalf("origin client: %v", err)
	}
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	deployer, err := server.NewDeployer(cfg, worker.Dependencies{
		Storage: cache.NewMemoryStore(),
		Fetcher: client,
		Logger:  logger,
	})
	if err != nil {
		t.Fatalf("new deployer: %v", err)
	}
	return deployer
}
