package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/shellcache/shellcache/internal/cache"
	"github.com/shellcache/shellcache/internal/logging"
	"github.com/shellcache/shellcache/internal/metrics"
	"github.com/shellcache/shellcache/internal/network"
	"github.com/shellcache/shellcache/internal/server"
	"github.com/shellcache/shellcache/internal/worker"
)

// HeaderSource 标记响应来源：cache/network/fallback/synthesized/passthrough。
const HeaderSource = "X-Shellcache-Source"

var errCrossOriginPath = errors.New("path escapes origin scope")

// WorkerSource 提供当前控制页面的 worker，尚未部署时返回 nil。
type WorkerSource interface {
	Active() *worker.Worker
}

// Handler 把每个请求交给当前 worker 拦截；不归 worker 处理的请求原样转发到源站。
type Handler struct {
	source  WorkerSource
	fetcher worker.Fetcher
	origin  *url.URL
	logger  *logrus.Logger
	metrics *metrics.Recorder

	pending sync.WaitGroup
}

// NewHandler constructs the interception handler. fetcher 同时用于透传请求。
func NewHandler(source WorkerSource, fetcher worker.Fetcher, origin *url.URL, logger *logrus.Logger, recorder *metrics.Recorder) (*Handler, error) {
	if source == nil {
		return nil, errors.New("worker source is required")
	}
	if fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if origin == nil || !origin.IsAbs() {
		return nil, errors.New("absolute origin is required")
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Handler{
		source:  source,
		fetcher: fetcher,
		origin:  origin,
		logger:  logger,
		metrics: recorder,
	}, nil
}

// Handle 实现 server.InterceptHandler。
func (h *Handler) Handle(c fiber.Ctx) (err error) {
	started := time.Now()
	requestID := server.RequestID(c)
	defer func() {
		if r := recover(); r != nil {
			err = h.respondPanic(c, r, requestID)
		}
	}()

	req, buildErr := BuildRequest(c, h.origin)
	if buildErr != nil {
		h.logResult(c, requestID, "", fiber.StatusBadRequest, started, buildErr)
		return h.writeError(c, fiber.StatusBadRequest, "invalid_request")
	}

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	active := h.source.Active()
	if active == nil {
		return h.passthrough(ctx, c, req, requestID, started)
	}

	event := worker.NewFetchEvent(req)
	result, handleErr := active.Handle(ctx, event)
	h.track(event, requestID)

	switch {
	case errors.Is(handleErr, worker.ErrPassthrough), errors.Is(handleErr, worker.ErrNotActive):
		return h.passthrough(ctx, c, req, requestID, started)
	case errors.Is(handleErr, worker.ErrOffline):
		c.Set(HeaderSource, string(metrics.SourceFailed))
		h.logResult(c, requestID, string(metrics.SourceFailed), fiber.StatusGatewayTimeout, started, handleErr)
		return h.writeError(c, fiber.StatusGatewayTimeout, "offline")
	case handleErr != nil:
		h.logResult(c, requestID, "", fiber.StatusBadGateway, started, handleErr)
		return h.writeError(c, fiber.StatusBadGateway, "worker_failed")
	}

	h.logResult(c, requestID, string(result.Source), result.Response.Status, started, nil)
	return writeResponse(c, result.Response, result.Source)
}

// Wait 等待所有已登记的后台任务（运行期缓存写入与淘汰）完成，用于优雅退出。
func (h *Handler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// track 在响应返回后继续等待事件的后台任务，失败只记录日志。
func (h *Handler) track(event *worker.FetchEvent, requestID string) {
	h.pending.Add(1)
	go func() {
		defer h.pending.Done()
		if err := event.Wait(); err != nil {
			h.logger.WithFields(logrus.Fields{
				"action":     "wait_until",
				"request_id": requestID,
			}).WithError(err).Warn("background task failed")
		}
	}()
}

func (h *Handler) passthrough(ctx context.Context, c fiber.Ctx, req *network.Request, requestID string, started time.Time) error {
	forwarded := *req
	forwarded.Header = req.Header.Clone()
	applyForwardedHeaders(forwarded.Header, c)

	resp, err := h.fetcher.Fetch(ctx, &forwarded)
	h.metrics.ObserveFetch("passthrough", metrics.SourcePassthrough)
	if err != nil {
		h.logResult(c, requestID, string(metrics.SourcePassthrough), fiber.StatusBadGateway, started, err)
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}
	h.logResult(c, requestID, string(metrics.SourcePassthrough), resp.Status, started, nil)
	return writeResponse(c, resp, metrics.SourcePassthrough)
}

func applyForwardedHeaders(header http.Header, c fiber.Ctx) {
	header.Set("X-Forwarded-Host", c.Hostname())
	if ip := c.IP(); ip != "" {
		if prior := header.Get("X-Forwarded-For"); prior != "" {
			header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			header.Set("X-Forwarded-For", ip)
		}
	}
	header.Set("X-Forwarded-Proto", c.Protocol())
}

// writeResponse 将缓存快照写回客户端，跳过 hop-by-hop 与长度头（由 Fiber 重新计算）。
func writeResponse(c fiber.Ctx, resp *cache.Response, source metrics.Source) error {
	for key, values := range resp.Header {
		if network.IsHopByHopHeader(key) || http.CanonicalHeaderKey(key) == fiber.HeaderContentLength {
			continue
		}
		for i, value := range values {
			if i == 0 {
				c.Set(key, value)
				continue
			}
			c.Response().Header.Add(key, value)
		}
	}
	c.Set(HeaderSource, string(source))
	c.Status(resp.Status)
	if len(resp.Body) == 0 {
		c.Response().ResetBody()
		return nil
	}
	return c.Send(resp.Body)
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) respondPanic(c fiber.Ctx, recovered interface{}, requestID string) error {
	fields := logrus.Fields{
		"action":     "intercept",
		"error":      "handler_panic",
		"request_id": requestID,
	}
	h.logger.WithFields(fields).Error(fmt.Sprintf("panic: %v", recovered))
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	return h.writeError(c, fiber.StatusInternalServerError, "handler_panic")
}

func (h *Handler) logResult(c fiber.Ctx, requestID, source string, status int, started time.Time, err error) {
	version := ""
	if active := h.source.Active(); active != nil {
		version = active.Tag()
	}
	fields := logging.RequestFields(c.Method(), string(c.Request().URI().Path()), source, version, requestID)
	fields["action"] = "intercept"
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Warn("intercept_failed")
		return
	}
	h.logger.WithFields(fields).Debug("intercept_complete")
}
