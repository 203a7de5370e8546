package routes

import (
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"

	"github.com/shellcache/shellcache/internal/metrics"
)

// RegisterMetricsRoutes 暴露 /-/metrics，供 Prometheus 抓取。
func RegisterMetricsRoutes(app *fiber.App, recorder *metrics.Recorder) {
	if app == nil || recorder == nil {
		return
	}
	app.Get("/-/metrics", adaptor.HTTPHandler(recorder.Handler()))
}
