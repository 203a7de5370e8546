// Package host serves the static application that shellcache fronts: files
// from a document root with an index.html fallback for client-side routes,
// plus the endpoint that receives telemetry entries. It stands in for the
// asset host during local development and in tests.
package host

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/gofiber/fiber/v3/middleware/static"
	"github.com/sirupsen/logrus"

	"github.com/shellcache/shellcache/internal/telemetry"
)

// Options 控制静态站点的根目录、入口页与遥测接收路径。
type Options struct {
	Root          string
	Index         string
	TelemetryPath string
	Logger        *logrus.Logger
}

// NewApp 构建静态站点：命中文件直接返回；其余 GET 路径一律回退到入口页，由前端路由处理。
func NewApp(opts Options) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	root, err := filepath.Abs(strings.TrimSpace(opts.Root))
	if err != nil {
		return nil, fmt.Errorf("无法解析站点目录: %w", err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("站点目录不可用: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("站点目录不是目录: %s", root)
	}
	index := strings.TrimSpace(opts.Index)
	if index == "" {
		index = "index.html"
	}
	indexPath := filepath.Join(root, filepath.FromSlash(index))

	app := fiber.New(fiber.Config{CaseSensitive: true})
	app.Use(recover.New())

	if telemetryPath := strings.TrimSpace(opts.TelemetryPath); telemetryPath != "" {
		app.Post(telemetryPath, telemetryHandler(opts.Logger))
	}

	app.Get("/*", static.New(root))
	app.Get("/*", func(c fiber.Ctx) error {
		c.Set(fiber.HeaderCacheControl, "no-cache")
		return c.SendFile(indexPath)
	})

	return app, nil
}

// telemetryHandler 接收 worker 上报的故障条目并写入本地日志；格式错误返回 400。
func telemetryHandler(logger *logrus.Logger) fiber.Handler {
	return func(c fiber.Ctx) error {
		var entry telemetry.Entry
		if err := c.Bind().JSON(&entry); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_entry"})
		}
		if strings.TrimSpace(entry.Msg) == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "msg_required"})
		}

		fields := logrus.Fields{
			"action": "telemetry_received",
			"ts":     entry.TS,
			"level":  string(entry.Level),
		}
		for key, value := range entry.Extra {
			fields["extra_"+key] = value
		}
		logger.WithFields(fields).Info(entry.Msg)
		return c.SendStatus(fiber.StatusNoContent)
	}
}
