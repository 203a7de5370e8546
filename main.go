package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/shellcache/shellcache/internal/cache"
	"github.com/shellcache/shellcache/internal/config"
	"github.com/shellcache/shellcache/internal/host"
	"github.com/shellcache/shellcache/internal/logging"
	"github.com/shellcache/shellcache/internal/metrics"
	"github.com/shellcache/shellcache/internal/proxy"
	"github.com/shellcache/shellcache/internal/server"
	"github.com/shellcache/shellcache/internal/server/routes"
	"github.com/shellcache/shellcache/internal/telemetry"
	"github.com/shellcache/shellcache/internal/version"
	"github.com/shellcache/shellcache/internal/worker"
)

const shutdownTimeout = 10 * time.Second

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
	staticRoot  string
	staticPort  int
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["version"] = cfg.Shell.CacheVersion
		fields["core_assets"] = len(cfg.Shell.CoreAssets)
		fields["storage_driver"] = cfg.Global.StorageDriver
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if opts.staticRoot != "" {
		if err := serveStatic(ctx, cfg, opts, logger); err != nil {
			fmt.Fprintf(stdErr, "静态站点启动失败: %v\n", err)
			return 1
		}
		return 0
	}

	if err := serveShell(ctx, cfg, opts.configPath, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// serveShell 启动顺序为“配置 → 存储驱动 → 首次部署 → Fiber server”，
// 部署完成后才开始监听，保证第一个请求就能由已激活的 worker 处理。
func serveShell(ctx context.Context, cfg *config.Config, configPath string, logger *logrus.Logger) error {
	storage, err := cache.OpenDriver(cfg.Global.StorageDriver, cfg.DriverOptions())
	if err != nil {
		return fmt.Errorf("初始化缓存存储失败: %w", err)
	}
	defer storage.Close()

	recorder := metrics.NewRecorder(nil)
	reporter := telemetry.New(telemetry.Options{
		Endpoint:  cfg.TelemetryEndpoint(),
		QueueSize: cfg.Global.TelemetryQueue,
		Logger:    logger,
		OnDrop:    recorder.ObserveTelemetryDrop,
	})

	client, err := server.NewOriginClient(cfg)
	if err != nil {
		return err
	}

	deployer, err := server.NewDeployer(cfg, worker.Dependencies{
		Storage:  storage,
		Fetcher:  client,
		Reporter: reporter,
		Logger:   logger,
		Metrics:  recorder,
	})
	if err != nil {
		return err
	}
	if _, err := deployer.Deploy(ctx, cfg.Shell.CacheVersion); err != nil {
		return fmt.Errorf("首次部署失败: %w", err)
	}

	handler, err := proxy.NewHandler(deployer, client, client.Origin(), logger, recorder)
	if err != nil {
		return err
	}
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Proxy:      handler,
		ListenPort: cfg.Global.ListenPort,
	})
	if err != nil {
		return err
	}
	routes.RegisterStatusRoutes(app, deployer)
	routes.RegisterClientRoutes(app, deployer.Clients())
	routes.RegisterMetricsRoutes(app, recorder)

	if cfg.Global.WatchConfig {
		watcher, err := config.Watch(ctx, configPath, func(next *config.Config) {
			deployed, err := deployer.Apply(ctx, next)
			fields := logging.BaseFields("config_reload", configPath)
			fields["version"] = next.Shell.CacheVersion
			fields["deployed"] = deployed
			if err != nil {
				logger.WithFields(fields).WithError(err).Error("配置重载后部署失败")
				return
			}
			logger.WithFields(fields).Info("配置已重载")
		}, func(err error) {
			logger.WithFields(logging.BaseFields("config_reload", configPath)).WithError(err).Warn("配置重载失败")
		})
		if err != nil {
			return err
		}
		defer watcher.Stop()
	}

	fields := logging.BaseFields("startup", configPath)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["origin"] = client.Origin().String()
	fields["storage_driver"] = cfg.Global.StorageDriver
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	return listenUntilDone(ctx, app, cfg.Global.ListenPort, logger, func(shutdownCtx context.Context) {
		if err := handler.Wait(shutdownCtx); err != nil {
			logger.WithError(err).Warn("后台缓存任务未完成")
		}
		if err := reporter.Close(shutdownCtx); err != nil {
			logger.WithError(err).Warn("遥测队列未清空")
		}
	})
}

func serveStatic(ctx context.Context, cfg *config.Config, opts cliOptions, logger *logrus.Logger) error {
	app, err := host.NewApp(host.Options{
		Root:          opts.staticRoot,
		Index:         cfg.Shell.EntryPoint,
		TelemetryPath: cfg.Global.TelemetryPath,
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	logger.WithFields(logrus.Fields{
		"action": "serve_static",
		"root":   opts.staticRoot,
	}).Info("静态站点已就绪")
	return listenUntilDone(ctx, app, opts.staticPort, logger, nil)
}

// listenUntilDone 监听端口直到 ctx 结束，随后在限定时间内优雅关闭并执行清理。
func listenUntilDone(ctx context.Context, app *fiber.App, port int, logger *logrus.Logger, cleanup func(context.Context)) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.WithFields(logrus.Fields{
			"action": "listen",
			"port":   port,
		}).Info("Fiber 服务启动")
		return app.Listen(fmt.Sprintf(":%d", port), fiber.ListenConfig{DisableStartupMessage: true})
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := app.ShutdownWithContext(shutdownCtx)
		if cleanup != nil {
			cleanup(shutdownCtx)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil
		}
		return err
	})
	return g.Wait()
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("shellcache", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
		staticRoot string
		staticPort int
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 SHELLCACHE_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")
	fs.StringVar(&staticRoot, "serve-static", "", "以静态站点模式运行，参数为站点根目录")
	fs.IntVar(&staticPort, "static-port", 8080, "静态站点监听端口")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}
	if staticPort <= 0 || staticPort > 65535 {
		return cliOptions{}, fmt.Errorf("static-port 必须在 1-65535: %d", staticPort)
	}

	path := os.Getenv("SHELLCACHE_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
		staticRoot:  staticRoot,
		staticPort:  staticPort,
	}, nil
}
