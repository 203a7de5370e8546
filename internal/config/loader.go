package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/shellcache/shellcache/internal/cache"
)

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	applyShellDefaults(&cfg.Shell)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Global.StoragePath != "" {
		absStorage, err := filepath.Abs(cfg.Global.StoragePath)
		if err != nil {
			return nil, fmt.Errorf("无法解析缓存目录: %w", err)
		}
		cfg.Global.StoragePath = absStorage
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StorageDriver", cache.DefaultDriverKey())
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("ValkeyKeyPrefix", "shellcache")
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("TelemetryPath", "/api/log")
	v.SetDefault("TelemetryQueue", 256)
	v.SetDefault("WatchConfig", false)
	v.SetDefault("CachePrefix", "shell")
	v.SetDefault("EntryPoint", "index.html")
	v.SetDefault("RuntimeMaxEntries", 50)
	v.SetDefault("InstallConcurrency", 4)
	v.SetDefault("NotifyClients", true)
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
	g.StorageDriver = strings.ToLower(strings.TrimSpace(g.StorageDriver))
	if g.StorageDriver == "" {
		g.StorageDriver = cache.DefaultDriverKey()
	}
	if g.TelemetryQueue <= 0 {
		g.TelemetryQueue = 256
	}
}

func applyShellDefaults(s *ShellConfig) {
	s.Origin = strings.TrimSpace(s.Origin)
	s.CachePrefix = strings.TrimSpace(s.CachePrefix)
	s.CacheVersion = strings.TrimSpace(s.CacheVersion)
	if strings.TrimSpace(s.EntryPoint) == "" {
		s.EntryPoint = "index.html"
	}
	if s.RuntimeMaxEntries == 0 {
		s.RuntimeMaxEntries = 50
	}
	if s.InstallConcurrency == 0 {
		s.InstallConcurrency = 4
	}
	assets := make([]string, 0, len(s.CoreAssets))
	for _, asset := range s.CoreAssets {
		assets = append(assets, strings.TrimSpace(asset))
	}
	s.CoreAssets = assets
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
