package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shellcache/shellcache/internal/cache"
	"github.com/shellcache/shellcache/internal/namespace"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if seconds, err := time.ParseDuration(raw); err == nil {
		*d = Duration(seconds)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述进程级行为：监听、日志、存储与上游超时。
type GlobalConfig struct {
	ListenPort      int      `mapstructure:"ListenPort"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	StorageDriver   string   `mapstructure:"StorageDriver"`
	StoragePath     string   `mapstructure:"StoragePath"`
	ValkeyAddress   string   `mapstructure:"ValkeyAddress"`
	ValkeyUsername  string   `mapstructure:"ValkeyUsername"`
	ValkeyPassword  string   `mapstructure:"ValkeyPassword"`
	ValkeyDB        int      `mapstructure:"ValkeyDB"`
	ValkeyKeyPrefix string   `mapstructure:"ValkeyKeyPrefix"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
	TelemetryPath   string   `mapstructure:"TelemetryPath"`
	TelemetryQueue  int      `mapstructure:"TelemetryQueue"`
	WatchConfig     bool     `mapstructure:"WatchConfig"`
}

// ShellConfig 决定被缓存的应用外壳：源站、版本标签与核心资源清单。
type ShellConfig struct {
	Origin             string   `mapstructure:"Origin"`
	CachePrefix        string   `mapstructure:"CachePrefix"`
	CacheVersion       string   `mapstructure:"CacheVersion"`
	CoreAssets         []string `mapstructure:"CoreAssets"`
	EntryPoint         string   `mapstructure:"EntryPoint"`
	RuntimeMaxEntries  int      `mapstructure:"RuntimeMaxEntries"`
	InstallConcurrency int      `mapstructure:"InstallConcurrency"`
	NotifyClients      bool     `mapstructure:"NotifyClients"`
}

// Config 是 TOML 文件映射的整体结构，所有键均位于顶层。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Shell  ShellConfig  `mapstructure:",squash"`
}

// Namespaces 根据前缀与版本标签构建命名空间注册表。
func (c *Config) Namespaces() (namespace.Registry, error) {
	return namespace.New(c.Shell.CachePrefix, c.Shell.CacheVersion)
}

// DriverOptions 转换为存储驱动的打开参数。
func (c *Config) DriverOptions() cache.DriverOptions {
	return cache.DriverOptions{
		Path:      c.Global.StoragePath,
		Address:   c.Global.ValkeyAddress,
		Username:  c.Global.ValkeyUsername,
		Password:  c.Global.ValkeyPassword,
		DB:        c.Global.ValkeyDB,
		KeyPrefix: c.Global.ValkeyKeyPrefix,
	}
}

// TelemetryEndpoint 返回遥测上报地址；TelemetryPath 为空时返回空串表示关闭。
func (c *Config) TelemetryEndpoint() string {
	path := strings.TrimSpace(c.Global.TelemetryPath)
	if path == "" {
		return ""
	}
	origin, err := url.Parse(c.Shell.Origin)
	if err != nil {
		return ""
	}
	ref, err := url.Parse(path)
	if err != nil {
		return ""
	}
	return origin.ResolveReference(ref).String()
}
