package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/shellcache/shellcache/internal/cache"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.TelemetryQueue < 0 {
		return newFieldError("Global.TelemetryQueue", "不能为负数")
	}
	if path := strings.TrimSpace(g.TelemetryPath); path != "" && !strings.HasPrefix(path, "/") {
		return newFieldError("Global.TelemetryPath", "必须以 / 开头")
	}

	driver := strings.ToLower(strings.TrimSpace(g.StorageDriver))
	if _, ok := cache.ResolveDriver(driver); !ok {
		return newFieldError("Global.StorageDriver", "仅支持 "+strings.Join(cache.DriverKeys(), "|"))
	}
	switch driver {
	case "fs", "sqlite":
		if strings.TrimSpace(g.StoragePath) == "" {
			return newFieldError("Global.StoragePath", "不能为空")
		}
	case "valkey":
		if strings.TrimSpace(g.ValkeyAddress) == "" {
			return newFieldError("Global.ValkeyAddress", "不能为空")
		}
	}
	if g.ValkeyUsername != "" && g.ValkeyPassword == "" {
		return newFieldError("Global.ValkeyUsername/ValkeyPassword", "提供用户名时必须同时提供密码")
	}

	s := c.Shell
	if err := validateOrigin(s.Origin); err != nil {
		return fmt.Errorf("Shell.Origin: %w", err)
	}
	if err := validateNamespacePart(s.CachePrefix); err != nil {
		return fmt.Errorf("Shell.CachePrefix: %w", err)
	}
	if err := validateNamespacePart(s.CacheVersion); err != nil {
		return fmt.Errorf("Shell.CacheVersion: %w", err)
	}
	if strings.TrimSpace(s.EntryPoint) == "" {
		return newFieldError("Shell.EntryPoint", "不能为空")
	}
	if s.RuntimeMaxEntries <= 0 {
		return newFieldError("Shell.RuntimeMaxEntries", "必须大于 0")
	}
	if s.InstallConcurrency <= 0 {
		return newFieldError("Shell.InstallConcurrency", "必须大于 0")
	}
	if len(s.CoreAssets) == 0 {
		return newFieldError("Shell.CoreAssets", "至少需要一个核心资源")
	}
	for idx, asset := range s.CoreAssets {
		if err := validateAsset(asset); err != nil {
			return fmt.Errorf("%s: %w", assetField(idx), err)
		}
	}

	return nil
}

func validateOrigin(raw string) error {
	if raw == "" {
		return errors.New("缺少源站地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，源站: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("源站缺少 Host: %s", raw)
	}
	if parsed.RawQuery != "" || parsed.Fragment != "" {
		return fmt.Errorf("源站不允许包含查询或片段: %s", raw)
	}
	return nil
}

// validateNamespacePart 保证前缀与版本标签可以安全拼入命名空间名称。
func validateNamespacePart(value string) error {
	if value == "" {
		return errors.New("不能为空")
	}
	if strings.ContainsAny(value, "/\\ \t") {
		return errors.New("不允许包含空白或路径分隔符")
	}
	return nil
}

func validateAsset(asset string) error {
	if asset == "" {
		return errors.New("不能为空")
	}
	if _, err := url.Parse(asset); err != nil {
		return err
	}
	return nil
}
