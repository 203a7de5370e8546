package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func testConfigPath(t *testing.T, name string) string {
	t.Helper()
	return filepath.Join("testdata", name)
}

// shellConfigTOML 生成只含必填字段的最小配置，extra 为追加的 TOML 行。
func shellConfigTOML(tag string, extra ...string) string {
	lines := append([]string{}, extra...)
	lines = append(lines,
		`Origin = "https://app.example.com/"`,
		`CacheVersion = "`+tag+`"`,
		`CoreAssets = ["index.html"]`,
	)
	return strings.Join(lines, "\n") + "\n"
}

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("写入临时配置失败: %v", err)
	}
	return path
}
