package config

import (
	_ "github.com/shellcache/shellcache/internal/cache/sqlite"
	_ "github.com/shellcache/shellcache/internal/cache/valkey"
)
