package cache

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

const defaultDriverKey = "memory"

// DriverOptions 汇总各存储驱动可能用到的连接参数，驱动按需取用。
type DriverOptions struct {
	// Path 为 fs/sqlite 驱动的根目录或数据库文件。
	Path string
	// Address/Username/Password/DB 为 valkey 驱动的连接信息。
	Address  string
	Username string
	Password string
	DB       int
	// KeyPrefix 为 KV 后端的键前缀，避免与其它应用共享实例时冲突。
	KeyPrefix string
}

// DriverMetadata 描述一个可注册的存储驱动。
type DriverMetadata struct {
	Key         string
	Description string
	Open        func(opts DriverOptions) (Storage, error)
}

var globalDrivers = newDriverRegistry()

type driverRegistry struct {
	mu      sync.RWMutex
	drivers map[string]DriverMetadata
}

func newDriverRegistry() *driverRegistry {
	return &driverRegistry{drivers: make(map[string]DriverMetadata)}
}

// DefaultDriverKey 返回未配置 StorageDriver 时使用的驱动。
func DefaultDriverKey() string {
	return defaultDriverKey
}

// RegisterDriver 将驱动加入全局注册表，重复键会返回错误。
func RegisterDriver(meta DriverMetadata) error {
	return globalDrivers.register(meta)
}

// MustRegisterDriver 在注册失败时 panic，适合驱动 init() 中调用。
func MustRegisterDriver(meta DriverMetadata) {
	if err := RegisterDriver(meta); err != nil {
		panic(err)
	}
}

// ResolveDriver 返回指定键的驱动元数据。
func ResolveDriver(key string) (DriverMetadata, bool) {
	return globalDrivers.resolve(key)
}

// Drivers 返回按键排序的驱动列表。
func Drivers() []DriverMetadata {
	return globalDrivers.list()
}

// DriverKeys 返回所有已注册驱动的键，供配置校验与诊断输出。
func DriverKeys() []string {
	items := Drivers()
	result := make([]string, len(items))
	for i, meta := range items {
		result[i] = meta.Key
	}
	return result
}

// OpenDriver 根据键打开存储实例。
func OpenDriver(key string, opts DriverOptions) (Storage, error) {
	if strings.TrimSpace(key) == "" {
		key = defaultDriverKey
	}
	meta, ok := ResolveDriver(key)
	if !ok {
		return nil, fmt.Errorf("storage driver %s is not registered", key)
	}
	storage, err := meta.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open storage driver %s: %w", meta.Key, err)
	}
	return storage, nil
}

func (r *driverRegistry) normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

func (r *driverRegistry) register(meta DriverMetadata) error {
	key := r.normalizeKey(meta.Key)
	if key == "" {
		return fmt.Errorf("driver key is required")
	}
	if meta.Open == nil {
		return fmt.Errorf("driver %s has no Open func", key)
	}
	meta.Key = key

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.drivers[key]; exists {
		return fmt.Errorf("driver %s already registered", key)
	}
	r.drivers[key] = meta
	return nil
}

func (r *driverRegistry) resolve(key string) (DriverMetadata, bool) {
	normalized := r.normalizeKey(key)
	if normalized == "" {
		return DriverMetadata{}, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	meta, ok := r.drivers[normalized]
	return meta, ok
}

func (r *driverRegistry) list() []DriverMetadata {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.drivers) == 0 {
		return nil
	}

	keys := make([]string, 0, len(r.drivers))
	for key := range r.drivers {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	result := make([]DriverMetadata, 0, len(keys))
	for _, key := range keys {
		result = append(result, r.drivers[key])
	}
	return result
}
