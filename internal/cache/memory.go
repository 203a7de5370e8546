package cache

import (
	"context"
	"sort"
	"sync"
	"time"
)

func init() {
	MustRegisterDriver(DriverMetadata{
		Key:         "memory",
		Description: "进程内缓存，重启后丢失，适合测试与临时部署",
		Open: func(DriverOptions) (Storage, error) {
			return NewMemoryStore(), nil
		},
	})
}

// memoryStore 以 map + 递增序号维护插入顺序，读写均复制快照。
type memoryStore struct {
	mu         sync.RWMutex
	seq        uint64
	namespaces map[string]*memoryNamespace
}

type memoryNamespace struct {
	created uint64
	entries map[Key]memoryEntry
}

type memoryEntry struct {
	seq  uint64
	resp *Response
}

// NewMemoryStore 创建进程内 Storage。
func NewMemoryStore() Storage {
	return &memoryStore{namespaces: make(map[string]*memoryNamespace)}
}

func (s *memoryStore) Open(ctx context.Context, namespace string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ValidateNamespace(namespace); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.openLocked(namespace)
	return nil
}

func (s *memoryStore) openLocked(namespace string) *memoryNamespace {
	ns := s.namespaces[namespace]
	if ns == nil {
		s.seq++
		ns = &memoryNamespace{created: s.seq, entries: make(map[Key]memoryEntry)}
		s.namespaces[namespace] = ns
	}
	return ns
}

func (s *memoryStore) Get(ctx context.Context, namespace string, key Key) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ns := s.namespaces[namespace]
	if ns == nil {
		return nil, ErrNotFound
	}
	entry, ok := ns.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	return entry.resp.Clone(), nil
}

func (s *memoryStore) Put(ctx context.Context, namespace string, key Key, resp *Response) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ValidateNamespace(namespace); err != nil {
		return err
	}
	stored := resp.Clone()
	if stored.StoredAt.IsZero() {
		stored.StoredAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	ns := s.openLocked(namespace)
	s.seq++
	ns.entries[key] = memoryEntry{seq: s.seq, resp: stored}
	return nil
}

func (s *memoryStore) Delete(ctx context.Context, namespace string, key Key) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ns := s.namespaces[namespace]
	if ns == nil {
		return false, nil
	}
	if _, ok := ns.entries[key]; !ok {
		return false, nil
	}
	delete(ns.entries, key)
	return true, nil
}

func (s *memoryStore) Keys(ctx context.Context, namespace string) ([]Key, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ns := s.namespaces[namespace]
	if ns == nil || len(ns.entries) == 0 {
		return nil, nil
	}
	type ordered struct {
		key Key
		seq uint64
	}
	items := make([]ordered, 0, len(ns.entries))
	for key, entry := range ns.entries {
		items = append(items, ordered{key: key, seq: entry.seq})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].seq < items[j].seq })
	keys := make([]Key, len(items))
	for i, item := range items {
		keys[i] = item.key
	}
	return keys, nil
}

func (s *memoryStore) Namespaces(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.namespaces))
	for name := range s.namespaces {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		return s.namespaces[names[i]].created < s.namespaces[names[j]].created
	})
	return names, nil
}

func (s *memoryStore) DeleteNamespace(ctx context.Context, namespace string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.namespaces[namespace]; !ok {
		return false, nil
	}
	delete(s.namespaces, namespace)
	return true, nil
}

func (s *memoryStore) Close() error {
	return nil
}
