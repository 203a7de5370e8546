package cache

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	namespaceMarker = ".namespace"
	entrySuffix     = ".json"
)

func init() {
	MustRegisterDriver(DriverMetadata{
		Key:         "fs",
		Description: "磁盘缓存，布局 <StoragePath>/<namespace>/<sha1>.json",
		Open: func(opts DriverOptions) (Storage, error) {
			return NewFileStore(opts.Path)
		},
	})
}

// NewFileStore 以 basePath 为根目录构建磁盘缓存，整站复用一份实例。
func NewFileStore(basePath string) (Storage, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileStore{
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}, nil
}

// fileStore 通过 entryLock 避免同一条目并发写入，序号单调递增以保持插入顺序。
type fileStore struct {
	basePath string

	mu      sync.Mutex
	locks   map[string]*entryLock
	seqMu   sync.Mutex
	lastSeq int64
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

// fileRecord 是单个条目的落盘格式。
type fileRecord struct {
	Key      Key       `json:"key"`
	Seq      int64     `json:"seq"`
	Response *Response `json:"response"`
}

func (s *fileStore) Open(ctx context.Context, namespace string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := s.ensureNamespace(namespace)
	return err
}

func (s *fileStore) ensureNamespace(namespace string) (string, error) {
	dir, err := s.namespaceDir(namespace)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	marker := filepath.Join(dir, namespaceMarker)
	if _, err := os.Stat(marker); err == nil {
		return dir, nil
	}
	seq := strconv.FormatInt(s.nextSeq(), 10)
	if err := writeAtomic(dir, marker, []byte(seq)); err != nil {
		return "", err
	}
	return dir, nil
}

func (s *fileStore) Get(ctx context.Context, namespace string, key Key) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	filePath, err := s.entryPath(namespace, key)
	if err != nil {
		return nil, err
	}
	record, err := readRecord(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return record.Response, nil
}

func (s *fileStore) Put(ctx context.Context, namespace string, key Key, resp *Response) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock := s.lockEntry(namespace, key)
	defer unlock()

	dir, err := s.ensureNamespace(namespace)
	if err != nil {
		return err
	}
	stored := resp.Clone()
	if stored.StoredAt.IsZero() {
		stored.StoredAt = time.Now().UTC()
	}
	payload, err := json.Marshal(fileRecord{Key: key, Seq: s.nextSeq(), Response: stored})
	if err != nil {
		return fmt.Errorf("encode cache record: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return writeAtomic(dir, filepath.Join(dir, entryName(key)), payload)
}

func (s *fileStore) Delete(ctx context.Context, namespace string, key Key) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	unlock := s.lockEntry(namespace, key)
	defer unlock()

	filePath, err := s.entryPath(namespace, key)
	if err != nil {
		return false, err
	}
	if err := os.Remove(filePath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *fileStore) Keys(ctx context.Context, namespace string) ([]Key, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := s.namespaceDir(namespace)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	records := make([]fileRecord, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, entrySuffix) || strings.HasPrefix(name, ".") {
			continue
		}
		record, err := readRecord(filepath.Join(dir, name))
		if err != nil {
			// 并发删除导致的缺失直接跳过
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		records = append(records, record)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Seq < records[j].Seq })

	keys := make([]Key, len(records))
	for i, record := range records {
		keys[i] = record.Key
	}
	return keys, nil
}

func (s *fileStore) Namespaces(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}
	type created struct {
		name string
		seq  int64
	}
	items := make([]created, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(s.basePath, entry.Name(), namespaceMarker))
		if err != nil {
			continue
		}
		seq, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
		if err != nil {
			continue
		}
		items = append(items, created{name: entry.Name(), seq: seq})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].seq < items[j].seq })

	names := make([]string, len(items))
	for i, item := range items {
		names[i] = item.name
	}
	return names, nil
}

func (s *fileStore) DeleteNamespace(ctx context.Context, namespace string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	dir, err := s.namespaceDir(namespace)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if err := os.RemoveAll(dir); err != nil {
		return false, err
	}
	return true, nil
}

func (s *fileStore) Close() error {
	return nil
}

// nextSeq 结合时间戳与上次序号，保证进程重启后顺序依旧递增。
func (s *fileStore) nextSeq() int64 {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	seq := time.Now().UnixNano()
	if seq <= s.lastSeq {
		seq = s.lastSeq + 1
	}
	s.lastSeq = seq
	return seq
}

func (s *fileStore) lockEntry(namespace string, key Key) func() {
	lockKey := namespace + "::" + key.String()
	s.mu.Lock()
	lock := s.locks[lockKey]
	if lock == nil {
		lock = &entryLock{}
		s.locks[lockKey] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, lockKey)
		}
		s.mu.Unlock()
	}
}

func (s *fileStore) namespaceDir(namespace string) (string, error) {
	if err := ValidateNamespace(namespace); err != nil {
		return "", err
	}
	dir := filepath.Join(s.basePath, namespace)
	if filepath.Dir(dir) != s.basePath {
		return "", ErrInvalidNamespace
	}
	return dir, nil
}

func (s *fileStore) entryPath(namespace string, key Key) (string, error) {
	dir, err := s.namespaceDir(namespace)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, entryName(key)), nil
}

func entryName(key Key) string {
	sum := sha1.Sum([]byte(key.String()))
	return hex.EncodeToString(sum[:]) + entrySuffix
}

func readRecord(filePath string) (fileRecord, error) {
	raw, err := os.ReadFile(filePath)
	if err != nil {
		return fileRecord{}, err
	}
	var record fileRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return fileRecord{}, fmt.Errorf("decode cache record %s: %w", filepath.Base(filePath), err)
	}
	if record.Response == nil {
		return fileRecord{}, fmt.Errorf("decode cache record %s: missing response", filepath.Base(filePath))
	}
	return record, nil
}

// writeAtomic 通过临时文件 + rename 保证写入原子性，失败时清理临时文件。
func writeAtomic(dir, target string, payload []byte) error {
	tempFile, err := os.CreateTemp(dir, ".cache-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()

	_, err = tempFile.Write(payload)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}

	if err := os.Rename(tempName, target); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}
