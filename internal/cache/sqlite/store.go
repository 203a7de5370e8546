// Package sqlite provides a SQLite-backed cache.Storage driver. Entries keep
// their insertion order through an AUTOINCREMENT sequence; overwriting a key
// deletes the old row and inserts a new one so it moves to the end.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/shellcache/shellcache/internal/cache"
)

const schema = `
CREATE TABLE IF NOT EXISTS cache_namespaces (
	id   INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE
);
CREATE TABLE IF NOT EXISTS cache_entries (
	seq       INTEGER PRIMARY KEY AUTOINCREMENT,
	namespace TEXT NOT NULL,
	method    TEXT NOT NULL,
	url       TEXT NOT NULL,
	status    INTEGER NOT NULL,
	type      TEXT NOT NULL,
	header    TEXT NOT NULL,
	body      BLOB,
	resp_url  TEXT NOT NULL,
	stored_at INTEGER NOT NULL,
	UNIQUE (namespace, method, url)
);
`

func init() {
	cache.MustRegisterDriver(cache.DriverMetadata{
		Key:         "sqlite",
		Description: "SQLite 单文件缓存，StoragePath 指向数据库文件",
		Open: func(opts cache.DriverOptions) (cache.Storage, error) {
			return Open(opts.Path)
		},
	})
}

// Store persists cache namespaces in SQLite.
type Store struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens (or creates) the database file and applies the schema.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// 单连接串行化写入，避免 SQLITE_BUSY
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) Open(ctx context.Context, namespace string) error {
	if err := cache.ValidateNamespace(namespace); err != nil {
		return err
	}
	return openNamespace(ctx, s.sqlDB, namespace)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func openNamespace(ctx context.Context, db execer, namespace string) error {
	if _, err := db.ExecContext(ctx, `INSERT OR IGNORE INTO cache_namespaces (name) VALUES (?)`, namespace); err != nil {
		return fmt.Errorf("open namespace %s: %w", namespace, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, namespace string, key cache.Key) (*cache.Response, error) {
	row := s.sqlDB.QueryRowContext(ctx, `
		SELECT status, type, header, body, resp_url, stored_at
		FROM cache_entries WHERE namespace = ? AND method = ? AND url = ?`,
		namespace, key.Method, key.URL)

	var (
		resp     cache.Response
		respType string
		header   string
		storedAt int64
	)
	if err := row.Scan(&resp.Status, &respType, &header, &resp.Body, &resp.URL, &storedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, cache.ErrNotFound
		}
		return nil, fmt.Errorf("get cache entry: %w", err)
	}
	resp.Type = cache.ResponseType(respType)
	resp.StoredAt = fromMillis(storedAt)
	if header != "" {
		resp.Header = http.Header{}
		if err := json.Unmarshal([]byte(header), &resp.Header); err != nil {
			return nil, fmt.Errorf("decode cache header: %w", err)
		}
	}
	return &resp, nil
}

func (s *Store) Put(ctx context.Context, namespace string, key cache.Key, resp *cache.Response) error {
	if err := cache.ValidateNamespace(namespace); err != nil {
		return err
	}
	if resp == nil {
		return errors.New("response is required")
	}
	header, err := json.Marshal(resp.Header)
	if err != nil {
		return fmt.Errorf("encode cache header: %w", err)
	}
	storedAt := resp.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now()
	}
	body := resp.Body
	if body == nil {
		body = []byte{}
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := openNamespace(ctx, tx, namespace); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE namespace = ? AND method = ? AND url = ?`,
		namespace, key.Method, key.URL); err != nil {
		return fmt.Errorf("replace cache entry: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO cache_entries (namespace, method, url, status, type, header, body, resp_url, stored_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		namespace, key.Method, key.URL, resp.Status, string(resp.Type), string(header), body, resp.URL, toMillis(storedAt)); err != nil {
		return fmt.Errorf("insert cache entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit cache entry: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, namespace string, key cache.Key) (bool, error) {
	result, err := s.sqlDB.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE namespace = ? AND method = ? AND url = ?`,
		namespace, key.Method, key.URL)
	if err != nil {
		return false, fmt.Errorf("delete cache entry: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete cache entry: %w", err)
	}
	return affected > 0, nil
}

func (s *Store) Keys(ctx context.Context, namespace string) ([]cache.Key, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT method, url FROM cache_entries WHERE namespace = ? ORDER BY seq ASC`, namespace)
	if err != nil {
		return nil, fmt.Errorf("list cache keys: %w", err)
	}
	defer rows.Close()

	var keys []cache.Key
	for rows.Next() {
		var key cache.Key
		if err := rows.Scan(&key.Method, &key.URL); err != nil {
			return nil, fmt.Errorf("scan cache key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cache keys: %w", err)
	}
	return keys, nil
}

func (s *Store) Namespaces(ctx context.Context) ([]string, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `SELECT name FROM cache_namespaces ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list namespaces: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan namespace: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate namespaces: %w", err)
	}
	return names, nil
}

func (s *Store) DeleteNamespace(ctx context.Context, namespace string) (bool, error) {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM cache_entries WHERE namespace = ?`, namespace); err != nil {
		return false, fmt.Errorf("delete namespace entries: %w", err)
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM cache_namespaces WHERE name = ?`, namespace)
	if err != nil {
		return false, fmt.Errorf("delete namespace: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete namespace: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit namespace delete: %w", err)
	}
	return affected > 0, nil
}
