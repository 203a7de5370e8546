// Package valkey provides a Valkey/Redis-backed cache.Storage driver.
//
// Layout under the configured key prefix:
//
//	<prefix>:seq                  INCR counter shared by namespaces and entries
//	<prefix>:namespaces           ZSET namespace → creation seq
//	<prefix>:ns:<name>:entries    HASH "METHOD URL" → JSON response
//	<prefix>:ns:<name>:order      ZSET "METHOD URL" → insertion seq
package valkey

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	valkey "github.com/valkey-io/valkey-go"

	"github.com/shellcache/shellcache/internal/cache"
)

const defaultKeyPrefix = "shellcache"

func init() {
	cache.MustRegisterDriver(cache.DriverMetadata{
		Key:         "valkey",
		Description: "Valkey/Redis 共享缓存，适合多实例部署",
		Open: func(opts cache.DriverOptions) (cache.Storage, error) {
			return New(Config{
				Address:   opts.Address,
				Username:  opts.Username,
				Password:  opts.Password,
				DB:        opts.DB,
				KeyPrefix: opts.KeyPrefix,
			})
		},
	})
}

// Config 描述 valkey 连接参数。
type Config struct {
	Address   string
	Username  string
	Password  string
	DB        int
	KeyPrefix string
}

// Store implements cache.Storage on top of a valkey client.
type Store struct {
	client valkey.Client
	prefix string
}

// New 建立连接并 PING 一次，确保启动阶段即可暴露配置错误。
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, errors.New("cache: valkey address required")
	}
	prefix := strings.TrimSpace(cfg.KeyPrefix)
	if prefix == "" {
		prefix = defaultKeyPrefix
	}

	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress:       []string{cfg.Address},
		Username:          cfg.Username,
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	})
	if err != nil {
		return nil, fmt.Errorf("cache: valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("cache: valkey ping: %w", err)
	}

	return &Store{client: client, prefix: prefix}, nil
}

func (s *Store) seqKey() string {
	return s.prefix + ":seq"
}

func (s *Store) namespacesKey() string {
	return s.prefix + ":namespaces"
}

func (s *Store) entriesKey(namespace string) string {
	return s.prefix + ":ns:" + namespace + ":entries"
}

func (s *Store) orderKey(namespace string) string {
	return s.prefix + ":ns:" + namespace + ":order"
}

func (s *Store) nextSeq(ctx context.Context) (int64, error) {
	seq, err := s.client.Do(ctx, s.client.B().Incr().Key(s.seqKey()).Build()).AsInt64()
	if err != nil {
		return 0, fmt.Errorf("cache: valkey incr: %w", err)
	}
	return seq, nil
}

func (s *Store) Open(ctx context.Context, namespace string) error {
	if err := cache.ValidateNamespace(namespace); err != nil {
		return err
	}
	score, err := s.client.Do(ctx, s.client.B().Zscore().Key(s.namespacesKey()).Member(namespace).Build()).AsFloat64()
	if err == nil && score > 0 {
		return nil
	}
	if err != nil && !errors.Is(err, valkey.Nil) {
		return fmt.Errorf("cache: valkey zscore: %w", err)
	}
	seq, err := s.nextSeq(ctx)
	if err != nil {
		return err
	}
	cmd := s.client.B().Zadd().Key(s.namespacesKey()).Nx().ScoreMember().ScoreMember(float64(seq), namespace).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("cache: valkey zadd namespace: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, namespace string, key cache.Key) (*cache.Response, error) {
	payload, err := s.client.Do(ctx, s.client.B().Hget().Key(s.entriesKey(namespace)).Field(key.String()).Build()).AsBytes()
	if err != nil {
		if errors.Is(err, valkey.Nil) {
			return nil, cache.ErrNotFound
		}
		return nil, fmt.Errorf("cache: valkey hget: %w", err)
	}
	var resp cache.Response
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, fmt.Errorf("cache: valkey unmarshal: %w", err)
	}
	return &resp, nil
}

func (s *Store) Put(ctx context.Context, namespace string, key cache.Key, resp *cache.Response) error {
	if err := s.Open(ctx, namespace); err != nil {
		return err
	}
	if resp == nil {
		return errors.New("cache: response is required")
	}
	stored := resp.Clone()
	if stored.StoredAt.IsZero() {
		stored.StoredAt = time.Now().UTC()
	}
	payload, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("cache: valkey marshal: %w", err)
	}
	seq, err := s.nextSeq(ctx)
	if err != nil {
		return err
	}

	field := key.String()
	results := s.client.DoMulti(ctx,
		s.client.B().Hset().Key(s.entriesKey(namespace)).FieldValue().FieldValue(field, string(payload)).Build(),
		s.client.B().Zadd().Key(s.orderKey(namespace)).ScoreMember().ScoreMember(float64(seq), field).Build(),
	)
	for _, result := range results {
		if err := result.Error(); err != nil {
			return fmt.Errorf("cache: valkey put: %w", err)
		}
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, namespace string, key cache.Key) (bool, error) {
	field := key.String()
	results := s.client.DoMulti(ctx,
		s.client.B().Hdel().Key(s.entriesKey(namespace)).Field(field).Build(),
		s.client.B().Zrem().Key(s.orderKey(namespace)).Member(field).Build(),
	)
	removed, err := results[0].AsInt64()
	if err != nil {
		return false, fmt.Errorf("cache: valkey hdel: %w", err)
	}
	if err := results[1].Error(); err != nil {
		return false, fmt.Errorf("cache: valkey zrem: %w", err)
	}
	return removed > 0, nil
}

func (s *Store) Keys(ctx context.Context, namespace string) ([]cache.Key, error) {
	members, err := s.client.Do(ctx, s.client.B().Zrange().Key(s.orderKey(namespace)).Min("0").Max("-1").Build()).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("cache: valkey zrange: %w", err)
	}
	keys := make([]cache.Key, 0, len(members))
	for _, member := range members {
		key, err := cache.ParseKey(member)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func (s *Store) Namespaces(ctx context.Context) ([]string, error) {
	names, err := s.client.Do(ctx, s.client.B().Zrange().Key(s.namespacesKey()).Min("0").Max("-1").Build()).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("cache: valkey zrange namespaces: %w", err)
	}
	return names, nil
}

func (s *Store) DeleteNamespace(ctx context.Context, namespace string) (bool, error) {
	removed, err := s.client.Do(ctx, s.client.B().Zrem().Key(s.namespacesKey()).Member(namespace).Build()).AsInt64()
	if err != nil {
		return false, fmt.Errorf("cache: valkey zrem namespace: %w", err)
	}
	if err := s.client.Do(ctx, s.client.B().Del().Key(s.entriesKey(namespace), s.orderKey(namespace)).Build()).Error(); err != nil {
		return false, fmt.Errorf("cache: valkey del namespace: %w", err)
	}
	return removed > 0, nil
}

func (s *Store) Close() error {
	s.client.Close()
	return nil
}
