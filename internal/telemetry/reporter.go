// Package telemetry reports internal failures without ever affecting the
// caller: Report logs locally, enqueues the entry on a bounded queue and
// returns; a background sender POSTs {ts, level, msg, extra} JSON to the
// origin's reporting path. A full queue drops the entry. Transport errors,
// encoding errors and panics inside the reporting path are swallowed.
package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Level 对应上报的严重级别。
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

const (
	defaultQueueSize   = 64
	defaultSendTimeout = 5 * time.Second
)

// Entry 为上报端点接受的 JSON 结构。
type Entry struct {
	TS    int64          `json:"ts"`
	Level Level          `json:"level"`
	Msg   string         `json:"msg"`
	Extra map[string]any `json:"extra,omitempty"`
}

// Options 控制上报目标与队列容量。Endpoint 为空时只写本地日志。
type Options struct {
	Endpoint  string
	QueueSize int
	Client    *http.Client
	Logger    *logrus.Logger
	// OnDrop 在队列已满或序列化失败导致条目丢弃时回调，供指标统计。
	OnDrop func()
}

// Reporter 是尽力而为的上报器；nil Reporter 可安全调用。
type Reporter struct {
	endpoint string
	client   *http.Client
	logger   *logrus.Logger
	onDrop   func()
	now      func() time.Time

	queue   chan Entry
	stop    chan struct{}
	done    chan struct{}
	closed  atomic.Bool
	stopped sync.Once
}

// New 创建 Reporter，配置了 Endpoint 时启动后台发送协程。
func New(opts Options) *Reporter {
	r := &Reporter{
		endpoint: opts.Endpoint,
		client:   opts.Client,
		logger:   opts.Logger,
		onDrop:   opts.OnDrop,
		now:      time.Now,
		done:     make(chan struct{}),
	}
	if r.client == nil {
		r.client = &http.Client{Timeout: defaultSendTimeout}
	}
	if r.endpoint == "" {
		close(r.done)
		return r
	}

	size := opts.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	r.queue = make(chan Entry, size)
	r.stop = make(chan struct{})
	go r.run()
	return r
}

// Nop 返回只写日志、不做远程上报的 Reporter。
func Nop(logger *logrus.Logger) *Reporter {
	return New(Options{Logger: logger})
}

// Report 记录一条内部故障；不会 panic，也不会阻塞调用方。
func (r *Reporter) Report(level Level, msg string, extra map[string]any) {
	if r == nil {
		return
	}
	defer func() { _ = recover() }()

	entry := Entry{
		TS:    r.now().UnixMilli(),
		Level: level,
		Msg:   msg,
		Extra: copyExtra(extra),
	}
	r.log(entry)

	if r.queue == nil || r.closed.Load() {
		return
	}
	select {
	case r.queue <- entry:
	default:
		r.dropped()
	}
}

// Close 停止后台发送，并在 ctx 允许的时间内发送剩余条目。
func (r *Reporter) Close(ctx context.Context) error {
	if r == nil {
		return nil
	}
	r.closed.Store(true)
	if r.stop != nil {
		r.stopped.Do(func() { close(r.stop) })
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Reporter) run() {
	defer close(r.done)
	for {
		select {
		case entry := <-r.queue:
			r.send(entry)
		case <-r.stop:
			for {
				select {
				case entry := <-r.queue:
					r.send(entry)
				default:
					return
				}
			}
		}
	}
}

// send 任何错误（含 panic）都被吞掉，上报路径永不影响缓存逻辑。
func (r *Reporter) send(entry Entry) {
	defer func() { _ = recover() }()

	payload, err := json.Marshal(entry)
	if err != nil {
		r.dropped()
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultSendTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(payload))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := r.client.Do(req)
	if err != nil {
		return
	}
	_ = resp.Body.Close()
}

func (r *Reporter) log(entry Entry) {
	if r.logger == nil {
		return
	}
	fields := logrus.Fields{"action": "telemetry"}
	for key, value := range entry.Extra {
		fields[key] = value
	}
	logger := r.logger.WithFields(fields)
	switch entry.Level {
	case LevelDebug:
		logger.Debug(entry.Msg)
	case LevelInfo:
		logger.Info(entry.Msg)
	case LevelWarn:
		logger.Warn(entry.Msg)
	default:
		logger.Error(entry.Msg)
	}
}

func (r *Reporter) dropped() {
	if r.onDrop != nil {
		r.onDrop()
	}
}

func copyExtra(extra map[string]any) map[string]any {
	if len(extra) == 0 {
		return nil
	}
	out := make(map[string]any, len(extra))
	for key, value := range extra {
		if err, ok := value.(error); ok {
			value = err.Error()
		}
		out[key] = value
	}
	return out
}
