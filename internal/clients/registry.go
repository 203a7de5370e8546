// Package clients tracks the pages currently controlled by the worker. It is
// used for claiming pages on activation and for broadcasting NEW_VERSION
// notifications; pages connect through the server-sent-events stream.
package clients

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind 对应页面类型，目前仅 window 会收到版本通知。
type Kind string

const (
	KindWindow Kind = "window"
	KindWorker Kind = "worker"
	KindAll    Kind = "all"
)

// MessageNewVersion 为激活后广播给页面的消息类型。
const MessageNewVersion = "NEW_VERSION"

const defaultBuffer = 8

// Message 是投递给页面的结构化消息。
type Message struct {
	Type    string `json:"type"`
	Version string `json:"version,omitempty"`
}

// Client 表示一个已连接的页面实例。
type Client struct {
	ID          string
	Kind        Kind
	ConnectedAt time.Time

	messages chan Message

	mu         sync.RWMutex
	controller string
	closed     bool
}

// Messages 返回消息通道，断开连接后通道被关闭。
func (c *Client) Messages() <-chan Message {
	return c.messages
}

// Controller 返回当前控制该页面的 worker 版本标签，未被认领时为空。
func (c *Client) Controller() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.controller
}

// PostMessage 非阻塞投递，缓冲区已满或已断开时返回 false。
func (c *Client) PostMessage(msg Message) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.messages <- msg:
		return true
	default:
		return false
	}
}

func (c *Client) setController(tag string) {
	c.mu.Lock()
	c.controller = tag
	c.mu.Unlock()
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.messages)
}

// Registry 维护所有已连接页面，供 worker 激活时认领与广播。
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*Client
	current string
}

// NewRegistry 创建空的页面注册表。
func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]*Client)}
}

// Connect 注册新页面；若已有激活中的 worker，新页面直接由其控制。
func (r *Registry) Connect(kind Kind) *Client {
	if kind == "" || kind == KindAll {
		kind = KindWindow
	}
	client := &Client{
		ID:          uuid.NewString(),
		Kind:        kind,
		ConnectedAt: time.Now().UTC(),
		messages:    make(chan Message, defaultBuffer),
	}

	r.mu.Lock()
	client.controller = r.current
	r.clients[client.ID] = client
	r.mu.Unlock()
	return client
}

// Disconnect 移除页面并关闭其消息通道。
func (r *Registry) Disconnect(id string) {
	r.mu.Lock()
	client := r.clients[id]
	delete(r.clients, id)
	r.mu.Unlock()
	if client != nil {
		client.close()
	}
}

// Claim 让 tag 对应的 worker 立即接管全部已打开页面，无需刷新。
func (r *Registry) Claim(tag string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current = tag
	for _, client := range r.clients {
		client.setController(tag)
	}
	return len(r.clients)
}

// MatchAll 返回指定类型的页面，按连接时间排序。
func (r *Registry) MatchAll(kind Kind) []*Client {
	r.mu.RLock()
	result := make([]*Client, 0, len(r.clients))
	for _, client := range r.clients {
		if kind == "" || kind == KindAll || client.Kind == kind {
			result = append(result, client)
		}
	}
	r.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		return result[i].ConnectedAt.Before(result[j].ConnectedAt)
	})
	return result
}

// Len 返回当前连接数。
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}
