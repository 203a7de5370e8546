package routes

import (
	"bufio"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/shellcache/shellcache/internal/clients"
)

const keepAliveInterval = 25 * time.Second

// RegisterClientRoutes 暴露 /-/clients 事件流：页面连接后被当前 worker 控制，
// 并以 server-sent events 接收 NEW_VERSION 等消息。
func RegisterClientRoutes(app *fiber.App, registry *clients.Registry) {
	if app == nil || registry == nil {
		return
	}

	app.Get("/-/clients", func(c fiber.Ctx) error {
		kind, ok := parseKind(c.Query("type"))
		if !ok {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "client_type_invalid"})
		}

		client := registry.Connect(kind)
		c.Set(fiber.HeaderContentType, "text/event-stream")
		c.Set(fiber.HeaderCacheControl, "no-cache")
		c.Set("X-Accel-Buffering", "no")

		return c.SendStreamWriter(func(w *bufio.Writer) {
			defer registry.Disconnect(client.ID)
			streamMessages(w, client, keepAliveInterval)
		})
	})
}

func parseKind(raw string) (clients.Kind, bool) {
	switch clients.Kind(strings.ToLower(strings.TrimSpace(raw))) {
	case "", clients.KindWindow:
		return clients.KindWindow, true
	case clients.KindWorker:
		return clients.KindWorker, true
	default:
		return "", false
	}
}

// streamMessages 先发送 hello 事件，随后转发消息直到通道关闭或写入失败。
func streamMessages(w *bufio.Writer, client *clients.Client, keepAlive time.Duration) {
	hello := fiber.Map{"id": client.ID, "controller": client.Controller()}
	if err := writeEvent(w, "hello", hello); err != nil {
		return
	}

	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()
	for {
		select {
		case msg, ok := <-client.Messages():
			if !ok {
				return
			}
			if err := writeEvent(w, "message", msg); err != nil {
				return
			}
		case <-ticker.C:
			if _, err := w.WriteString(": ping\n\n"); err != nil {
				return
			}
			if err := w.Flush(); err != nil {
				return
			}
		}
	}
}

func writeEvent(w *bufio.Writer, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	return w.Flush()
}
