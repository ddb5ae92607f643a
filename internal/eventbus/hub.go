// Package eventbus fans monitoring telemetry out to live websocket subscribers, either
// directly in-process or across instances through Redis pub/sub.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeTimeout = 5 * time.Second

// Message is the frame pushed to every subscriber of Channel.
type Message struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
	SentAt  time.Time       `json:"sent_at"`
}

type client struct {
	conn     *websocket.Conn
	channels map[string]struct{}
	mu       sync.Mutex
}

func (c *client) wants(channel string) bool {
	if len(c.channels) == 0 {
		return true
	}
	_, ok := c.channels[channel]
	return ok
}

type Hub struct {
	mu        sync.RWMutex
	clients   map[*websocket.Conn]*client
	keepAlive time.Duration
	log       *slog.Logger
}

func NewHub(keepAlive time.Duration, log *slog.Logger) *Hub {
	return &Hub{
		clients:   make(map[*websocket.Conn]*client),
		keepAlive: keepAlive,
		log:       log,
	}
}

// Register adds conn. An empty channel list subscribes to everything.
func (h *Hub) Register(conn *websocket.Conn, channels []string) {
	c := &client{conn: conn, channels: make(map[string]struct{}, len(channels))}
	for _, ch := range channels {
		if ch != "" {
			c.channels[ch] = struct{}{}
		}
	}

	h.mu.Lock()
	h.clients[conn] = c
	h.mu.Unlock()

	h.startKeepAlive(c)
}

func (h *Hub) Unregister(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, conn)
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish delivers payload to local subscribers. It satisfies service.Notifier.
func (h *Hub) Publish(_ context.Context, channel string, payload any) error {
	frame, err := encode(channel, payload)
	if err != nil {
		return err
	}
	h.Broadcast(channel, frame)
	return nil
}

// Broadcast writes an encoded frame to every subscriber of channel. Connections that fail
// to accept the write are dropped.
func (h *Hub) Broadcast(channel string, frame []byte) {
	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		if c.wants(channel) {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.mu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		err := c.conn.WriteMessage(websocket.TextMessage, frame)
		c.mu.Unlock()
		if err != nil {
			h.log.Debug("dropping live subscriber", "err", err)
			h.Unregister(c.conn)
			_ = c.conn.Close()
		}
	}
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		_ = conn.Close()
		delete(h.clients, conn)
	}
}

func (h *Hub) startKeepAlive(c *client) {
	if h.keepAlive <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(h.keepAlive)
		defer ticker.Stop()
		for range ticker.C {
			c.mu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			c.mu.Unlock()
			if err != nil {
				h.Unregister(c.conn)
				_ = c.conn.Close()
				return
			}
		}
	}()
}

func encode(channel string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", channel, err)
	}
	return json.Marshal(Message{Channel: channel, Data: data, SentAt: time.Now().UTC()})
}
