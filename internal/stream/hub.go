// Package stream implements the Streaming Facade: topic-addressed fan-out
// of log, diff, workspace-list and session-process-list updates to
// WebSocket subscribers. It implements engine.Notifier so the Execution
// Engine can push process lifecycle events without depending on this
// package's transport details.
package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"nhooyr.io/websocket"
)

// Event is one item delivered to a subscriber.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// client is a single registered subscriber on one topic.
type client struct {
	topic string
	send  chan Event
}

// Hub multiplexes topic-addressed broadcasts to bounded per-client queues;
// a client whose queue is full is dropped rather than allowed to stall a
// producer, mirroring the Message Store's own drop-slow-subscriber policy.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*client]struct{}
}

func newHub() *Hub {
	return &Hub{clients: make(map[string]map[*client]struct{})}
}

func (h *Hub) subscribe(topic string) *client {
	c := &client{topic: topic, send: make(chan Event, 256)}
	h.mu.Lock()
	if h.clients[topic] == nil {
		h.clients[topic] = make(map[*client]struct{})
	}
	h.clients[topic][c] = struct{}{}
	h.mu.Unlock()
	return c
}

func (h *Hub) unsubscribe(c *client) {
	h.mu.Lock()
	if set, ok := h.clients[c.topic]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.clients, c.topic)
		}
	}
	h.mu.Unlock()
	close(c.send)
}

func (h *Hub) publish(topic string, ev Event) {
	h.mu.RLock()
	set := h.clients[topic]
	targets := make([]*client, 0, len(set))
	for c := range set {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		select {
		case c.send <- ev:
		default:
			slog.Warn("stream: dropping slow subscriber", "topic", topic)
			go h.unsubscribe(c)
		}
	}
}

// Serve subscribes conn, an already-upgraded WebSocket connection, to
// topic, writing replay first (if any) then streaming subsequent publishes
// until the connection closes. Blocks until the connection ends.
func (h *Hub) Serve(ctx context.Context, conn *websocket.Conn, topic string, replay []Event) {
	c := h.subscribe(topic)
	defer h.unsubscribe(c)

	writeErr := make(chan error, 1)
	go func() {
		for _, ev := range replay {
			if err := writeEvent(ctx, conn, ev); err != nil {
				writeErr <- err
				return
			}
		}
		for ev := range c.send {
			if err := writeEvent(ctx, conn, ev); err != nil {
				writeErr <- err
				return
			}
		}
	}()

	// We don't expect inbound messages; a read error (including client
	// close) is our only signal to stop.
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				writeErr <- err
				return
			}
		}
	}()

	<-writeErr
}

func writeEvent(ctx context.Context, conn *websocket.Conn, ev Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}
