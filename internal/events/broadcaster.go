package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is the subset of *websocket.Conn the Broadcaster writes to.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
}

// Envelope is the JSON frame sent to live feed clients.
type Envelope struct {
	Event     Name      `json:"event"`
	Timestamp time.Time `json:"timestamp"`
	Data      Event     `json:"data"`
}

// Broadcaster is a Subscriber that forwards events to WebSocket clients.
type Broadcaster struct {
	mu          sync.Mutex
	connections map[Conn]struct{}
	logger      *slog.Logger
	metrics     *Metrics
	now         func() time.Time
}

// NewBroadcaster creates a Broadcaster. metrics may be nil.
func NewBroadcaster(logger *slog.Logger, metrics *Metrics) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		connections: make(map[Conn]struct{}),
		logger:      logger,
		metrics:     metrics,
		now:         time.Now,
	}
}

// Add registers a client connection.
func (b *Broadcaster) Add(conn Conn) {
	b.mu.Lock()
	b.connections[conn] = struct{}{}
	n := len(b.connections)
	b.mu.Unlock()
	b.reportConnections(n)
}

// Remove unregisters a client connection.
func (b *Broadcaster) Remove(conn Conn) {
	b.mu.Lock()
	delete(b.connections, conn)
	n := len(b.connections)
	b.mu.Unlock()
	b.reportConnections(n)
}

// ConnectionCount returns the number of registered clients.
func (b *Broadcaster) ConnectionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.connections)
}

// Handle serializes the event once and writes it to every client. Write
// failures drop the client; they are not reported to the Bus.
func (b *Broadcaster) Handle(ctx context.Context, e Event) error {
	data, err := json.Marshal(Envelope{
		Event:     e.EventName(),
		Timestamp: b.now().UTC(),
		Data:      e,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	// Writes hold the lock: gorilla connections allow one concurrent writer.
	b.mu.Lock()
	var failed []Conn
	for conn := range b.connections {
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			b.logger.Warn("failed to send event to websocket client",
				slog.String("event", string(e.EventName())),
				slog.String("error", err.Error()))
			failed = append(failed, conn)
		}
	}
	for _, conn := range failed {
		delete(b.connections, conn)
	}
	n := len(b.connections)
	b.mu.Unlock()

	if len(failed) > 0 {
		b.reportConnections(n)
	}
	return nil
}

func (b *Broadcaster) reportConnections(n int) {
	if b.metrics != nil {
		b.metrics.SetBroadcastConnections(n)
	}
}
