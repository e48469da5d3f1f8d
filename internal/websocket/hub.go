package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"cutclip/internal/infrastructure"
)

// Message types
const (
	TypeConnection = "connection"
	TypeSession    = "session"
	TypeError      = "error"
)

// ErrHubStopped is returned when broadcasting after the hub stopped
var ErrHubStopped = errors.New("websocket hub stopped")

// Message is the envelope of every frame sent to clients
type Message struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	TraceID   string      `json:"trace_id,omitempty"`
}

type outbound struct {
	msgType string
	payload []byte
}

// Hub maintains the set of active clients and broadcasts messages to them
type Hub struct {
	clients map[*Client]bool
	mu      sync.RWMutex

	broadcast  chan outbound
	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	// greeting builds the first message a new client receives
	greeting func() Message

	logger  *slog.Logger
	metrics *Metrics
}

// NewHub creates a hub. Call Run to start it.
func NewHub(logger *slog.Logger, metrics *Metrics) *Hub {
	if metrics == nil {
		metrics, _ = NewMetrics(nil)
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan outbound, 16),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		logger:     infrastructure.WithComponent(logger, "websocket.hub"),
		metrics:    metrics,
	}
}

// SetGreeting sets the message sent to each client on connect. Call before
// Run.
func (h *Hub) SetGreeting(fn func() Message) {
	h.greeting = fn
}

// Run serves register, unregister and broadcast requests until ctx is
// cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) error {
	defer func() {
		close(h.done)
		h.mu.Lock()
		for client := range h.clients {
			close(client.send)
			delete(h.clients, client)
		}
		h.mu.Unlock()
		h.logger.Info("hub stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mu.Unlock()

			h.metrics.recordConnection(ctx)
			h.logger.Info("client registered",
				slog.Int("total_clients", count),
				slog.String("client_id", client.id),
				slog.String("remote_addr", client.remoteAddr))

			h.greet(client)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				count := len(h.clients)
				h.mu.Unlock()

				h.metrics.recordDisconnection(ctx, time.Since(client.connectedAt))
				h.logger.Info("client unregistered",
					slog.Int("total_clients", count),
					slog.String("client_id", client.id),
					slog.Duration("connection_duration", time.Since(client.connectedAt)))
			} else {
				h.mu.Unlock()
			}

		case msg := <-h.broadcast:
			h.fanOut(ctx, msg)
		}
	}
}

func (h *Hub) greet(client *Client) {
	msg := Message{
		Type:      TypeConnection,
		Data:      map[string]string{"status": "connected", "client_id": client.id},
		Timestamp: time.Now().UTC(),
	}
	if h.greeting != nil {
		msg = h.greeting()
	}

	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to encode greeting", slog.String("error", err.Error()))
		return
	}
	select {
	case client.send <- data:
	default:
		h.logger.Warn("client buffer full on connect", slog.String("client_id", client.id))
	}
}

func (h *Hub) fanOut(ctx context.Context, msg outbound) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		select {
		case client.send <- msg.payload:
			h.metrics.recordMessage(ctx, msg.msgType, len(msg.payload))
		default:
			// Slow client: drop it rather than block everyone else.
			close(client.send)
			delete(h.clients, client)
			h.metrics.recordDropped(ctx)
			h.logger.Warn("client send buffer full, disconnecting", slog.String("client_id", client.id))
		}
	}

	h.logger.Debug("broadcast message",
		slog.String("type", msg.msgType),
		slog.Int("client_count", len(h.clients)),
		slog.Int("message_size", len(msg.payload)))
}

// Broadcast sends a typed message to all clients
func (h *Hub) Broadcast(ctx context.Context, msgType string, data interface{}) error {
	payload, err := json.Marshal(Message{
		Type:      msgType,
		Data:      data,
		Timestamp: time.Now().UTC(),
		TraceID:   infrastructure.GetTraceID(ctx),
	})
	if err != nil {
		return err
	}

	select {
	case <-h.done:
		return ErrHubStopped
	default:
	}

	select {
	case h.broadcast <- outbound{msgType: msgType, payload: payload}:
		return nil
	case <-h.done:
		return ErrHubStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Relay broadcasts every value received on ch as msgType until ctx is
// cancelled or ch is closed.
func Relay[T any](ctx context.Context, hub *Hub, msgType string, ch <-chan T) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case v, ok := <-ch:
			if !ok {
				return nil
			}
			if err := hub.Broadcast(ctx, msgType, v); err != nil {
				if errors.Is(err, ErrHubStopped) || ctx.Err() != nil {
					return nil
				}
				hub.logger.Warn("relay broadcast failed", slog.String("error", err.Error()))
			}
		}
	}
}
