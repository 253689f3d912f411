package chronicle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Feed names offered over the subscription boundary.
const (
	FeedSensorStatus = "sensorStatus"
	FeedLogs         = "logs"
)

// StatusEvent reports a sensor state change to subscribers.
type StatusEvent struct {
	SensorID  string    `json:"sensor_id"`
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// LogEvent mirrors one log record into the log feed.
type LogEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Attrs     string    `json:"attrs,omitempty"`
}

// HubConfig configures the status hub.
type HubConfig struct {
	// BufferSize is the channel buffer per subscription. Slow consumers
	// drop events rather than stall producers. Default: 256.
	BufferSize int `yaml:"buffer_size"`
}

// HubSubscription is one live subscription to a feed.
type HubSubscription struct {
	ID   string
	Feed string

	ch     chan any
	done   chan struct{}
	mu     sync.Mutex
	closed bool
}

// C returns the channel delivering feed payloads.
func (s *HubSubscription) C() <-chan any { return s.ch }

// Done is closed when the subscription ends.
func (s *HubSubscription) Done() <-chan struct{} { return s.done }

// Close ends the subscription.
func (s *HubSubscription) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
	close(s.ch)
}

func (s *HubSubscription) deliver(payload any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- payload:
	default:
		// Buffer full, drop the event
	}
}

// StatusHub fans sensor status changes and log records out to live
// subscribers. Producers never block on a slow subscriber.
type StatusHub struct {
	mu         sync.RWMutex
	subs       map[string]*HubSubscription
	nextID     uint64
	bufferSize int
}

// NewStatusHub creates a hub.
func NewStatusHub(cfg HubConfig) *StatusHub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}
	return &StatusHub{
		subs:       make(map[string]*HubSubscription),
		bufferSize: cfg.BufferSize,
	}
}

// Subscribe creates a subscription for a feed.
func (h *StatusHub) Subscribe(feed string) *HubSubscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	sub := &HubSubscription{
		ID:   fmt.Sprintf("sub-%d", h.nextID),
		Feed: feed,
		ch:   make(chan any, h.bufferSize),
		done: make(chan struct{}),
	}
	h.subs[sub.ID] = sub
	return sub
}

// Unsubscribe removes and closes a subscription.
func (h *StatusHub) Unsubscribe(id string) {
	h.mu.Lock()
	sub, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
	}
	h.mu.Unlock()

	if ok {
		sub.Close()
	}
}

// PublishStatus delivers a sensor status change to the status feed.
func (h *StatusHub) PublishStatus(event StatusEvent) {
	h.publish(FeedSensorStatus, event)
}

// PublishLog delivers a log record to the log feed.
func (h *StatusHub) PublishLog(event LogEvent) {
	h.publish(FeedLogs, event)
}

func (h *StatusHub) publish(feed string, payload any) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		if sub.Feed == feed {
			sub.deliver(payload)
		}
	}
}

// Count returns the number of live subscriptions.
func (h *StatusHub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// hubLogHandler tees slog records into the hub's log feed while delegating
// to the wrapped handler.
type hubLogHandler struct {
	inner slog.Handler
	hub   *StatusHub
}

// NewHubLogHandler wraps a slog handler so every record is also published
// on the hub's log feed.
func NewHubLogHandler(inner slog.Handler, hub *StatusHub) slog.Handler {
	return &hubLogHandler{inner: inner, hub: hub}
}

func (h *hubLogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *hubLogHandler) Handle(ctx context.Context, record slog.Record) error {
	attrs := ""
	record.Attrs(func(a slog.Attr) bool {
		if attrs != "" {
			attrs += " "
		}
		attrs += a.String()
		return true
	})
	h.hub.PublishLog(LogEvent{
		Timestamp: record.Time,
		Level:     record.Level.String(),
		Message:   record.Message,
		Attrs:     attrs,
	})
	return h.inner.Handle(ctx, record)
}

func (h *hubLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &hubLogHandler{inner: h.inner.WithAttrs(attrs), hub: h.hub}
}

func (h *hubLogHandler) WithGroup(name string) slog.Handler {
	return &hubLogHandler{inner: h.inner.WithGroup(name), hub: h.hub}
}
