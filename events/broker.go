// Package events fans pipeline state changes out to live HTTP clients and
// external sinks.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Type names an event.
type Type string

const (
	RunStarted        Type = "run_started"
	RunFinished       Type = "run_finished"
	JobState          Type = "job_state"
	ArtifactPublished Type = "artifact_published"
)

// Event is one state change of a pipeline run.
type Event struct {
	Type    Type      `json:"type"`
	RunID   string    `json:"run_id"`
	Project string    `json:"project,omitempty"`
	Job     string    `json:"job,omitempty"`
	Matrix  string    `json:"matrix,omitempty"`
	State   string    `json:"state,omitempty"`
	Reason  string    `json:"reason,omitempty"`
	Detail  string    `json:"detail,omitempty"`
	Time    time.Time `json:"time"`
}

// Sink receives every event the broker publishes.
type Sink interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Broker manages SSE connections and broadcasts events
type Broker struct {
	clients map[chan string]bool
	sinks   []Sink
	logger  *slog.Logger
	mu      sync.RWMutex
}

// Global event broker instance
var broker = NewBroker(nil)

// GetBroker returns the global event broker
func GetBroker() *Broker {
	return broker
}

// NewBroker returns a broker without clients or sinks.
func NewBroker(logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Broker{clients: make(map[chan string]bool), logger: logger}
}

// SetLogger replaces the broker's logger.
func (b *Broker) SetLogger(logger *slog.Logger) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logger = logger
}

// AddSink attaches s; it receives every later event.
func (b *Broker) AddSink(s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, s)
}

// Register adds a new SSE client
func (b *Broker) Register(client chan string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clients[client] = true
	b.logger.Debug("SSE client connected", "clients", len(b.clients))
}

// Unregister removes an SSE client
func (b *Broker) Unregister(client chan string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.clients[client] {
		delete(b.clients, client)
		close(client)
	}
	b.logger.Debug("SSE client disconnected", "clients", len(b.clients))
}

// Publish sends e to every client and sink. A client whose buffer is full
// misses the event; a failing sink is logged and skipped.
func (b *Broker) Publish(ctx context.Context, e Event) {
	if b == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.Broadcast(string(e.Type), e)

	b.mu.RLock()
	sinks := b.sinks
	logger := b.logger
	b.mu.RUnlock()
	for _, sink := range sinks {
		if err := sink.Publish(ctx, e); err != nil {
			logger.Warn("event sink failed", "type", e.Type, "run", e.RunID, "error", err)
		}
	}
}

// Broadcast sends an event to all connected clients
func (b *Broker) Broadcast(eventType string, data any) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	jsonData, err := json.Marshal(data)
	if err != nil {
		b.logger.Error("failed to marshal event data", "type", eventType, "error", err)
		return
	}

	message := fmt.Sprintf("event: %s\ndata: %s\n\n", eventType, jsonData)

	for client := range b.clients {
		select {
		case client <- message:
		default:
			// Client buffer full, skip
		}
	}
}

// Close closes every sink.
func (b *Broker) Close() error {
	b.mu.Lock()
	sinks := b.sinks
	b.sinks = nil
	b.mu.Unlock()

	var firstErr error
	for _, sink := range sinks {
		if err := sink.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
