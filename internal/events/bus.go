// Package events provides the pub/sub channel between registry components.
// The registry and reputation ledger publish typed events; the health
// monitor and discovery cache subscribe. No component holds a callback on
// another; the bus is the only coupling point.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Type classifies event categories.
type Type string

const (
	TypeAgentRegistered   Type = "agent.registered"
	TypeReputationUpdated Type = "reputation.updated"
	TypeAgentSlashed      Type = "agent.slashed"
	TypeInvocationDone    Type = "invocation.done"
)

// Event is a domain event published on the bus.
type Event struct {
	ID        string         `json:"id"`
	Type      Type           `json:"type"`
	Source    string         `json:"source"`
	AgentID   string         `json:"agent_id"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Handler processes events of a subscribed type.
type Handler func(ctx context.Context, event *Event) error

// Bus provides publish/subscribe for domain events.
type Bus interface {
	// Publish sends an event to all subscribers of the event type.
	Publish(ctx context.Context, event *Event) error

	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType Type, handler Handler) (unsubscribe func())

	// Close shuts down the bus.
	Close() error
}

// LocalBus is an in-memory Bus for single-process deployments. Use
// RedisBus when multiple registry pods must see each other's events.
type LocalBus struct {
	mu          sync.RWMutex
	subscribers map[Type][]subscriberEntry
	nextID      int
	closed      bool
}

type subscriberEntry struct {
	id      int
	handler Handler
}

// NewLocalBus creates a new in-memory event bus.
func NewLocalBus() *LocalBus {
	return &LocalBus{subscribers: make(map[Type][]subscriberEntry)}
}

// Publish fans an event out to all matching subscribers asynchronously.
func (b *LocalBus) Publish(ctx context.Context, event *Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	for _, entry := range b.subscribers[event.Type] {
		h := entry.handler
		go func() {
			if err := h(ctx, event); err != nil {
				slog.Warn("event bus: handler error", "type", event.Type, "error", err)
			}
		}()
	}
	return nil
}

// Subscribe registers a handler for a specific event type.
func (b *LocalBus) Subscribe(eventType Type, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subscribers[eventType] = append(b.subscribers[eventType], subscriberEntry{
		id:      id,
		handler: handler,
	})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subscribers[eventType]
		for i, entry := range subs {
			if entry.id == id {
				b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
}

// Close shuts down the bus. Further publishes are dropped silently.
func (b *LocalBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subscribers = nil
	return nil
}
