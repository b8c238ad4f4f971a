package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisBus distributes events across registry pods using Redis Pub/Sub.
// It also fans out to in-process subscribers so co-located handlers see
// events without a network round trip.
type RedisBus struct {
	mu        sync.RWMutex
	client    *redis.Client
	prefix    string
	localSubs map[Type][]subscriberEntry
	nextID    int
	cancels   []context.CancelFunc
	closed    bool
}

// NewRedisBus creates a Redis-backed event bus.
func NewRedisBus(client *redis.Client, channelPrefix string) *RedisBus {
	if channelPrefix == "" {
		channelPrefix = "mesh:events:"
	}
	return &RedisBus{
		client:    client,
		prefix:    channelPrefix,
		localSubs: make(map[Type][]subscriberEntry),
	}
}

// Publish sends an event to Redis Pub/Sub so all pods receive it. Falls
// back to local-only delivery when Redis is unreachable.
func (b *RedisBus) Publish(ctx context.Context, event *Event) error {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return fmt.Errorf("event bus is closed")
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	channel := b.prefix + string(event.Type)
	if err := b.client.Publish(ctx, channel, data).Err(); err != nil {
		slog.Warn("event bus: redis publish failed, delivering locally",
			"type", event.Type, "error", err)
		b.deliverLocal(ctx, event)
	}
	return nil
}

// Subscribe registers a handler that receives events from all pods.
func (b *RedisBus) Subscribe(eventType Type, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.localSubs[eventType] = append(b.localSubs[eventType], subscriberEntry{
		id:      id,
		handler: handler,
	})

	subCtx, cancel := context.WithCancel(context.Background())
	b.cancels = append(b.cancels, cancel)

	channel := b.prefix + string(eventType)
	pubsub := b.client.Subscribe(subCtx, channel)
	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-pubsub.Channel():
				if !ok {
					return
				}
				var event Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					slog.Warn("event bus: failed to unmarshal event", "error", err)
					continue
				}
				b.deliverLocal(subCtx, &event)
			}
		}
	}()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.localSubs[eventType]
		for i, entry := range subs {
			if entry.id == id {
				b.localSubs[eventType] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		cancel()
	}
}

// Close shuts down the bus and all Redis subscriptions.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true

	for _, cancel := range b.cancels {
		cancel()
	}
	b.cancels = nil
	b.localSubs = nil
	return nil
}

func (b *RedisBus) deliverLocal(ctx context.Context, event *Event) {
	b.mu.RLock()
	handlers := b.localSubs[event.Type]
	b.mu.RUnlock()

	for _, entry := range handlers {
		h := entry.handler
		go func() {
			if err := h(ctx, event); err != nil {
				slog.Warn("event bus: handler error", "type", event.Type, "error", err)
			}
		}()
	}
}
