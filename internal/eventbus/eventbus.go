// Package eventbus carries execution progress events to interested
// consumers (UI streams, log tails). Topics are per-entity channels;
// payloads are JSON with a type discriminator.
package eventbus

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Topic builders. One channel per entity keeps subscriber fan-out cheap.
func TopicJob(jobID string) string              { return "job:" + jobID }
func TopicStep(stepID string) string            { return "step:" + stepID }
func TopicEphemeralJob(jobID string) string     { return "ephemeral_job:" + jobID }
func TopicWorkspaceLogs(workspace string) string { return "workspace_logs:" + workspace }

// Event is one progress notification.
type Event struct {
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// NewEvent stamps an event with the current time.
func NewEvent(eventType string, payload map[string]any) Event {
	return Event{Type: eventType, Timestamp: time.Now().UTC(), Payload: payload}
}

// Marshal renders the event for the wire.
func (e Event) Marshal() ([]byte, error) { return json.Marshal(e) }

// Publisher emits events. Publishing is fire-and-forget; a lost event
// must never fail the operation that produced it.
type Publisher interface {
	Publish(ctx context.Context, topic string, event Event) error
}

// Bus is a publisher with subscriptions.
type Bus interface {
	Publisher
	// Subscribe delivers events for topic on the returned channel until
	// ctx is done. Slow consumers drop events rather than block
	// publishers.
	Subscribe(ctx context.Context, topic string) (<-chan Event, error)
	Close() error
}

// NopPublisher discards events.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, string, Event) error { return nil }

// MemoryBus is an in-process bus for tests and the single-binary mode.
type MemoryBus struct {
	mu     sync.Mutex
	subs   map[string][]chan Event
	closed bool
}

// NewMemoryBus creates an empty in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string][]chan Event)}
}

func (b *MemoryBus) Publish(_ context.Context, topic string, event Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[topic] {
		select {
		case ch <- event:
		default:
			// drop for slow consumers
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, topic string) (<-chan Event, error) {
	ch := make(chan Event, 64)

	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[topic]
		for i, sub := range subs {
			if sub == ch {
				b.subs[topic] = append(subs[:i], subs[i+1:]...)
				close(ch)
				break
			}
		}
	}()
	return ch, nil
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for topic, subs := range b.subs {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.subs, topic)
	}
	return nil
}
