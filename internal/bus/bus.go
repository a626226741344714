// Package bus is the in-process UI event stream: the port a WebSocket or
// CLI adapter subscribes to. The kernel publishes and never blocks on a
// consumer; slow subscribers drop.
package bus

import (
	"log/slog"
	"sync"
)

// Event is one UI-only message (agent_output, stream_delta, tool call
// lifecycle, audit_entry). Name values live in pkg/protocol.
type Event struct {
	Name    string `json:"name"`
	TaskID  string `json:"taskId,omitempty"`
	AgentID string `json:"agentId,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

// Publisher abstracts event broadcast + subscription.
type Publisher interface {
	Subscribe(id string, handler func(Event))
	Unsubscribe(id string)
	Broadcast(event Event)
}

const subscriberBuffer = 256

// MessageBus fans events out to named subscribers, each behind a
// buffered channel drained by its own goroutine. A full buffer drops the
// event for that subscriber; the producer never waits.
type MessageBus struct {
	mu   sync.RWMutex
	subs map[string]*subscriber
}

type subscriber struct {
	ch   chan Event
	done chan struct{}
}

func NewMessageBus() *MessageBus {
	return &MessageBus{subs: make(map[string]*subscriber)}
}

func (b *MessageBus) Subscribe(id string, handler func(Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if old, exists := b.subs[id]; exists {
		close(old.done)
	}
	sub := &subscriber{
		ch:   make(chan Event, subscriberBuffer),
		done: make(chan struct{}),
	}
	b.subs[id] = sub
	go func() {
		for {
			select {
			case ev := <-sub.ch:
				handler(ev)
			case <-sub.done:
				return
			}
		}
	}()
}

func (b *MessageBus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, exists := b.subs[id]; exists {
		close(sub.done)
		delete(b.subs, id)
	}
}

func (b *MessageBus) Broadcast(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, sub := range b.subs {
		select {
		case sub.ch <- event:
		default:
			slog.Debug("dropping UI event for slow subscriber", "subscriber", id, "event", event.Name)
		}
	}
}
