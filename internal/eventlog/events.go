// Package eventlog implements the three durable append-only logs the
// kernel is built on: domain events, conversation messages, and the audit
// trail. Each log is an in-memory cache over a store.Sink, with
// write-ahead ordering (the serialized line is durable before the cache
// mutates) and a hot subscription stream.
package eventlog

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/taskclaw/internal/store"
)

// Event is one row of the domain event log. StreamID is the task id;
// Seq is dense and 1-based per stream; ID is strictly increasing across
// the whole log.
type Event struct {
	ID        uint64          `json:"id"`
	StreamID  string          `json:"streamId"`
	Seq       uint32          `json:"seq"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// PendingEvent is an event before the log assigns its identity.
type PendingEvent struct {
	Type    string
	Payload any
}

// EventLog is the durable domain event sequence.
type EventLog struct {
	mu        sync.Mutex
	sink      store.Sink
	records   []Event
	streams   map[string][]int // streamID -> indexes into records
	streamSeq map[string]uint32
	nextID    uint64
	hub       *hub[Event]
}

// OpenEventLog loads the cache from the sink. Corrupt lines are logged
// and skipped; they never abort startup.
func OpenEventLog(sink store.Sink) (*EventLog, error) {
	l := &EventLog{
		sink:      sink,
		streams:   make(map[string][]int),
		streamSeq: make(map[string]uint32),
		hub:       newHub[Event](),
	}
	lines, err := sink.LoadAll()
	if err != nil {
		return nil, fmt.Errorf("load event log: %w", err)
	}
	for _, line := range lines {
		var ev Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			slog.Warn("skipping corrupt event line", "error", err)
			continue
		}
		l.commit(ev)
	}
	return l, nil
}

// commit adds a record to the cache, assuming identity is already valid.
func (l *EventLog) commit(ev Event) {
	idx := len(l.records)
	l.records = append(l.records, ev)
	l.streams[ev.StreamID] = append(l.streams[ev.StreamID], idx)
	if ev.Seq > l.streamSeq[ev.StreamID] {
		l.streamSeq[ev.StreamID] = ev.Seq
	}
	if ev.ID > l.nextID {
		l.nextID = ev.ID
	}
}

// Append atomically appends events to one stream. Identity (global id,
// per-stream seq, timestamp) is assigned here. The serialized lines reach
// the sink before the cache mutates; on sink failure nothing is assigned.
func (l *EventLog) Append(streamID string, pending ...PendingEvent) ([]Event, error) {
	if len(pending) == 0 {
		return nil, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now().UTC()
	events := make([]Event, len(pending))
	lines := make([]string, len(pending))
	for i, p := range pending {
		payload, err := json.Marshal(p.Payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload for %s: %w", p.Type, err)
		}
		ev := Event{
			ID:        l.nextID + uint64(i) + 1,
			StreamID:  streamID,
			Seq:       l.streamSeq[streamID] + uint32(i) + 1,
			Type:      p.Type,
			Payload:   payload,
			CreatedAt: now,
		}
		line, err := json.Marshal(ev)
		if err != nil {
			return nil, fmt.Errorf("marshal event %s: %w", p.Type, err)
		}
		events[i] = ev
		lines[i] = string(line)
	}

	if err := l.sink.Append(lines); err != nil {
		// Counters were never advanced; the failed ids are simply reused.
		return nil, fmt.Errorf("append events: %w", err)
	}

	for _, ev := range events {
		l.commit(ev)
		l.hub.publish(ev)
	}
	return events, nil
}

// ReadAll returns every event with id > fromIDExclusive, in append order.
func (l *EventLog) ReadAll(fromIDExclusive uint64) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for _, ev := range l.records {
		if ev.ID > fromIDExclusive {
			out = append(out, ev)
		}
	}
	return out
}

// ReadStream returns the events of one stream with seq >= fromSeq.
func (l *EventLog) ReadStream(streamID string, fromSeq uint32) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for _, idx := range l.streams[streamID] {
		if ev := l.records[idx]; ev.Seq >= fromSeq {
			out = append(out, ev)
		}
	}
	return out
}

// ReadByID returns a single event by global id.
func (l *EventLog) ReadByID(id uint64) (Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ev := range l.records {
		if ev.ID == id {
			return ev, true
		}
	}
	return Event{}, false
}

// LastID returns the highest assigned global id.
func (l *EventLog) LastID() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextID
}

// Subscribe registers a handler for every future append, in append order.
// The returned function unsubscribes.
func (l *EventLog) Subscribe(handler func(Event)) func() {
	return l.hub.subscribe(handler)
}

// Close stops the subscription dispatcher. The sink is closed by its owner.
func (l *EventLog) Close() {
	l.hub.close()
}
