package eventlog

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/taskclaw/internal/store"
)

// AuditPayload records one tool call boundary. Requested entries carry
// Input; Completed entries carry Output, IsError and DurationMs.
type AuditPayload struct {
	TaskID        string          `json:"taskId"`
	ToolCallID    string          `json:"toolCallId"`
	ToolName      string          `json:"toolName"`
	Input         json.RawMessage `json:"input,omitempty"`
	Output        string          `json:"output,omitempty"`
	IsError       bool            `json:"isError,omitempty"`
	DurationMs    int64           `json:"durationMs,omitempty"`
	AuthorActorID string          `json:"authorActorId,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// AuditRecord is one row of audit.jsonl. Never part of conversation
// history.
type AuditRecord struct {
	ID        uint64       `json:"id"`
	Type      string       `json:"type"`
	Payload   AuditPayload `json:"payload"`
	CreatedAt time.Time    `json:"createdAt"`
}

// AuditLog is the durable tool invocation trail.
type AuditLog struct {
	mu      sync.Mutex
	sink    store.Sink
	records []AuditRecord
	nextID  uint64
	hub     *hub[AuditRecord]
}

func OpenAuditLog(sink store.Sink) (*AuditLog, error) {
	l := &AuditLog{
		sink: sink,
		hub:  newHub[AuditRecord](),
	}
	lines, err := sink.LoadAll()
	if err != nil {
		return nil, fmt.Errorf("load audit log: %w", err)
	}
	for _, line := range lines {
		var rec AuditRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			slog.Warn("skipping corrupt audit line", "error", err)
			continue
		}
		l.records = append(l.records, rec)
		if rec.ID > l.nextID {
			l.nextID = rec.ID
		}
	}
	return l, nil
}

// Append persists one audit entry and returns it with identity assigned.
func (l *AuditLog) Append(entryType string, payload AuditPayload) (AuditRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec := AuditRecord{
		ID:        l.nextID + 1,
		Type:      entryType,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return AuditRecord{}, fmt.Errorf("marshal audit record: %w", err)
	}
	if err := l.sink.Append([]string{string(line)}); err != nil {
		return AuditRecord{}, fmt.Errorf("append audit: %w", err)
	}
	l.records = append(l.records, rec)
	l.nextID = rec.ID
	l.hub.publish(rec)
	return rec, nil
}

// ReadAll returns every audit entry with id > fromIDExclusive.
func (l *AuditLog) ReadAll(fromIDExclusive uint64) []AuditRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []AuditRecord
	for _, rec := range l.records {
		if rec.ID > fromIDExclusive {
			out = append(out, rec)
		}
	}
	return out
}

// ReadTask returns the audit entries for one task.
func (l *AuditLog) ReadTask(taskID string) []AuditRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []AuditRecord
	for _, rec := range l.records {
		if rec.Payload.TaskID == taskID {
			out = append(out, rec)
		}
	}
	return out
}

// Subscribe registers a handler for every future append.
func (l *AuditLog) Subscribe(handler func(AuditRecord)) func() {
	return l.hub.subscribe(handler)
}

func (l *AuditLog) Close() {
	l.hub.close()
}
