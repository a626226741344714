package eventlog

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/taskclaw/internal/providers"
	"github.com/nextlevelbuilder/taskclaw/internal/store"
)

// ConversationRecord is one row of conversations.jsonl: a persisted
// message at a dense, 1-based per-task index.
type ConversationRecord struct {
	ID        uint64            `json:"id"`
	TaskID    string            `json:"taskId"`
	Index     uint32            `json:"index"`
	Message   providers.Message `json:"message"`
	CreatedAt time.Time         `json:"createdAt"`
}

// ConversationLog is the durable per-task message sequence.
type ConversationLog struct {
	mu      sync.Mutex
	sink    store.Sink
	records []ConversationRecord
	tasks   map[string][]int // taskID -> indexes into records
	taskIdx map[string]uint32
	nextID  uint64
	hub     *hub[ConversationRecord]
}

func OpenConversationLog(sink store.Sink) (*ConversationLog, error) {
	l := &ConversationLog{
		sink:    sink,
		tasks:   make(map[string][]int),
		taskIdx: make(map[string]uint32),
		hub:     newHub[ConversationRecord](),
	}
	lines, err := sink.LoadAll()
	if err != nil {
		return nil, fmt.Errorf("load conversation log: %w", err)
	}
	for _, line := range lines {
		var rec ConversationRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			slog.Warn("skipping corrupt conversation line", "error", err)
			continue
		}
		l.commit(rec)
	}
	return l, nil
}

func (l *ConversationLog) commit(rec ConversationRecord) {
	idx := len(l.records)
	l.records = append(l.records, rec)
	l.tasks[rec.TaskID] = append(l.tasks[rec.TaskID], idx)
	if rec.Index > l.taskIdx[rec.TaskID] {
		l.taskIdx[rec.TaskID] = rec.Index
	}
	if rec.ID > l.nextID {
		l.nextID = rec.ID
	}
}

// Append persists messages at the end of a task's conversation.
func (l *ConversationLog) Append(taskID string, msgs ...providers.Message) ([]ConversationRecord, error) {
	if len(msgs) == 0 {
		return nil, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.appendLocked(taskID, msgs)
}

func (l *ConversationLog) appendLocked(taskID string, msgs []providers.Message) ([]ConversationRecord, error) {
	now := time.Now().UTC()
	records := make([]ConversationRecord, len(msgs))
	lines := make([]string, len(msgs))
	for i, msg := range msgs {
		rec := ConversationRecord{
			ID:        l.nextID + uint64(i) + 1,
			TaskID:    taskID,
			Index:     l.taskIdx[taskID] + uint32(i) + 1,
			Message:   msg,
			CreatedAt: now,
		}
		line, err := json.Marshal(rec)
		if err != nil {
			return nil, fmt.Errorf("marshal conversation record: %w", err)
		}
		records[i] = rec
		lines[i] = string(line)
	}

	if err := l.sink.Append(lines); err != nil {
		return nil, fmt.Errorf("append conversation: %w", err)
	}

	for _, rec := range records {
		l.commit(rec)
		l.hub.publish(rec)
	}
	return records, nil
}

// AppendToolResultIfMissing persists a role=tool message unless the task
// already has a tool result for the same toolCallId. The check and append
// share one critical section so concurrent sources (catch-up + live
// subscription) cannot both write.
func (l *ConversationLog) AppendToolResultIfMissing(taskID string, msg providers.Message) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, idx := range l.tasks[taskID] {
		rec := l.records[idx]
		if rec.Message.Role == providers.RoleTool && rec.Message.ToolCallID == msg.ToolCallID {
			return false, nil
		}
	}
	if _, err := l.appendLocked(taskID, []providers.Message{msg}); err != nil {
		return false, err
	}
	return true, nil
}

// ReadTask returns the persisted messages of one task in index order.
func (l *ConversationLog) ReadTask(taskID string) []providers.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	idxs := l.tasks[taskID]
	out := make([]providers.Message, 0, len(idxs))
	for _, idx := range idxs {
		out = append(out, l.records[idx].Message)
	}
	return out
}

// ReadTaskRecords returns the full records of one task in index order.
func (l *ConversationLog) ReadTaskRecords(taskID string) []ConversationRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	idxs := l.tasks[taskID]
	out := make([]ConversationRecord, 0, len(idxs))
	for _, idx := range idxs {
		out = append(out, l.records[idx])
	}
	return out
}

// Subscribe registers a handler for every future append.
func (l *ConversationLog) Subscribe(handler func(ConversationRecord)) func() {
	return l.hub.subscribe(handler)
}

func (l *ConversationLog) Close() {
	l.hub.close()
}
