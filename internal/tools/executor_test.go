package tools

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/taskclaw/internal/eventlog"
	"github.com/nextlevelbuilder/taskclaw/internal/providers"
	"github.com/nextlevelbuilder/taskclaw/pkg/protocol"
)

type memSink struct {
	mu    sync.Mutex
	lines []string
}

func (s *memSink) Append(lines []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, lines...)
	return nil
}

func (s *memSink) LoadAll() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...), nil
}

func (s *memSink) Close() error { return nil }

func newExecutor(t *testing.T, toolsToRegister ...Tool) (*Executor, *eventlog.AuditLog) {
	t.Helper()
	audit, err := eventlog.OpenAuditLog(&memSink{})
	require.NoError(t, err)
	t.Cleanup(audit.Close)
	r := NewRegistry()
	for _, tool := range toolsToRegister {
		require.NoError(t, r.Register(tool))
	}
	return NewExecutor(r, audit), audit
}

func call(name string, args map[string]any) providers.ToolCall {
	if args == nil {
		args = map[string]any{}
	}
	return providers.ToolCall{ID: "tc1", Name: name, Arguments: args}
}

func TestExecuteUnknownToolReturnsErrorResult(t *testing.T) {
	exec, audit := newExecutor(t)
	result := exec.Execute(context.Background(), call("nope", nil), &Context{TaskID: "t1"})
	require.True(t, result.IsError)
	assert.Contains(t, result.ForLLM, "unknown tool")
	// Lookup failed before any audit entry.
	assert.Empty(t, audit.ReadAll(0))
}

func TestExecuteAppendsAuditPair(t *testing.T) {
	exec, audit := newExecutor(t, &fakeTool{name: "echo"})
	result := exec.Execute(context.Background(), call("echo", map[string]any{"x": 1}), &Context{TaskID: "t1", AuthorActorID: "agent:a"})
	require.False(t, result.IsError)

	entries := audit.ReadAll(0)
	require.Len(t, entries, 2)
	assert.Equal(t, protocol.AuditToolCallRequested, entries[0].Type)
	assert.Equal(t, protocol.AuditToolCallCompleted, entries[1].Type)
	assert.Equal(t, "tc1", entries[0].Payload.ToolCallID)
	assert.Equal(t, "t1", entries[1].Payload.TaskID)
	assert.False(t, entries[1].Payload.IsError)
	assert.Equal(t, "agent:a", entries[0].Payload.AuthorActorID)
}

func TestRiskyWithoutConfirmationRefused(t *testing.T) {
	invoked := false
	exec, audit := newExecutor(t, &fakeTool{
		name: "danger",
		risk: RiskRisky,
		execute: func(context.Context, map[string]any, *Context) *Result {
			invoked = true
			return NewResult("boom")
		},
	})

	result := exec.Execute(context.Background(), call("danger", nil), &Context{TaskID: "t1"})
	require.True(t, result.IsError)
	assert.Contains(t, result.ForLLM, "requires confirmation")
	assert.False(t, invoked)

	entries := audit.ReadAll(0)
	require.Len(t, entries, 2)
	assert.True(t, entries[1].Payload.IsError)
}

func TestRiskyConfirmationMustBindToToolCallID(t *testing.T) {
	invoked := 0
	exec, _ := newExecutor(t, &fakeTool{
		name: "danger",
		risk: RiskRisky,
		execute: func(context.Context, map[string]any, *Context) *Result {
			invoked++
			return NewResult("ran")
		},
	})

	// Approval bound to a different call id does not authorize.
	tc := &Context{TaskID: "t1", ConfirmedInteractionID: "uip1", ConfirmedToolCallID: "other"}
	result := exec.Execute(context.Background(), call("danger", nil), tc)
	assert.True(t, result.IsError)
	assert.Zero(t, invoked)

	tc.ConfirmedToolCallID = "tc1"
	result = exec.Execute(context.Background(), call("danger", nil), tc)
	assert.False(t, result.IsError)
	assert.Equal(t, 1, invoked)
}

func TestExecuteWrapsPanics(t *testing.T) {
	exec, _ := newExecutor(t, &fakeTool{
		name: "explode",
		execute: func(context.Context, map[string]any, *Context) *Result {
			panic("kaboom")
		},
	})
	result := exec.Execute(context.Background(), call("explode", nil), &Context{TaskID: "t1"})
	require.True(t, result.IsError)
	assert.Contains(t, result.ForLLM, "kaboom")
}

func TestSchemaValidationRejectsBadArguments(t *testing.T) {
	exec, _ := newExecutor(t, &fakeTool{
		name: "typed",
		params: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{"type": "string"},
			},
			"required": []string{"path"},
		},
	})

	result := exec.Execute(context.Background(), call("typed", map[string]any{}), &Context{TaskID: "t1"})
	require.True(t, result.IsError)
	assert.Contains(t, result.ForLLM, "invalid arguments")

	result = exec.Execute(context.Background(), call("typed", map[string]any{"path": "a.txt"}), &Context{TaskID: "t1"})
	assert.False(t, result.IsError)
}

func TestRecordRejectionEmitsAuditWithoutInvoking(t *testing.T) {
	invoked := false
	exec, audit := newExecutor(t, &fakeTool{
		name: "danger",
		risk: RiskRisky,
		execute: func(context.Context, map[string]any, *Context) *Result {
			invoked = true
			return NewResult("x")
		},
	})

	result := exec.RecordRejection(call("danger", nil), &Context{TaskID: "t1"})
	require.True(t, result.IsError)
	assert.Equal(t, RejectionMessage, result.ForLLM)
	assert.False(t, invoked)

	entries := audit.ReadAll(0)
	require.Len(t, entries, 2)
	assert.Equal(t, protocol.AuditToolCallRequested, entries[0].Type)
	assert.Equal(t, protocol.AuditToolCallCompleted, entries[1].Type)
	assert.True(t, entries[1].Payload.IsError)
	assert.Equal(t, RejectionMessage, entries[1].Payload.Output)
}

func TestResultMessageContentErrorEnvelope(t *testing.T) {
	res := ErrorResult(RejectionMessage)
	assert.JSONEq(t, `{"isError":true,"error":"User rejected the request"}`, res.MessageContent())
	assert.Equal(t, "plain", NewResult("plain").MessageContent())
}
