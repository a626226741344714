package conversation

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/taskclaw/internal/eventlog"
	"github.com/nextlevelbuilder/taskclaw/internal/providers"
	"github.com/nextlevelbuilder/taskclaw/internal/tools"
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

type scriptTool struct {
	name    string
	risk    tools.Risk
	invoked *int
}

func (s *scriptTool) Name() string               { return s.name }
func (s *scriptTool) Description() string        { return s.name }
func (s *scriptTool) Group() string              { return tools.GroupFS }
func (s *scriptTool) Parameters() map[string]any { return map[string]any{"type": "object"} }
func (s *scriptTool) RiskLevel(map[string]any, *tools.Context) tools.Risk {
	return s.risk
}

func (s *scriptTool) Execute(context.Context, map[string]any, *tools.Context) *tools.Result {
	if s.invoked != nil {
		*s.invoked++
	}
	return tools.NewResult(s.name + " output")
}

func setup(t *testing.T, registered ...tools.Tool) (*Manager, *eventlog.ConversationLog, *eventlog.AuditLog) {
	t.Helper()
	conv, err := eventlog.OpenConversationLog(&memSink{})
	require.NoError(t, err)
	t.Cleanup(conv.Close)
	audit, err := eventlog.OpenAuditLog(&memSink{})
	require.NoError(t, err)
	t.Cleanup(audit.Close)

	registry := tools.NewRegistry()
	for _, tool := range registered {
		require.NoError(t, registry.Register(tool))
	}
	return NewManager(conv, tools.NewExecutor(registry, audit)), conv, audit
}

func preloadDangling(t *testing.T, conv *eventlog.ConversationLog, toolName, callID string) {
	t.Helper()
	_, err := conv.Append("t1",
		providers.Message{Role: providers.RoleSystem, Content: "sys"},
		providers.Message{Role: providers.RoleUser, Content: "go"},
		providers.Message{
			Role: providers.RoleAssistant,
			ToolCalls: []providers.ToolCall{
				{ID: callID, Name: toolName, Arguments: map[string]any{"path": "a.txt"}},
			},
		},
	)
	require.NoError(t, err)
}

func TestLoadAndRepairReExecutesSafeDanglingCall(t *testing.T) {
	invoked := 0
	m, conv, _ := setup(t, &scriptTool{name: "readFile", risk: tools.RiskSafe, invoked: &invoked})
	preloadDangling(t, conv, "readFile", "tc9")

	history := m.LoadAndRepair(context.Background(), "t1", &tools.Context{TaskID: "t1"})

	assert.Equal(t, 1, invoked)
	last := history[len(history)-1]
	assert.Equal(t, providers.RoleTool, last.Role)
	assert.Equal(t, "tc9", last.ToolCallID)
	assert.Equal(t, "readFile output", last.Content)
	assert.True(t, m.SafeToInject("t1"))
}

func TestLoadAndRepairLeavesRiskyDangling(t *testing.T) {
	invoked := 0
	m, conv, _ := setup(t, &scriptTool{name: "runCommand", risk: tools.RiskRisky, invoked: &invoked})
	preloadDangling(t, conv, "runCommand", "tc1")

	history := m.LoadAndRepair(context.Background(), "t1", &tools.Context{TaskID: "t1"})

	assert.Zero(t, invoked)
	last := history[len(history)-1]
	assert.Equal(t, providers.RoleAssistant, last.Role)
	assert.False(t, m.SafeToInject("t1"))
	assert.True(t, m.HasDanglingCall("t1", "tc1"))
}

func TestLoadAndRepairLeavesUnknownToolDangling(t *testing.T) {
	m, conv, _ := setup(t)
	preloadDangling(t, conv, "mystery", "tc2")
	m.LoadAndRepair(context.Background(), "t1", &tools.Context{TaskID: "t1"})
	assert.True(t, m.HasDanglingCall("t1", "tc2"))
}

func TestInjectRejectionsClosesLedger(t *testing.T) {
	invoked := 0
	m, conv, audit := setup(t, &scriptTool{name: "runCommand", risk: tools.RiskRisky, invoked: &invoked})
	preloadDangling(t, conv, "runCommand", "tc1")

	require.NoError(t, m.InjectRejections("t1", &tools.Context{TaskID: "t1"}))

	assert.Zero(t, invoked)
	history := m.History("t1")
	last := history[len(history)-1]
	assert.Equal(t, providers.RoleTool, last.Role)
	assert.Equal(t, "tc1", last.ToolCallID)
	assert.JSONEq(t, `{"isError":true,"error":"User rejected the request"}`, last.Content)
	assert.True(t, m.SafeToInject("t1"))

	entries := audit.ReadAll(0)
	require.Len(t, entries, 2)
	assert.True(t, entries[1].Payload.IsError)
}

func TestDrainInstructionsWaitsForSafety(t *testing.T) {
	m, conv, _ := setup(t, &scriptTool{name: "runCommand", risk: tools.RiskRisky})
	preloadDangling(t, conv, "runCommand", "tc1")

	m.EnqueueInstruction("t1", "first")
	m.EnqueueInstruction("t1", "second")

	n, err := m.DrainInstructions("t1")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 2, m.QueuedInstructions("t1"))

	// Close the dangling call, then drain in arrival order.
	require.NoError(t, m.InjectRejections("t1", &tools.Context{TaskID: "t1"}))
	n, err = m.DrainInstructions("t1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Zero(t, m.QueuedInstructions("t1"))

	history := m.History("t1")
	require.GreaterOrEqual(t, len(history), 2)
	assert.Equal(t, "first", history[len(history)-2].Content)
	assert.Equal(t, "second", history[len(history)-1].Content)

	// Draining again is a no-op.
	n, err = m.DrainInstructions("t1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPersistToolResultIsIdempotent(t *testing.T) {
	m, _, _ := setup(t)
	call := providers.ToolCall{ID: "tc1", Name: "readFile"}
	require.NoError(t, m.PersistToolResult("t1", call, tools.NewResult("one")))
	require.NoError(t, m.PersistToolResult("t1", call, tools.NewResult("two")))

	history := m.History("t1")
	require.Len(t, history, 1)
	assert.Equal(t, "one", history[0].Content)
}
