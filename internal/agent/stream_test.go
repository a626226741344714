package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/taskclaw/internal/providers"
	"github.com/nextlevelbuilder/taskclaw/pkg/protocol"
)

func TestStreamSessionMergesConsecutiveChunks(t *testing.T) {
	pub := &recPublisher{}
	s := NewStreamSession(pub, "t1", "default")

	s.OnChunk(providers.StreamChunk{Thinking: "hm"})
	s.OnChunk(providers.StreamChunk{Thinking: "m..."})
	s.OnChunk(providers.StreamChunk{Content: "Let me "})
	s.OnChunk(providers.StreamChunk{Content: "look."})
	s.OnChunk(providers.StreamChunk{ToolCall: &providers.ToolCall{ID: "tc1", Name: "read_file"}})
	s.OnChunk(providers.StreamChunk{Content: "and then"})
	s.OnChunk(providers.StreamChunk{Done: true})

	parts := s.Parts()
	require.Len(t, parts, 4)
	assert.Equal(t, providers.Part{Kind: providers.PartReasoning, Content: "hmm..."}, parts[0])
	assert.Equal(t, providers.Part{Kind: providers.PartText, Content: "Let me look."}, parts[1])
	assert.Equal(t, providers.Part{Kind: providers.PartToolCall, ToolCallID: "tc1", ToolName: "read_file"}, parts[2])
	assert.Equal(t, providers.Part{Kind: providers.PartText, Content: "and then"}, parts[3])

	assert.Equal(t, 5, pub.count(protocol.UIStreamDelta))
	assert.Equal(t, 1, pub.count(protocol.UIStreamEnd))
}

func TestSanitizeHistoryDropsOrphansAndClosesView(t *testing.T) {
	msgs := []providers.Message{
		{Role: providers.RoleTool, Content: "orphan", ToolCallID: "tcX"},
		{Role: providers.RoleSystem, Content: "sys"},
		{Role: providers.RoleUser, Content: "go"},
		{
			Role:      providers.RoleAssistant,
			ToolCalls: []providers.ToolCall{{ID: "tc1", Name: "a"}, {ID: "tc2", Name: "b"}},
		},
		{Role: providers.RoleTool, Content: "one", ToolCallID: "tc1"},
		{Role: providers.RoleTool, Content: "stray", ToolCallID: "tcY"},
	}

	out := sanitizeHistory(msgs)

	// Orphan head and mismatched result dropped; tc2 closed with a
	// placeholder so the request view stays well formed.
	require.Len(t, out, 5)
	assert.Equal(t, providers.RoleSystem, out[0].Role)
	assert.Equal(t, "tc1", out[3].ToolCallID)
	assert.Equal(t, "tc2", out[4].ToolCallID)
	assert.Contains(t, out[4].Content, "not yet available")
}

func TestBuildSystemPromptComposition(t *testing.T) {
	prompt := BuildSystemPrompt(SystemPromptConfig{
		AgentID:       "default",
		Model:         "fake-model",
		Workspace:     "/tmp/ws",
		ToolNames:     []string{"read_file", "exec"},
		SkillsSummary: "<available_skills>\n</available_skills>",
		Instructions:  "Always be terse.",
	})
	assert.Contains(t, prompt, "agent default")
	assert.Contains(t, prompt, "/tmp/ws")
	assert.Contains(t, prompt, "read_file, exec")
	assert.Contains(t, prompt, "<available_skills>")
	assert.Contains(t, prompt, "Always be terse.")
}
