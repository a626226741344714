package eventlog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/taskclaw/internal/providers"
)

func TestConversationLogIndexesPerTask(t *testing.T) {
	log, err := OpenConversationLog(&memSink{})
	require.NoError(t, err)
	defer log.Close()

	_, err = log.Append("t1",
		providers.Message{Role: providers.RoleSystem, Content: "sys"},
		providers.Message{Role: providers.RoleUser, Content: "hi"},
	)
	require.NoError(t, err)
	_, err = log.Append("t2", providers.Message{Role: providers.RoleUser, Content: "other"})
	require.NoError(t, err)

	recs := log.ReadTaskRecords("t1")
	require.Len(t, recs, 2)
	assert.Equal(t, uint32(1), recs[0].Index)
	assert.Equal(t, uint32(2), recs[1].Index)

	other := log.ReadTaskRecords("t2")
	require.Len(t, other, 1)
	assert.Equal(t, uint32(1), other[0].Index)
}

func TestAppendToolResultIfMissingIsIdempotent(t *testing.T) {
	log, err := OpenConversationLog(&memSink{})
	require.NoError(t, err)
	defer log.Close()

	msg := providers.Message{
		Role:       providers.RoleTool,
		Content:    "result",
		ToolCallID: "tc1",
	}
	added, err := log.AppendToolResultIfMissing("t1", msg)
	require.NoError(t, err)
	assert.True(t, added)

	// Concurrent catch-up + live subscription both writing the same id.
	added, err = log.AppendToolResultIfMissing("t1", msg)
	require.NoError(t, err)
	assert.False(t, added)

	msgs := log.ReadTask("t1")
	require.Len(t, msgs, 1)

	// A different tool call id still appends.
	added, err = log.AppendToolResultIfMissing("t1", providers.Message{
		Role:       providers.RoleTool,
		Content:    "other",
		ToolCallID: "tc2",
	})
	require.NoError(t, err)
	assert.True(t, added)
	assert.Len(t, log.ReadTask("t1"), 2)
}

func TestConversationLogSurvivesReload(t *testing.T) {
	sink := &memSink{}
	log, err := OpenConversationLog(sink)
	require.NoError(t, err)
	_, err = log.Append("t1", providers.Message{
		Role:      providers.RoleAssistant,
		Content:   "calling",
		ToolCalls: []providers.ToolCall{{ID: "tc1", Name: "read_file", Arguments: map[string]any{"path": "a.txt"}}},
		Parts: []providers.Part{
			{Kind: providers.PartText, Content: "calling"},
			{Kind: providers.PartToolCall, ToolCallID: "tc1", ToolName: "read_file"},
		},
	})
	require.NoError(t, err)
	log.Close()

	reloaded, err := OpenConversationLog(sink)
	require.NoError(t, err)
	defer reloaded.Close()

	msgs := reloaded.ReadTask("t1")
	require.Len(t, msgs, 1)
	require.Len(t, msgs[0].ToolCalls, 1)
	assert.Equal(t, "read_file", msgs[0].ToolCalls[0].Name)
	require.Len(t, msgs[0].Parts, 2)
	assert.Equal(t, providers.PartToolCall, msgs[0].Parts[1].Kind)
}
