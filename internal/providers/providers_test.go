package providers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	openai "github.com/sashabaranov/go-openai"
)

func sampleRequest() ChatRequest {
	return ChatRequest{
		Messages: []Message{
			{Role: RoleSystem, Content: "be terse"},
			{Role: RoleUser, Content: "list files"},
			{
				Role:      RoleAssistant,
				Content:   "on it",
				ToolCalls: []ToolCall{{ID: "tc1", Name: "list_files", Arguments: map[string]any{"path": "."}}},
			},
			{Role: RoleTool, Content: "a.txt", ToolCallID: "tc1", ToolName: "list_files"},
		},
		Tools: []ToolDefinition{{
			Type: "function",
			Function: ToolFunctionSchema{
				Name:        "list_files",
				Description: "List the entries of a directory",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"path": map[string]any{"type": "string"},
					},
					"required": []any{"path"},
				},
			},
		}},
	}
}

func TestOpenAIBuildRequestConversion(t *testing.T) {
	p := &OpenAIProvider{defaultModel: "gpt-4o"}
	req, err := p.buildRequest(sampleRequest())
	require.NoError(t, err)

	assert.Equal(t, "gpt-4o", req.Model)
	require.Len(t, req.Messages, 4)
	assert.Equal(t, "system", req.Messages[0].Role)

	asst := req.Messages[2]
	require.Len(t, asst.ToolCalls, 1)
	assert.Equal(t, "tc1", asst.ToolCalls[0].ID)
	assert.Equal(t, openai.ToolTypeFunction, asst.ToolCalls[0].Type)
	assert.JSONEq(t, `{"path":"."}`, asst.ToolCalls[0].Function.Arguments)

	toolMsg := req.Messages[3]
	assert.Equal(t, "tool", toolMsg.Role)
	assert.Equal(t, "tc1", toolMsg.ToolCallID)

	require.Len(t, req.Tools, 1)
	assert.Equal(t, "list_files", req.Tools[0].Function.Name)
}

func TestDecodeToolCall(t *testing.T) {
	tc, err := decodeToolCall("tc1", "grep", `{"pattern":"x"}`)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"pattern": "x"}, tc.Arguments)

	tc, err = decodeToolCall("tc2", "noargs", "")
	require.NoError(t, err)
	assert.Empty(t, tc.Arguments)

	_, err = decodeToolCall("tc3", "bad", "{")
	assert.Error(t, err)
}

func TestAnthropicBuildParamsFoldsSystemAndTools(t *testing.T) {
	p := &AnthropicProvider{defaultModel: anthropicDefaultModel, maxTokens: 1024}
	params, err := p.buildParams(sampleRequest())
	require.NoError(t, err)

	require.Len(t, params.System, 1)
	assert.Equal(t, "be terse", params.System[0].Text)

	// system message is lifted out; user/assistant/tool-result remain.
	require.Len(t, params.Messages, 3)

	require.Len(t, params.Tools, 1)
	assert.NotNil(t, params.Tools[0].OfTool)
	assert.Equal(t, []string{"path"}, params.Tools[0].OfTool.InputSchema.Required)
}

func TestFinishReasonMappings(t *testing.T) {
	assert.Equal(t, "tool_calls", finishReasonFromStop("tool_use"))
	assert.Equal(t, "length", finishReasonFromStop("max_tokens"))
	assert.Equal(t, "stop", finishReasonFromStop("end_turn"))

	assert.Equal(t, "tool_calls", finishReasonFromOpenAI(openai.FinishReasonToolCalls))
	assert.Equal(t, "length", finishReasonFromOpenAI(openai.FinishReasonLength))
	assert.Equal(t, "stop", finishReasonFromOpenAI(openai.FinishReasonStop))
}

func TestToStringSlice(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, toStringSlice([]any{"a", "b"}))
	assert.Equal(t, []string{"a"}, toStringSlice([]string{"a"}))
	assert.Nil(t, toStringSlice(42))
}
