package agent

import (
	"log/slog"

	"github.com/nextlevelbuilder/taskclaw/internal/providers"
)

// sanitizeHistory repairs tool call/result pairing in the request view
// sent to the model. Persisted history is never rewritten here; this
// only shields the model from shapes the wire format rejects:
//
//   - orphaned tool messages with no preceding assistant tool call
//   - tool results whose id does not match the preceding assistant turn
//   - assistant tool calls with no persisted result (e.g. a risky call
//     still awaiting approval) get a placeholder result
func sanitizeHistory(msgs []providers.Message) []providers.Message {
	if len(msgs) == 0 {
		return msgs
	}

	start := 0
	for start < len(msgs) && msgs[start].Role == providers.RoleTool {
		slog.Warn("dropping orphaned tool message at history start", "tool_call_id", msgs[start].ToolCallID)
		start++
	}
	if start >= len(msgs) {
		return nil
	}

	var result []providers.Message
	for i := start; i < len(msgs); i++ {
		msg := msgs[i]

		if msg.Role == providers.RoleAssistant && len(msg.ToolCalls) > 0 {
			expected := make(map[string]bool, len(msg.ToolCalls))
			for _, tc := range msg.ToolCalls {
				expected[tc.ID] = true
			}
			result = append(result, msg)

			for i+1 < len(msgs) && msgs[i+1].Role == providers.RoleTool {
				i++
				toolMsg := msgs[i]
				if expected[toolMsg.ToolCallID] {
					result = append(result, toolMsg)
					delete(expected, toolMsg.ToolCallID)
				} else {
					slog.Warn("dropping mismatched tool result", "tool_call_id", toolMsg.ToolCallID)
				}
			}

			// Keep the model's view closed even when a result is still
			// pending on disk.
			for _, tc := range msg.ToolCalls {
				if expected[tc.ID] {
					result = append(result, providers.Message{
						Role:       providers.RoleTool,
						Content:    "[Tool result not yet available]",
						ToolCallID: tc.ID,
						ToolName:   tc.Name,
					})
				}
			}
		} else if msg.Role == providers.RoleTool {
			slog.Warn("dropping orphaned tool message mid-history", "tool_call_id", msg.ToolCallID)
		} else {
			result = append(result, msg)
		}
	}
	return result
}
