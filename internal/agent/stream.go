package agent

import (
	"github.com/nextlevelbuilder/taskclaw/internal/bus"
	"github.com/nextlevelbuilder/taskclaw/internal/providers"
	"github.com/nextlevelbuilder/taskclaw/pkg/protocol"
)

// StreamSession adapts one streaming LLM call: it forwards deltas to the
// UI stream and accumulates the ordered parts array that becomes the
// persisted assistant message's interleaving. Consecutive chunks of the
// same kind merge into one part; each tool_call start pushes a marker.
type StreamSession struct {
	pub     bus.Publisher
	taskID  string
	agentID string
	parts   []providers.Part
}

func NewStreamSession(pub bus.Publisher, taskID, agentID string) *StreamSession {
	return &StreamSession{pub: pub, taskID: taskID, agentID: agentID}
}

// OnChunk is the provider callback.
func (s *StreamSession) OnChunk(chunk providers.StreamChunk) {
	switch {
	case chunk.Done:
		s.emit(protocol.UIStreamEnd, nil)
	case chunk.ToolCall != nil:
		s.parts = append(s.parts, providers.Part{
			Kind:       providers.PartToolCall,
			ToolCallID: chunk.ToolCall.ID,
			ToolName:   chunk.ToolCall.Name,
		})
	case chunk.Thinking != "":
		s.appendPart(providers.PartReasoning, chunk.Thinking)
		s.emit(protocol.UIStreamDelta, map[string]any{"kind": "reasoning", "content": chunk.Thinking})
	case chunk.Content != "":
		s.appendPart(providers.PartText, chunk.Content)
		s.emit(protocol.UIStreamDelta, map[string]any{"kind": "text", "content": chunk.Content})
	}
}

func (s *StreamSession) appendPart(kind, content string) {
	if n := len(s.parts); n > 0 && s.parts[n-1].Kind == kind {
		s.parts[n-1].Content += content
		return
	}
	s.parts = append(s.parts, providers.Part{Kind: kind, Content: content})
}

// Parts returns the accumulated interleaving.
func (s *StreamSession) Parts() []providers.Part {
	return s.parts
}

func (s *StreamSession) emit(name string, payload any) {
	if s.pub == nil {
		return
	}
	s.pub.Broadcast(bus.Event{
		Name:    name,
		TaskID:  s.taskID,
		AgentID: s.agentID,
		Payload: payload,
	})
}
