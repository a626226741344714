package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	openai "github.com/sashabaranov/go-openai"
)

const openaiDefaultModel = "gpt-4o"

// OpenAIProvider implements Provider over the OpenAI Chat Completions API.
type OpenAIProvider struct {
	client       *openai.Client
	defaultModel string
}

// OpenAIConfig configures a new OpenAIProvider.
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
}

func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai: API key is required")
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	model := cfg.DefaultModel
	if model == "" {
		model = openaiDefaultModel
	}
	return &OpenAIProvider{
		client:       openai.NewClientWithConfig(clientCfg),
		defaultModel: model,
	}, nil
}

func (p *OpenAIProvider) Name() string         { return "openai" }
func (p *OpenAIProvider) DefaultModel() string { return p.defaultModel }

func (p *OpenAIProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	request, err := p.buildRequest(req)
	if err != nil {
		return nil, err
	}
	response, err := p.client.CreateChatCompletion(ctx, request)
	if err != nil {
		return nil, fmt.Errorf("openai chat completion: %w", err)
	}
	if len(response.Choices) == 0 {
		return nil, errors.New("openai: empty choices in response")
	}
	choice := response.Choices[0]
	resp := &ChatResponse{
		Content:      choice.Message.Content,
		FinishReason: finishReasonFromOpenAI(choice.FinishReason),
		Usage: &Usage{
			PromptTokens:     response.Usage.PromptTokens,
			CompletionTokens: response.Usage.CompletionTokens,
			TotalTokens:      response.Usage.TotalTokens,
		},
	}
	for _, call := range choice.Message.ToolCalls {
		tc, err := decodeToolCall(call.ID, call.Function.Name, call.Function.Arguments)
		if err != nil {
			return nil, err
		}
		resp.ToolCalls = append(resp.ToolCalls, tc)
	}
	return resp, nil
}

func (p *OpenAIProvider) ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error) {
	request, err := p.buildRequest(req)
	if err != nil {
		return nil, err
	}
	request.Stream = true
	request.StreamOptions = &openai.StreamOptions{IncludeUsage: true}

	stream, err := p.client.CreateChatCompletionStream(ctx, request)
	if err != nil {
		return nil, fmt.Errorf("openai chat stream: %w", err)
	}
	defer stream.Close()

	resp := &ChatResponse{Usage: &Usage{}}
	var content string
	// Tool call fragments are accumulated by index; argument JSON arrives
	// across many deltas.
	type partial struct {
		id, name, args string
		announced      bool
	}
	partials := map[int]*partial{}
	maxIdx := -1

	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("openai stream recv: %w", err)
		}
		if chunk.Usage != nil {
			resp.Usage.PromptTokens = chunk.Usage.PromptTokens
			resp.Usage.CompletionTokens = chunk.Usage.CompletionTokens
			resp.Usage.TotalTokens = chunk.Usage.TotalTokens
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.FinishReason != "" {
			resp.FinishReason = finishReasonFromOpenAI(choice.FinishReason)
		}
		if choice.Delta.Content != "" {
			content += choice.Delta.Content
			if onChunk != nil {
				onChunk(StreamChunk{Content: choice.Delta.Content})
			}
		}
		for _, call := range choice.Delta.ToolCalls {
			idx := 0
			if call.Index != nil {
				idx = *call.Index
			}
			if idx > maxIdx {
				maxIdx = idx
			}
			pc, ok := partials[idx]
			if !ok {
				pc = &partial{}
				partials[idx] = pc
			}
			if call.ID != "" {
				pc.id = call.ID
			}
			if call.Function.Name != "" {
				pc.name = call.Function.Name
			}
			pc.args += call.Function.Arguments
			if !pc.announced && pc.id != "" && pc.name != "" {
				pc.announced = true
				if onChunk != nil {
					onChunk(StreamChunk{ToolCall: &ToolCall{ID: pc.id, Name: pc.name}})
				}
			}
		}
	}
	if onChunk != nil {
		onChunk(StreamChunk{Done: true})
	}

	resp.Content = content
	for idx := 0; idx <= maxIdx; idx++ {
		pc, ok := partials[idx]
		if !ok {
			continue
		}
		tc, err := decodeToolCall(pc.id, pc.name, pc.args)
		if err != nil {
			return nil, err
		}
		resp.ToolCalls = append(resp.ToolCalls, tc)
	}
	if resp.FinishReason == "" {
		if len(resp.ToolCalls) > 0 {
			resp.FinishReason = "tool_calls"
		} else {
			resp.FinishReason = "stop"
		}
	}
	return resp, nil
}

func (p *OpenAIProvider) buildRequest(req ChatRequest) (openai.ChatCompletionRequest, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, msg := range req.Messages {
		m := openai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		}
		if msg.Role == RoleTool {
			m.ToolCallID = msg.ToolCallID
		}
		for _, tc := range msg.ToolCalls {
			args, err := json.Marshal(tc.Arguments)
			if err != nil {
				return openai.ChatCompletionRequest{}, fmt.Errorf("marshal args for %s: %w", tc.Name, err)
			}
			m.ToolCalls = append(m.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: string(args),
				},
			})
		}
		messages = append(messages, m)
	}

	var tools []openai.Tool
	for _, def := range req.Tools {
		params, err := json.Marshal(def.Function.Parameters)
		if err != nil {
			return openai.ChatCompletionRequest{}, fmt.Errorf("marshal tool %s schema: %w", def.Function.Name, err)
		}
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Function.Name,
				Description: def.Function.Description,
				Parameters:  json.RawMessage(params),
			},
		})
	}
	return openai.ChatCompletionRequest{
		Model:     model,
		Messages:  messages,
		MaxTokens: req.MaxTokens,
		Tools:     tools,
	}, nil
}

func decodeToolCall(id, name, rawArgs string) (ToolCall, error) {
	args := map[string]any{}
	if rawArgs != "" {
		if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
			return ToolCall{}, fmt.Errorf("openai tool arguments for %s: %w", name, err)
		}
	}
	return ToolCall{ID: id, Name: name, Arguments: args}, nil
}

func finishReasonFromOpenAI(reason openai.FinishReason) string {
	switch reason {
	case openai.FinishReasonToolCalls:
		return "tool_calls"
	case openai.FinishReasonLength:
		return "length"
	default:
		return "stop"
	}
}
