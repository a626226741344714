package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/nextlevelbuilder/taskclaw/internal/eventlog"
	"github.com/nextlevelbuilder/taskclaw/internal/providers"
	"github.com/nextlevelbuilder/taskclaw/pkg/protocol"
)

// RejectionMessage is the synthetic result content recorded when the
// user declines a risky call.
const RejectionMessage = "User rejected the request"

// Executor invokes tools with audit logging, argument validation and the
// risky-tool approval gate. It never panics outward: every failure mode
// is captured as an error Result.
type Executor struct {
	registry *Registry
	audit    *eventlog.AuditLog

	mu      sync.Mutex
	schemas map[string]*jsonschema.Schema
}

func NewExecutor(registry *Registry, audit *eventlog.AuditLog) *Executor {
	return &Executor{
		registry: registry,
		audit:    audit,
		schemas:  make(map[string]*jsonschema.Schema),
	}
}

// Registry returns the underlying tool registry.
func (e *Executor) Registry() *Registry { return e.registry }

// Execute runs one tool call end to end: lookup, audit, risk gate,
// argument validation, invocation, completion audit.
func (e *Executor) Execute(ctx context.Context, call providers.ToolCall, tc *Context) *Result {
	tool, ok := e.registry.Get(call.Name)
	if !ok {
		return ErrorResult(fmt.Sprintf("unknown tool: %s", call.Name))
	}

	e.auditRequested(call, tc)
	start := time.Now()

	// Risk is evaluated with the current policy mode on every pass.
	if tc.ModeRisk(tool.RiskLevel(call.Arguments, tc)) == RiskRisky {
		if tc.ConfirmedInteractionID == "" || tc.ConfirmedToolCallID != call.ID {
			result := ErrorResult("risky tool requires confirmation")
			e.auditCompleted(call, tc, result, time.Since(start))
			return result
		}
	}

	if err := e.validateArgs(tool, call.Arguments); err != nil {
		result := ErrorResult(fmt.Sprintf("invalid arguments for %s: %v", call.Name, err))
		e.auditCompleted(call, tc, result, time.Since(start))
		return result
	}

	result := e.invoke(ctx, tool, call, tc)
	e.auditCompleted(call, tc, result, time.Since(start))
	return result
}

// invoke isolates the tool call so a panic becomes an error Result.
func (e *Executor) invoke(ctx context.Context, tool Tool, call providers.ToolCall, tc *Context) (result *Result) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("tool panicked", "tool", call.Name, "panic", r)
			result = ErrorResult(fmt.Sprintf("tool %s panicked: %v", call.Name, r))
		}
	}()
	result = tool.Execute(ctx, call.Arguments, tc)
	if result == nil {
		result = ErrorResult(fmt.Sprintf("tool %s returned no result", call.Name))
	}
	return result
}

// RecordRejection emits the Requested/Completed audit pair for a call
// the user declined, without invoking the tool, and returns the
// synthetic result.
func (e *Executor) RecordRejection(call providers.ToolCall, tc *Context) *Result {
	e.auditRequested(call, tc)
	result := ErrorResult(RejectionMessage)
	e.auditCompleted(call, tc, result, 0)
	return result
}

func (e *Executor) auditRequested(call providers.ToolCall, tc *Context) {
	input, err := json.Marshal(call.Arguments)
	if err != nil {
		input = []byte("{}")
	}
	if _, err := e.audit.Append(protocol.AuditToolCallRequested, eventlog.AuditPayload{
		TaskID:        tc.TaskID,
		ToolCallID:    call.ID,
		ToolName:      call.Name,
		Input:         input,
		AuthorActorID: tc.AuthorActorID,
		Timestamp:     time.Now().UTC(),
	}); err != nil {
		slog.Warn("audit append failed", "tool", call.Name, "error", err)
	}
}

func (e *Executor) auditCompleted(call providers.ToolCall, tc *Context, result *Result, dur time.Duration) {
	if _, err := e.audit.Append(protocol.AuditToolCallCompleted, eventlog.AuditPayload{
		TaskID:        tc.TaskID,
		ToolCallID:    call.ID,
		ToolName:      call.Name,
		Output:        result.ForLLM,
		IsError:       result.IsError,
		DurationMs:    dur.Milliseconds(),
		AuthorActorID: tc.AuthorActorID,
		Timestamp:     time.Now().UTC(),
	}); err != nil {
		slog.Warn("audit append failed", "tool", call.Name, "error", err)
	}
}

// validateArgs checks the arguments against the tool's declared
// JSON-Schema. Schemas compile lazily and are cached per tool name.
func (e *Executor) validateArgs(tool Tool, args map[string]any) error {
	schema, err := e.schemaFor(tool)
	if err != nil {
		// A malformed schema is a tool bug; log it and let the call through.
		slog.Warn("tool schema failed to compile", "tool", tool.Name(), "error", err)
		return nil
	}
	if args == nil {
		args = map[string]any{}
	}
	return schema.Validate(normalizeJSON(args))
}

func (e *Executor) schemaFor(tool Tool) (*jsonschema.Schema, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.schemas[tool.Name()]; ok {
		return s, nil
	}
	compiler := jsonschema.NewCompiler()
	url := "taskclaw://tools/" + tool.Name() + ".json"
	if err := compiler.AddResource(url, normalizeJSON(tool.Parameters())); err != nil {
		return nil, err
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, err
	}
	e.schemas[tool.Name()] = schema
	return schema, nil
}

// normalizeJSON round-trips a value through encoding/json so the
// validator sees canonical types (float64 numbers, []any slices).
func normalizeJSON(v any) any {
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}
