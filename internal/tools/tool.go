// Package tools provides the tool registry, the audit-logged executor
// with risk gating, and the built-in workspace tools.
package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/nextlevelbuilder/taskclaw/internal/providers"
)

// Risk classifies whether a tool invocation needs a user confirmation.
type Risk string

const (
	RiskSafe  Risk = "safe"
	RiskRisky Risk = "risky"
)

// Policy modes. The mode is read at every risk evaluation, so a mode
// change applies to calls revisited later (e.g. rejection processing).
const (
	PolicyDefault = "default" // each tool decides
	PolicyStrict  = "strict"  // every tool is risky
	PolicyTrusted = "trusted" // every tool is safe
)

// Context carries the per-invocation identity and approval state into
// risk evaluation and execution.
type Context struct {
	TaskID        string
	AgentID       string
	AuthorActorID string
	Workspace     string
	PolicyMode    string

	// One approval authorizes exactly one tool invocation: both fields
	// must match the call being executed.
	ConfirmedInteractionID string
	ConfirmedToolCallID    string
}

// ModeRisk applies the policy mode on top of a tool's own class.
func (c *Context) ModeRisk(own Risk) Risk {
	switch c.PolicyMode {
	case PolicyStrict:
		return RiskRisky
	case PolicyTrusted:
		return RiskSafe
	}
	return own
}

// Tool is the unit of dispatch.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]any
	Group() string
	RiskLevel(args map[string]any, tc *Context) Risk
	Execute(ctx context.Context, args map[string]any, tc *Context) *Result
}

// Preflight is implemented by tools with a precondition check that runs
// before any risk prompt or execution.
type Preflight interface {
	CanExecute(args map[string]any, tc *Context) error
}

// Registry stores tools in two layers: a static layer written once at
// startup and per-namespace dynamic layers replaced wholesale (e.g.
// externally discovered tools). Static always wins on name conflict.
type Registry struct {
	mu      sync.RWMutex
	static  map[string]Tool
	dynamic map[string]map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{
		static:  make(map[string]Tool),
		dynamic: make(map[string]map[string]Tool),
	}
}

// Register adds a static tool. Duplicate static names are rejected.
func (r *Registry) Register(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.static[t.Name()]; exists {
		return fmt.Errorf("tool %q already registered", t.Name())
	}
	r.static[t.Name()] = t
	return nil
}

// MustRegister panics on duplicate registration; wiring errors at
// startup are programmer errors.
func (r *Registry) MustRegister(t Tool) {
	if err := r.Register(t); err != nil {
		panic(err)
	}
}

// SetNamespace replaces a dynamic namespace wholesale. A tool name that
// already exists in a different dynamic namespace is rejected; shadowing
// a static tool is allowed but the static tool keeps winning lookups.
func (r *Registry) SetNamespace(namespace string, tools []Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	incoming := make(map[string]Tool, len(tools))
	for _, t := range tools {
		if _, dup := incoming[t.Name()]; dup {
			return fmt.Errorf("namespace %q declares %q twice", namespace, t.Name())
		}
		for ns, set := range r.dynamic {
			if ns == namespace {
				continue
			}
			if _, exists := set[t.Name()]; exists {
				return fmt.Errorf("tool %q already provided by namespace %q", t.Name(), ns)
			}
		}
		incoming[t.Name()] = t
	}
	r.dynamic[namespace] = incoming
	return nil
}

// RemoveNamespace drops a dynamic namespace and all its tools.
func (r *Registry) RemoveNamespace(namespace string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.dynamic, namespace)
}

// Get looks a tool up by name; the static layer wins.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if t, ok := r.static[name]; ok {
		return t, true
	}
	for _, set := range r.dynamic {
		if t, ok := set[name]; ok {
			return t, true
		}
	}
	return nil, false
}

// List returns every visible tool sorted by name.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]Tool, len(r.static))
	for name, t := range r.static {
		seen[name] = t
	}
	for _, set := range r.dynamic {
		for name, t := range set {
			if _, shadowed := seen[name]; !shadowed {
				seen[name] = t
			}
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]Tool, 0, len(names))
	for _, name := range names {
		out = append(out, seen[name])
	}
	return out
}

// ListGroup returns the visible tools belonging to one group.
func (r *Registry) ListGroup(group string) []Tool {
	var out []Tool
	for _, t := range r.List() {
		if t.Group() == group {
			out = append(out, t)
		}
	}
	return out
}

// Definitions emits the OpenAI-format schemas for every visible tool.
func (r *Registry) Definitions() []providers.ToolDefinition {
	tools := r.List()
	out := make([]providers.ToolDefinition, 0, len(tools))
	for _, t := range tools {
		out = append(out, ToProviderDef(t))
	}
	return out
}

// ToProviderDef converts one tool to its LLM-facing definition.
func ToProviderDef(t Tool) providers.ToolDefinition {
	return providers.ToolDefinition{
		Type: "function",
		Function: providers.ToolFunctionSchema{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		},
	}
}
