package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/nextlevelbuilder/taskclaw/internal/agent"
	"github.com/nextlevelbuilder/taskclaw/internal/bus"
	"github.com/nextlevelbuilder/taskclaw/internal/config"
	"github.com/nextlevelbuilder/taskclaw/internal/conversation"
	"github.com/nextlevelbuilder/taskclaw/internal/eventlog"
	"github.com/nextlevelbuilder/taskclaw/internal/providers"
	"github.com/nextlevelbuilder/taskclaw/internal/skills"
	"github.com/nextlevelbuilder/taskclaw/internal/store"
	storefile "github.com/nextlevelbuilder/taskclaw/internal/store/file"
	storepg "github.com/nextlevelbuilder/taskclaw/internal/store/pg"
	storesqlite "github.com/nextlevelbuilder/taskclaw/internal/store/sqlite"
	"github.com/nextlevelbuilder/taskclaw/internal/task"
	"github.com/nextlevelbuilder/taskclaw/internal/tools"
	"github.com/nextlevelbuilder/taskclaw/pkg/protocol"
)

// app is the composition root: every long-lived component, constructed
// once and passed by reference.
type app struct {
	cfg           *config.Config
	stores        *store.Stores
	events        *eventlog.EventLog
	conversations *eventlog.ConversationLog
	audit         *eventlog.AuditLog
	proj          *task.Projection
	service       *task.Service
	registry      *tools.Registry
	executor      *tools.Executor
	conv          *conversation.Manager
	msgBus        *bus.MessageBus
	skills        *skills.Loader
	providers     *providers.Registry
	manager       *agent.Manager
}

func buildApp(cfg *config.Config) (*app, error) {
	if err := os.MkdirAll(cfg.Workspace, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}

	stores, err := openStores(cfg)
	if err != nil {
		return nil, err
	}

	events, err := eventlog.OpenEventLog(stores.Events)
	if err != nil {
		return nil, err
	}
	conversations, err := eventlog.OpenConversationLog(stores.Conversations)
	if err != nil {
		return nil, err
	}
	audit, err := eventlog.OpenAuditLog(stores.Audit)
	if err != nil {
		return nil, err
	}

	proj := task.NewProjection()
	if err := proj.Restore(stores.Snapshots); err != nil {
		return nil, err
	}
	proj.ApplyAll(events.ReadAll(proj.LastAppliedID()))

	service := task.NewService(events, proj)

	registry := tools.NewRegistry()
	restrict := cfg.Tools.RestrictWorkspace()
	registry.MustRegister(tools.NewReadFileTool(cfg.Workspace, restrict))
	registry.MustRegister(tools.NewWriteFileTool(cfg.Workspace, restrict))
	registry.MustRegister(tools.NewEditFileTool(cfg.Workspace, restrict))
	registry.MustRegister(tools.NewListFilesTool(cfg.Workspace, restrict))
	registry.MustRegister(tools.NewGlobTool(cfg.Workspace))
	registry.MustRegister(tools.NewGrepTool(cfg.Workspace))
	registry.MustRegister(tools.NewExecTool(cfg.Workspace))

	executor := tools.NewExecutor(registry, audit)
	conv := conversation.NewManager(conversations, executor)
	msgBus := bus.NewMessageBus()

	// Forward audit entries onto the ui$ stream.
	audit.Subscribe(func(rec eventlog.AuditRecord) {
		msgBus.Broadcast(bus.Event{
			Name:    protocol.UIAuditEntry,
			TaskID:  rec.Payload.TaskID,
			Payload: rec,
		})
	})

	skillsLoader := skills.NewLoader(filepath.Join(cfg.Workspace, "skills"))

	providerReg := providers.NewRegistry()
	if cfg.Providers.Anthropic.APIKey != "" {
		p, err := providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:       cfg.Providers.Anthropic.APIKey,
			BaseURL:      cfg.Providers.Anthropic.BaseURL,
			DefaultModel: cfg.Providers.Anthropic.Model,
		})
		if err != nil {
			return nil, err
		}
		providerReg.Register(providers.WithRateLimit(p, cfg.Providers.RequestsPerSecond, 2))
	}
	if cfg.Providers.OpenAI.APIKey != "" {
		p, err := providers.NewOpenAIProvider(providers.OpenAIConfig{
			APIKey:       cfg.Providers.OpenAI.APIKey,
			BaseURL:      cfg.Providers.OpenAI.BaseURL,
			DefaultModel: cfg.Providers.OpenAI.Model,
		})
		if err != nil {
			return nil, err
		}
		providerReg.Register(providers.WithRateLimit(p, cfg.Providers.RequestsPerSecond, 2))
	}

	manager := agent.NewManager(events, proj)

	// Subtask bridge tools close over the manager for agent validation.
	subtaskDeps := tools.SubtaskDeps{
		Service:       service,
		Projection:    proj,
		Events:        events,
		Conversations: conversations,
		Agents:        manager,
		Timeout:       cfg.Tools.SubtaskTimeout(),
	}
	registry.MustRegister(tools.NewCreateSubtasksTool(subtaskDeps))
	registry.MustRegister(tools.NewListSubtaskTool(subtaskDeps))

	handler := agent.NewHandler(msgBus, conv, executor, service, cfg.Tools.Heartbeat())
	deps := agent.RuntimeDeps{
		Handler:  handler,
		Conv:     conv,
		Service:  service,
		Proj:     proj,
		Events:   events,
		Registry: registry,
		Skills:   skillsLoader,
		Bus:      msgBus,
	}
	for _, ac := range cfg.Agents {
		provider, err := providerReg.Resolve(ac.Provider)
		if err != nil {
			return nil, fmt.Errorf("agent %s: %w", ac.ID, err)
		}
		model := ac.Model
		if model == "" {
			model = provider.DefaultModel()
		}
		rt := agent.NewRuntime(agent.NewLLMAgent(ac.ID, ac.DisplayName), agent.RuntimeConfig{
			Provider:      provider,
			Model:         model,
			Streaming:     ac.Streaming,
			MaxIterations: ac.MaxIterations,
			PolicyMode:    cfg.Tools.PolicyMode,
			Workspace:     cfg.Workspace,
			SkillAllow:    ac.SkillAllow,
		}, deps)
		manager.RegisterAgent(rt)
	}

	return &app{
		cfg:           cfg,
		stores:        stores,
		events:        events,
		conversations: conversations,
		audit:         audit,
		proj:          proj,
		service:       service,
		registry:      registry,
		executor:      executor,
		conv:          conv,
		msgBus:        msgBus,
		skills:        skillsLoader,
		providers:     providerReg,
		manager:       manager,
	}, nil
}

func openStores(cfg *config.Config) (*store.Stores, error) {
	switch cfg.Store.Backend {
	case "", "file":
		return storefile.OpenStores(cfg.Workspace)
	case "sqlite":
		return storesqlite.OpenStores(cfg.Workspace)
	case "postgres":
		return storepg.OpenStores(cfg.Store.DSN)
	default:
		return nil, fmt.Errorf("%w: %s", store.ErrUnknownBackend, cfg.Store.Backend)
	}
}

// close tears the app down in reverse dependency order.
func (a *app) close() {
	a.manager.Stop()
	a.skills.Close()
	if err := a.proj.Save(a.stores.Snapshots); err != nil {
		fmt.Fprintln(os.Stderr, "snapshot save:", err)
	}
	a.events.Close()
	a.conversations.Close()
	a.audit.Close()
	a.stores.Close()
}
