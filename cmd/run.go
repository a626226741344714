package cmd

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/taskclaw/internal/bus"
	"github.com/nextlevelbuilder/taskclaw/internal/config"
	"github.com/nextlevelbuilder/taskclaw/internal/eventlog"
	"github.com/nextlevelbuilder/taskclaw/internal/task"
	"github.com/nextlevelbuilder/taskclaw/pkg/protocol"
)

func runCmd() *cobra.Command {
	var agentID string
	var intent string
	cmd := &cobra.Command{
		Use:   "run <title...>",
		Short: "Create a task and drive it to completion in-process",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath())
			if err != nil {
				return err
			}
			return runOnce(cfg, agentID, strings.Join(args, " "), intent)
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "default", "agent id to run the task")
	cmd.Flags().StringVar(&intent, "intent", "", "longer task intent")
	return cmd
}

func runOnce(cfg *config.Config, agentID, title, intent string) error {
	a, err := buildApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	// Print agent output as it happens.
	a.msgBus.Subscribe("cli", func(ev bus.Event) {
		switch ev.Name {
		case protocol.UIAgentOutput:
			if payload, ok := ev.Payload.(map[string]any); ok {
				fmt.Printf("[%s] %s\n", payload["kind"], payload["content"])
			}
		case protocol.UIToolCallStart:
			if payload, ok := ev.Payload.(map[string]any); ok {
				fmt.Printf("→ tool %s\n", payload["toolName"])
			}
		case protocol.UIStreamDelta:
			if payload, ok := ev.Payload.(map[string]any); ok {
				fmt.Print(payload["content"])
			}
		case protocol.UIStreamEnd:
			fmt.Println()
		}
	})
	defer a.msgBus.Unsubscribe("cli")

	done := make(chan *eventlog.Event, 1)
	var mu sync.Mutex
	var taskID string

	// Subscribe before create so the terminal event cannot be missed;
	// prompt for approvals on the way.
	unsub := a.events.Subscribe(func(ev eventlog.Event) {
		mu.Lock()
		id := taskID
		mu.Unlock()
		if id == "" || ev.StreamID != id {
			return
		}
		switch ev.Type {
		case protocol.EventTaskCompleted, protocol.EventTaskFailed, protocol.EventTaskCanceled:
			select {
			case done <- &ev:
			default:
			}
		case protocol.EventUserInteractionRequested:
			var payload task.InteractionRequestedPayload
			if err := json.Unmarshal(ev.Payload, &payload); err != nil {
				return
			}
			go promptApproval(a, ev.StreamID, payload)
		}
	})
	defer unsub()

	a.manager.Start()

	id, err := a.service.CreateTask(task.CreateTaskRequest{
		Title:         title,
		Intent:        intent,
		AgentID:       agentID,
		AuthorActorID: "cli",
	})
	if err != nil {
		return err
	}
	mu.Lock()
	taskID = id
	mu.Unlock()
	fmt.Println("task", id)

	// Catch-up: the task may already be terminal before the filter
	// activated.
	if t, ok := a.proj.GetTask(id); ok && t.Status.Terminal() {
		select {
		case done <- &eventlog.Event{StreamID: id, Type: terminalEventFor(t.Status)}:
		default:
		}
	}

	ev := <-done
	t, _ := a.proj.GetTask(ev.StreamID)
	switch ev.Type {
	case protocol.EventTaskCompleted:
		fmt.Println("done:", t.Summary)
		return nil
	case protocol.EventTaskFailed:
		return fmt.Errorf("task failed: %s", t.FailureReason)
	default:
		return fmt.Errorf("task canceled")
	}
}

func terminalEventFor(status task.Status) string {
	switch status {
	case task.StatusDone:
		return protocol.EventTaskCompleted
	case task.StatusFailed:
		return protocol.EventTaskFailed
	default:
		return protocol.EventTaskCanceled
	}
}

func promptApproval(a *app, taskID string, payload task.InteractionRequestedPayload) {
	args, _ := json.Marshal(payload.Arguments)
	fmt.Printf("\n%s\n  %s %s\napprove? [y/N] ", payload.Prompt, payload.ToolName, args)
	reader := bufio.NewReader(os.Stdin)
	answer, _ := reader.ReadString('\n')
	selected := protocol.OptionReject
	if strings.HasPrefix(strings.TrimSpace(strings.ToLower(answer)), "y") {
		selected = protocol.OptionApprove
	}
	if err := a.service.RespondToInteraction(taskID, payload.InteractionID, selected, ""); err != nil {
		fmt.Fprintln(os.Stderr, "respond:", err)
	}
}
