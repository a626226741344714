package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/taskclaw/internal/config"
	"github.com/nextlevelbuilder/taskclaw/internal/tracing"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath())
			if err != nil {
				return err
			}
			return runServe(cfg)
		},
	}
}

func runServe(cfg *config.Config) error {
	ctx := context.Background()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing)
	if err != nil {
		return err
	}
	defer shutdownTracing(ctx)

	a, err := buildApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.skills.Watch(); err != nil {
		slog.Warn("skills watcher disabled", "error", err)
	}

	a.manager.Start()
	a.manager.ResumeOpenTasks()
	slog.Info("taskclaw serving",
		"workspace", cfg.Workspace,
		"store", cfg.Store.Backend,
		"agents", len(cfg.Agents),
	)

	// Periodic projection snapshots bound replay time after a crash.
	snapTicker := time.NewTicker(cfg.Runtime.SnapshotInterval())
	defer snapTicker.Stop()
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	for {
		select {
		case <-snapTicker.C:
			if err := a.proj.Save(a.stores.Snapshots); err != nil {
				slog.Warn("projection snapshot failed", "error", err)
			}
		case sig := <-stop:
			slog.Info("shutting down", "signal", sig.String())
			return nil
		}
	}
}
