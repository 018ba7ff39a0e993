package cmd

import (
	"context"
	"log/slog"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentfoundry/proactor/internal/bus"
	"github.com/agentfoundry/proactor/internal/config"
	"github.com/agentfoundry/proactor/internal/conversation"
	"github.com/agentfoundry/proactor/internal/forward"
	"github.com/agentfoundry/proactor/internal/mcp"
	"github.com/agentfoundry/proactor/internal/middleware"
	"github.com/agentfoundry/proactor/internal/provider"
	"github.com/agentfoundry/proactor/internal/scheduler"
	"github.com/agentfoundry/proactor/internal/taskqueue"
	"github.com/agentfoundry/proactor/internal/telemetry"
)

func runSchedulerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run-scheduler",
		Short: "Run the proactive scheduler loop",
		Long:  "Starts the tool fleet, opens the knowledge store, and runs the poll loop that expands recurring tasks and dispatches queued work until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runScheduler(ctx, cfg)
		},
	}
}

func runScheduler(ctx context.Context, cfg *config.Config) error {
	shutdownTraces, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTraces(flushCtx); err != nil {
			slog.Warn("telemetry.shutdown_failed", "error", err)
		}
	}()

	store, err := openStore(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer store.Close()

	fleet, err := config.LoadToolFleet(cfg.ToolConfigPath)
	if err != nil {
		return err
	}
	broker := mcp.NewBroker(cfg.Broker)
	broker.StartFleet(ctx, fleet, sortedNames(fleet))
	defer broker.StopAll()

	b := bus.New()
	defer conversation.RecordUsage(b, store)()
	if cfg.Forward.Enabled {
		fw := forward.New(cfg.Forward.Addr, b)
		if err := fw.Start(ctx); err != nil {
			return err
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			fw.Stop(stopCtx)
		}()
	}

	prov := provider.NewOpenAICompat(cfg.Provider)
	messages := conversation.NewMessages(store, nil)
	identity := conversation.NewIdentity(store)
	tools, nameMap := provider.PrepareTools(broker.AggregateTools(ctx))

	// Handlers run last-added-first: slash expansion sees the raw message,
	// resource injection the expanded one.
	chain := middleware.NewChain()
	chain.UseMessage(middleware.ResourceInjection(broker))
	chain.UseMessage(middleware.SlashCommandExpansion(broker))
	chain.UseTool(middleware.NewGuard(broker, cfg.Guard).Handler())

	queue := taskqueue.New(store, b)
	factory := func(chatID string) scheduler.Conversation {
		return conversation.NewOrchestrator(
			prov, messages, identity, broker, chain, b, cfg.Conversation, tools, nameMap,
		)
	}
	sched := scheduler.New(cfg.Scheduler, queue, identity, b, factory)
	if cfg.TasksConfigPath != "" {
		if err := sched.LoadSpecs(cfg.TasksConfigPath); err != nil {
			return err
		}
	}

	slog.Info("proactor.started",
		"provider", prov.Name(),
		"model", cfg.Provider.Model,
		"backend", cfg.Database.Backend,
		"tools", len(tools),
	)
	return sched.Run(ctx)
}

func sortedNames(fleet map[string]*config.ToolServerConfig) []string {
	names := make([]string, 0, len(fleet))
	for name := range fleet {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
