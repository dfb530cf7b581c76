package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/chapohq/chapo/internal/agent"
	"github.com/chapohq/chapo/internal/approvals"
	"github.com/chapohq/chapo/internal/bus"
	"github.com/chapohq/chapo/internal/config"
	"github.com/chapohq/chapo/internal/gateway"
	adminhttp "github.com/chapohq/chapo/internal/http"
	"github.com/chapohq/chapo/internal/inbox"
	mcpbridge "github.com/chapohq/chapo/internal/mcp"
	"github.com/chapohq/chapo/internal/providers"
	"github.com/chapohq/chapo/internal/sessions"
	"github.com/chapohq/chapo/internal/store"
	"github.com/chapohq/chapo/internal/store/file"
	"github.com/chapohq/chapo/internal/store/pg"
	"github.com/chapohq/chapo/internal/store/sqlite"
	"github.com/chapohq/chapo/internal/tools"
	"github.com/chapohq/chapo/internal/tracing"
)

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Run the WebSocket gateway",
		Run: func(cmd *cobra.Command, args []string) {
			runGateway()
		},
	}
}

func runGateway() {
	setupLogging()

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}
	if cfg.Provider.APIKey == "" {
		if _, statErr := os.Stat(cfgPath); os.IsNotExist(statErr) {
			fmt.Println("No configuration found. Run the setup wizard first:")
			fmt.Println()
			fmt.Println("  chapo onboard")
			os.Exit(1)
		}
		fmt.Println("No provider API key configured. Set CHAPO_PROVIDER_API_KEY or re-run: chapo onboard")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Telemetry)
	if err != nil {
		slog.Error("telemetry setup failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			slog.Warn("trace flush failed", "error", err)
		}
	}()

	msgBus := bus.New()

	var eventLog sessions.EventLog
	if cfg.Sessions.EventLogPath != "" {
		log, err := sqlite.Open(cfg.Sessions.EventLogPath)
		if err != nil {
			slog.Error("event log open failed", "path", cfg.Sessions.EventLogPath, "error", err)
			os.Exit(1)
		}
		defer log.Close()
		eventLog = log
		slog.Info("durable event replay enabled", "path", cfg.Sessions.EventLogPath)
	}

	sessMgr := sessions.NewManager(msgBus, eventLog)
	if cfg.Sessions.SnapshotDir != "" {
		snaps, err := file.NewSnapshotStore(cfg.Sessions.SnapshotDir)
		if err != nil {
			slog.Error("snapshot store init failed", "dir", cfg.Sessions.SnapshotDir, "error", err)
			os.Exit(1)
		}
		sessMgr.SetSnapshots(snaps)
		if err := sessMgr.Restore(ctx); err != nil {
			slog.Warn("session restore failed", "error", err)
		}
	}

	sweeper, err := sessions.NewSweeper(sessMgr, cfg.Sessions.SweepCron, cfg.Sessions.IdleTTL.Std())
	if err != nil {
		slog.Error("invalid sweep schedule", "cron", cfg.Sessions.SweepCron, "error", err)
		os.Exit(1)
	}
	go sweeper.Run(ctx)

	registry := tools.BuildDefaultRegistry(cfg.Agent.ProjectRoot, cfg.Actions.Endpoint, cfg.Agent.RestrictToRoot)
	bridge := approvals.NewBridge()
	registry.SetApprovalBridge(bridge)

	var mcpMgr *mcpbridge.Manager
	if len(cfg.MCPServers) > 0 {
		mcpMgr = mcpbridge.NewManager(registry, cfg.MCPServers)
		if err := mcpMgr.Start(ctx); err != nil {
			slog.Warn("mcp startup incomplete", "error", err)
		}
		defer mcpMgr.Stop()
		slog.Info("mcp servers initialized", "configured", len(cfg.MCPServers), "tools", len(mcpMgr.ToolNames()))
	}

	provider := providers.NewOpenAIProvider(cfg.Provider.Name, cfg.Provider.APIKey, cfg.Provider.APIBase, cfg.Provider.Model)

	loopCfg := agent.LoopConfig{
		Provider:                  provider,
		Model:                     cfg.Provider.Model,
		Tools:                     registry,
		Bridge:                    bridge,
		Inbox:                     inbox.New(),
		Sessions:                  sessMgr,
		Summarizer:                agent.NewModelSummarizer(provider, cfg.Provider.Model),
		SelfValidator:             agent.NewModelSelfValidator(provider, cfg.Provider.Model),
		MaxIterations:             cfg.Agent.MaxIterations,
		TrivialIterations:         cfg.Agent.TrivialIterations,
		MaxSubTurns:               cfg.Agent.MaxSubTurns,
		CompactionThresholdTokens: cfg.Agent.CompactionThresholdTokens,
		CompactionKeepFraction:    cfg.Agent.CompactionKeepFraction,
		ErrorHandlerMaxRetries:    cfg.Agent.MaxRetries,
		SelfValidationEnabled:     cfg.Agent.SelfValidation,
		ProjectRoot:               cfg.Agent.ProjectRoot,
	}

	var delegationStore store.DelegationStore
	if cfg.Database.URL != "" {
		db, err := pg.OpenDB(cfg.Database.URL)
		if err != nil {
			slog.Error("postgres connect failed", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		delegationStore = pg.NewDelegationStore(db)
		loopCfg.DelegationHistory = delegationStore
		slog.Info("delegation history enabled")
	}

	loop := agent.NewLoop(loopCfg)
	server := gateway.NewServer(cfg, msgBus, loop, sessMgr)

	admin := adminhttp.NewAdminHandler(sessMgr, delegationStore, mcpMgr, cfg.Gateway.Token)
	admin.RegisterRoutes(server.BuildMux())

	// Config edits retune the running loop; listener settings need a restart
	// to apply.
	go func() {
		err := config.Watch(ctx, cfgPath, func(next *config.Config) {
			loop.UpdateLimits(agent.Limits{
				MaxIterations:             next.Agent.MaxIterations,
				TrivialIterations:         next.Agent.TrivialIterations,
				MaxSubTurns:               next.Agent.MaxSubTurns,
				CompactionThresholdTokens: next.Agent.CompactionThresholdTokens,
				CompactionKeepFraction:    next.Agent.CompactionKeepFraction,
				ErrorHandlerMaxRetries:    next.Agent.MaxRetries,
				SelfValidationEnabled:     next.Agent.SelfValidation,
			})
			slog.Info("config file reloaded", "path", cfgPath)
		})
		if err != nil && ctx.Err() == nil {
			slog.Warn("config watch unavailable", "error", err)
		}
	}()

	if cfg.Tailscale.Enabled {
		go func() {
			if err := gateway.ServeTailscale(ctx, cfg.Tailscale, server.BuildMux()); err != nil {
				slog.Error("tailscale listener failed", "error", err)
			}
		}()
	}

	slog.Info("gateway starting", "addr", cfg.Gateway.Addr(), "version", Version)
	if err := server.Start(ctx); err != nil {
		slog.Error("gateway stopped", "error", err)
		os.Exit(1)
	}
}
