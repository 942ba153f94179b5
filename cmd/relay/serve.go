package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/haasonsaas/relay/internal/agent"
	"github.com/haasonsaas/relay/internal/channels"
	"github.com/haasonsaas/relay/internal/channels/imessage"
	"github.com/haasonsaas/relay/internal/channels/telegram"
	"github.com/haasonsaas/relay/internal/channels/whatsapp"
	"github.com/haasonsaas/relay/internal/config"
	"github.com/haasonsaas/relay/internal/conversation"
	"github.com/haasonsaas/relay/internal/health"
	"github.com/haasonsaas/relay/internal/history"
	"github.com/haasonsaas/relay/internal/journal"
	"github.com/haasonsaas/relay/internal/llm"
	"github.com/haasonsaas/relay/internal/llm/providers"
	"github.com/haasonsaas/relay/internal/mcp"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/skills"
	"github.com/haasonsaas/relay/internal/tasks"
	"github.com/haasonsaas/relay/internal/typing"
	"github.com/haasonsaas/relay/internal/verify"
	"github.com/haasonsaas/relay/internal/web"
	"github.com/haasonsaas/relay/pkg/models"
)

func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})
	slog.SetDefault(logger)

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	dataRoot := cfg.History.DataDir
	if err := os.MkdirAll(dataRoot, 0o755); err != nil {
		return fmt.Errorf("data root: %w", err)
	}

	// Stores.
	historyStore := history.NewStore(filepath.Join(dataRoot, "history"), history.Options{
		MaxSegmentSizeBytes: cfg.History.MaxSegmentSizeBytes,
		MaxSegments:         cfg.History.MaxSegments,
	}, logger)
	if err := historyStore.MigrateLegacy(filepath.Join("data", "history")); err != nil {
		logger.Warn("legacy history migration failed", "error", err)
	}

	var jnl *journal.Journal
	if *cfg.Journal.Enabled {
		jnl = journal.New(filepath.Join(dataRoot, "journal"), journal.Options{
			MaxSegmentSizeBytes: cfg.Journal.MaxSegmentSizeBytes,
			MaxSegments:         cfg.Journal.MaxSegments,
		}, logger)
	}

	var taskStore *tasks.Store
	if *cfg.Tasks.Enabled {
		taskStore = tasks.NewStore(filepath.Join(dataRoot, "tasks"), logger)
	}

	// LLM backend plus the optional separate reviewer model.
	provider, err := providers.New(cfg.LLM)
	if err != nil {
		return err
	}
	llmService := llm.NewService(provider, metrics, logger)
	defer llmService.Close()

	reviewer, reviewerService := buildReviewer(cfg, llmService, metrics, logger)
	if reviewerService != nil {
		defer reviewerService.Close()
	}

	// MCP tool servers.
	mcpManager := mcp.NewManager(cfg.MCP, logger)
	mcpManager.ConnectAll(ctx)
	defer mcpManager.DisconnectAll()

	// Skills.
	skillRegistry := skills.NewRegistry(logger)
	for _, skill := range skills.LoadDirectories(cfg.Skills.Directories, logger) {
		if err := skillRegistry.Register(skill); err != nil {
			logger.Warn("skill registration failed", "skill", skill.Name, "error", err)
		}
	}
	var skillWatcher *skills.Watcher
	if len(cfg.Skills.Directories) > 0 {
		skillWatcher, err = skills.WatchDirectories(skillRegistry, cfg.Skills.Directories, logger)
		if err != nil {
			logger.Warn("skill hot reload unavailable", "error", err)
		} else {
			defer skillWatcher.Close()
		}
	}

	// Channels, typing keepalive, task manager.
	channelManager := channels.NewManager(logger)
	keepalive := typing.NewKeepalive(channelManager, typing.DefaultInterval, logger)
	taskManager := tasks.NewManager(taskStore, keepalive, channelManager, metrics, logger)

	sse := web.NewSSEManager(logger)
	webChannel, err := registerChannels(cfg, channelManager, sse, logger)
	if err != nil {
		return err
	}

	// The agent pipeline shared by every channel.
	agentService := agent.NewService(agent.Deps{
		Config:    cfg,
		History:   historyStore,
		Journal:   jnl,
		Tasks:     taskManager,
		TaskStore: taskStore,
		Mutex:     conversation.NewKeyedMutex(),
		LLM:       llmService,
		Reviewer:  reviewer,
		Tools:     mcpManager,
		Skills:    skillRegistry,
		Sender:    channelManager,
		Metrics:   metrics,
		Logger:    logger,
	})

	skills.RegisterBuiltins(skillRegistry, skills.BuiltinDeps{
		History: historyStore,
		StatusSummary: func() string {
			return fmt.Sprintf("%s\nActive tasks: %d", channelManager.StatusSummary(), taskManager.ActiveCount())
		},
		LastResponse: agentService.LastResponse,
	})

	handler := func(msg models.NormalizedMessage) {
		if err := agentService.HandleMessage(ctx, msg); err != nil {
			logger.Error("message handling failed", "channel", msg.ChannelID, "error", err)
		}
	}
	for _, ch := range channelManager.Channels() {
		ch.OnMessage(handler)
	}

	if err := channelManager.ConnectAll(ctx); err != nil {
		logger.Warn("some channels failed to connect, monitor will retry", "error", err)
	}

	// Post-crash reconciliation, then steady-state health machinery.
	health.NewNotifier(
		filepath.Join(dataRoot, "health", "recovery-event.json"),
		channelManager, cfg.Health.NotifyTargets, logger,
	).Notify(ctx)

	if taskStore != nil && *cfg.Tasks.RecoverOnStartup {
		health.NewTaskRecovery(taskStore, jnl, channelManager, logger).Recover(ctx)
	}

	heartbeat := health.NewHeartbeat(
		filepath.Join(dataRoot, "health", "heartbeat.json"),
		time.Duration(cfg.Health.HeartbeatIntervalMs)*time.Millisecond,
		cfg.Health.Port, channelManager, logger,
	)
	if err := heartbeat.Start(ctx); err != nil {
		return err
	}

	monitor := health.NewMonitor(channelManager, health.MonitorOptions{
		CheckInterval:        time.Duration(cfg.Health.CheckIntervalMs) * time.Millisecond,
		BaseDelay:            time.Duration(cfg.Health.BaseDelayMs) * time.Millisecond,
		MaxDelay:             time.Duration(cfg.Health.MaxDelayMs) * time.Millisecond,
		MaxReconnectAttempts: cfg.Health.MaxReconnectAttempts,
	}, metrics, logger)
	monitor.Start(ctx)

	var webServer *web.Server
	if *cfg.Web.Enabled && webChannel != nil {
		webServer = web.NewServer(web.ServerDeps{
			Channel:        webChannel,
			SSE:            sse,
			History:        historyStore,
			Journal:        jnl,
			Tasks:          taskManager,
			TaskStore:      taskStore,
			ChannelManager: channelManager,
			Gatherer:       registry,
			MaxMessages:    cfg.History.MaxMessages,
			Logger:         logger,
		})
		webServer.Start(cfg.Web.Port)
	}

	logger.Info("relay started", "persona", cfg.Persona.Name, "provider", llmService.Provider())

	// Wait for shutdown.
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()

	logger.Info("shutting down")
	monitor.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	heartbeat.Stop(shutdownCtx)
	if webServer != nil {
		if err := webServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("web server shutdown failed", "error", err)
		}
	}
	taskManager.Drain()
	channelManager.DisconnectAll(shutdownCtx)
	return nil
}

// buildReviewer wires the LLM review verifier backend: a dedicated
// provider when llmReview names one, otherwise the main service. The
// second return value is non-nil only when a dedicated provider was
// created and must be closed.
func buildReviewer(cfg *config.Config, main *llm.Service, metrics *observability.Metrics, logger *slog.Logger) (verify.Completer, *llm.Service) {
	review := cfg.Verification.LLMReview
	if !review.Enabled {
		return nil, nil
	}
	if review.Provider == "" && review.Model == "" {
		return main, nil
	}

	reviewCfg := cfg.LLM
	if review.Provider != "" {
		reviewCfg.Provider = review.Provider
	}
	if review.Model != "" {
		reviewCfg.Model = review.Model
	}
	provider, err := providers.New(reviewCfg)
	if err != nil {
		logger.Warn("review provider unavailable, using main provider", "error", err)
		return main, nil
	}
	service := llm.NewService(provider, metrics, logger)
	return service, service
}

// registerChannels builds every enabled channel adapter. The web
// channel is returned separately so the web server can inject into it.
func registerChannels(cfg *config.Config, manager *channels.Manager, sse *web.SSEManager, logger *slog.Logger) (*web.Channel, error) {
	var webChannel *web.Channel

	for id, chCfg := range cfg.Channels {
		if !chCfg.Enabled {
			continue
		}

		var (
			ch  channels.Channel
			err error
		)
		switch chCfg.Type {
		case "telegram":
			ch, err = telegram.New(id, chCfg, logger)
		case "whatsapp":
			ch, err = whatsapp.New(id, chCfg, logger)
		case "imessage":
			ch, err = imessage.New(id, chCfg, logger)
		case "web":
			wc := web.NewChannel(id, sse, logger)
			webChannel = wc
			ch = wc
		default:
			err = fmt.Errorf("unknown channel type %q", chCfg.Type)
		}
		if err != nil {
			return nil, fmt.Errorf("channel %s: %w", id, err)
		}
		if err := manager.Register(ch); err != nil {
			return nil, err
		}
	}
	return webChannel, nil
}
