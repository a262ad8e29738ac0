package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/chatbridge/internal/bot"
	"github.com/nextlevelbuilder/chatbridge/internal/bus"
	"github.com/nextlevelbuilder/chatbridge/internal/channels"
	"github.com/nextlevelbuilder/chatbridge/internal/channels/feishu"
	"github.com/nextlevelbuilder/chatbridge/internal/channels/gitlab"
	"github.com/nextlevelbuilder/chatbridge/internal/config"
	"github.com/nextlevelbuilder/chatbridge/internal/dedup"
	"github.com/nextlevelbuilder/chatbridge/internal/gateway"
	"github.com/nextlevelbuilder/chatbridge/internal/logger"
	"github.com/nextlevelbuilder/chatbridge/internal/media"
	"github.com/nextlevelbuilder/chatbridge/internal/metrics"
	"github.com/nextlevelbuilder/chatbridge/internal/providers"
	"github.com/nextlevelbuilder/chatbridge/internal/sessions"
	"github.com/nextlevelbuilder/chatbridge/internal/store"
	"github.com/nextlevelbuilder/chatbridge/internal/tracing"
)

// drainGrace is added to the reply timeout when waiting for in-flight
// messages at shutdown.
const drainGrace = 5 * time.Second

// encodingWarmTimeout bounds the startup wait for the token encoding.
const encodingWarmTimeout = 5 * time.Second

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Run the webhook gateway (default command)",
		Run: func(cmd *cobra.Command, args []string) {
			runGateway()
		},
	}
}

func runGateway() {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %s\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Logging, verbose)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid logging config: %s\n", err)
		os.Exit(1)
	}
	slog.SetDefault(log)

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "path", cfgPath, "error", err)
		os.Exit(1)
	}
	snap := cfg.Snapshot()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.Setup(ctx, snap.Telemetry)
	if err != nil {
		slog.Error("tracing setup failed", "error", err)
		os.Exit(1)
	}

	m, err := metrics.New(prometheus.NewRegistry())
	if err != nil {
		slog.Error("metrics setup failed", "error", err)
		os.Exit(1)
	}

	// Sessions
	if !sessions.WarmEncoding(encodingWarmTimeout) {
		slog.Warn("token encoding not ready, estimating token counts until it loads")
	}
	sessStore, err := store.OpenSessionStore(snap.Sessions)
	if err != nil {
		slog.Error("failed to open session store", "storage", snap.Sessions.Storage, "error", err)
		os.Exit(1)
	}
	var sessOpts []sessions.Option
	if sessStore != nil {
		sessOpts = append(sessOpts, sessions.WithStore(sessStore))
	}
	sessMgr := sessions.NewManager(cfg.BotSettings, sessOpts...)

	// Providers, refreshed when the config file changes.
	registry := providers.BuildRegistry(cfg)
	if len(registry.Names()) == 0 {
		slog.Warn("no llm provider has an api key; replies will fail")
	}
	watcher := config.NewWatcher(cfgPath, cfg)
	watcher.OnReload(func(c *config.Config) {
		registry.Replace(providers.BuildRegistry(c))
		slog.Info("providers reloaded", "providers", registry.Names())
	})

	replier := bot.New(registry, sessMgr, cfg.BotSettings,
		bot.WithMetrics(m),
		bot.WithReload(func(context.Context) error { return watcher.Reload() }),
	)

	// Channels
	cache, err := dedup.New(snap.Dedup.TTL(), snap.Dedup.Size)
	if err != nil {
		slog.Error("dedup cache setup failed", "error", err)
		os.Exit(1)
	}
	tmpDir, err := media.TmpDir(snap.Media.TmpDir)
	if err != nil {
		slog.Error("media dir unavailable", "error", err)
		os.Exit(1)
	}

	msgBus := bus.New(snap.Gateway.QueueSize)
	channelMgr := channels.NewManager()
	if snap.Channels.Feishu.Enabled {
		ch, err := feishu.New(snap.Channels.Feishu, msgBus, feishu.Options{
			TmpDir:   tmpDir,
			Dedup:    cache,
			Metrics:  m,
			Settings: cfg.BotSettings,
		})
		if err != nil {
			slog.Error("failed to initialize feishu channel", "error", err)
			os.Exit(1)
		}
		channelMgr.RegisterChannel(ch)
		slog.Info("feishu channel enabled", "domain", snap.Channels.Feishu.Domain)
	}
	if snap.Channels.GitLab.Enabled {
		ch, err := gitlab.New(snap.Channels.GitLab, msgBus, cache, m)
		if err != nil {
			slog.Error("failed to initialize gitlab channel", "error", err)
			os.Exit(1)
		}
		channelMgr.RegisterChannel(ch)
		slog.Info("gitlab channel enabled")
	}

	server := gateway.NewServer(snap.Gateway, channelMgr,
		gateway.WithMetrics(m),
		gateway.WithWebhookPath("feishu", snap.Channels.Feishu.WebhookPath),
		gateway.WithWebhookPath("gitlab", snap.Channels.GitLab.WebhookPath),
	)
	dispatcher := gateway.NewDispatcher(msgBus, replier, channelMgr,
		gateway.WithWorkers(snap.Gateway.Workers),
		gateway.WithReplyTimeout(snap.Gateway.ReplyTimeout()),
	)

	if err := watcher.Start(ctx); err != nil {
		slog.Warn("config watcher unavailable", "error", err)
	} else {
		defer watcher.Stop()
	}
	if err := channelMgr.StartAll(ctx); err != nil {
		slog.Error("failed to start channels", "error", err)
	}

	// The dispatcher outlives the signal: it drains the bus after the
	// server stops accepting webhooks.
	workCtx, cancelWork := context.WithCancel(context.Background())
	defer cancelWork()
	dispatched := make(chan error, 1)
	go func() { dispatched <- dispatcher.Run(workCtx) }()

	slog.Info("chatbridge gateway starting",
		"version", Version,
		"channels", channelMgr.Names(),
		"providers", registry.Names(),
		"sessions", snap.Sessions.Storage,
	)

	exitCode := 0
	if err := server.Start(ctx); err != nil {
		slog.Error("gateway error", "error", err)
		exitCode = 1
	}
	slog.Info("graceful shutdown initiated", "queued", msgBus.Len())

	msgBus.Close()
	select {
	case <-dispatched:
	case <-time.After(snap.Gateway.ReplyTimeout() + drainGrace):
		slog.Warn("dispatcher drain timed out")
		cancelWork()
		<-dispatched
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainGrace)
	defer cancel()
	if err := channelMgr.StopAll(shutdownCtx); err != nil {
		slog.Warn("channel stop failed", "error", err)
	}
	if sessStore != nil {
		if err := sessStore.Close(); err != nil {
			slog.Warn("session store close failed", "error", err)
		}
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		slog.Warn("tracer shutdown failed", "error", err)
	}
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}
