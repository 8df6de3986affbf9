package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/veloxhq/conductor/internal/api"
	"github.com/veloxhq/conductor/internal/bus"
	"github.com/veloxhq/conductor/internal/config"
	"github.com/veloxhq/conductor/internal/decomposer"
	"github.com/veloxhq/conductor/internal/executor"
	"github.com/veloxhq/conductor/internal/health"
	"github.com/veloxhq/conductor/internal/metrics"
	"github.com/veloxhq/conductor/internal/notify"
	"github.com/veloxhq/conductor/internal/orchestrator"
	"github.com/veloxhq/conductor/internal/role"
	"github.com/veloxhq/conductor/internal/session"
	"github.com/veloxhq/conductor/internal/store"
	"github.com/veloxhq/conductor/internal/ws"
)

func main() {
	// Setup structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(os.Stdout).With().Timestamp().Caller().Logger()

	if os.Getenv("ENVIRONMENT") == "development" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	log.Logger = logger

	// Load config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	// Set log level
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err == nil {
		zerolog.SetGlobalLevel(level)
	}

	logger.Info().
		Str("environment", cfg.Environment).
		Int("http_port", cfg.HTTPPort).
		Str("api_addr", cfg.APIListenAddr).
		Str("workspace_root", cfg.WorkspaceRoot).
		Bool("slack_enabled", cfg.SlackEnabled()).
		Msg("starting conductor")

	// Context with graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Persistence
	st, err := store.New(cfg.DBPath, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open store")
	}
	defer st.Close()

	// Projects left non-terminal by a previous process cannot be resumed;
	// their in-memory run state is gone.
	if n, err := st.MarkInterrupted(); err != nil {
		logger.Error().Err(err).Msg("failed to mark interrupted projects")
	} else if n > 0 {
		logger.Warn().Int64("projects", n).Msg("marked interrupted projects as failed")
	}

	// Health checker
	checker := health.NewChecker(logger)
	checker.Register("store", health.StoreCheck(st, 0))
	checker.Register("workspace", health.WorkspaceCheck(cfg.WorkspaceRoot))

	// Metrics
	collector := metrics.New()

	// Event bus
	events := bus.New(logger)

	// Execution stack: CLI-backed agent runner, one session per team member
	runner := executor.NewCLIRunner(executor.CLIConfig{
		Bin:     cfg.AgentBin,
		Timeout: cfg.AgentTimeout,
	}, logger)
	sessions := session.NewManager(runner, events, logger)

	// Requirement decomposition
	registry := role.NewRegistry()
	if cfg.RolesFile != "" {
		registry, err = role.NewRegistryFromFile(cfg.RolesFile)
		if err != nil {
			logger.Fatal().Err(err).Str("path", cfg.RolesFile).Msg("failed to load role catalog")
		}
		logger.Info().Str("path", cfg.RolesFile).Int("roles", len(registry.IDs())).Msg("role catalog loaded")
	}
	dec := decomposer.New(registry, cfg.MaxRequirementLen, logger)

	// Notifications
	var notifiers []notify.Notifier
	for _, ch := range cfg.NotifyChannelList() {
		switch ch {
		case "log":
			notifiers = append(notifiers, notify.NewLogNotifier(logger))
		case "slack":
			if cfg.SlackEnabled() {
				notifiers = append(notifiers, notify.NewSlackNotifier(cfg.SlackBotToken, cfg.SlackChannel))
				logger.Info().Str("channel", cfg.SlackChannel).Msg("Slack notifications enabled")
			} else {
				logger.Warn().Msg("slack notify channel configured without SLACK_BOT_TOKEN — skipping")
			}
		default:
			logger.Warn().Str("channel", ch).Msg("unknown notify channel — skipping")
		}
	}
	notifier := notify.NewMultiNotifier(notifiers...)

	// Orchestrator
	coordinator := orchestrator.New(cfg, sessions, dec, st, events, notifier, logger)

	// Background retention sweep
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(6 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := st.RunRetention(ctx); err != nil {
					logger.Error().Err(err).Msg("retention sweep failed")
				}
			}
		}
	}()

	// Websocket server (event stream, probes, metrics)
	hub := ws.NewHub(events, coordinator, collector, logger)
	wsServer := ws.NewServer(cfg.HTTPPort, hub, checker, collector, logger)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := wsServer.Start(); err != nil {
			logger.Fatal().Err(err).Msg("websocket server error")
		}
	}()

	// REST API server
	handlers := api.NewHandlers(coordinator, st, checker, cfg, collector, logger)
	apiServer := api.NewServer(api.ServerConfig{
		ListenAddr: cfg.APIListenAddr,
		AuthConfig: api.AuthConfig{
			Mode:      cfg.APIAuthMode,
			APIKey:    cfg.APIKey,
			JWTSecret: cfg.JWTSecret,
		},
		RateLimit: api.RateLimitConfig{
			RPS:   cfg.APIRateLimitRPS,
			Burst: cfg.APIRateBurst,
		},
		CORSOrigins: cfg.CORSOrigins,
	}, handlers, collector, logger)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := apiServer.Start(); err != nil {
			logger.Error().Err(err).Msg("API server error")
		}
	}()

	// Wait for shutdown signal
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down gracefully")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := apiServer.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("API server shutdown error")
	}
	if err := wsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("websocket server shutdown error")
	}

	coordinator.Shutdown(shutdownCtx)
	events.Close()

	// Wait for in-flight work to complete
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info().Msg("all goroutines stopped")
	case <-time.After(15 * time.Second):
		logger.Warn().Msg("forced shutdown after timeout")
	}

	logger.Info().Msg("conductor stopped")
}
