package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/muselab/agentlink/internal/agent"
	"github.com/muselab/agentlink/internal/config"
	"github.com/muselab/agentlink/internal/httpapi"
	"github.com/muselab/agentlink/internal/lifecycle"
	"github.com/muselab/agentlink/internal/observability"
	"github.com/muselab/agentlink/internal/room"
	signaling "github.com/muselab/agentlink/internal/signal"
	"github.com/muselab/agentlink/internal/token"
	"github.com/muselab/agentlink/internal/transcript"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("APP_PRETTY_LOGS") == "true" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("config error")
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	store, err := transcript.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("transcript store init failed")
	}
	defer store.Close()

	tokens := token.NewClient(cfg.TokenEndpoint, cfg.TokenTTL)
	sessions := lifecycle.NewClient(cfg.SessionEndpoint, logger)
	transport := room.NewLiveKitTransport(logger)
	rooms := room.NewAdapter(transport, cfg.MaxConnectAttempts, cfg.ConnectRetryDelay, logger)

	dialer := signaling.NewDialer(cfg.SignalingEndpoint, cfg.SignalingTimeout, logger)
	opener := agent.SignalOpenerFunc(func(ctx context.Context, sessionID string) (agent.SignalChannel, error) {
		ch, err := dialer.Open(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		return ch, nil
	})

	orchestrator := agent.NewOrchestrator(
		agent.Config{
			RoomURL:        cfg.LiveKitURL,
			UserID:         cfg.UserID,
			DisplayName:    cfg.DisplayName,
			RoomName:       cfg.RoomName,
			ConnectTimeout: cfg.ConnectTimeout,
			MaxAttempts:    cfg.MaxConnectAttempts,
		},
		tokens, sessions, rooms, opener, store, metrics, logger,
	)

	api := httpapi.New(cfg, orchestrator, store, metrics, logger)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	go func() {
		logger.Info().Str("addr", cfg.BindAddr).Msg("server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("listen error")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info().Msg("shutdown signal received")

	// Tear the session down before the HTTP listener so the backend
	// session is released even if a client is mid-stream.
	orchestrator.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("graceful shutdown failed")
		_ = httpServer.Close()
	}

	logger.Info().Msg("shutdown complete")
}
