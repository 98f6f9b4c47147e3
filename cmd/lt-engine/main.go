package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/lt-engine/internal/api"
	"github.com/snarg/lt-engine/internal/buffer"
	"github.com/snarg/lt-engine/internal/config"
	"github.com/snarg/lt-engine/internal/conn"
	"github.com/snarg/lt-engine/internal/engine"
	"github.com/snarg/lt-engine/internal/sink"
	"github.com/snarg/lt-engine/internal/timeline"
)

var version = "dev"

func main() {
	startTime := time.Now()

	envFile := flag.String("env-file", "", "path to .env file (default .env)")
	httpAddr := flag.String("http-addr", "", "HTTP listen address (overrides HTTP_ADDR)")
	logLevel := flag.String("log-level", "", "log level (overrides LOG_LEVEL)")
	upstreamURL := flag.String("upstream-url", "", "recognition stream URL (overrides UPSTREAM_URL)")
	flag.Parse()

	// Config
	cfg, err := config.Load(config.Overrides{
		EnvFile:     *envFile,
		HTTPAddr:    *httpAddr,
		LogLevel:    *logLevel,
		UpstreamURL: *upstreamURL,
	})
	if err != nil {
		early := zerolog.New(os.Stderr).With().Timestamp().Logger()
		early.Fatal().Err(err).Msg("failed to load config")
	}

	// Logger
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)
	log.Info().Str("version", version).Msg("lt-engine starting")

	// Context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Kafka sink for finalized segments
	publisher := sink.New(sink.Config{
		Enabled: cfg.KafkaEnabled,
		Brokers: cfg.KafkaBrokers,
		Topic:   cfg.KafkaTopicFinal,
	}, log)
	defer publisher.Close()

	// Reconciliation engine
	eng := engine.New(engine.Options{
		Buffer: buffer.Config{
			MaxSegments:       cfg.MaxSegments,
			LowWaterMark:      cfg.RetentionLowWater,
			PersistentDisplay: cfg.PersistentDisplay,
		},
		Timeline: timeline.Config{
			GapDetectionThresholdMs: cfg.GapDetectionThreshold.Milliseconds(),
			MaxAcceptableGapMs:      cfg.MaxAcceptableGap.Milliseconds(),
			Strategy:                timeline.Strategy(cfg.EstimationStrategy),
		},
		DebounceDelay: cfg.DebounceDelay,
		Conn: conn.Options{
			URL:                  cfg.UpstreamURL,
			Transport:            &conn.WebSocketTransport{},
			HeartbeatInterval:    cfg.HeartbeatInterval,
			DialTimeout:          cfg.DialTimeout,
			MaxReconnectAttempts: cfg.MaxReconnectAttempts,
			BaseReconnectDelay:   cfg.BaseReconnectDelay,
			MaxReconnectDelay:    cfg.MaxReconnectDelay,
			DecayFactor:          cfg.ReconnectDecayFactor,
			MaxQueueSize:         cfg.MaxQueueSize,
		},
		Sink: publisher,
		Log:  log,
	})
	defer eng.Close()

	// Dial the upstream right away when one is configured. A failed first
	// dial is not fatal: the reconnect schedule keeps trying while the HTTP
	// surface stays up.
	if cfg.UpstreamURL != "" {
		if err := eng.StartSession(ctx); err != nil {
			log.Warn().Err(err).Str("url", cfg.UpstreamURL).Msg("initial upstream dial failed, reconnecting in background")
		}
	}

	// HTTP Server
	httpLog := log.With().Str("component", "http").Logger()
	srv := api.NewServer(cfg, eng, version, startTime, httpLog)

	// Start HTTP server in background
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	// Wait for shutdown signal or server error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("http server error")
		}
	}

	// Graceful shutdown with 10s timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
	}

	sum := eng.EndSession()
	log.Info().
		Int("final_segments", sum.FinalSegments).
		Float64("continuity_score", sum.ContinuityScore).
		Msg("session summary")

	log.Info().Msg("lt-engine stopped")
}
