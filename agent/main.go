package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/haasonsaas/steward/pkg/config"
	"github.com/haasonsaas/steward/pkg/orchestrator"
	"github.com/haasonsaas/steward/pkg/tracing"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	configPath  = flag.String("config", config.DefaultPath, "Config file path")
	serverURL   = flag.String("server", "", "Platform URL (overrides config)")
	enrollToken = flag.String("enroll", "", "One-time enrollment token")
	Version     = "dev"
)

func main() {
	flag.Parse()

	configureAgentLogger()
	log.Info().Str("version", Version).Msg("Steward agent starting")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	if *serverURL != "" {
		cfg.Server.URL = *serverURL
	}
	if *enrollToken != "" {
		cfg.Server.EnrollToken = *enrollToken
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid config")
	}

	applyAgentLogging(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("Agent stopped with error")
	}
	log.Info().Msg("Steward agent stopped")
}

func run(ctx context.Context, cfg *config.AgentConfig) error {
	tp, err := tracing.Setup(ctx, tracing.Config{
		ServiceName:    "steward-agent",
		ServiceVersion: Version,
		Endpoint:       cfg.Tracing.Endpoint,
		Insecure:       cfg.Tracing.Insecure,
		SampleRatio:    cfg.Tracing.SampleRatio,
		LogSpans:       cfg.Tracing.LogSpans,
		Logger:         log.Logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Tracer shutdown failed")
		}
	}()

	agent, err := orchestrator.New(ctx, orchestrator.Options{
		Config:  cfg,
		Version: Version,
		Logger:  log.Logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := agent.Close(); err != nil {
			log.Warn().Err(err).Msg("Agent close failed")
		}
	}()

	if err := enrollAtStartup(ctx, agent, cfg); err != nil {
		return err
	}

	log.Info().
		Str("server", cfg.Server.URL).
		Int("checkin_interval_s", cfg.Schedule.CheckInIntervalS).
		Int("telemetry_interval_m", cfg.Schedule.TelemetryIntervalM).
		Msg("Configuration loaded")

	if err := agent.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	log.Info().Msg("Shutdown requested")
	agent.Stop()
	return nil
}

// enrollAtStartup enrolls when no credential is stored and a token is
// configured. Without a token the agent starts paused and logs how to enroll.
func enrollAtStartup(ctx context.Context, agent *orchestrator.Agent, cfg *config.AgentConfig) error {
	status := agent.Status()
	if status.Enrolled {
		log.Info().Str("identity", status.Identity).Msg("Loaded stored credential")
		return nil
	}
	token, err := cfg.EnrollmentToken()
	if err != nil {
		return err
	}
	if token == "" {
		log.Warn().Msg("Not enrolled and no enrollment token configured; run `steward enroll` or pass -enroll")
		return nil
	}

	r := newRetrier(cfg.Server.RetryInitialMs, cfg.Server.RetryMaxMs, cfg.Server.RetryMaxRetries)
	err = r.do(ctx, func(ctx context.Context) error {
		_, err := agent.Enroll(ctx, token)
		return err
	}, isRetryableEnroll)
	if errors.Is(err, context.Canceled) || ctx.Err() != nil {
		return nil
	}
	return err
}

func configureAgentLogger() {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.DurationFieldUnit = time.Millisecond

	level := zerolog.InfoLevel
	if raw := strings.ToLower(strings.TrimSpace(os.Getenv("STEWARD_LOG_LEVEL"))); raw != "" {
		if parsed, err := zerolog.ParseLevel(raw); err == nil {
			level = parsed
		}
	}

	format := strings.ToLower(strings.TrimSpace(os.Getenv("STEWARD_LOG_FORMAT")))

	logger := newAgentLogger(format)
	log.Logger = logger.Level(level)
	zerolog.SetGlobalLevel(level)
}

func applyAgentLogging(cfg config.LoggingConfig) {
	level := zerolog.InfoLevel
	if parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level))); err == nil {
		level = parsed
	}

	format := "console"
	if cfg.JSON || strings.EqualFold(os.Getenv("STEWARD_LOG_FORMAT"), "json") {
		format = "json"
	}

	logger := newAgentLogger(format)
	log.Logger = logger.Level(level)
	zerolog.SetGlobalLevel(level)
}

func newAgentLogger(format string) zerolog.Logger {
	if format == "json" {
		return zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
	writer := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	return zerolog.New(writer).With().Timestamp().Logger()
}
