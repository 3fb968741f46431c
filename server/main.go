package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/haasonsaas/steward/pkg/tracing"
	"github.com/haasonsaas/steward/pkg/transport"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var (
	listen          = flag.String("listen", ":8080", "Listen address")
	dbPath          = flag.String("db", "steward.db", "Database path")
	secretTTL       = flag.Duration("secret-ttl", 24*time.Hour, "Lifetime of issued agent secrets (0 = never expire)")
	minVersion      = flag.String("min-version", "", "Minimum supported agent version")
	maxTasks        = flag.Int("max-tasks", 10, "Tasks handed out per check-in")
	agentRateLimit  = flag.Int("agent-rate-limit", 120, "Requests per minute per agent")
	tracingEndpoint = flag.String("otlp-endpoint", "", "OTLP/HTTP trace collector")
	Version         = "dev"
)

// Server is the development platform: enough of the management API for an
// agent to enroll, check in, run queued tasks and report back.
type Server struct {
	db          *gorm.DB
	logger      zerolog.Logger
	hasher      TokenHasher
	adminToken  string
	rateLimiter *RateLimiter
	now         func() time.Time

	secretTTL          time.Duration
	minVersion         string
	maxTasksPerCheckIn int
	agentRateLimit     int

	tokensMu sync.Mutex
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), withRequestContext(s.logger))

	r.GET(transport.PathHealth, func(c *gin.Context) {
		if err := pingDB(c.Request.Context(), s.db); err != nil {
			respondError(c, http.StatusServiceUnavailable, "database unavailable", s.logger)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "version": Version})
	})
	s.registerEnrollmentRoutes(r)
	s.registerAgentRoutes(r)
	s.registerAdminRoutes(r)
	return r
}

func pingDB(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func main() {
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.DurationFieldUnit = time.Millisecond
	if strings.EqualFold(os.Getenv("STEWARD_LOG_FORMAT"), "json") {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	} else {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	}
	logger := log.Logger.With().Str("component", "server").Logger()
	logger.Info().Str("version", Version).Msg("Steward dev platform starting")

	adminToken := os.Getenv("STEWARD_ADMIN_TOKEN")
	if adminToken == "" {
		logger.Warn().Msg("STEWARD_ADMIN_TOKEN not set; admin endpoints are disabled")
	}
	salt := os.Getenv("STEWARD_TOKEN_SALT")
	if salt == "" {
		logger.Warn().Msg("STEWARD_TOKEN_SALT not set; using an unsalted hash")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.Setup(ctx, tracing.Config{
		ServiceName:    "steward-server",
		ServiceVersion: Version,
		Endpoint:       *tracingEndpoint,
		Logger:         logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to set up tracing")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(shutdownCtx)
	}()

	db, err := gorm.Open(sqlite.Open(*dbPath), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to database")
	}
	if err := migrate(db); err != nil {
		logger.Fatal().Err(err).Msg("Failed to migrate schema")
	}

	srv := &Server{
		db:                 db,
		logger:             logger,
		hasher:             NewTokenHasher([]byte(salt)),
		adminToken:         adminToken,
		rateLimiter:        NewRateLimiter(),
		now:                time.Now,
		secretTTL:          *secretTTL,
		minVersion:         *minVersion,
		maxTasksPerCheckIn: *maxTasks,
		agentRateLimit:     *agentRateLimit,
	}

	gin.SetMode(gin.ReleaseMode)
	httpSrv := &http.Server{
		Addr:              *listen,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				srv.rateLimiter.Prune()
			}
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("Server shutdown failed")
		}
	}()

	logger.Info().Str("listen", *listen).Msg("Listening")
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("Server failed")
	}
	logger.Info().Msg("Steward dev platform stopped")
}
