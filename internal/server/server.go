// Package server assembles the HTTP surface of the risk pipeline: store
// selection, service wiring, routing, and graceful shutdown.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"

	"github.com/thanujathanu123/finsight/internal/alerts"
	"github.com/thanujathanu123/finsight/internal/config"
	"github.com/thanujathanu123/finsight/internal/health"
	"github.com/thanujathanu123/finsight/internal/ingest"
	"github.com/thanujathanu123/finsight/internal/metrics"
	"github.com/thanujathanu123/finsight/internal/pipeline"
	"github.com/thanujathanu123/finsight/internal/profile"
	"github.com/thanujathanu123/finsight/internal/realtime"
	"github.com/thanujathanu123/finsight/internal/scoring"
)

// Server is the assembled application.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	engine    *gin.Engine
	http      *http.Server
	db        *sql.DB // nil when running on in-memory stores
	hub       *realtime.Hub
	queue     *pipeline.Queue
	scheduler *pipeline.Scheduler
	health    *health.Registry
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// New assembles the server. With DATABASE_URL set, state lives in
// PostgreSQL; otherwise everything runs on in-memory stores, which is the
// demo and test mode.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: slog.Default(),
		health: health.NewRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}

	var (
		transactions ingest.Store
		profiles     profile.Store
		scores       scoring.Store
		alertStore   alerts.Store
		pool         alerts.ReviewerPool
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		s.db = db

		transactions = ingest.NewPostgresStore(db)
		profiles = profile.NewPostgresStore(db)
		scores = scoring.NewPostgresStore(db)
		alertStore = alerts.NewPostgresStore(db)
		pool = alerts.NewPostgresPool(db)
		s.logger.Info("using postgres stores")
	} else {
		transactions = ingest.NewMemoryStore()
		profiles = profile.NewMemoryStore()
		scores = scoring.NewMemoryStore()
		alertStore = alerts.NewMemoryStore()
		pool = alerts.NewStaticPool()
		s.logger.Warn("DATABASE_URL not set, using in-memory stores")
	}

	s.hub = realtime.NewHub(s.logger)

	alertSvc := alerts.NewService(alertStore, pool, cfg.AlertThreshold, severityBands(cfg.SeverityBands),
		alerts.WithLogger(s.logger),
		alerts.WithNotifier(s.hub),
	)

	pipe := pipeline.New(transactions, profiles, scores, alertSvc, pipeline.Settings{
		Windows:          cfg.Windows,
		RetrainBatchSize: cfg.RetrainBatchSize,
		MinTrainSamples:  cfg.MinTrainSamples,
		ProfileDefaults: profile.Defaults{
			Contamination:     cfg.Contamination,
			WeightAnomaly:     cfg.WeightAnomaly,
			AmountMultiplier:  cfg.AmountMultiplier,
			OffHoursStart:     cfg.OffHoursStart,
			OffHoursEnd:       cfg.OffHoursEnd,
			RapidRepeatCount:  cfg.RapidRepeatCount,
			RapidRepeatWindow: cfg.RapidRepeatWindow,
		},
	}, s.logger)

	s.queue = pipeline.NewQueue(pipe, cfg.QueueWorkers, s.logger, pipeline.WithJobNotifier(s.hub))
	s.scheduler = pipeline.NewScheduler(pipe, alertSvc,
		time.Duration(cfg.AlertRetentionDays)*24*time.Hour, s.logger)

	s.registerHealthChecks()
	s.buildRouter(
		pipeline.NewHandlers(s.queue, pipe, transactions, profiles, scores),
		alerts.NewHandlers(alertSvc, pool),
	)

	s.http = &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

func severityBands(bands []config.Band) []alerts.Band {
	out := make([]alerts.Band, len(bands))
	for i, b := range bands {
		out[i] = alerts.Band{MinScore: b.MinScore, Severity: alerts.Severity(b.Severity)}
	}
	return out
}

func (s *Server) registerHealthChecks() {
	if s.db != nil {
		s.health.Register("database", func(ctx context.Context) health.Status {
			ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			if err := s.db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	}
}

func (s *Server) buildRouter(pipelineHandlers *pipeline.Handlers, alertHandlers *alerts.Handlers) {
	if s.cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(metrics.Middleware())

	engine.GET("/health", func(c *gin.Context) {
		healthy, statuses := s.health.CheckAll(c.Request.Context())
		code := http.StatusOK
		if !healthy {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{"healthy": healthy, "checks": statuses})
	})
	engine.GET("/metrics", metrics.Handler())
	engine.GET("/ws", s.hub.ServeWS)

	v1 := engine.Group("/v1")
	pipelineHandlers.RegisterRoutes(v1)
	alertHandlers.RegisterRoutes(v1)

	s.engine = engine
}

// Run starts the background workers and the HTTP listener, blocking until
// ctx is cancelled, then shuts everything down in order.
func (s *Server) Run(ctx context.Context) error {
	go s.hub.Run()

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	s.queue.Start(workerCtx)

	if err := s.scheduler.Start(workerCtx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	if s.db != nil {
		go metrics.StartDBStatsCollector(workerCtx, s.db, 15*time.Second)
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.http.Addr, "env", s.cfg.Env)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("http shutdown", "error", err)
	}

	s.scheduler.Stop()
	stopWorkers()
	s.queue.Wait()
	s.hub.Close()

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("close database", "error", err)
		}
	}
	s.logger.Info("shutdown complete")
	return nil
}
