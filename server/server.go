// Package server exposes predictions over HTTP and WebSocket using gin.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"fluxpredict/db"
	"fluxpredict/logging"
	"fluxpredict/metrics"
	"fluxpredict/predict"
)

// Runner runs one prediction. *handlers.PredictionHandler implements it.
type Runner interface {
	Handle(ctx context.Context, id, source string, req predict.Request, emit predict.EmitFunc) (*predict.Result, error)
	Status() string
}

// Metrics reports in-process prediction and GPU metrics. *metrics.Store
// implements it.
type Metrics interface {
	Snapshot(recent int) metrics.Snapshot
}

// History reads the prediction ledger. *db.Repository implements it.
type History interface {
	GetPrediction(ctx context.Context, id string) (*db.Prediction, error)
	ListPredictions(ctx context.Context, limit int) ([]db.Prediction, error)
	CountByStatus(ctx context.Context) (map[string]int64, error)
}

// Config configures the HTTP server.
type Config struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string

	// OutputDir is served under /outputs/.
	OutputDir string

	// TokenHash is a bcrypt hash of the API token. Empty disables auth.
	TokenHash string

	// ReadTimeout for request headers and bodies (default: 30s)
	ReadTimeout time.Duration

	// IdleTimeout for keep-alive connections (default: 120s)
	IdleTimeout time.Duration

	// LogSkipPaths are not logged, e.g. the health check.
	LogSkipPaths []string

	// AuthMaxAttempts failed tokens from one IP within AuthWindow block it for
	// AuthBlock. Zero disables the limit.
	AuthMaxAttempts int
	AuthWindow      time.Duration
	AuthBlock       time.Duration

	// Stream configures the WebSocket endpoint.
	Stream StreamConfig

	// Development switches gin to debug mode.
	Development bool
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Addr:         ":8080",
		OutputDir:    "outputs",
		ReadTimeout:  30 * time.Second,
		IdleTimeout:  120 * time.Second,
		LogSkipPaths: []string{"/health-check"},

		AuthMaxAttempts: 5,
		AuthWindow:      15 * time.Minute,
		AuthBlock:       30 * time.Minute,

		Stream: DefaultStreamConfig(),
	}
}

const limiterCleanupInterval = 5 * time.Minute

// Server is the HTTP surface of the service.
type Server struct {
	engine     *gin.Engine
	httpServer *http.Server
	runner     Runner
	history    History
	metrics    Metrics
	config     Config
	logger     *logging.Logger
	auth       *TokenAuth
	limiter    *RateLimiter
	stop       context.CancelFunc
}

// New builds the router. history may be nil, in which case the ledger
// routes answer 404.
func New(cfg Config, runner Runner, history History, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.NewNop()
	}
	if cfg.Stream == (StreamConfig{}) {
		cfg.Stream = DefaultStreamConfig()
	}
	if cfg.Development {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		engine:  gin.New(),
		runner:  runner,
		history: history,
		config:  cfg,
		logger:  logger.Named("server"),
	}
	if cfg.TokenHash != "" {
		if cfg.AuthMaxAttempts > 0 {
			s.limiter = NewRateLimiter(cfg.AuthMaxAttempts, cfg.AuthWindow, cfg.AuthBlock)
			ctx, cancel := context.WithCancel(context.Background())
			s.stop = cancel
			s.limiter.StartCleanupTicker(ctx, limiterCleanupInterval)
		}
		s.auth = NewTokenAuth(cfg.TokenHash, s.limiter, s.logger)
	}
	s.routes()

	// No WriteTimeout: predictions hold the connection for as long as they run.
	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: cfg.ReadTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}
	return s
}

func (s *Server) routes() {
	s.engine.Use(Recovery(s.logger), RequestLogger(s.logger, s.config.LogSkipPaths...))
	s.engine.GET("/health-check", s.healthCheck)

	api := s.engine.Group("/")
	if s.auth != nil {
		api.Use(s.auth.Middleware())
	}
	api.POST("/predictions", s.createPrediction)
	api.GET("/predictions", s.listPredictions)
	api.GET("/predictions/stream", s.stream)
	api.GET("/predictions/:id", s.getPrediction)
	api.GET("/stats", s.stats)
	api.Static("/outputs", s.config.OutputDir)
}

// SetMetrics adds m to /stats.
func (s *Server) SetMetrics(m Metrics) {
	s.metrics = m
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start listens until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("HTTP server listening", zap.String("addr", s.config.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for active requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("HTTP server shutting down")
	if s.stop != nil {
		s.stop()
	}
	return s.httpServer.Shutdown(ctx)
}
