// Package server exposes the gateway over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	openai "github.com/sashabaranov/go-openai"

	"github.com/sleepstars/unigate/internal/catalog"
	"github.com/sleepstars/unigate/internal/config"
	"github.com/sleepstars/unigate/internal/logger"
	"github.com/sleepstars/unigate/internal/metrics"
	"github.com/sleepstars/unigate/internal/models"
	"github.com/sleepstars/unigate/internal/orchestrator"
)

// Version is reported by the health and root endpoints.
const Version = "1.0.0"

const (
	serviceName = "Unified AI Inference Proxy"

	readHeaderTimeout = 10 * time.Second
	idleTimeout       = 120 * time.Second
)

// Gateway runs chat completions.
type Gateway interface {
	Complete(ctx context.Context, req *models.ChatCompletionRequest, override models.Backend) (*orchestrator.Result, error)
	Stream(ctx context.Context, req *models.ChatCompletionRequest, override models.Backend) (*orchestrator.StreamResult, error)
}

// Catalog supplies the installed local models.
type Catalog interface {
	Refresh(ctx context.Context) error
	Entries() []catalog.Entry
}

// Backends reports backend reachability and lists cloud models.
type Backends interface {
	ListCloudModels(ctx context.Context) ([]openai.Model, error)
	CloudConfigured() bool
	PingLocal(ctx context.Context) error
	BreakerStates() map[string]string
}

// Deps are the collaborators behind the HTTP surface. Metrics may be nil.
type Deps struct {
	Gateway  Gateway
	Catalog  Catalog
	Backends Backends
	Metrics  *metrics.Recorder
}

// Server is the gin application plus its listener settings.
type Server struct {
	cfg      *config.Config
	deps     Deps
	engine   *gin.Engine
	limiter  *ipLimiter
	logger   *logger.Logger
	started  time.Time
	shutdown time.Duration
}

// New builds the router. It does not start listening.
func New(cfg *config.Config, deps Deps) (*Server, error) {
	if deps.Gateway == nil || deps.Catalog == nil || deps.Backends == nil {
		return nil, errors.New("server: gateway, catalog and backends are required")
	}
	rl, err := config.ParseRateLimit(cfg.RateLimit)
	if err != nil {
		return nil, err
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	if err := engine.SetTrustedProxies(nil); err != nil {
		return nil, fmt.Errorf("configure trusted proxies: %w", err)
	}

	s := &Server{
		cfg:      cfg,
		deps:     deps,
		engine:   engine,
		limiter:  newIPLimiter(rl),
		logger:   logger.GetLogger().WithComponent("http"),
		started:  time.Now(),
		shutdown: cfg.Server.ShutdownTimeout,
	}

	engine.Use(gin.Recovery(), requestID(), requestLog(s.logger), corsHandler(cfg.CORS))
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	limited := s.engine.Group("/", s.limiter.middleware())
	for _, prefix := range []string{"", "/v1"} {
		limited.POST(prefix+"/chat/completions", s.handleChatCompletions)
		limited.GET(prefix+"/models", s.handleModels)
	}

	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/", s.handleRoot)
	if s.deps.Metrics != nil {
		s.engine.GET("/metrics", gin.WrapH(s.deps.Metrics.Handler()))
	}
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run listens on the configured port until ctx is cancelled, then drains
// in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.cfg.Server.Port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       idleTimeout,
	}

	if s.limiter != nil {
		go s.limiter.cleanup(ctx, time.Minute)
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		timeout := s.shutdown
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.logger.Info("server stopped")
		return nil
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return fmt.Errorf("listen %s: %w", addr, err)
	}
}
