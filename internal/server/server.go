// Package server wires the HTTP API to the job store and the extraction
// pipeline. Start owns the full service lifecycle: connect to Postgres, run
// migrations, build the provider-backed services, launch the worker pool,
// and serve HTTP until the context is cancelled.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/jackzampolin/billfold/internal/api"
	"github.com/jackzampolin/billfold/internal/config"
	"github.com/jackzampolin/billfold/internal/extract"
	"github.com/jackzampolin/billfold/internal/llmcall"
	"github.com/jackzampolin/billfold/internal/metrics"
	"github.com/jackzampolin/billfold/internal/ocr"
	"github.com/jackzampolin/billfold/internal/pipeline"
	"github.com/jackzampolin/billfold/internal/providers"
	"github.com/jackzampolin/billfold/internal/server/endpoints"
	"github.com/jackzampolin/billfold/internal/store"
	"github.com/jackzampolin/billfold/internal/svcctx"

	_ "github.com/jackzampolin/billfold/docs" // register swagger spec
)

// Server is the main Billfold HTTP server. It connects to Postgres on start
// and runs the extraction pipeline alongside the HTTP listener. The server
// does not manage the database process itself; use `billfold db` for the
// local dev container.
type Server struct {
	httpServer *http.Server
	store      *store.Store
	llmCalls   *llmcall.Store
	metrics    *metrics.Store
	runner     *pipeline.Runner
	registry   *providers.Registry
	configMgr  *config.Manager
	logger     *slog.Logger

	// services holds all core services for context enrichment
	services *svcctx.Services

	// endpoints registry for HTTP routes
	endpointRegistry *api.Registry

	runnerCancel context.CancelFunc
	runnerDone   chan struct{}

	mu      sync.RWMutex
	running bool
}

// Config holds server configuration.
type Config struct {
	// Host is the address to bind to (default: 127.0.0.1)
	Host string
	// Port is the port to listen on (default: 8080)
	Port string
	// ConfigManager provides configuration with hot-reload support
	ConfigManager *config.Manager
	// Logger is the structured logger to use
	Logger *slog.Logger
}

// New creates a new Server with the given configuration.
func New(cfg Config) (*Server, error) {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == "" {
		cfg.Port = "8080"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	// Create provider registry
	registry := providers.NewRegistry()
	registry.SetLogger(cfg.Logger)

	// If config manager provided, set up providers and hot reload
	if cfg.ConfigManager != nil {
		registry.Reload(cfg.ConfigManager.Get().ToProviderRegistryConfig())

		// Watch for config changes
		cfg.ConfigManager.OnChange(func(c *config.Config) {
			registry.Reload(c.ToProviderRegistryConfig())
			cfg.Logger.Info("provider registry reloaded from config")
		})
	}

	s := &Server{
		registry:  registry,
		configMgr: cfg.ConfigManager,
		logger:    cfg.Logger,
	}

	// Create endpoint registry and register all endpoints
	s.endpointRegistry = api.NewRegistry()
	for _, ep := range endpoints.All() {
		s.endpointRegistry.Register(ep)
	}

	// Set up HTTP server
	mux := http.NewServeMux()
	s.endpointRegistry.RegisterRoutes(mux, s.requireInit)

	s.httpServer = &http.Server{
		Addr:         net.JoinHostPort(cfg.Host, cfg.Port),
		Handler:      s.withServices(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s, nil
}

// Start connects to the store, runs migrations, starts the pipeline, and
// serves HTTP. It blocks until the context is cancelled or an error occurs.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("server already running")
	}
	s.running = true
	s.mu.Unlock()

	if s.configMgr == nil {
		s.setNotRunning()
		return errors.New("config manager is required to start the server")
	}
	cfg := s.configMgr.Get()

	// Connect to Postgres
	s.logger.Info("connecting to store")
	st, err := store.Open(store.Config{
		URL:          cfg.StoreURL(),
		MaxOpenConns: cfg.Store.MaxOpenConns,
		MaxIdleConns: cfg.Store.MaxIdleConns,
	})
	if err != nil {
		s.setNotRunning()
		return fmt.Errorf("failed to open store: %w", err)
	}
	s.store = st

	// The database may still be coming up (billfold db start returns as soon
	// as the container reports healthy); give it a grace window.
	if err := retry.Do(
		func() error { return st.Ping(ctx) },
		retry.Context(ctx),
		retry.Attempts(10),
		retry.Delay(1*time.Second),
	); err != nil {
		_ = st.Close()
		s.setNotRunning()
		return fmt.Errorf("store unreachable: %w", err)
	}

	// Run migrations
	s.logger.Info("running migrations")
	if err := store.Migrate(st.DB()); err != nil {
		_ = st.Close()
		s.setNotRunning()
		return fmt.Errorf("migration failed: %w", err)
	}

	// Resolve default providers
	ocrProvider, err := s.registry.GetOCR(cfg.Defaults.OCRProvider)
	if err != nil {
		_ = st.Close()
		s.setNotRunning()
		return fmt.Errorf("default OCR provider unavailable: %w", err)
	}
	llmClient, err := s.registry.GetLLM(cfg.Defaults.LLMProvider)
	if err != nil {
		_ = st.Close()
		s.setNotRunning()
		return fmt.Errorf("default LLM provider unavailable: %w", err)
	}
	llmCfg, _ := cfg.GetLLMProvider(cfg.Defaults.LLMProvider)

	// Build stores, recorders, and the pipeline services
	s.llmCalls = llmcall.NewStore(st.DB())
	s.metrics = metrics.NewStore(st.DB())
	callRecorder := llmcall.NewRecorder(s.llmCalls, s.logger)
	metricRecorder := metrics.NewRecorder(s.metrics, s.logger)

	ocrService := ocr.NewService(ocr.Config{
		Provider:     ocrProvider,
		AllowedHosts: cfg.AllowedPDFHosts,
		TextMaxBytes: cfg.Limits.OCRTextMaxBytes,
		MaxPDFBytes:  cfg.Limits.MaxPDFBytes,
		Logger:       s.logger,
	})
	extractor := extract.NewService(extract.Config{
		Client:      llmClient,
		Model:       llmCfg.Model,
		Temperature: llmCfg.Temperature,
		MaxTokens:   llmCfg.MaxTokens,
		Calls:       callRecorder,
		Metrics:     metricRecorder,
		Logger:      s.logger,
	})
	s.runner = pipeline.NewRunner(pipeline.Config{
		Store:      st,
		OCR:        ocrService,
		Extractor:  extractor,
		Metrics:    metricRecorder,
		MaxWorkers: cfg.Defaults.MaxWorkers,
		Logger:     s.logger,
	})

	// Create services struct for context enrichment
	s.services = &svcctx.Services{
		Store:    st,
		Registry: s.registry,
		Runner:   s.runner,
		Config:   s.configMgr,
		LLMCalls: s.llmCalls,
		Metrics:  s.metrics,
		Logger:   s.logger,
	}

	// Start the pipeline. It gets its own context so HTTP shutdown can finish
	// before in-flight jobs are interrupted.
	runnerCtx, runnerCancel := context.WithCancel(context.Background())
	s.runnerCancel = runnerCancel
	s.runnerDone = make(chan struct{})
	go func() {
		s.runner.Run(runnerCtx)
		close(s.runnerDone)
	}()

	// Start HTTP server in goroutine
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for context cancellation or error
	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			_ = s.shutdown()
			return fmt.Errorf("HTTP server error: %w", err)
		}
	}

	return s.shutdown()
}

// shutdown stops the HTTP server, the pipeline, and the store connection.
// Interrupted jobs stay in processing and resume on the next start.
func (s *Server) shutdown() error {
	s.logger.Info("shutting down server")

	// Shutdown HTTP server with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
	}

	// Stop the pipeline and wait for workers to notice
	if s.runnerCancel != nil {
		s.logger.Info("stopping pipeline")
		s.runnerCancel()
		select {
		case <-s.runnerDone:
		case <-shutdownCtx.Done():
			s.logger.Error("pipeline did not drain before deadline")
		}
	}

	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Error("store close error", "error", err)
		}
	}

	s.setNotRunning()
	s.logger.Info("server stopped")
	return nil
}

func (s *Server) setNotRunning() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

// IsRunning returns whether the server is currently running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Store returns the job store.
// Returns nil if the server hasn't started yet.
func (s *Server) Store() *store.Store {
	return s.store
}

// Runner returns the pipeline runner.
// Returns nil if the server hasn't started yet.
func (s *Server) Runner() *pipeline.Runner {
	return s.runner
}

// Addr returns the server's listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Registry returns the provider registry.
func (s *Server) Registry() *providers.Registry {
	return s.registry
}

// withServices wraps a handler to enrich the request context with services.
func (s *Server) withServices(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if s.services != nil {
			ctx = svcctx.WithServices(ctx, s.services)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireInit is middleware that ensures the server is fully initialized.
// Returns 503 Service Unavailable if the store or pipeline aren't ready.
func (s *Server) requireInit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.services == nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"error":"server not fully initialized"}`))
			return
		}
		next(w, r)
	}
}
