package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Davincible/claude-gateway/internal/config"
	"github.com/Davincible/claude-gateway/internal/handlers"
	"github.com/Davincible/claude-gateway/internal/health"
	"github.com/Davincible/claude-gateway/internal/metrics"
	"github.com/Davincible/claude-gateway/internal/middleware"
	"github.com/Davincible/claude-gateway/internal/providers"
	"github.com/Davincible/claude-gateway/internal/router"
)

type Server struct {
	config   *config.Manager
	registry *providers.Registry
	engine   *router.Engine
	logger   *slog.Logger
	server   *http.Server
}

func New(configManager *config.Manager, logger *slog.Logger) (*Server, error) {
	cfg := configManager.Get()
	if cfg == nil {
		return nil, fmt.Errorf("configuration not loaded")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	routes, err := cfg.Routes()
	if err != nil {
		return nil, fmt.Errorf("build route table: %w", err)
	}

	store := health.NewStore()
	blacklist := health.NewBlacklist()
	engine := router.NewEngine(routes, store, blacklist, logger)

	return &Server{
		config:   configManager,
		registry: providers.NewRegistry(),
		engine:   engine,
		logger:   logger,
	}, nil
}

func (s *Server) Start() error {
	cfg := s.config.Get()

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	mux := s.setupRoutes()

	s.server = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	s.logger.Info("Starting server", "address", addr)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Server error", "error", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	s.logger.Info("Server is shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	s.logger.Info("Server exited")

	return nil
}

func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	proxyHandler := handlers.NewProxyHandler(s.config, s.engine, s.registry, s.logger)
	healthHandler := handlers.NewHealthHandler(s.engine, s.logger)

	middlewareSet := middleware.NewMiddlewareSet(s.config, s.logger)

	mux.Handle("/health", middlewareSet.HealthChain().Handler(healthHandler))
	mux.Handle("/metrics", middlewareSet.HealthChain().Handler(metrics.Handler()))
	mux.Handle("/", middlewareSet.DefaultChain().Handler(proxyHandler))

	return mux
}
