package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"db_migration_starter/internal/config"
)

type Server struct {
	cfg              config.Config
	logger           requestLogger
	health           HealthHandler
	migrationHandler *MigrationHandler
}

type requestLogger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

func New(cfg config.Config, logger requestLogger, db Pinger, migrationHandler *MigrationHandler) *Server {
	return &Server{
		cfg:              cfg,
		logger:           logger,
		health:           HealthHandler{DB: db, Engine: string(cfg.Engine), Enabled: cfg.Enabled},
		migrationHandler: migrationHandler,
	}
}

func (s *Server) Start(ctx context.Context) error {
	r := s.Routes()
	httpServer := &http.Server{
		Addr:              s.cfg.HTTPAddress,
		Handler:           r,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		s.logger.Info("http server starting", "addr", s.cfg.HTTPAddress)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.logger.Info("http server shutting down")
		return httpServer.Shutdown(shutdownCtx)
	case err := <-serverErr:
		return err
	}
}

// Routes builds the admin API router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(RequestLogger(s.logger))

	r.Route("/api/v1", func(api chi.Router) {
		api.Method(http.MethodGet, "/health", s.health)

		api.Route("/migrations", func(mg chi.Router) {
			mg.Get("/pending", s.migrationHandler.Pending)
			mg.With(middleware.Timeout(5*time.Minute)).Post("/generate", s.migrationHandler.Generate)
			mg.With(middleware.Timeout(5*time.Minute)).Post("/{action}", s.migrationHandler.Engine)
		})
	})

	return r
}
