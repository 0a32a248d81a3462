package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"passwordless-auth/internal/config"
)

// RouterDeps groups what NewRouter mounts. Admin may be nil.
type RouterDeps struct {
	Auth   *AuthHandler
	Admin  *AdminHandler
	Health *HealthHandler
}

// NewRouter creates and configures the Chi router with all middleware and routes
func NewRouter(deps RouterDeps, cfg config.ServerConfig, logger *zap.Logger) chi.Router {
	router := chi.NewRouter()

	// Middleware stack
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(LoggerMiddleware(logger))
	router.Use(middleware.Recoverer)

	// Health endpoints stay reachable over plain HTTP for probes
	router.Get("/health", deps.Health.Live)
	router.Get("/health/ready", deps.Health.Ready)

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	router.Group(func(r chi.Router) {
		if cfg.RequireHTTPS {
			r.Use(requireHTTPS)
		}
		r.Use(middleware.Timeout(timeout))
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.AllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Admin-Key", "X-CSRF-Token"},
			ExposedHeaders:   []string{"Retry-After"},
			AllowCredentials: true,
			MaxAge:           300,
		}))

		r.Route("/api/v1", func(r chi.Router) {
			deps.Auth.RegisterRoutes(r)
			if deps.Admin != nil {
				deps.Admin.RegisterRoutes(r)
			}
		})
	})

	// 404 handler
	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		respondWithJSON(w, logger, http.StatusNotFound, Response{Success: false, Error: "not_found", Message: "endpoint not found"})
	})

	// Method not allowed handler
	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		respondWithJSON(w, logger, http.StatusMethodNotAllowed, Response{Success: false, Error: "method_not_allowed", Message: "method not allowed"})
	})

	return router
}
