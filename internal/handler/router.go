package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"exchange-service/internal/config"
	"exchange-service/internal/util"
)

// HealthChecker reports per-dependency health; a nil error is healthy.
type HealthChecker interface {
	HealthCheck(ctx context.Context) map[string]error
}

// RouterDeps are the collaborators the router mounts.
type RouterDeps struct {
	Exchange *ExchangeHandler
	Stream   *SessionStream
	Tokens   TokenValidator
	Limiter  RateLimiter
	Health   HealthChecker
}

// NewRouter creates and configures the Chi router with all middleware and routes
func NewRouter(cfg *config.Config, deps RouterDeps, logger *zap.Logger) chi.Router {
	router := chi.NewRouter()

	// Enforce HTTPS-only when the server terminates TLS itself
	if cfg.Server.EnableTLS {
		router.Use(requireHTTPS)
	}

	// Middleware stack
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(LoggerMiddleware(logger))
	router.Use(middleware.Recoverer)

	// CORS configuration
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		status, code := "healthy", http.StatusOK
		checks := map[string]string{}
		if deps.Health != nil {
			for name, err := range deps.Health.HealthCheck(r.Context()) {
				if err != nil {
					status, code = "unhealthy", http.StatusServiceUnavailable
					checks[name] = err.Error()
					util.Warn("Health check failed", util.String("component", name), util.ErrorField(err))
					continue
				}
				checks[name] = "ok"
			}
		}
		respondWithJSON(logger, w, code, map[string]interface{}{
			"status":  status,
			"service": cfg.ServiceName,
			"checks":  checks,
		})
	})

	// The push channel is long-lived and stays outside the request timeout.
	if deps.Stream != nil {
		router.Get("/exchange/session/{sessionID}/stream", deps.Stream.ServeHTTP)
	}

	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		deps.Exchange.RegisterRoutes(r, deps.Tokens, deps.Limiter, cfg.Exchange.RateLimitPerMinute)
	})

	// 404 handler
	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		respondWithJSON(logger, w, http.StatusNotFound, Response{Error: "endpoint not found", Code: CodeNotFound})
	})

	// Method not allowed handler
	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		respondWithJSON(logger, w, http.StatusMethodNotAllowed, Response{Error: "method not allowed"})
	})

	return router
}
