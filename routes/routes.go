package routes

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/upb/provider-router/app"
	"github.com/upb/provider-router/handlers"
	authmw "github.com/upb/provider-router/middleware"
	"github.com/upb/provider-router/utils"
)

// SetupRoutes configures all application routes and middleware
func SetupRoutes(deps *app.Dependencies) http.Handler {
	r := chi.NewRouter()

	// Core middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// CORS middleware
	origins := []string{"*"}
	if deps.Config != nil && len(deps.Config.Server.AllowedOrigins) > 0 {
		origins = deps.Config.Server.AllowedOrigins
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// A nil interface keeps the readiness check on the in-memory ledger
	var ledger handlers.LedgerPinger
	if deps.Ledger != nil {
		ledger = deps.Ledger
	}

	healthHandler := handlers.NewHealthHandler(ledger, deps.Router, deps.Logger)
	if writer := deps.LedgerWriter(); writer != nil {
		healthHandler.WithLedgerWriter(writer)
	}
	chatHandler := handlers.NewChatHandler(deps.Router, deps.Logger)
	providerHandler := handlers.NewProviderHandler(deps.Registry, deps.Router, deps.Logger)
	usageHandler := handlers.NewUsageHandler(deps.Router, deps.Logger)
	configHandler := handlers.NewConfigHandler(deps, deps.Logger)

	// Health check endpoints
	r.Get("/healthz", healthHandler.HandleHealth)
	r.Get("/readyz", healthHandler.HandleReadiness)

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		// The router enforces its own per-request deadline from policy
		r.Post("/chat", chatHandler.HandleChat)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			r.Get("/providers", providerHandler.HandleList)
			r.Get("/providers/health", providerHandler.HandleHealth)
			r.Get("/usage", usageHandler.HandleUsage)
		})

		// Operator endpoints
		r.Route("/config", func(r chi.Router) {
			if deps.AuthMiddleware != nil {
				r.Use(deps.AuthMiddleware.RequireAuth)
				r.Use(deps.AuthMiddleware.RequireRole(authmw.RoleOperator))
			}
			r.Get("/", configHandler.HandleGet)
			r.Post("/reload", configHandler.HandleReload)
		})
	})

	// 404 handler
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		_ = utils.WriteNotFound(w, "endpoint not found")
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		_ = utils.WriteError(w, http.StatusMethodNotAllowed, "method not allowed", nil)
	})

	return r
}
