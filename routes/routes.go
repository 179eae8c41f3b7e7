package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/upb/llm-orchestrator/app"
	"github.com/upb/llm-orchestrator/handlers"
	"github.com/upb/llm-orchestrator/utils"
)

// SetupRoutes configures all application routes and middleware.
// No router-wide timeout is installed: streams can outlive any fixed
// deadline and the engine enforces its own request timeout.
func SetupRoutes(deps *app.Dependencies) http.Handler {
	r := chi.NewRouter()

	// Core middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// CORS middleware
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   deps.Config.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-Request-ID", "X-Completion-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// The DB is passed only when present so the interface stays nil otherwise
	var db handlers.Pinger
	if deps.DB != nil {
		db = deps.DB
	}

	health := handlers.NewHealthHandler(deps.Registry, db, deps.Logger)
	completions := handlers.NewCompletionHandler(deps.Engine, deps.Logger)
	socket := handlers.NewStreamSocketHandler(deps.Engine, deps.Config.Server.AllowedOrigins, deps.Logger)
	models := handlers.NewModelsHandler(deps.Registry, deps.Logger)
	stats := handlers.NewStatsHandler(deps.Engine, deps.Logger)

	var sessions *handlers.SessionHandler
	if deps.Sessions != nil {
		sessions = handlers.NewSessionHandler(deps.Sessions, deps.Logger)
	}

	// Health check endpoints
	r.Get("/healthz", health.HandleHealth)
	r.Get("/readyz", health.HandleReadiness)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/completions", completions.HandleComplete)
		r.Method(http.MethodGet, "/completions/ws", socket)

		r.Get("/requests", completions.HandleInFlight)
		r.Delete("/requests/{id}", completions.HandleCancel)

		r.Get("/models", models.HandleList)
		r.Get("/models/recommend", models.HandleRecommend)

		r.Get("/metrics", stats.HandleMetrics)
		r.Get("/costs", stats.HandleCosts)
		r.Get("/cache", stats.HandleCache)

		if sessions != nil {
			r.Get("/sessions/search", sessions.HandleSearch)
			r.Get("/sessions/{id}", sessions.HandleGet)
		}

		// Operator actions (require admin role)
		r.Route("/admin", func(r chi.Router) {
			r.Use(deps.AuthMiddleware.RequireAuth)
			r.Use(deps.AuthMiddleware.RequireRole("admin"))

			r.Post("/cancel-all", stats.HandleCancelAll)
			r.Delete("/cache", stats.HandleClearCache)
			r.Post("/metrics/reset", stats.HandleResetMetrics)
			r.Post("/costs/reset", stats.HandleResetCosts)

			if sessions != nil {
				r.Delete("/sessions/{id}", sessions.HandleDelete)
			}
		})
	})

	// 404 handler
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		_ = utils.WriteNotFound(w, "endpoint not found")
	})

	return r
}
