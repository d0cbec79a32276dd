package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter builds the control API's chi router: every endpoint from the
// spec's external-interfaces table, one JSON error shape, panic recovery,
// and an optional CORS layer for a browser-based dashboard client.
func NewRouter(s *Server, corsOrigins []string) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(s.requestLogger)

	if len(corsOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   corsOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Content-Type", "Authorization"},
			ExposedHeaders:   []string{"X-Request-Id"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}

	r.Get("/api/status", s.handleStatus)

	r.Route("/api/scheduler", func(r chi.Router) {
		r.Post("/start", s.handleSchedulerStart)
		r.Post("/stop", s.handleSchedulerStop)
		r.Post("/mode", s.handleSchedulerMode)
	})

	r.Route("/api/tasks", func(r chi.Router) {
		r.Get("/", s.handleListTasks)
		r.Post("/", s.handleCreateTask)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetTask)
			r.Put("/", s.handleUpdateTask)
			r.Delete("/", s.handleDeleteTask)
			r.Post("/run", s.handleRunTask)
			r.Post("/cancel", s.handleCancelTask)
			r.Get("/logs", s.handleTaskLogs)
		})
	})

	r.Get("/api/logs", s.handleGlobalLogs)
	r.Get("/api/resource-groups", s.handleResourceGroups)
	r.Post("/api/test-notification", s.handleTestNotification)

	return r
}
