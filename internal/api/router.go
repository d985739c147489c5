package api

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// Version is reported by the health endpoint
const Version = "0.1.0"

// HealthFunc reports whether a dependency is usable
type HealthFunc func(ctx context.Context) error

// RouterConfig collects the handlers mounted by NewRouter. Nil handlers
// are not mounted.
type RouterConfig struct {
	Cameras     *CameraHandler
	Violations  *ViolationHandler
	Statistics  *StatisticsHandler
	History     *HistoryHandler
	Logs        *LogHandler
	WebSocket   http.HandlerFunc
	Health      map[string]HealthFunc
	CORSOrigins []string
}

// NewRouter creates the HTTP router with all routes
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:*", "http://127.0.0.1:*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", healthHandler(cfg.Health))

	if cfg.WebSocket != nil {
		r.Get("/ws", cfg.WebSocket)
	}

	r.Route("/api/v1", func(r chi.Router) {
		// Streaming routes stay outside the request timeout
		if cfg.Logs != nil {
			r.Mount("/logs", cfg.Logs.Routes())
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(60 * time.Second))

			if cfg.Cameras != nil {
				r.Mount("/cameras", cfg.Cameras.Routes())
			}
			if cfg.Violations != nil {
				r.Mount("/violations", cfg.Violations.Routes())
			}
			if cfg.Statistics != nil {
				r.Mount("/statistics", cfg.Statistics.Routes())
			}
			if cfg.History != nil {
				r.Mount("/history", cfg.History.Routes())
			}
		})
	})

	return r
}

// HealthStatus is the body of GET /health
type HealthStatus struct {
	Status  string            `json:"status"`
	Version string            `json:"version"`
	Checks  map[string]string `json:"checks"`
}

func healthHandler(checks map[string]HealthFunc) http.HandlerFunc {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := HealthStatus{
			Status:  "healthy",
			Version: Version,
			Checks:  make(map[string]string, len(names)),
		}
		for _, name := range names {
			if err := checks[name](ctx); err != nil {
				status.Status = "degraded"
				status.Checks[name] = err.Error()
				continue
			}
			status.Checks[name] = "ok"
		}

		code := http.StatusOK
		if status.Status != "healthy" {
			code = http.StatusServiceUnavailable
		}
		JSON(w, code, status)
	}
}
