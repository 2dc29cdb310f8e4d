package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/emanuelef/yt-dl-client-go/internal/transport/http/middleware"
)

// RouterConfig configures NewRouter.
type RouterConfig struct {
	AllowedOrigins []string
	// Limiter guards the state-changing routes. Nil disables rate limiting.
	Limiter *middleware.RateLimiter
	Logger  *slog.Logger
}

// NewRouter creates a chi router with all routes and middleware configured.
func NewRouter(cfg RouterConfig, handlers *Handlers) http.Handler {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logger(log))
	r.Use(chimiddleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "Last-Event-ID"},
		ExposedHeaders:   []string{"X-Request-ID", "X-RateLimit-Remaining", "Retry-After", "X-Link-Remaining"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/api/health", handlers.HealthHandler)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		// Long-lived feed: no timeout, no compression.
		r.Get("/events", handlers.EventsHandler)

		r.Group(func(r chi.Router) {
			r.Use(chimiddleware.Compress(5))
			r.Use(chimiddleware.Timeout(30 * time.Second))

			r.Get("/session", handlers.SessionHandler)
			r.Get("/state", handlers.StateHandler)
			r.Get("/artifact", handlers.ArtifactHandler)
		})

		r.Group(func(r chi.Router) {
			if cfg.Limiter != nil {
				r.Use(middleware.RateLimit(cfg.Limiter))
			}
			// Submit waits for the backend's answer.
			r.Use(chimiddleware.Timeout(60 * time.Second))

			r.Post("/login", handlers.LoginHandler)
			r.Post("/logout", handlers.LogoutHandler)
			r.Post("/download", handlers.DownloadHandler)
			r.Post("/cancel", handlers.CancelHandler)
		})
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found", "NOT_FOUND")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", "METHOD_NOT_ALLOWED")
	})

	return r
}

// NewServer creates an HTTP server with the usual timeouts. The event feed
// lifts the write deadline for its own responses.
func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      70 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}
