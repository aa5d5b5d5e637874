// Package httpadapter serves the read facade over the city table together with
// the health, readiness, and metrics endpoints.
package httpadapter

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/couchcryptid/comuni-risk-etl/internal/adapter/postgis"
	"github.com/couchcryptid/comuni-risk-etl/internal/domain"
	"github.com/couchcryptid/comuni-risk-etl/internal/observability"
	sharedobs "github.com/couchcryptid/storm-data-shared/observability"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CityReader is the read side of the city table.
type CityReader interface {
	ListCities(ctx context.Context) ([]domain.IntegratedRecord, error)
	GetCity(ctx context.Context, uid int64) (domain.IntegratedRecord, error)
}

// Server exposes the city routes plus /healthz, /readyz, and /metrics.
type Server struct {
	httpServer *http.Server
	cities     CityReader
	metrics    *observability.Metrics
	logger     *slog.Logger
}

// NewServer creates the HTTP server. With a nil cities reader only the
// operational routes are mounted, which is how the batch binary uses it.
// metrics may be nil.
func NewServer(addr string, cities CityReader, ready sharedobs.ReadinessChecker, metrics *observability.Metrics, logger *slog.Logger) *Server {
	s := &Server{
		cities:  cities,
		metrics: metrics,
		logger:  logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", sharedobs.LivenessHandler())
	r.Get("/readyz", sharedobs.ReadinessHandler(ready))
	r.Handle("/metrics", promhttp.Handler())

	if cities != nil {
		r.Group(func(r chi.Router) {
			r.Use(s.countRequests)
			for _, prefix := range []string{"/cities", "/api/comune"} {
				r.Get(prefix, s.handleList)
				r.Get(prefix+"/{uid}", s.handleGet)
			}
		})
	}

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start begins listening. Returns http.ErrServerClosed on graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains connections within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP delegates to the underlying handler, useful for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpServer.Handler.ServeHTTP(w, r)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	cities, err := s.cities.ListCities(r.Context())
	if err != nil {
		s.logger.Error("list cities", "error", err)
		sharedobs.WriteJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	sharedobs.WriteJSON(w, http.StatusOK, cities)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	uid, err := strconv.ParseInt(chi.URLParam(r, "uid"), 10, 64)
	if err != nil {
		sharedobs.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "uid must be an integer"})
		return
	}

	city, err := s.cities.GetCity(r.Context(), uid)
	switch {
	case errors.Is(err, postgis.ErrNotFound):
		sharedobs.WriteJSON(w, http.StatusNotFound, map[string]string{"error": "city not found"})
	case err != nil:
		s.logger.Error("get city", "uid", uid, "error", err)
		sharedobs.WriteJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	default:
		sharedobs.WriteJSON(w, http.StatusOK, city)
	}
}

// countRequests records each facade request by route pattern and status.
func (s *Server) countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		if s.metrics == nil {
			return
		}
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		s.metrics.APIRequests.WithLabelValues(route, strconv.Itoa(ww.Status())).Inc()
	})
}
