// Package httpapi is the admin/observability side-channel alongside
// the gRPC OrchestratorService: read-only JSON views over the worker
// pool and audit trail, plus /healthz and a Prometheus /metrics
// endpoint, mounted with chi. It is not a JSON transport for the call
// surface itself — Hello, ReportPipResults and friends stay gRPC-only
// and go through the transport interceptor; this router carries no
// invocation-id or token validation because nothing here accepts a
// worker call.
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/buildmesh-io/buildmesh/orchestrator/internal/audit"
	"github.com/buildmesh-io/buildmesh/orchestrator/internal/workerpool"
)

// Config wires the admin surface's dependencies.
type Config struct {
	Pool   *workerpool.Pool
	Audit  *audit.Store
	Logger *zap.Logger
}

// NewRouter builds the chi router backing the admin/metrics/read-only
// JSON surface.
func NewRouter(cfg Config) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	logger := cfg.Logger.Named("httpapi")

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(zapRequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1/workers", func(r chi.Router) {
		r.Get("/", listWorkers(cfg.Pool))
		r.Get("/{location}/failures", workerFailures(cfg.Audit))
	})

	return r
}

type workerView struct {
	Location         string    `json:"location"`
	AttachedAt       time.Time `json:"attached_at"`
	LastContact      time.Time `json:"last_contact"`
	LastContactHuman string    `json:"last_contact_human"`
}

func listWorkers(pool *workerpool.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entries := pool.List()
		views := make([]workerView, 0, len(entries))
		for _, e := range entries {
			views = append(views, workerView{
				Location:         e.Location,
				AttachedAt:       e.AttachedAt,
				LastContact:      e.LastContact,
				LastContactHuman: humanize.Time(e.LastContact),
			})
		}
		writeJSON(w, http.StatusOK, views)
	}
}

func workerFailures(store *audit.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		location := chi.URLParam(r, "location")
		count, err := store.FailureCount(r.Context(), location, time.Now().Add(-24*time.Hour))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"location":          location,
			"failures_last_24h": count,
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func zapRequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}
