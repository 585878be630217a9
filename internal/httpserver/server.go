package httpserver

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"timecapsule/internal/observability"
)

type Server struct {
	Mux *mux.Router
}

func New() *Server {
	r := mux.NewRouter()
	r.Use(Recover, Metrics(observability.APIRequests))
	return &Server{Mux: r}
}

// NewHealthServer serves liveness, readiness and metrics for background
// binaries that have no public surface.
func NewHealthServer(checks ...ReadyzCheck) *Server {
	s := New()
	s.Mux.Handle("/metrics", promhttp.Handler())
	s.Mux.HandleFunc("/healthz", Healthz())
	s.Mux.HandleFunc("/readyz", Readyz(2*time.Second, checks...))
	return s
}

// Handler returns the router wrapped with request logging.
func (s *Server) Handler() http.Handler {
	return Logging(s.Mux)
}

func MetricsHandler() http.Handler {
	m := http.NewServeMux()
	m.Handle("/metrics", promhttp.Handler())
	return m
}
