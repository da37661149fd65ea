package httpapi

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Paths lists the ops routes so another router can mount this mux under them.
var Paths = []string{"/metrics", "/healthz", "/readyz"}

// Server is the ops surface: liveness, readiness and metrics.
type Server struct {
	Mux *http.ServeMux
}

func New(g prometheus.Gatherer, checks ...Check) *Server {
	m := http.NewServeMux()
	m.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	m.HandleFunc("/healthz", Healthz())
	m.HandleFunc("/readyz", Readyz(2*time.Second, checks...))
	return &Server{Mux: m}
}
