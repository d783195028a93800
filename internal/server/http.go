package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/joshp123/ducohome/internal/core"
	"github.com/prometheus/client_golang/prometheus"
)

// HTTPServer serves health, metrics, dashboards and plugin routes.
type HTTPServer struct {
	Server *http.Server
}

func NewHTTPServer(addr string, handler http.Handler) *HTTPServer {
	return &HTTPServer{Server: &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}}
}

func (s *HTTPServer) ListenAndServe() error {
	return s.Server.ListenAndServe()
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	return s.Server.Shutdown(ctx)
}

// NewRouter mounts the core endpoints. Plugins add their own routes to the
// returned router.
func NewRouter(plugins []core.Plugin, registry *prometheus.Registry) *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/healthz", HealthHandler).Methods(http.MethodGet)
	router.Handle("/readyz", ReadyHandler(plugins)).Methods(http.MethodGet)
	router.Handle("/metrics", MetricsHandler(registry))
	router.PathPrefix("/dashboards/").Handler(DashboardsHandler(core.DashboardsMap(plugins)))
	return router
}
