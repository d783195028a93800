package server

import (
	"encoding/json"
	"net/http"

	"github.com/joshp123/ducohome/internal/core"
)

// HealthHandler returns a simple OK for liveness checks.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// ReadyHandler reports per-plugin health. Any plugin in ERROR makes the
// response 503.
func ReadyHandler(plugins []core.Plugin) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		code := http.StatusOK
		out := make(map[string]any, len(plugins))
		for _, p := range plugins {
			status := p.Health()
			if status == core.HealthError {
				code = http.StatusServiceUnavailable
			}
			entry := map[string]any{"status": string(status)}
			if msg := p.HealthMessage(); msg != "" {
				entry["message"] = msg
			}
			out[p.ID()] = entry
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(map[string]any{"plugins": out})
	})
}
