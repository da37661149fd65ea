package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

type ReadyzCheck func(ctx context.Context) error

// Check is one named readiness dependency, e.g. the campaign store or the gateway.
type Check struct {
	Name string
	Fn   ReadyzCheck
}

type readyBody struct {
	Status string `json:"status"`
	Failed string `json:"failed,omitempty"`
}

// Healthz is liveness only; it never touches dependencies.
func Healthz() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(readyBody{Status: "ok"})
	}
}

// Readyz runs every check under one timeout and reports the first failing dependency.
func Readyz(timeout time.Duration, checks ...Check) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		w.Header().Set("Content-Type", "application/json")
		for _, check := range checks {
			if err := check.Fn(ctx); err != nil {
				slog.Warn("readiness check failed", "check", check.Name, "err", err)
				w.WriteHeader(http.StatusServiceUnavailable)
				_ = json.NewEncoder(w).Encode(readyBody{Status: "not ready", Failed: check.Name})
				return
			}
		}
		_ = json.NewEncoder(w).Encode(readyBody{Status: "ready"})
	}
}
