package routes

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/CyberwizD/Distributed-Notification-System/services/apns_service/pkg/metrics"
)

// Check reports whether a dependency is usable.
type Check func(ctx context.Context) error

const checkTimeout = 2 * time.Second

// NewRouter wires health, readiness and Prometheus endpoints. gateway is
// reported on /health so operators can tell sandbox from production
// deployments; /ready answers 503 while any check fails.
func NewRouter(metrics *metrics.Metrics, gateway string, started time.Time, checks map[string]Check) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"message": "apns service healthy",
			"meta": map[string]interface{}{
				"gateway":        gateway,
				"uptime_seconds": int(time.Since(started).Seconds()),
				"timestamp":      time.Now().UTC(),
			},
		})
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		defer cancel()

		names := make([]string, 0, len(checks))
		for name := range checks {
			names = append(names, name)
		}
		sort.Strings(names)

		status := http.StatusOK
		results := make(map[string]string, len(checks))
		for _, name := range names {
			if err := checks[name](ctx); err != nil {
				status = http.StatusServiceUnavailable
				results[name] = err.Error()
				continue
			}
			results[name] = "ok"
		}
		writeJSON(w, status, map[string]interface{}{
			"success": status == http.StatusOK,
			"checks":  results,
		})
	})
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
