package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// Pinger is satisfied by the store
type Pinger interface {
	Ping(ctx context.Context) error
}

// ConnStatus is satisfied by *nats.Conn
type ConnStatus interface {
	IsConnected() bool
}

// Checker reports liveness and readiness of the service
type Checker struct {
	store   Pinger
	nats    ConnStatus // nil when NATS is disabled
	timeout time.Duration
	logger  *slog.Logger
}

// NewChecker creates a checker; nc may be nil
func NewChecker(store Pinger, nc ConnStatus, logger *slog.Logger) *Checker {
	return &Checker{store: store, nats: nc, timeout: 2 * time.Second, logger: logger}
}

// Status returns per-component readiness
func (c *Checker) Status(ctx context.Context) map[string]bool {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	status := map[string]bool{"store": true}
	if err := c.store.Ping(ctx); err != nil {
		c.logger.Warn("store ping failed", "error", err)
		status["store"] = false
	}
	if c.nats != nil {
		status["nats"] = c.nats.IsConnected()
	}
	return status
}

// HealthResponse represents the response structure for health endpoints
type HealthResponse struct {
	OK         bool            `json:"ok"`
	Message    string          `json:"message,omitempty"`
	Components map[string]bool `json:"components,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Healthz handles GET /healthz. The process is alive if it can answer.
func (c *Checker) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{OK: true})
}

// Readyz handles GET /readyz; 200 once every configured dependency answers
func (c *Checker) Readyz(w http.ResponseWriter, r *http.Request) {
	status := c.Status(r.Context())
	for _, ok := range status {
		if !ok {
			writeJSON(w, http.StatusServiceUnavailable, HealthResponse{
				OK:         false,
				Message:    "Service not ready",
				Components: status,
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, HealthResponse{OK: true, Components: status})
}
