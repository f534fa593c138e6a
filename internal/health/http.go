package health

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// HTTPHandler serves the liveness and readiness endpoints.
type HTTPHandler struct {
	mgr    *Manager
	logger *zap.Logger
}

func NewHTTPHandler(mgr *Manager, logger *zap.Logger) *HTTPHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPHandler{mgr: mgr, logger: logger}
}

// RegisterRoutes registers /health and /readiness on the provided mux.
func (h *HTTPHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/readiness", h.handleReadiness)
}

// handleHealth reports overall status plus per-component results. The
// process serving this request is alive, so the status code is 200
// unless a critical dependency is down.
func (h *HTTPHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	overall := h.mgr.Overall()
	code := http.StatusOK
	if overall == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":     overall.String(),
		"components": h.mgr.Results(),
		"timestamp":  time.Now().UTC(),
	})
}

// handleReadiness is the probe target for load balancers: 200 when every
// critical dependency is up, 503 otherwise.
func (h *HTTPHandler) handleReadiness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if !h.mgr.Ready() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "not ready"})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}
