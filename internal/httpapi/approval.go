package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/quarrylab/quarry/internal/approval"
	"github.com/quarrylab/quarry/internal/models"
)

// ApprovalHandler accepts reviewer decisions for plans awaiting review
// and delivers them to the waiting run through the approval gate.
type ApprovalHandler struct {
	gate      *approval.Gate
	logger    *zap.Logger
	authToken string
}

// NewApprovalHandler creates a handler. An empty authToken disables the
// Bearer check (local development).
func NewApprovalHandler(gate *approval.Gate, authToken string, logger *zap.Logger) *ApprovalHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ApprovalHandler{gate: gate, logger: logger, authToken: authToken}
}

// RegisterRoutes registers approval routes on the provided mux.
func (h *ApprovalHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/approvals/decision", h.handleDecision)
	mux.HandleFunc("/approvals/pending", h.handlePending)
}

// decisionRequest is the expected payload for reviewer decisions.
type decisionRequest struct {
	RunID     string `json:"run_id"`
	Decision  string `json:"decision"` // approve, edit, reject
	Feedback  string `json:"feedback,omitempty"`
	DecidedBy string `json:"decided_by,omitempty"`
}

// handleDecision resolves a pending review.
// POST /approvals/decision {"run_id":..., "decision":..., "feedback":...}
func (h *ApprovalHandler) handleDecision(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	if !h.authorized(r) {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	var req decisionRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		h.logger.Warn("approval decode error", zap.Error(err))
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.RunID == "" || req.Decision == "" {
		http.Error(w, `{"error":"run_id and decision are required"}`, http.StatusBadRequest)
		return
	}

	decidedBy := req.DecidedBy
	if decidedBy == "" {
		decidedBy = "reviewer"
	}
	err := h.gate.Resolve(req.RunID, models.ApprovalDecision{
		Decision:  req.Decision,
		Feedback:  req.Feedback,
		DecidedBy: decidedBy,
		Timestamp: time.Now().UTC(),
	})
	switch {
	case errors.Is(err, approval.ErrInvalidDecision):
		http.Error(w, `{"error":"decision must be approve, edit, or reject"}`, http.StatusBadRequest)
		return
	case errors.Is(err, approval.ErrNoPendingReview):
		http.Error(w, `{"error":"no pending review for run"}`, http.StatusNotFound)
		return
	case err != nil:
		h.logger.Error("failed to resolve review",
			zap.String("run_id", req.RunID), zap.Error(err))
		http.Error(w, `{"error":"failed to resolve review"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":   "accepted",
		"run_id":   req.RunID,
		"decision": req.Decision,
	})
}

// handlePending returns the review currently awaiting a decision.
// GET /approvals/pending?run_id=<id>
func (h *ApprovalHandler) handlePending(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	if !h.authorized(r) {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	runID := r.URL.Query().Get("run_id")
	if runID == "" {
		http.Error(w, `{"error":"run_id required"}`, http.StatusBadRequest)
		return
	}

	review, err := h.gate.Pending(r.Context(), runID)
	if errors.Is(err, approval.ErrNoPendingReview) {
		http.Error(w, `{"error":"no pending review for run"}`, http.StatusNotFound)
		return
	} else if err != nil {
		h.logger.Error("failed to load pending review",
			zap.String("run_id", runID), zap.Error(err))
		http.Error(w, `{"error":"failed to load review"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(review)
}

func (h *ApprovalHandler) authorized(r *http.Request) bool {
	if h.authToken == "" {
		return true
	}
	auth := r.Header.Get("Authorization")
	return strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == h.authToken
}
