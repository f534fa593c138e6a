package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quarrylab/quarry/internal/approval"
	"github.com/quarrylab/quarry/internal/models"
)

func newTestGate(t *testing.T) *approval.Gate {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return approval.NewGate(client, time.Minute, zap.NewNop())
}

func publishTestReview(t *testing.T, gate *approval.Gate, runID string) {
	t.Helper()
	plan := &models.ResearchPlan{
		Title: "Grocery delivery unit economics",
		SubQuestions: []models.SubQuestion{
			{QID: "Q1", Question: "What is the market size?"},
			{QID: "Q2", Question: "What do couriers cost per order?"},
			{QID: "Q3", Question: "How do take rates compare?"},
		},
		StopRules: "stop at 200 rows",
	}
	_, err := gate.Publish(context.Background(), runID, "How do grocery platforms make money?", plan, 0)
	require.NoError(t, err)
}

func TestApprovalDecisionDelivered(t *testing.T) {
	gate := newTestGate(t)
	handler := NewApprovalHandler(gate, "", zap.NewNop())
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	publishTestReview(t, gate, "run-1")

	done := make(chan models.ApprovalDecision, 1)
	go func() {
		d, err := gate.Wait(context.Background(), "run-1")
		require.NoError(t, err)
		done <- d
	}()

	body := `{"run_id":"run-1","decision":"approve","decided_by":"analyst@example.com"}`
	req := httptest.NewRequest(http.MethodPost, "/approvals/decision", strings.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"accepted"`)

	select {
	case d := <-done:
		assert.Equal(t, models.DecisionApprove, d.Decision)
		assert.Equal(t, "analyst@example.com", d.DecidedBy)
	case <-time.After(5 * time.Second):
		t.Fatal("decision never reached the waiting run")
	}
}

func TestApprovalDecisionValidation(t *testing.T) {
	gate := newTestGate(t)
	handler := NewApprovalHandler(gate, "", zap.NewNop())
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"missing run_id", `{"decision":"approve"}`, http.StatusBadRequest},
		{"missing decision", `{"run_id":"run-1"}`, http.StatusBadRequest},
		{"invalid json", `{"run_id":`, http.StatusBadRequest},
		{"unknown field", `{"run_id":"run-1","decision":"approve","extra":true}`, http.StatusBadRequest},
		{"no pending review", `{"run_id":"run-unknown","decision":"approve"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/approvals/decision", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}

	// Invalid decision value against a real pending review.
	publishTestReview(t, gate, "run-1")
	req := httptest.NewRequest(http.MethodPost, "/approvals/decision",
		strings.NewReader(`{"run_id":"run-1","decision":"maybe"}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestApprovalBearerAuth(t *testing.T) {
	gate := newTestGate(t)
	handler := NewApprovalHandler(gate, "secret-token", zap.NewNop())
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	publishTestReview(t, gate, "run-1")
	body := `{"run_id":"run-1","decision":"reject"}`

	req := httptest.NewRequest(http.MethodPost, "/approvals/decision", strings.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/approvals/decision", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/approvals/decision", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer secret-token")
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestApprovalPending(t *testing.T) {
	gate := newTestGate(t)
	handler := NewApprovalHandler(gate, "", zap.NewNop())
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodGet, "/approvals/pending?run_id=run-1", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	publishTestReview(t, gate, "run-1")

	req = httptest.NewRequest(http.MethodGet, "/approvals/pending?run_id=run-1", nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Grocery delivery unit economics")
	assert.Contains(t, rec.Body.String(), `"Q3"`)
}

func TestApprovalMethodNotAllowed(t *testing.T) {
	gate := newTestGate(t)
	handler := NewApprovalHandler(gate, "", zap.NewNop())
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodGet, "/approvals/decision", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
