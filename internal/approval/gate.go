// Package approval coordinates plan review between a waiting pipeline
// run and an external reviewer.
//
// The pending review is written to Redis so it is visible to operator
// tooling and survives reviewer reconnects; the decision itself travels
// over an in-process channel wired to the HTTP decision endpoint. A
// review that receives no decision within the configured timeout
// resolves to reject.
package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/quarrylab/quarry/internal/metrics"
	"github.com/quarrylab/quarry/internal/models"
)

const (
	reviewKeyPrefix = "review:plan:"

	// reviewTTLBuffer keeps the Redis record alive past the wait deadline
	// so a late reviewer sees an expired review instead of nothing.
	reviewTTLBuffer = 5 * time.Minute

	// DefaultTimeout bounds how long a run waits for a decision.
	DefaultTimeout = 30 * time.Minute
)

var (
	// ErrNoPendingReview is returned when a decision arrives for a run
	// that has no review waiting on it.
	ErrNoPendingReview = errors.New("no pending review for run")

	// ErrInvalidDecision is returned for decisions outside approve/edit/reject.
	ErrInvalidDecision = errors.New("invalid decision")
)

// PendingReview is the durable record of a plan awaiting a decision.
type PendingReview struct {
	RunID        string               `json:"run_id"`
	Question     string               `json:"question"`
	Title        string               `json:"research_title"`
	Iteration    int                  `json:"iteration"`
	SubQuestions []models.SubQuestion `json:"sub_questions"`
	StopRules    string               `json:"stop_rules,omitempty"`
	RequestedAt  time.Time            `json:"requested_at"`
	ExpiresAt    time.Time            `json:"expires_at"`
}

// Gate publishes plans for review and delivers decisions back to the
// waiting run.
type Gate struct {
	client  *redis.Client
	logger  *zap.Logger
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]chan models.ApprovalDecision
}

// NewGate creates a review gate backed by the given Redis client.
func NewGate(client *redis.Client, timeout time.Duration, logger *zap.Logger) *Gate {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{
		client:  client,
		logger:  logger,
		timeout: timeout,
		pending: make(map[string]chan models.ApprovalDecision),
	}
}

// Publish records a pending review in Redis and opens the decision
// channel for the run. Publishing again for the same run (a revision
// cycle) replaces the previous review.
func (g *Gate) Publish(ctx context.Context, runID, question string, plan *models.ResearchPlan, iteration int) (*PendingReview, error) {
	if plan == nil {
		return nil, fmt.Errorf("publish review: plan is nil")
	}

	now := time.Now().UTC()
	review := &PendingReview{
		RunID:        runID,
		Question:     question,
		Title:        plan.Title,
		Iteration:    iteration,
		SubQuestions: plan.SubQuestions,
		StopRules:    plan.StopRules,
		RequestedAt:  now,
		ExpiresAt:    now.Add(g.timeout),
	}

	data, err := json.Marshal(review)
	if err != nil {
		return nil, fmt.Errorf("marshal review: %w", err)
	}
	if err := g.client.Set(ctx, reviewKey(runID), data, g.timeout+reviewTTLBuffer).Err(); err != nil {
		return nil, fmt.Errorf("store review: %w", err)
	}

	g.mu.Lock()
	g.pending[runID] = make(chan models.ApprovalDecision, 1)
	g.mu.Unlock()

	g.logger.Info("Plan published for review",
		zap.String("run_id", runID),
		zap.Int("iteration", iteration),
		zap.Time("expires_at", review.ExpiresAt),
	)
	return review, nil
}

// Wait blocks until a decision arrives, the review times out, or ctx is
// cancelled. A timeout resolves to a reject decision rather than an error.
func (g *Gate) Wait(ctx context.Context, runID string) (models.ApprovalDecision, error) {
	g.mu.Lock()
	ch, ok := g.pending[runID]
	g.mu.Unlock()
	if !ok {
		return models.ApprovalDecision{}, ErrNoPendingReview
	}

	timer := time.NewTimer(g.timeout)
	defer timer.Stop()

	select {
	case decision := <-ch:
		g.clear(runID)
		via := "human"
		if decision.DecidedBy == "policy" {
			via = "policy"
		}
		metrics.ApprovalDecisions.WithLabelValues(decision.Decision, via).Inc()
		g.logger.Info("Review decision received",
			zap.String("run_id", runID),
			zap.String("decision", decision.Decision),
			zap.String("decided_by", decision.DecidedBy),
		)
		return decision, nil

	case <-timer.C:
		g.clear(runID)
		metrics.ApprovalDecisions.WithLabelValues(models.DecisionReject, "timeout").Inc()
		g.logger.Warn("Review timed out, rejecting plan",
			zap.String("run_id", runID),
			zap.Duration("timeout", g.timeout),
		)
		return models.ApprovalDecision{
			Decision:  models.DecisionReject,
			Feedback:  "review timed out",
			DecidedBy: "timeout",
			Timestamp: time.Now().UTC(),
		}, nil

	case <-ctx.Done():
		g.clear(runID)
		return models.ApprovalDecision{}, ctx.Err()
	}
}

// Resolve delivers a reviewer decision to the waiting run. A second
// decision for the same review returns ErrNoPendingReview.
func (g *Gate) Resolve(runID string, decision models.ApprovalDecision) error {
	switch decision.Decision {
	case models.DecisionApprove, models.DecisionEdit, models.DecisionReject:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidDecision, decision.Decision)
	}
	if decision.Timestamp.IsZero() {
		decision.Timestamp = time.Now().UTC()
	}

	g.mu.Lock()
	ch, ok := g.pending[runID]
	g.mu.Unlock()
	if !ok {
		return ErrNoPendingReview
	}

	select {
	case ch <- decision:
		return nil
	default:
		return ErrNoPendingReview
	}
}

// Pending returns the review currently awaiting a decision for the run.
func (g *Gate) Pending(ctx context.Context, runID string) (*PendingReview, error) {
	data, err := g.client.Get(ctx, reviewKey(runID)).Bytes()
	if err == redis.Nil {
		return nil, ErrNoPendingReview
	} else if err != nil {
		return nil, fmt.Errorf("load review: %w", err)
	}

	var review PendingReview
	if err := json.Unmarshal(data, &review); err != nil {
		return nil, fmt.Errorf("unmarshal review: %w", err)
	}
	return &review, nil
}

// clear removes the in-process channel and the Redis record. The delete
// is best-effort; the TTL reclaims the key if Redis is unreachable.
func (g *Gate) clear(runID string) {
	g.mu.Lock()
	delete(g.pending, runID)
	g.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := g.client.Del(ctx, reviewKey(runID)).Err(); err != nil {
		g.logger.Warn("Failed to delete review record",
			zap.String("run_id", runID),
			zap.Error(err),
		)
	}
}

func reviewKey(runID string) string {
	return reviewKeyPrefix + runID
}
