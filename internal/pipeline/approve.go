package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/quarrylab/quarry/internal/models"
	"github.com/quarrylab/quarry/internal/policy"
	"github.com/quarrylab/quarry/internal/streaming"
)

// approve publishes the plan for review and acts on the decision.
// Approve proceeds; edit runs one revision call with the reviewer's
// feedback and re-reviews, bounded by MaxEdits; reject (reviewer,
// timeout, or policy) ends the run at plan_rejected. Without a gate the
// plan policy decides, so unattended runs never block on a human.
func (rn *run) approve(ctx context.Context) error {
	for {
		decision, err := rn.review(ctx)
		if err != nil {
			return err
		}

		switch decision.Decision {
		case models.DecisionApprove:
			rn.state.Phase = models.PhasePlanApproved
			rn.logger.Info("Plan approved",
				zap.String("decided_by", decision.DecidedBy),
				zap.Int("iteration", rn.state.Iteration))
			return nil

		case models.DecisionEdit:
			if rn.state.Iteration >= rn.r.opts.MaxEdits {
				rn.logger.Warn("Edit limit reached, ending run",
					zap.Int("max_edits", rn.r.opts.MaxEdits))
				rn.state.Phase = models.PhasePlanRejected
				return errPlanRejected
			}
			revised, err := rn.refiner.RefinePlan(ctx, rn.state.Plan, decision.Feedback)
			if ctx.Err() != nil {
				return fmt.Errorf("plan revision: %w", ctx.Err())
			}
			if err != nil {
				rn.logger.Warn("Plan revision failed, re-reviewing unchanged plan",
					zap.Error(err))
			}
			rn.state.Plan = revised
			rn.state.Iteration++
			rn.state.UpdatedAt = time.Now().UTC()
			rn.saveRun()
			rn.logger.Info("Plan revised from reviewer feedback",
				zap.Int("iteration", rn.state.Iteration))

		default:
			// Reject, timeout, or anything the gate let through.
			rn.state.Phase = models.PhasePlanRejected
			rn.logger.Info("Plan rejected",
				zap.String("decided_by", decision.DecidedBy),
				zap.String("feedback", decision.Feedback))
			return errPlanRejected
		}
	}
}

// review obtains one decision for the current plan: through the gate
// when one is wired, otherwise through the plan policy.
func (rn *run) review(ctx context.Context) (models.ApprovalDecision, error) {
	gate := rn.r.opts.Gate
	if gate == nil {
		return rn.policyDecision(ctx), nil
	}

	pending, err := gate.Publish(ctx, rn.state.RunID, rn.state.Question, rn.state.Plan, rn.state.Iteration)
	if err != nil {
		return models.ApprovalDecision{}, fmt.Errorf("publish review: %w", err)
	}
	rn.publish(streaming.EventPlanPendingReview, "plan awaiting review", map[string]interface{}{
		"iteration":  rn.state.Iteration,
		"title":      rn.state.Plan.Title,
		"expires_at": pending.ExpiresAt,
	})
	return gate.Wait(ctx, rn.state.RunID)
}

// policyDecision resolves the review through the plan policy. A
// disabled or absent engine approves outright; an enabled engine's
// require_approval verdict rejects, since nobody is attending the run.
func (rn *run) policyDecision(ctx context.Context) models.ApprovalDecision {
	now := time.Now().UTC()
	eng := rn.r.opts.Policy
	if eng == nil || !eng.IsEnabled() {
		return models.ApprovalDecision{
			Decision:  models.DecisionApprove,
			Feedback:  "no reviewer configured",
			DecidedBy: "auto",
			Timestamp: now,
		}
	}

	input := &policy.PlanInput{
		RunID:            rn.state.RunID,
		Question:         rn.state.Question,
		Title:            rn.state.Plan.Title,
		SubQuestionCount: len(rn.state.Plan.SubQuestions),
		StopRules:        rn.state.Plan.StopRules,
		EstimatedCostUSD: rn.tracker.Snapshot().CostUSD,
		Environment:      rn.r.opts.Environment,
		Mode:             rn.r.opts.Mode,
	}

	verdict, err := eng.Evaluate(ctx, input)
	if err != nil {
		rn.logger.Error("Plan policy evaluation failed", zap.Error(err))
	}
	if verdict == nil {
		return models.ApprovalDecision{
			Decision:  models.DecisionReject,
			Feedback:  "policy evaluation failed",
			DecidedBy: "policy",
			Timestamp: now,
		}
	}

	decision := models.DecisionApprove
	feedback := verdict.Reason
	switch {
	case !verdict.Allow:
		decision = models.DecisionReject
	case verdict.RequireApproval:
		decision = models.DecisionReject
		feedback = fmt.Sprintf("requires human review: %s", verdict.Reason)
	}

	return models.ApprovalDecision{
		Decision:  decision,
		Feedback:  feedback,
		DecidedBy: "policy",
		Timestamp: now,
	}
}
