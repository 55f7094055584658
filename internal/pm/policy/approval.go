package policy

import (
	"github.com/bitfantasy/nimo-phasegate/internal/pm/entity"
)

// StepDecisionContext carries what is needed to judge one reviewer decision.
type StepDecisionContext struct {
	WorkflowType   string
	ApprovalStatus string
	CurrentStep    int
	StepNumber     int
	StepStatus     string
	Decision       string
	// IsDesignatedApprover is resolved by the caller through the identity provider.
	IsDesignatedApprover bool
}

// CanDecideStep evaluates whether a decision may be recorded on a step.
// Rules:
//   - decision must be approved or rejected
//   - the step must still be pending (replays are refused)
//   - the owning approval must still be pending
//   - the caller must be the designated approver or hold the approver role
//   - in sequential workflows only the current step is actionable
func CanDecideStep(ctx StepDecisionContext) GuardResult {
	if ctx.Decision != entity.StepStatusApproved && ctx.Decision != entity.StepStatusRejected {
		return deny(ViolationInvalidInput, "decision must be approved or rejected, got %q", ctx.Decision)
	}
	if ctx.StepStatus != entity.StepStatusPending {
		return deny(ViolationInvalidState, "step %d is already %s", ctx.StepNumber, ctx.StepStatus)
	}
	if ctx.ApprovalStatus != entity.ApprovalStatusPending {
		return deny(ViolationInvalidState, "approval is already %s", ctx.ApprovalStatus)
	}
	if !ctx.IsDesignatedApprover {
		return deny(ViolationNotAuthorized, "caller is not the designated approver of step %d", ctx.StepNumber)
	}
	if ctx.WorkflowType == entity.WorkflowSequential && ctx.StepNumber != ctx.CurrentStep {
		return deny(ViolationNotYetActionable, "step %d is not actionable, current step is %d", ctx.StepNumber, ctx.CurrentStep)
	}
	return allow()
}

// ApprovalOutcome is the recomputed state of an approval after one decision.
type ApprovalOutcome struct {
	Status        string
	CurrentStep   int
	Completed     bool
	SkipRemaining bool
}

// NextSequential advances a sequential chain after the current step decided.
// Approval moves to the next step and completes past the end of the chain;
// rejection completes immediately and skips what is left.
func NextSequential(currentStep, chainLength int, decision string) ApprovalOutcome {
	if decision == entity.StepStatusRejected {
		return ApprovalOutcome{
			Status:        entity.ApprovalStatusRejected,
			CurrentStep:   currentStep,
			Completed:     true,
			SkipRemaining: true,
		}
	}
	next := currentStep + 1
	if next > chainLength {
		return ApprovalOutcome{Status: entity.ApprovalStatusApproved, CurrentStep: next, Completed: true}
	}
	return ApprovalOutcome{Status: entity.ApprovalStatusPending, CurrentStep: next}
}

// AggregateParallel recomputes a parallel approval from its step statuses.
// Nothing is decided while any step is pending; once all are terminal a single
// rejection wins regardless of the order decisions arrived in.
func AggregateParallel(stepStatuses []string) ApprovalOutcome {
	approved := 0
	for _, s := range stepStatuses {
		switch s {
		case entity.StepStatusPending:
			return ApprovalOutcome{Status: entity.ApprovalStatusPending}
		case entity.StepStatusApproved:
			approved++
		}
	}
	if len(stepStatuses) > 0 && approved == len(stepStatuses) {
		return ApprovalOutcome{Status: entity.ApprovalStatusApproved, Completed: true}
	}
	return ApprovalOutcome{Status: entity.ApprovalStatusRejected, Completed: true}
}

// CanCancelApproval only pending approvals can be cancelled.
func CanCancelApproval(status string) GuardResult {
	if status != entity.ApprovalStatusPending {
		return deny(ViolationInvalidState, "approval is %s and can no longer be cancelled", status)
	}
	return allow()
}

// CanReassignApprover evaluates whether the approver chain may still change.
// Rule: the chain is frozen as soon as any step has left pending.
func CanReassignApprover(approvalStatus string, stepStatuses []string) GuardResult {
	if approvalStatus != entity.ApprovalStatusPending {
		return deny(ViolationInvalidState, "approval is already %s", approvalStatus)
	}
	for i, s := range stepStatuses {
		if s != entity.StepStatusPending {
			return deny(ViolationInvalidState, "approver chain is frozen: step %d is already %s", i+1, s)
		}
	}
	return allow()
}
