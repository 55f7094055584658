package policy

import (
	"github.com/bitfantasy/nimo-phasegate/internal/pm/entity"
)

// AdvanceAction is what requestAdvance should do.
type AdvanceAction string

const (
	AdvanceMove     AdvanceAction = "advance"
	AdvanceComplete AdvanceAction = "complete"
	AdvanceBlock    AdvanceAction = "block"
)

// AdvanceDecision is the outcome of evaluating the current phase.
type AdvanceDecision struct {
	Action  AdvanceAction
	ToPhase int
	Reasons []string
}

// CanRequestAdvance only active or blocked projects are evaluated.
func CanRequestAdvance(status string) GuardResult {
	if status != entity.PhaseStatusActive && status != entity.PhaseStatusBlocked {
		return deny(ViolationInvalidState, "project is %s", status)
	}
	return allow()
}

// DecideAdvance turns an evaluation into a move, a completion or a block.
// Passing the last configured phase completes the project.
func DecideAdvance(currentPhase, lastPhase int, eval Evaluation) AdvanceDecision {
	if !eval.AllSatisfied() {
		return AdvanceDecision{Action: AdvanceBlock, ToPhase: currentPhase, Reasons: eval.Reasons()}
	}
	next := currentPhase + 1
	if next > lastPhase {
		return AdvanceDecision{Action: AdvanceComplete, ToPhase: next}
	}
	return AdvanceDecision{Action: AdvanceMove, ToPhase: next}
}

// RollbackContext carries the inputs of an operator rollback.
type RollbackContext struct {
	Status       string
	CurrentPhase int
	ToPhase      int
	Reason       string
}

// CanRollback evaluates an operator rollback.
// Rules:
//   - cancelled projects cannot be rolled back
//   - target must be an earlier, existing phase
//   - a reason is required for the audit trail
func CanRollback(ctx RollbackContext) GuardResult {
	if ctx.Status == entity.PhaseStatusCancelled {
		return deny(ViolationInvalidState, "project is cancelled")
	}
	if ctx.ToPhase < 1 || ctx.ToPhase >= ctx.CurrentPhase {
		return deny(ViolationInvalidInput, "rollback target %d must be between 1 and %d", ctx.ToPhase, ctx.CurrentPhase-1)
	}
	if ctx.Reason == "" {
		return deny(ViolationInvalidInput, "rollback requires a reason")
	}
	return allow()
}

// SkipContext carries the inputs of an operator skip.
type SkipContext struct {
	Status       string
	CurrentPhase int
	ToPhase      int
	LastPhase    int
	Reason       string
}

// CanSkip evaluates an operator skip forward past unsatisfied conditions.
// Rules: project active or blocked, target after the current phase and within the table.
func CanSkip(ctx SkipContext) GuardResult {
	if r := CanRequestAdvance(ctx.Status); !r.Allowed {
		return r
	}
	if ctx.ToPhase <= ctx.CurrentPhase || ctx.ToPhase > ctx.LastPhase {
		return deny(ViolationInvalidInput, "skip target %d must be between %d and %d", ctx.ToPhase, ctx.CurrentPhase+1, ctx.LastPhase)
	}
	if ctx.Reason == "" {
		return deny(ViolationInvalidInput, "skip requires a reason")
	}
	return allow()
}

// CanCancelProject terminal projects stay terminal.
func CanCancelProject(status string) GuardResult {
	if status == entity.PhaseStatusCompleted || status == entity.PhaseStatusCancelled {
		return deny(ViolationInvalidState, "project is already %s", status)
	}
	return allow()
}
