package policy

import (
	"testing"

	"github.com/bitfantasy/nimo-phasegate/internal/pm/entity"
)

func TestCanDecideStep(t *testing.T) {
	base := StepDecisionContext{
		WorkflowType:         entity.WorkflowSequential,
		ApprovalStatus:       entity.ApprovalStatusPending,
		CurrentStep:          2,
		StepNumber:           2,
		StepStatus:           entity.StepStatusPending,
		Decision:             entity.StepStatusApproved,
		IsDesignatedApprover: true,
	}
	with := func(f func(*StepDecisionContext)) StepDecisionContext {
		c := base
		f(&c)
		return c
	}

	tests := []struct {
		name          string
		ctx           StepDecisionContext
		wantAllowed   bool
		wantViolation Violation
		wantReason    string
	}{
		{
			name:        "current step by designated approver",
			ctx:         base,
			wantAllowed: true,
		},
		{
			name:        "rejection is a valid decision",
			ctx:         with(func(c *StepDecisionContext) { c.Decision = entity.StepStatusRejected }),
			wantAllowed: true,
		},
		{
			name:          "unknown decision",
			ctx:           with(func(c *StepDecisionContext) { c.Decision = "skipped" }),
			wantViolation: ViolationInvalidInput,
			wantReason:    `decision must be approved or rejected, got "skipped"`,
		},
		{
			name:          "replay on decided step",
			ctx:           with(func(c *StepDecisionContext) { c.StepStatus = entity.StepStatusApproved }),
			wantViolation: ViolationInvalidState,
			wantReason:    "step 2 is already approved",
		},
		{
			name:          "approval already completed",
			ctx:           with(func(c *StepDecisionContext) { c.ApprovalStatus = entity.ApprovalStatusRejected }),
			wantViolation: ViolationInvalidState,
			wantReason:    "approval is already rejected",
		},
		{
			name:          "not the approver",
			ctx:           with(func(c *StepDecisionContext) { c.IsDesignatedApprover = false }),
			wantViolation: ViolationNotAuthorized,
			wantReason:    "caller is not the designated approver of step 2",
		},
		{
			name:          "sequential step ahead of current",
			ctx:           with(func(c *StepDecisionContext) { c.StepNumber = 3 }),
			wantViolation: ViolationNotYetActionable,
			wantReason:    "step 3 is not actionable, current step is 2",
		},
		{
			name: "parallel step ahead of current is fine",
			ctx: with(func(c *StepDecisionContext) {
				c.WorkflowType = entity.WorkflowParallel
				c.StepNumber = 3
			}),
			wantAllowed: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := CanDecideStep(tt.ctx)
			if result.Allowed != tt.wantAllowed {
				t.Errorf("Allowed = %v, want %v", result.Allowed, tt.wantAllowed)
			}
			if tt.wantAllowed {
				return
			}
			if result.Violation != tt.wantViolation {
				t.Errorf("Violation = %q, want %q", result.Violation, tt.wantViolation)
			}
			if result.Reason != tt.wantReason {
				t.Errorf("Reason = %q, want %q", result.Reason, tt.wantReason)
			}
		})
	}
}

func TestNextSequential(t *testing.T) {
	tests := []struct {
		name     string
		current  int
		length   int
		decision string
		want     ApprovalOutcome
	}{
		{"approve moves to next", 1, 3, entity.StepStatusApproved, ApprovalOutcome{Status: entity.ApprovalStatusPending, CurrentStep: 2}},
		{"approve last completes", 3, 3, entity.StepStatusApproved, ApprovalOutcome{Status: entity.ApprovalStatusApproved, CurrentStep: 4, Completed: true}},
		{"reject completes and skips", 2, 3, entity.StepStatusRejected, ApprovalOutcome{Status: entity.ApprovalStatusRejected, CurrentStep: 2, Completed: true, SkipRemaining: true}},
		{"single step", 1, 1, entity.StepStatusApproved, ApprovalOutcome{Status: entity.ApprovalStatusApproved, CurrentStep: 2, Completed: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NextSequential(tt.current, tt.length, tt.decision); got != tt.want {
				t.Errorf("NextSequential() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestAggregateParallel(t *testing.T) {
	const (
		p = entity.StepStatusPending
		a = entity.StepStatusApproved
		r = entity.StepStatusRejected
	)
	tests := []struct {
		name     string
		statuses []string
		want     string
		done     bool
	}{
		{"all pending", []string{p, p, p}, entity.ApprovalStatusPending, false},
		{"rejection waits for the rest", []string{r, p, a}, entity.ApprovalStatusPending, false},
		{"all approved", []string{a, a, a}, entity.ApprovalStatusApproved, true},
		{"rejection first", []string{r, a, a}, entity.ApprovalStatusRejected, true},
		{"rejection last", []string{a, a, r}, entity.ApprovalStatusRejected, true},
		{"all rejected", []string{r, r}, entity.ApprovalStatusRejected, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := AggregateParallel(tt.statuses)
			if got.Status != tt.want || got.Completed != tt.done {
				t.Errorf("AggregateParallel(%v) = %+v, want status %s completed %v", tt.statuses, got, tt.want, tt.done)
			}
		})
	}
}

func TestCanReassignApprover(t *testing.T) {
	if r := CanReassignApprover(entity.ApprovalStatusPending, []string{entity.StepStatusPending, entity.StepStatusPending}); !r.Allowed {
		t.Errorf("untouched chain should be reassignable: %s", r.Reason)
	}
	r := CanReassignApprover(entity.ApprovalStatusPending, []string{entity.StepStatusApproved, entity.StepStatusPending})
	if r.Allowed || r.Violation != ViolationInvalidState {
		t.Errorf("chain with a decision must be frozen, got %+v", r)
	}
	if r := CanReassignApprover(entity.ApprovalStatusCancelled, nil); r.Allowed {
		t.Error("cancelled approval must not be reassignable")
	}
}

func TestCanCancelApproval(t *testing.T) {
	for status, want := range map[string]bool{
		entity.ApprovalStatusPending:   true,
		entity.ApprovalStatusApproved:  false,
		entity.ApprovalStatusRejected:  false,
		entity.ApprovalStatusCancelled: false,
	} {
		if got := CanCancelApproval(status).Allowed; got != want {
			t.Errorf("CanCancelApproval(%s) = %v, want %v", status, got, want)
		}
	}
}
