// Package policy holds the pure rules of the phase engine: step actionability,
// approval aggregation, gate scoring, defect transitions and gating-condition
// evaluation. Nothing here touches the database.
package policy

import "fmt"

// Violation classifies why a guard refused an action.
type Violation string

const (
	ViolationNone              Violation = ""
	ViolationInvalidState      Violation = "invalid_state"
	ViolationNotAuthorized     Violation = "not_authorized"
	ViolationNotYetActionable  Violation = "not_yet_actionable"
	ViolationInvalidTransition Violation = "invalid_transition"
	ViolationAlreadyClosed     Violation = "already_closed"
	ViolationIncomplete        Violation = "incomplete_checklist"
	ViolationInvalidInput      Violation = "invalid_input"
)

// GuardResult represents the outcome of a guard evaluation.
type GuardResult struct {
	Allowed   bool
	Violation Violation
	Reason    string // populated when not allowed
}

// Error returns the guard result as an error if not allowed, nil otherwise.
func (r GuardResult) Error() error {
	if r.Allowed {
		return nil
	}
	return fmt.Errorf("%s", r.Reason)
}

func allow() GuardResult {
	return GuardResult{Allowed: true}
}

func deny(v Violation, format string, args ...interface{}) GuardResult {
	return GuardResult{Allowed: false, Violation: v, Reason: fmt.Sprintf(format, args...)}
}
