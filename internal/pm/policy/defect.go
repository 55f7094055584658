package policy

import (
	"github.com/bitfantasy/nimo-phasegate/internal/pm/entity"
)

var defectTransitions = map[string][]string{
	entity.DefectStatusOpen:       {entity.DefectStatusInProgress, entity.DefectStatusWontFix},
	entity.DefectStatusInProgress: {entity.DefectStatusResolved, entity.DefectStatusWontFix},
	entity.DefectStatusResolved:   {entity.DefectStatusClosed},
}

var defectSeverities = map[string]bool{
	entity.SeverityCritical: true,
	entity.SeverityMajor:    true,
	entity.SeverityMinor:    true,
}

// IsDefectSeverity reports whether s is a known severity.
func IsDefectSeverity(s string) bool {
	return defectSeverities[s]
}

// DefectTransitionContext carries the inputs of a status change.
type DefectTransitionContext struct {
	From       string
	To         string
	ResolvedBy string
}

// CanTransitionDefect evaluates a defect status change.
// Rules:
//   - open -> in_progress -> resolved -> closed
//   - open | in_progress -> wont_fix
//   - entering resolved requires the resolver
func CanTransitionDefect(ctx DefectTransitionContext) GuardResult {
	allowed := false
	for _, to := range defectTransitions[ctx.From] {
		if to == ctx.To {
			allowed = true
			break
		}
	}
	if !allowed {
		return deny(ViolationInvalidTransition, "defect cannot move from %s to %s", ctx.From, ctx.To)
	}
	if ctx.To == entity.DefectStatusResolved && ctx.ResolvedBy == "" {
		return deny(ViolationInvalidInput, "resolved_by is required when resolving a defect")
	}
	return allow()
}

// IsRemediated resolved, closed and wont_fix no longer block advancement.
func IsRemediated(status string) bool {
	switch status {
	case entity.DefectStatusResolved, entity.DefectStatusClosed, entity.DefectStatusWontFix:
		return true
	}
	return false
}
