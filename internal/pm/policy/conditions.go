package policy

import (
	"fmt"
	"sort"

	"github.com/bitfantasy/nimo-phasegate/internal/pm/entity"
)

// ConditionKind tags a gating condition.
type ConditionKind string

const (
	ConditionApproval ConditionKind = "approval"
	ConditionGate     ConditionKind = "gate"
)

// Condition is one prerequisite of leaving a phase: approval-of-type(X) or gate-of-type(Y).
type Condition struct {
	Kind         ConditionKind
	ApprovalType string
	ReferenceID  string // optional, narrows an approval condition to one entity
	GateType     string
}

// ApprovalOf builds an approval-of-type condition.
func ApprovalOf(approvalType string) Condition {
	return Condition{Kind: ConditionApproval, ApprovalType: approvalType}
}

// GateOf builds a gate-of-type condition.
func GateOf(gateType string) Condition {
	return Condition{Kind: ConditionGate, GateType: gateType}
}

// Name is the stable key used in conditions_met and blocking reasons.
func (c Condition) Name() string {
	switch c.Kind {
	case ConditionApproval:
		if c.ReferenceID != "" {
			return fmt.Sprintf("approval:%s/%s", c.ApprovalType, c.ReferenceID)
		}
		return "approval:" + c.ApprovalType
	case ConditionGate:
		return "gate:" + c.GateType
	}
	return string(c.Kind)
}

// MatchesApproval reports whether an approval of this type/reference feeds the condition.
func (c Condition) MatchesApproval(approvalType, referenceID string) bool {
	return c.Kind == ConditionApproval && c.ApprovalType == approvalType &&
		(c.ReferenceID == "" || c.ReferenceID == referenceID)
}

// MatchesGate reports whether a gate of this type feeds the condition.
func (c Condition) MatchesGate(gateType string) bool {
	return c.Kind == ConditionGate && c.GateType == gateType
}

// Phase is one row of the phase table.
type Phase struct {
	Number     int
	Name       string
	Conditions []Condition
}

// PhaseTable is the deployment-configured mapping phase -> gating conditions.
type PhaseTable struct {
	phases []Phase
}

// NewPhaseTable validates numbering (1..n, contiguous) and condition kinds.
func NewPhaseTable(phases []Phase) (*PhaseTable, error) {
	sorted := make([]Phase, len(phases))
	copy(sorted, phases)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Number < sorted[j].Number })
	for i, p := range sorted {
		if p.Number != i+1 {
			return nil, fmt.Errorf("phase table: expected phase %d, got %d", i+1, p.Number)
		}
		for _, c := range p.Conditions {
			switch {
			case c.Kind == ConditionApproval && c.ApprovalType != "":
			case c.Kind == ConditionGate && c.GateType != "":
			default:
				return nil, fmt.Errorf("phase table: phase %d has an invalid condition %+v", p.Number, c)
			}
		}
	}
	return &PhaseTable{phases: sorted}, nil
}

// LastPhase is the highest configured phase number.
func (t *PhaseTable) LastPhase() int {
	return len(t.phases)
}

// Phase returns the row for n.
func (t *PhaseTable) Phase(n int) (Phase, bool) {
	if n < 1 || n > len(t.phases) {
		return Phase{}, false
	}
	return t.phases[n-1], true
}

// Conditions returns the gating conditions of phase n (none for unknown phases).
func (t *PhaseTable) Conditions(n int) []Condition {
	p, ok := t.Phase(n)
	if !ok {
		return nil
	}
	return p.Conditions
}

// Phases returns a copy of all rows.
func (t *PhaseTable) Phases() []Phase {
	out := make([]Phase, len(t.phases))
	copy(out, t.phases)
	return out
}

// ApprovalEvidence is the most recent matching approval, if any.
type ApprovalEvidence struct {
	Found      bool
	ApprovalID string
	Status     string
}

// GateEvidence is the most recent matching gate, if any.
type GateEvidence struct {
	Found       bool
	GateID      string
	Code        string
	Status      string
	OpenDefects int
}

// ConditionResult is the verdict for one condition.
type ConditionResult struct {
	Condition Condition
	Satisfied bool
	Reason    string // empty when satisfied
}

// EvaluateApproval satisfied iff the most recent approval is approved.
func EvaluateApproval(c Condition, ev ApprovalEvidence) ConditionResult {
	res := ConditionResult{Condition: c}
	switch {
	case !ev.Found:
		res.Reason = fmt.Sprintf("%s: 尚未发起审批", c.Name())
	case ev.Status != entity.ApprovalStatusApproved:
		res.Reason = fmt.Sprintf("%s: 最近一次审批(%s)状态为 %s", c.Name(), ev.ApprovalID, ev.Status)
	default:
		res.Satisfied = true
	}
	return res
}

// EvaluateGate satisfied iff the most recent gate is closed with no open or
// in-progress defect tracing to it. A failed gate counts once every defect it
// raised is remediated.
func EvaluateGate(c Condition, ev GateEvidence) ConditionResult {
	res := ConditionResult{Condition: c}
	switch {
	case !ev.Found:
		res.Reason = fmt.Sprintf("%s: 尚未进行质量检验", c.Name())
	case ev.Status == entity.GateStatusPending:
		res.Reason = fmt.Sprintf("%s: 质量门 %s 尚未关闭", c.Name(), ev.Code)
	case ev.OpenDefects > 0:
		res.Reason = fmt.Sprintf("%s: 质量门 %s 仍有 %d 个未整改缺陷", c.Name(), ev.Code, ev.OpenDefects)
	default:
		res.Satisfied = true
	}
	return res
}

// Evaluation is the verdict for every condition of a phase, in table order.
type Evaluation struct {
	Results []ConditionResult
}

// AllSatisfied reports whether nothing blocks the phase.
func (e Evaluation) AllSatisfied() bool {
	for _, r := range e.Results {
		if !r.Satisfied {
			return false
		}
	}
	return true
}

// ConditionsMet is the audit map name -> satisfied.
func (e Evaluation) ConditionsMet() map[string]bool {
	m := make(map[string]bool, len(e.Results))
	for _, r := range e.Results {
		m[r.Condition.Name()] = r.Satisfied
	}
	return m
}

// Reasons lists one human-readable entry per failing condition.
func (e Evaluation) Reasons() []string {
	reasons := []string{}
	for _, r := range e.Results {
		if !r.Satisfied {
			reasons = append(reasons, r.Reason)
		}
	}
	return reasons
}
