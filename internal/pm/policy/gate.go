package policy

import (
	"math"

	"github.com/bitfantasy/nimo-phasegate/internal/pm/entity"
)

// CanRecordItemResult item results are only accepted while the gate is pending.
func CanRecordItemResult(gateStatus string) GuardResult {
	if gateStatus != entity.GateStatusPending {
		return deny(ViolationAlreadyClosed, "gate is already %s", gateStatus)
	}
	return allow()
}

// ChecklistResult summarises a scored checklist.
type ChecklistResult struct {
	Passed bool
	// Score is the share of passed items, 0-100, two decimals.
	Score float64
	// Failed holds the indexes of items scored false.
	Failed []int
}

// CanCloseGate evaluates whether a gate may be closed.
// Rules: the gate must be pending and every item must carry a result.
func CanCloseGate(gateStatus string, results []*bool) GuardResult {
	if gateStatus != entity.GateStatusPending {
		return deny(ViolationAlreadyClosed, "gate is already %s", gateStatus)
	}
	missing := 0
	for _, r := range results {
		if r == nil {
			missing++
		}
	}
	if missing > 0 {
		return deny(ViolationIncomplete, "%d of %d checklist items have no result", missing, len(results))
	}
	return allow()
}

// ScoreChecklist ANDs the item results. Callers check CanCloseGate first;
// an undetermined item counts as failed here.
func ScoreChecklist(results []*bool) ChecklistResult {
	res := ChecklistResult{Passed: true}
	passed := 0
	for i, r := range results {
		if r != nil && *r {
			passed++
			continue
		}
		res.Passed = false
		res.Failed = append(res.Failed, i)
	}
	if len(results) > 0 {
		res.Score = math.Round(float64(passed)*10000/float64(len(results))) / 100
	} else {
		res.Score = 100
	}
	return res
}
