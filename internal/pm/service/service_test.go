package service

import (
	"context"
	"testing"

	"github.com/bitfantasy/nimo-phasegate/internal/pm/entity"
	"github.com/bitfantasy/nimo-phasegate/internal/pm/metrics"
	"github.com/bitfantasy/nimo-phasegate/internal/pm/policy"
	"github.com/bitfantasy/nimo-phasegate/internal/pm/repository"
	"github.com/bitfantasy/nimo-phasegate/internal/pm/testutil"
	"github.com/bitfantasy/nimo-phasegate/internal/shared/notify"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const (
	projectID    = "proj-001"
	designReview = "design_review"
	evtGate      = "evt"
	pvtReview    = "pvt_review"
)

var (
	admin     = Actor{UserID: "ops-1", Name: "运营", Roles: []string{RoleAdmin}}
	inspector = Actor{UserID: "qa-1", Name: "检验员"}
	reviewers = []Actor{
		{UserID: "rev-1", Name: "评审一"},
		{UserID: "rev-2", Name: "评审二"},
		{UserID: "rev-3", Name: "评审三"},
	}
)

type testEnv struct {
	ctx      context.Context
	db       *gorm.DB
	svc      *Services
	recorder *notify.Recorder
	metrics  *metrics.Metrics
}

// testPhases 阶段1无条件；阶段2需要设计评审和 EVT 质量门；阶段3需要 PVT 评审
func testPhases(t *testing.T) *policy.PhaseTable {
	t.Helper()
	table, err := policy.NewPhaseTable([]policy.Phase{
		{Number: 1, Name: "概念"},
		{Number: 2, Name: "EVT", Conditions: []policy.Condition{policy.ApprovalOf(designReview), policy.GateOf(evtGate)}},
		{Number: 3, Name: "PVT", Conditions: []policy.Condition{policy.ApprovalOf(pvtReview)}},
	})
	require.NoError(t, err)
	return table
}

func setup(t *testing.T) *testEnv {
	t.Helper()
	return setupWithPhases(t, testPhases(t))
}

func setupWithPhases(t *testing.T, phases *policy.PhaseTable) *testEnv {
	t.Helper()
	db := testutil.SetupTestDB(t)
	rec := notify.NewRecorder(256)
	m := metrics.New(prometheus.NewRegistry())
	svc := NewServices(Deps{
		Repos:    repository.NewRepositories(db),
		Phases:   phases,
		Notifier: rec,
		Metrics:  m,
		Now:      testutil.NewClock().Now,
	})
	return &testEnv{ctx: context.Background(), db: db, svc: svc, recorder: rec, metrics: m}
}

// projectAtPhase2 启动项目并推进到阶段2
func (e *testEnv) projectAtPhase2(t *testing.T) {
	t.Helper()
	_, err := e.svc.Phase.StartProject(e.ctx, admin, projectID, StartProjectInput{})
	require.NoError(t, err)
	pp, err := e.svc.Phase.RequestAdvance(e.ctx, admin, projectID)
	require.NoError(t, err)
	require.Equal(t, 2, pp.CurrentPhase)
}

func (e *testEnv) createApproval(t *testing.T, approvalType, workflowType string, chain ...Actor) *entity.WorkflowApproval {
	t.Helper()
	entries := make([]ApproverEntry, len(chain))
	for i, a := range chain {
		entries[i] = ApproverEntry{ApproverID: a.UserID}
	}
	a, err := e.svc.Approval.CreateApproval(e.ctx, admin, CreateApprovalInput{
		ProjectID:     projectID,
		ApprovalType:  approvalType,
		WorkflowType:  workflowType,
		ApproverChain: entries,
	})
	require.NoError(t, err)
	require.Len(t, a.Steps, len(chain))
	return a
}

func (e *testEnv) decide(actor Actor, step entity.ApprovalStep, decision string) (*entity.ApprovalStep, error) {
	return e.svc.Ledger.RecordDecision(e.ctx, actor, step.ID, RecordDecisionInput{Decision: decision})
}

func (e *testEnv) approveAll(t *testing.T, a *entity.WorkflowApproval, chain ...Actor) {
	t.Helper()
	for i, step := range a.Steps {
		_, err := e.decide(chain[i], step, entity.StepStatusApproved)
		require.NoError(t, err)
	}
}

// openGate 创建模板并打开质量门，n 个检查项
func (e *testEnv) openGate(t *testing.T, gateType string, n int) *entity.QualityGate {
	t.Helper()
	tplID := "tpl-" + gateType
	if _, err := e.svc.Inspection.GetTemplate(e.ctx, tplID); err != nil {
		items := make([]entity.ChecklistItemSpec, n)
		for i := range items {
			items[i] = entity.ChecklistItemSpec{Description: "检查项", Severity: entity.SeverityMajor}
		}
		_, err := e.svc.Inspection.CreateTemplate(e.ctx, TemplateInput{ID: tplID, Name: gateType + " 检查单", GateType: gateType, Items: items})
		require.NoError(t, err)
	}
	g, err := e.svc.Inspection.OpenGate(e.ctx, admin, OpenGateInput{
		ProjectID:           projectID,
		Phase:               2,
		GateType:            gateType,
		ChecklistTemplateID: tplID,
		InspectorID:         inspector.UserID,
	})
	require.NoError(t, err)
	return g
}

// scoreAndClose 依次给检查项打分后关闭质量门
func (e *testEnv) scoreAndClose(t *testing.T, g *entity.QualityGate, results ...bool) (*entity.QualityGate, []entity.Defect) {
	t.Helper()
	require.Len(t, results, len(g.Items))
	for i, item := range g.Items {
		passed := results[i]
		_, err := e.svc.Inspection.RecordItemResult(e.ctx, inspector, item.ID, RecordItemInput{Passed: &passed})
		require.NoError(t, err)
	}
	closed, defects, err := e.svc.Inspection.CloseGate(e.ctx, inspector, g.ID)
	require.NoError(t, err)
	return closed, defects
}

func (e *testEnv) transitions(t *testing.T) []entity.PhaseTransition {
	t.Helper()
	items, err := e.svc.Phase.ListTransitions(e.ctx, projectID)
	require.NoError(t, err)
	return items
}

func eventsOf(ns []notify.Notification, event string) []notify.Notification {
	var out []notify.Notification
	for _, n := range ns {
		if n.Event == event {
			out = append(out, n)
		}
	}
	return out
}
