package bootstrap

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/bitfantasy/nimo-phasegate/internal/config"
	"github.com/bitfantasy/nimo-phasegate/internal/pm/metrics"
	"github.com/bitfantasy/nimo-phasegate/internal/pm/policy"
	"github.com/bitfantasy/nimo-phasegate/internal/pm/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm/logger"
)

func samplePhases() []config.PhaseConfig {
	return []config.PhaseConfig{
		{Number: 1, Name: "概念"},
		{Number: 2, Name: "EVT", Conditions: []config.ConditionConfig{
			{Kind: "approval", ApprovalType: "design_review"},
			{Kind: "gate", GateType: "evt"},
		}},
	}
}

func TestPhaseTable(t *testing.T) {
	table, err := PhaseTable(samplePhases())
	require.NoError(t, err)
	assert.Equal(t, 2, table.LastPhase())

	conds := table.Conditions(2)
	require.Len(t, conds, 2)
	assert.Equal(t, policy.ConditionApproval, conds[0].Kind)
	assert.Equal(t, "design_review", conds[0].ApprovalType)
	assert.Equal(t, policy.ConditionGate, conds[1].Kind)

	_, err = PhaseTable(nil)
	assert.Error(t, err)

	_, err = PhaseTable([]config.PhaseConfig{{Number: 1, Conditions: []config.ConditionConfig{{Kind: "gate"}}}})
	assert.Error(t, err, "gate condition without gate_type")
}

func TestNewGuard(t *testing.T) {
	m := metrics.New(nil)

	g, err := NewGuard(config.LockConfig{Backend: "memory"}, nil, m, zap.NewNop())
	require.NoError(t, err)
	ran := false
	require.NoError(t, g.Do(context.Background(), []string{"pm:lock:project:p1"}, func() error {
		ran = true
		return nil
	}))
	assert.True(t, ran)

	_, err = NewGuard(config.LockConfig{Backend: "redis"}, nil, m, zap.NewNop())
	assert.Error(t, err)

	_, err = NewGuard(config.LockConfig{Backend: "etcd"}, nil, m, zap.NewNop())
	assert.Error(t, err)
}

func TestSQLiteMigrateAndSeed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "phasegate.db")
	db, err := OpenDatabase(config.DatabaseConfig{}, path, logger.Silent)
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, _ := db.DB(); sqlDB != nil {
			sqlDB.Close()
		}
	})
	require.NoError(t, Migrate(db))

	table, err := PhaseTable(samplePhases())
	require.NoError(t, err)
	guard, err := NewGuard(config.LockConfig{}, nil, nil, nil)
	require.NoError(t, err)

	svc := NewServices(db, table, guard, Extras{})

	templates := []config.ChecklistTemplate{{
		ID: "evt-basic", Name: "EVT 基础检查", GateType: "evt",
		Items: []config.ChecklistTemplateItem{
			{Description: "外观无划痕", Severity: "minor"},
			{Description: "上电正常"},
		},
	}}
	n, err := SeedTemplates(context.Background(), svc.Inspection, templates)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// 重复导入覆盖而不是报错
	templates[0].Name = "EVT 基础检查 v2"
	_, err = SeedTemplates(context.Background(), svc.Inspection, templates)
	require.NoError(t, err)

	tpl, err := svc.Inspection.GetTemplate(context.Background(), "evt-basic")
	require.NoError(t, err)
	assert.Equal(t, "EVT 基础检查 v2", tpl.Name)
	require.Len(t, tpl.Items, 2)
	assert.Equal(t, "major", tpl.Items[1].Severity, "severity defaults to major")

	_, err = SeedTemplates(context.Background(), svc.Inspection, []config.ChecklistTemplate{{ID: "empty", Name: "空"}})
	assert.Error(t, err)
}

func TestNewServicesRunsPhaseFlow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flow.db")
	db, err := OpenDatabase(config.DatabaseConfig{}, path, logger.Silent)
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, _ := db.DB(); sqlDB != nil {
			sqlDB.Close()
		}
	})
	require.NoError(t, Migrate(db))

	table, err := PhaseTable([]config.PhaseConfig{{Number: 1, Name: "概念"}, {Number: 2, Name: "EVT"}})
	require.NoError(t, err)
	guard, err := NewGuard(config.LockConfig{}, nil, nil, nil)
	require.NoError(t, err)
	svc := NewServices(db, table, guard, Extras{})

	ops := service.Actor{UserID: "ops-1", Roles: []string{service.RoleAdmin}}
	ctx := context.Background()
	_, err = svc.Phase.StartProject(ctx, ops, "proj-cli", service.StartProjectInput{})
	require.NoError(t, err)

	pp, err := svc.Phase.RequestAdvance(ctx, ops, "proj-cli")
	require.NoError(t, err)
	assert.Equal(t, 2, pp.CurrentPhase)

	pp, err = svc.Phase.RequestAdvance(ctx, ops, "proj-cli")
	require.NoError(t, err)
	assert.Equal(t, "completed", pp.Status)
	assert.NotNil(t, pp.ActualCompletionDate)
}
