package entity

import (
	"time"

	"gorm.io/datatypes"
)

// PhaseStatus 项目阶段状态
const (
	PhaseStatusActive    = "active"
	PhaseStatusBlocked   = "blocked"
	PhaseStatusCompleted = "completed"
	PhaseStatusCancelled = "cancelled"
)

// TransitionType 阶段流转类型
const (
	TransitionAdvance  = "advance"
	TransitionRollback = "rollback"
	TransitionSkip     = "skip"
	TransitionBlock    = "block"
	TransitionUnblock  = "unblock"
)

// ProjectPhase 项目当前阶段（每个项目一行，只由阶段引擎修改）
type ProjectPhase struct {
	ProjectID            string                      `json:"project_id" gorm:"primaryKey;size:64"`
	CurrentPhase         int                         `json:"current_phase" gorm:"not null;default:1"`
	CurrentStep          *string                     `json:"current_step" gorm:"size:100"`
	Status               string                      `json:"status" gorm:"size:20;not null;index"`
	BlockingReasons      datatypes.JSONSlice[string] `json:"blocking_reasons"`
	TargetCompletionDate *time.Time                  `json:"target_completion_date" gorm:"type:date"`
	ActualCompletionDate *time.Time                  `json:"actual_completion_date"`
	// 回滚后只认此时间之后创建的审批/质量门
	EvidenceSince *time.Time `json:"evidence_since,omitempty"`
	Version       int        `json:"version" gorm:"not null;default:1"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

func (ProjectPhase) TableName() string { return "project_phases" }

// IsTerminal 已完成或已取消
func (p *ProjectPhase) IsTerminal() bool {
	return p.Status == PhaseStatusCompleted || p.Status == PhaseStatusCancelled
}

// PhaseTransition 阶段流转日志（只追加）
type PhaseTransition struct {
	ID             string                              `json:"id" gorm:"primaryKey;size:36"`
	ProjectID      string                              `json:"project_id" gorm:"size:64;not null;uniqueIndex:uk_transition_seq,priority:1"`
	Seq            int                                 `json:"seq" gorm:"not null;uniqueIndex:uk_transition_seq,priority:2"`
	FromPhase      *int                                `json:"from_phase"`
	ToPhase        int                                 `json:"to_phase" gorm:"not null"`
	FromStep       *string                             `json:"from_step" gorm:"size:100"`
	ToStep         *string                             `json:"to_step" gorm:"size:100"`
	TransitionType string                              `json:"transition_type" gorm:"size:20;not null"`
	TriggeredBy    string                              `json:"triggered_by" gorm:"size:64"`
	ConditionsMet  datatypes.JSONType[map[string]bool] `json:"conditions_met"`
	Reason         string                              `json:"reason,omitempty" gorm:"type:text"`
	TriggeredAt    time.Time                           `json:"triggered_at" gorm:"not null"`
}

func (PhaseTransition) TableName() string { return "phase_transitions" }

// Conditions 返回条件快照，未记录时为空map
func (t *PhaseTransition) Conditions() map[string]bool {
	m := t.ConditionsMet.Data()
	if m == nil {
		return map[string]bool{}
	}
	return m
}
