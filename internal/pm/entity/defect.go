package entity

import "time"

// DefectStatus 缺陷状态
const (
	DefectStatusOpen       = "open"
	DefectStatusInProgress = "in_progress"
	DefectStatusResolved   = "resolved"
	DefectStatusClosed     = "closed"
	DefectStatusWontFix    = "wont_fix"
)

// DefectSeverity 缺陷严重程度
const (
	SeverityCritical = "critical"
	SeverityMajor    = "major"
	SeverityMinor    = "minor"
)

// Defect 缺陷整改记录，质量门删除后保留（gate_id 置空）
type Defect struct {
	ID              string     `json:"id" gorm:"primaryKey;size:36"`
	Code            string     `json:"code" gorm:"size:32;uniqueIndex"`
	ProjectID       string     `json:"project_id" gorm:"size:64;not null;index"`
	Phase           int        `json:"phase"`
	GateID          *string    `json:"gate_id" gorm:"size:36;index"`
	GateItemID      *string    `json:"gate_item_id" gorm:"size:36"`
	Severity        string     `json:"severity" gorm:"size:20;not null"`
	Description     string     `json:"description" gorm:"type:text"`
	Location        string     `json:"location" gorm:"size:200"`
	AssignedTo      string     `json:"assigned_to" gorm:"size:64"`
	Status          string     `json:"status" gorm:"size:20;not null;index"`
	ResolutionNotes string     `json:"resolution_notes" gorm:"type:text"`
	ResolvedAt      *time.Time `json:"resolved_at"`
	ResolvedBy      *string    `json:"resolved_by" gorm:"size:64"`
	ReportedBy      string     `json:"reported_by" gorm:"size:64"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

func (Defect) TableName() string { return "defects" }

// IsOpen 未整改完成（open / in_progress）
func (d *Defect) IsOpen() bool {
	return d.Status == DefectStatusOpen || d.Status == DefectStatusInProgress
}

// AllModels 需要迁移的全部表
func AllModels() []interface{} {
	return []interface{}{
		&ProjectPhase{},
		&PhaseTransition{},
		&WorkflowApproval{},
		&ApprovalStep{},
		&ChecklistTemplate{},
		&QualityGate{},
		&QualityGateItem{},
		&Defect{},
	}
}
