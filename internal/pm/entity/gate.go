package entity

import (
	"time"

	"gorm.io/datatypes"
)

// GateStatus 质量门状态
const (
	GateStatusPending = "pending"
	GateStatusPassed  = "passed"
	GateStatusFailed  = "failed"
)

// QualityGate 一次阶段质量检验
type QualityGate struct {
	ID                  string            `json:"id" gorm:"primaryKey;size:36"`
	Code                string            `json:"code" gorm:"size:32;uniqueIndex"`
	ProjectID           string            `json:"project_id" gorm:"size:64;not null;index:idx_gate_lookup,priority:1"`
	Phase               int               `json:"phase" gorm:"not null;index:idx_gate_lookup,priority:2"`
	GateType            string            `json:"gate_type" gorm:"size:64;not null;index:idx_gate_lookup,priority:3"`
	ChecklistTemplateID string            `json:"checklist_template_id" gorm:"size:64"`
	InspectorID         string            `json:"inspector_id" gorm:"size:64"`
	Status              string            `json:"status" gorm:"size:20;not null"`
	InspectionDate      time.Time         `json:"inspection_date"`
	Passed              *bool             `json:"passed"`
	Score               *float64          `json:"score"`
	ClosedAt            *time.Time        `json:"closed_at"`
	ClosedBy            string            `json:"closed_by,omitempty" gorm:"size:64"`
	CreatedAt           time.Time         `json:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
	Items               []QualityGateItem `json:"items,omitempty" gorm:"foreignKey:GateID;constraint:OnDelete:CASCADE"`
	Defects             []Defect          `json:"-" gorm:"foreignKey:GateID;constraint:OnDelete:SET NULL"`
}

func (QualityGate) TableName() string { return "quality_gates" }

// QualityGateItem 检查项
type QualityGateItem struct {
	ID              string                      `json:"id" gorm:"primaryKey;size:36"`
	GateID          string                      `json:"gate_id" gorm:"size:36;not null;index"`
	Sequence        int                         `json:"sequence" gorm:"not null"`
	ItemDescription string                      `json:"item_description" gorm:"type:text;not null"`
	Severity        string                      `json:"severity" gorm:"size:20"`
	Passed          *bool                       `json:"passed"`
	Comments        string                      `json:"comments" gorm:"type:text"`
	Photos          datatypes.JSONSlice[string] `json:"photos"`
	CheckedAt       *time.Time                  `json:"checked_at"`
	CheckedBy       string                      `json:"checked_by,omitempty" gorm:"size:64"`
	CreatedAt       time.Time                   `json:"created_at"`
	UpdatedAt       time.Time                   `json:"updated_at"`
}

func (QualityGateItem) TableName() string { return "quality_gate_items" }

// ChecklistItemSpec 模板中的一条检查项
type ChecklistItemSpec struct {
	Description string `json:"description"`
	Severity    string `json:"severity"`
}

// ChecklistTemplate 检查单模板，纯数据
type ChecklistTemplate struct {
	ID        string                                 `json:"id" gorm:"primaryKey;size:64"`
	Name      string                                 `json:"name" gorm:"size:200;not null"`
	GateType  string                                 `json:"gate_type" gorm:"size:64;index"`
	Items     datatypes.JSONSlice[ChecklistItemSpec] `json:"items"`
	CreatedAt time.Time                              `json:"created_at"`
	UpdatedAt time.Time                              `json:"updated_at"`
}

func (ChecklistTemplate) TableName() string { return "checklist_templates" }
