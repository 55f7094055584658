package entity

import "time"

// WorkflowType 审批流转方式
const (
	WorkflowSequential = "sequential" // 依次审批
	WorkflowParallel   = "parallel"   // 会签
)

// ApprovalStatus 审批单状态
const (
	ApprovalStatusPending   = "pending"
	ApprovalStatusApproved  = "approved"
	ApprovalStatusRejected  = "rejected"
	ApprovalStatusCancelled = "cancelled"
)

// StepStatus 审批步骤状态
const (
	StepStatusPending  = "pending"
	StepStatusApproved = "approved"
	StepStatusRejected = "rejected"
	StepStatusSkipped  = "skipped"
)

// WorkflowApproval 审批单
type WorkflowApproval struct {
	ID           string         `json:"id" gorm:"primaryKey;size:36"`
	ProjectID    string         `json:"project_id" gorm:"size:64;not null;index:idx_approval_lookup,priority:1;uniqueIndex:uk_approval_seq,priority:1"`
	Seq          int            `json:"seq" gorm:"not null;default:0;uniqueIndex:uk_approval_seq,priority:2"`
	ApprovalType string         `json:"approval_type" gorm:"size:64;not null;index:idx_approval_lookup,priority:2"`
	ReferenceID  string         `json:"reference_id" gorm:"size:64;index"`
	Title        string         `json:"title" gorm:"size:200"`
	WorkflowType string         `json:"workflow_type" gorm:"size:20;not null"`
	CurrentStep  int            `json:"current_step" gorm:"not null;default:1"`
	Status       string         `json:"status" gorm:"size:20;not null;index"`
	FileURL      string         `json:"file_url,omitempty" gorm:"size:500"`
	RequestedBy  string         `json:"requested_by" gorm:"size:64"`
	CancelReason string         `json:"cancel_reason,omitempty" gorm:"type:text"`
	CompletedAt  *time.Time     `json:"completed_at"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	Steps        []ApprovalStep `json:"steps,omitempty" gorm:"foreignKey:ApprovalID;constraint:OnDelete:CASCADE"`
}

func (WorkflowApproval) TableName() string { return "workflow_approvals" }

// ApprovalStep 审批步骤（一个审批人的席位）
type ApprovalStep struct {
	ID            string     `json:"id" gorm:"primaryKey;size:36"`
	ApprovalID    string     `json:"approval_id" gorm:"size:36;not null;uniqueIndex:uk_approval_step,priority:1"`
	StepNumber    int        `json:"step_number" gorm:"not null;uniqueIndex:uk_approval_step,priority:2"`
	ApproverID    string     `json:"approver_id" gorm:"size:64;index"`
	ApproverRole  string     `json:"approver_role" gorm:"size:64"`
	Status        string     `json:"status" gorm:"size:20;not null"`
	DecidedAt     *time.Time `json:"decided_at"`
	DecidedBy     string     `json:"decided_by,omitempty" gorm:"size:64"`
	Comments      string     `json:"comments" gorm:"type:text"`
	SignatureData string     `json:"signature_data,omitempty" gorm:"type:text"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

func (ApprovalStep) TableName() string { return "approval_steps" }
