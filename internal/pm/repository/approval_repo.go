package repository

import (
	"context"

	"github.com/bitfantasy/nimo-phasegate/internal/pm/entity"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ApprovalRepository 审批单及步骤
type ApprovalRepository struct {
	db *gorm.DB
}

func NewApprovalRepository(db *gorm.DB) *ApprovalRepository {
	return &ApprovalRepository{db: db}
}

func orderedSteps(db *gorm.DB) *gorm.DB {
	return db.Order("step_number ASC")
}

// Create 创建审批单（连同步骤），seq 为项目内创建序号
func (r *ApprovalRepository) Create(ctx context.Context, approval *entity.WorkflowApproval) error {
	var last int
	err := r.db.WithContext(ctx).
		Model(&entity.WorkflowApproval{}).
		Select("COALESCE(MAX(seq), 0)").
		Where("project_id = ?", approval.ProjectID).
		Scan(&last).Error
	if err != nil {
		return err
	}
	approval.Seq = last + 1
	return r.db.WithContext(ctx).Create(approval).Error
}

// FindByID 查询审批单，步骤按 step_number 排序
func (r *ApprovalRepository) FindByID(ctx context.Context, id string) (*entity.WorkflowApproval, error) {
	var approval entity.WorkflowApproval
	err := r.db.WithContext(ctx).
		Preload("Steps", orderedSteps).
		Where("id = ?", id).
		First(&approval).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &approval, nil
}

// FindForUpdate 加行锁读取审批单
func (r *ApprovalRepository) FindForUpdate(ctx context.Context, id string) (*entity.WorkflowApproval, error) {
	var approval entity.WorkflowApproval
	err := forUpdate(r.db.WithContext(ctx)).
		Where("id = ?", id).
		First(&approval).Error
	if err != nil {
		return nil, notFound(err)
	}
	if err := r.db.WithContext(ctx).
		Where("approval_id = ?", id).
		Order("step_number ASC").
		Find(&approval.Steps).Error; err != nil {
		return nil, err
	}
	return &approval, nil
}

// FindStep 查询审批步骤
func (r *ApprovalRepository) FindStep(ctx context.Context, stepID string) (*entity.ApprovalStep, error) {
	var step entity.ApprovalStep
	if err := r.db.WithContext(ctx).Where("id = ?", stepID).First(&step).Error; err != nil {
		return nil, notFound(err)
	}
	return &step, nil
}

// Save 保存审批单本身，不级联步骤
func (r *ApprovalRepository) Save(ctx context.Context, approval *entity.WorkflowApproval) error {
	return r.db.WithContext(ctx).Omit(clause.Associations).Save(approval).Error
}

// SaveStep 保存审批步骤
func (r *ApprovalRepository) SaveStep(ctx context.Context, step *entity.ApprovalStep) error {
	return r.db.WithContext(ctx).Save(step).Error
}

// SkipPendingSteps 将剩余待审步骤置为 skipped
func (r *ApprovalRepository) SkipPendingSteps(ctx context.Context, approvalID string) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&entity.ApprovalStep{}).
		Where("approval_id = ? AND status = ?", approvalID, entity.StepStatusPending).
		Update("status", entity.StepStatusSkipped)
	return result.RowsAffected, result.Error
}

// ListByType 项目下某类型的审批单，新的在前；referenceID 为空时不限定
func (r *ApprovalRepository) ListByType(ctx context.Context, projectID, approvalType, referenceID string) ([]entity.WorkflowApproval, error) {
	var items []entity.WorkflowApproval
	query := r.db.WithContext(ctx).
		Where("project_id = ? AND approval_type = ?", projectID, approvalType)
	if referenceID != "" {
		query = query.Where("reference_id = ?", referenceID)
	}
	err := query.Order("created_at DESC, seq DESC").Find(&items).Error
	return items, err
}

// List 按项目、状态过滤审批单
func (r *ApprovalRepository) List(ctx context.Context, projectID, status string) ([]entity.WorkflowApproval, error) {
	var items []entity.WorkflowApproval
	query := r.db.WithContext(ctx).Preload("Steps", orderedSteps)
	if projectID != "" {
		query = query.Where("project_id = ?", projectID)
	}
	if status != "" {
		query = query.Where("status = ?", status)
	}
	err := query.Order("created_at DESC, seq DESC").Find(&items).Error
	return items, err
}
