package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bitfantasy/nimo-phasegate/internal/pm/entity"
	"gorm.io/gorm"
)

// PhaseRepository 项目阶段与流转日志
type PhaseRepository struct {
	db *gorm.DB
}

func NewPhaseRepository(db *gorm.DB) *PhaseRepository {
	return &PhaseRepository{db: db}
}

// FindByProject 查询项目阶段
func (r *PhaseRepository) FindByProject(ctx context.Context, projectID string) (*entity.ProjectPhase, error) {
	var phase entity.ProjectPhase
	if err := r.db.WithContext(ctx).Where("project_id = ?", projectID).First(&phase).Error; err != nil {
		return nil, notFound(err)
	}
	return &phase, nil
}

// FindForUpdate 加行锁读取项目阶段
func (r *PhaseRepository) FindForUpdate(ctx context.Context, projectID string) (*entity.ProjectPhase, error) {
	var phase entity.ProjectPhase
	if err := forUpdate(r.db.WithContext(ctx)).Where("project_id = ?", projectID).First(&phase).Error; err != nil {
		return nil, notFound(err)
	}
	return &phase, nil
}

// Create 创建项目阶段
func (r *PhaseRepository) Create(ctx context.Context, phase *entity.ProjectPhase) error {
	return r.db.WithContext(ctx).Create(phase).Error
}

// Save 保存项目阶段，version 自增
func (r *PhaseRepository) Save(ctx context.Context, phase *entity.ProjectPhase) error {
	phase.Version++
	return r.db.WithContext(ctx).Save(phase).Error
}

// AppendTransition 追加流转记录，保证 seq 连续、triggered_at 严格递增
func (r *PhaseRepository) AppendTransition(ctx context.Context, t *entity.PhaseTransition) error {
	var last entity.PhaseTransition
	err := r.db.WithContext(ctx).
		Where("project_id = ?", t.ProjectID).
		Order("seq DESC").
		First(&last).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		t.Seq = 1
	case err != nil:
		return err
	default:
		t.Seq = last.Seq + 1
		if !t.TriggeredAt.After(last.TriggeredAt) {
			t.TriggeredAt = last.TriggeredAt.Add(time.Microsecond)
		}
	}
	return r.db.WithContext(ctx).Create(t).Error
}

// ListTransitions 按顺序列出项目流转日志
func (r *PhaseRepository) ListTransitions(ctx context.Context, projectID string) ([]entity.PhaseTransition, error) {
	var items []entity.PhaseTransition
	err := r.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("seq ASC").
		Find(&items).Error
	return items, err
}
