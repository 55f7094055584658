package repository

import (
	"context"

	"github.com/bitfantasy/nimo-phasegate/internal/pm/entity"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// TemplateRepository 检查单模板
type TemplateRepository struct {
	db *gorm.DB
}

func NewTemplateRepository(db *gorm.DB) *TemplateRepository {
	return &TemplateRepository{db: db}
}

func (r *TemplateRepository) Create(ctx context.Context, tpl *entity.ChecklistTemplate) error {
	return r.db.WithContext(ctx).Create(tpl).Error
}

// Upsert 按ID插入或覆盖名称、类型和检查项
func (r *TemplateRepository) Upsert(ctx context.Context, tpl *entity.ChecklistTemplate) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "gate_type", "items", "updated_at"}),
	}).Create(tpl).Error
}

func (r *TemplateRepository) FindByID(ctx context.Context, id string) (*entity.ChecklistTemplate, error) {
	var tpl entity.ChecklistTemplate
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&tpl).Error; err != nil {
		return nil, notFound(err)
	}
	return &tpl, nil
}

func (r *TemplateRepository) List(ctx context.Context, gateType string) ([]entity.ChecklistTemplate, error) {
	var items []entity.ChecklistTemplate
	query := r.db.WithContext(ctx)
	if gateType != "" {
		query = query.Where("gate_type = ?", gateType)
	}
	err := query.Order("id ASC").Find(&items).Error
	return items, err
}
