package repository

import (
	"context"

	"github.com/bitfantasy/nimo-phasegate/internal/pm/entity"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GateRepository 质量门及检查项
type GateRepository struct {
	db *gorm.DB
}

func NewGateRepository(db *gorm.DB) *GateRepository {
	return &GateRepository{db: db}
}

func orderedItems(db *gorm.DB) *gorm.DB {
	return db.Order("sequence ASC")
}

// GenerateCode 生成质量门编码 QG-{year}-{4位}
func (r *GateRepository) GenerateCode(ctx context.Context) (string, error) {
	return generateCode(ctx, r.db, &entity.QualityGate{}, "QG")
}

// Create 创建质量门（连同检查项）
func (r *GateRepository) Create(ctx context.Context, gate *entity.QualityGate) error {
	return r.db.WithContext(ctx).Omit("Defects").Create(gate).Error
}

// FindByID 查询质量门，检查项按顺序
func (r *GateRepository) FindByID(ctx context.Context, id string) (*entity.QualityGate, error) {
	var gate entity.QualityGate
	err := r.db.WithContext(ctx).
		Preload("Items", orderedItems).
		Where("id = ?", id).
		First(&gate).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &gate, nil
}

// FindForUpdate 加行锁读取质量门
func (r *GateRepository) FindForUpdate(ctx context.Context, id string) (*entity.QualityGate, error) {
	var gate entity.QualityGate
	if err := forUpdate(r.db.WithContext(ctx)).Where("id = ?", id).First(&gate).Error; err != nil {
		return nil, notFound(err)
	}
	if err := r.db.WithContext(ctx).
		Where("gate_id = ?", id).
		Order("sequence ASC").
		Find(&gate.Items).Error; err != nil {
		return nil, err
	}
	return &gate, nil
}

// FindItem 查询检查项
func (r *GateRepository) FindItem(ctx context.Context, itemID string) (*entity.QualityGateItem, error) {
	var item entity.QualityGateItem
	if err := r.db.WithContext(ctx).Where("id = ?", itemID).First(&item).Error; err != nil {
		return nil, notFound(err)
	}
	return &item, nil
}

// Save 保存质量门本身
func (r *GateRepository) Save(ctx context.Context, gate *entity.QualityGate) error {
	return r.db.WithContext(ctx).Omit(clause.Associations).Save(gate).Error
}

// SaveItem 保存检查项
func (r *GateRepository) SaveItem(ctx context.Context, item *entity.QualityGateItem) error {
	return r.db.WithContext(ctx).Save(item).Error
}

// ListByType 某阶段某类型的质量门，新的在前；同一时刻创建的按编号倒序
func (r *GateRepository) ListByType(ctx context.Context, projectID string, phase int, gateType string) ([]entity.QualityGate, error) {
	var items []entity.QualityGate
	err := r.db.WithContext(ctx).
		Where("project_id = ? AND phase = ? AND gate_type = ?", projectID, phase, gateType).
		Order("created_at DESC, code DESC").
		Find(&items).Error
	return items, err
}

// List 按项目、阶段过滤质量门；phase 为0时不限定
func (r *GateRepository) List(ctx context.Context, projectID string, phase int) ([]entity.QualityGate, error) {
	var items []entity.QualityGate
	query := r.db.WithContext(ctx).Preload("Items", orderedItems)
	if projectID != "" {
		query = query.Where("project_id = ?", projectID)
	}
	if phase > 0 {
		query = query.Where("phase = ?", phase)
	}
	err := query.Order("created_at DESC, code DESC").Find(&items).Error
	return items, err
}
