package repository

import (
	"context"

	"github.com/bitfantasy/nimo-phasegate/internal/pm/entity"
	"gorm.io/gorm"
)

var openDefectStatuses = []string{entity.DefectStatusOpen, entity.DefectStatusInProgress}

// DefectRepository 缺陷
type DefectRepository struct {
	db *gorm.DB
}

func NewDefectRepository(db *gorm.DB) *DefectRepository {
	return &DefectRepository{db: db}
}

// GenerateCode 生成缺陷编码 DEF-{year}-{4位}
func (r *DefectRepository) GenerateCode(ctx context.Context) (string, error) {
	return generateCode(ctx, r.db, &entity.Defect{}, "DEF")
}

func (r *DefectRepository) Create(ctx context.Context, defect *entity.Defect) error {
	return r.db.WithContext(ctx).Create(defect).Error
}

func (r *DefectRepository) FindByID(ctx context.Context, id string) (*entity.Defect, error) {
	var defect entity.Defect
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&defect).Error; err != nil {
		return nil, notFound(err)
	}
	return &defect, nil
}

// FindForUpdate 加行锁读取缺陷
func (r *DefectRepository) FindForUpdate(ctx context.Context, id string) (*entity.Defect, error) {
	var defect entity.Defect
	if err := forUpdate(r.db.WithContext(ctx)).Where("id = ?", id).First(&defect).Error; err != nil {
		return nil, notFound(err)
	}
	return &defect, nil
}

func (r *DefectRepository) Save(ctx context.Context, defect *entity.Defect) error {
	return r.db.WithContext(ctx).Save(defect).Error
}

// ListOpen 未整改的缺陷（open / in_progress），按项目或质量门过滤
func (r *DefectRepository) ListOpen(ctx context.Context, projectID, gateID string) ([]entity.Defect, error) {
	var items []entity.Defect
	query := r.db.WithContext(ctx).Where("status IN ?", openDefectStatuses)
	if projectID != "" {
		query = query.Where("project_id = ?", projectID)
	}
	if gateID != "" {
		query = query.Where("gate_id = ?", gateID)
	}
	err := query.Order("created_at ASC").Find(&items).Error
	return items, err
}

// CountOpenByGate 追溯到该质量门的未整改缺陷数
func (r *DefectRepository) CountOpenByGate(ctx context.Context, gateID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&entity.Defect{}).
		Where("gate_id = ? AND status IN ?", gateID, openDefectStatuses).
		Count(&count).Error
	return count, err
}

// ListByGate 质量门产生的全部缺陷
func (r *DefectRepository) ListByGate(ctx context.Context, gateID string) ([]entity.Defect, error) {
	var items []entity.Defect
	err := r.db.WithContext(ctx).Where("gate_id = ?", gateID).Order("created_at ASC").Find(&items).Error
	return items, err
}
