package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// 错误定义
var (
	ErrNotFound = errors.New("record not found")
)

// Repositories 仓库集合
type Repositories struct {
	db       *gorm.DB
	Phase    *PhaseRepository
	Approval *ApprovalRepository
	Gate     *GateRepository
	Template *TemplateRepository
	Defect   *DefectRepository
}

// NewRepositories 创建仓库集合
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		db:       db,
		Phase:    NewPhaseRepository(db),
		Approval: NewApprovalRepository(db),
		Gate:     NewGateRepository(db),
		Template: NewTemplateRepository(db),
		Defect:   NewDefectRepository(db),
	}
}

// Transaction 在一个事务内执行，fn 拿到绑定该事务的仓库集合
func (r *Repositories) Transaction(ctx context.Context, fn func(tx *Repositories) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(NewRepositories(tx))
	})
}

// DB 底层连接
func (r *Repositories) DB() *gorm.DB {
	return r.db
}

// forUpdate 行级锁（SQLite 驱动会忽略该子句）
func forUpdate(db *gorm.DB) *gorm.DB {
	return db.Clauses(clause.Locking{Strength: "UPDATE"})
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// generateCode 生成 {prefix}-{year}-{4位} 编码
func generateCode(ctx context.Context, db *gorm.DB, model interface{}, prefix string) (string, error) {
	year := time.Now().Format("2006")
	head := fmt.Sprintf("%s-%s-", prefix, year)

	var maxCode string
	err := db.WithContext(ctx).
		Model(model).
		Select("COALESCE(MAX(code), '')").
		Where("code LIKE ?", head+"%").
		Scan(&maxCode).Error
	if err != nil {
		return "", err
	}

	var seq int
	if maxCode != "" {
		fmt.Sscanf(maxCode, head+"%04d", &seq)
	}
	seq++
	return fmt.Sprintf("%s%04d", head, seq), nil
}
