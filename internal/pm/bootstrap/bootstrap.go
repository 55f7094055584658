// Package bootstrap 组装服务端和运维命令共用的依赖：日志、数据库、锁、阶段表。
package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"github.com/bitfantasy/nimo-phasegate/internal/config"
	"github.com/bitfantasy/nimo-phasegate/internal/pm/entity"
	"github.com/bitfantasy/nimo-phasegate/internal/pm/lock"
	"github.com/bitfantasy/nimo-phasegate/internal/pm/metrics"
	"github.com/bitfantasy/nimo-phasegate/internal/pm/policy"
	"github.com/bitfantasy/nimo-phasegate/internal/pm/repository"
	"github.com/bitfantasy/nimo-phasegate/internal/pm/service"
	"github.com/bitfantasy/nimo-phasegate/internal/shared/notify"
	"github.com/bitfantasy/nimo-phasegate/internal/shared/storage"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func InitLogger(cfg config.LogConfig) (*zap.Logger, error) {
	var zapCfg zap.Config

	if cfg.Format == "json" {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
	}

	switch cfg.Level {
	case "debug":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	}

	return zapCfg.Build()
}

// OpenDatabase sqlitePath 非空时打开本地 sqlite 文件，否则连接配置中的 PostgreSQL
func OpenDatabase(cfg config.DatabaseConfig, sqlitePath string, logLevel logger.LogLevel) (*gorm.DB, error) {
	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
	}

	if sqlitePath != "" {
		db, err := gorm.Open(sqlite.Open(sqlitePath+"?_foreign_keys=1&_busy_timeout=5000"), gormConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite %s: %w", sqlitePath, err)
		}
		// sqlite 单写连接
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get database instance: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
		return db, nil
	}

	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode,
	)
	db, err := gorm.Open(postgres.Open(dsn), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}

	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	return db, nil
}

// Migrate 建表
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(entity.AllModels()...); err != nil {
		return fmt.Errorf("数据库迁移失败: %w", err)
	}
	return nil
}

// PhaseTable 把配置中的阶段表转换为门控条件表
func PhaseTable(phases []config.PhaseConfig) (*policy.PhaseTable, error) {
	if len(phases) == 0 {
		return nil, errors.New("phases: at least one phase must be configured")
	}
	rows := make([]policy.Phase, 0, len(phases))
	for _, p := range phases {
		row := policy.Phase{Number: p.Number, Name: p.Name}
		for _, c := range p.Conditions {
			row.Conditions = append(row.Conditions, policy.Condition{
				Kind:         policy.ConditionKind(c.Kind),
				ApprovalType: c.ApprovalType,
				ReferenceID:  c.ReferenceID,
				GateType:     c.GateType,
			})
		}
		rows = append(rows, row)
	}
	return policy.NewPhaseTable(rows)
}

// NewRedisClient 与 lock.backend=redis 配合使用
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
}

// NewGuard 按 lock.backend 选择锁实现；rdb 仅在 redis 后端时使用
func NewGuard(cfg config.LockConfig, rdb redis.UniversalClient, m *metrics.Metrics, log *zap.Logger) (*lock.Guard, error) {
	var locker lock.Locker
	switch cfg.Backend {
	case "redis":
		if rdb == nil {
			return nil, errors.New("lock.backend=redis requires a redis client")
		}
		locker = lock.NewRedisLocker(rdb, cfg.TTL, log)
	case "", "memory":
		locker = lock.NewMemoryLocker()
	default:
		return nil, fmt.Errorf("unknown lock backend %q", cfg.Backend)
	}
	return lock.NewGuard(locker, lock.Options{
		WaitTimeout: cfg.WaitTimeout,
		MaxRetries:  cfg.MaxRetries,
		OnTimeout:   service.LockTimeoutObserver(m),
	}, log), nil
}

// Extras 可选依赖，零值表示不通知、不签名文件地址、不记指标
type Extras struct {
	Notifier notify.Notifier
	Files    storage.FileStore
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
}

func NewServices(db *gorm.DB, phases *policy.PhaseTable, guard *lock.Guard, x Extras) *service.Services {
	return service.NewServices(service.Deps{
		Repos:    repository.NewRepositories(db),
		Guard:    guard,
		Phases:   phases,
		Identity: service.ClaimsIdentity{},
		Notifier: x.Notifier,
		Files:    x.Files,
		Metrics:  x.Metrics,
		Logger:   x.Logger,
	})
}

// TemplateInputs 配置或导入文件中的检查单模板
func TemplateInputs(templates []config.ChecklistTemplate) []service.TemplateInput {
	out := make([]service.TemplateInput, 0, len(templates))
	for _, t := range templates {
		in := service.TemplateInput{ID: t.ID, Name: t.Name, GateType: t.GateType}
		for _, item := range t.Items {
			in.Items = append(in.Items, entity.ChecklistItemSpec{
				Description: item.Description,
				Severity:    item.Severity,
			})
		}
		out = append(out, in)
	}
	return out
}

// SeedTemplates 逐个 upsert，返回写入数量
func SeedTemplates(ctx context.Context, svc *service.InspectionService, templates []config.ChecklistTemplate) (int, error) {
	n := 0
	for _, in := range TemplateInputs(templates) {
		if _, err := svc.UpsertTemplate(ctx, in); err != nil {
			return n, fmt.Errorf("写入检查单模板 %s 失败: %w", in.ID, err)
		}
		n++
	}
	return n, nil
}
