package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bitfantasy/nimo-phasegate/internal/pm/lock"
	"github.com/bitfantasy/nimo-phasegate/internal/pm/metrics"
	"github.com/bitfantasy/nimo-phasegate/internal/pm/policy"
	"github.com/bitfantasy/nimo-phasegate/internal/pm/repository"
	"github.com/bitfantasy/nimo-phasegate/internal/shared/notify"
	"github.com/bitfantasy/nimo-phasegate/internal/shared/storage"
	"go.uber.org/zap"
)

// Deps 服务依赖
type Deps struct {
	Repos    *repository.Repositories
	Guard    *lock.Guard
	Phases   *policy.PhaseTable
	Identity IdentityProvider
	Notifier notify.Notifier
	Files    storage.FileStore
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
	// Now 可注入时钟，默认 time.Now
	Now func() time.Time
}

// Services 服务集合
type Services struct {
	Ledger     *LedgerService
	Approval   *ApprovalService
	Inspection *InspectionService
	Defect     *DefectService
	Phase      *PhaseService
	Signals    *Signals
}

// NewServices 创建服务集合并注册阶段引擎对审批、质量门信号的订阅
func NewServices(d Deps) *Services {
	c := newCore(d)
	signals := &Signals{}

	approval := &ApprovalService{core: c, signals: signals}
	phase := &PhaseService{core: c}
	signals.OnWorkflowCompleted(phase.onWorkflowCompleted)
	signals.OnGateClosed(phase.onGateClosed)

	return &Services{
		Ledger:     &LedgerService{core: c, controller: approval},
		Approval:   approval,
		Inspection: &InspectionService{core: c, signals: signals},
		Defect:     &DefectService{core: c},
		Phase:      phase,
		Signals:    signals,
	}
}

// core 各服务共用的基础设施
type core struct {
	repos    *repository.Repositories
	guard    *lock.Guard
	phases   *policy.PhaseTable
	identity IdentityProvider
	notifier notify.Notifier
	files    storage.FileStore
	metrics  *metrics.Metrics
	logger   *zap.Logger
	clock    func() time.Time
}

func newCore(d Deps) *core {
	c := &core{
		repos:    d.Repos,
		guard:    d.Guard,
		phases:   d.Phases,
		identity: d.Identity,
		notifier: d.Notifier,
		files:    d.Files,
		metrics:  d.Metrics,
		logger:   d.Logger,
		clock:    d.Now,
	}
	if c.guard == nil {
		c.guard = lock.NewGuard(lock.NewMemoryLocker(), lock.Options{}, d.Logger)
	}
	if c.phases == nil {
		c.phases, _ = policy.NewPhaseTable(nil)
	}
	if c.identity == nil {
		c.identity = ClaimsIdentity{}
	}
	if c.notifier == nil {
		c.notifier = notify.Nop{}
	}
	if c.files == nil {
		c.files = storage.PassThrough{}
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if c.clock == nil {
		c.clock = time.Now
	}
	return c
}

// now 精确到微秒，与 PostgreSQL timestamp 精度一致
func (c *core) now() time.Time {
	return c.clock().Truncate(time.Microsecond)
}

// UnitOfWork 一次加锁事务内的上下文：事务内仓库、操作人、提交后要发出的通知
type UnitOfWork struct {
	Repos *repository.Repositories
	Actor Actor
	Now   time.Time

	outbox []notify.Notification
}

// Notify 登记通知，事务提交后才会发出
func (u *UnitOfWork) Notify(n notify.Notification) {
	if n.OccurredAt.IsZero() {
		n.OccurredAt = u.Now
	}
	if n.ActorID == "" {
		n.ActorID = u.Actor.UserID
	}
	u.outbox = append(u.outbox, n)
}

// run 锁住 keys，在一个事务内执行 fn；提交并释放锁后再分发通知。
// 锁等待超时会有限次重试，用尽后返回 ErrConcurrentModification。
func (c *core) run(ctx context.Context, actor Actor, keys []string, fn func(u *UnitOfWork) error) error {
	var outbox []notify.Notification
	err := c.guard.Do(ctx, keys, func() error {
		u := &UnitOfWork{Actor: actor, Now: c.now()}
		if err := c.repos.Transaction(ctx, func(tx *repository.Repositories) error {
			u.Repos = tx
			return fn(u)
		}); err != nil {
			return err
		}
		outbox = u.outbox
		return nil
	})
	if errors.Is(err, lock.ErrContention) {
		return fmt.Errorf("%w: %v", ErrConcurrentModification, err)
	}
	if err != nil {
		return err
	}
	c.dispatch(ctx, outbox)
	return nil
}

func (c *core) dispatch(ctx context.Context, outbox []notify.Notification) {
	for _, n := range outbox {
		if err := c.notifier.Notify(ctx, n); err != nil {
			c.logger.Warn("notification dispatch failed",
				zap.String("event", n.Event),
				zap.String("project_id", n.ProjectID),
				zap.Error(err),
			)
		}
	}
}

// lockTimeoutKind 从锁键中取出对象类型，用于指标
func lockTimeoutKind(key string) string {
	parts := strings.Split(key, ":")
	if len(parts) >= 3 {
		return parts[2]
	}
	return "unknown"
}

// LockTimeoutObserver 供 lock.Options.OnTimeout 使用
func LockTimeoutObserver(m *metrics.Metrics) func(key string) {
	return func(key string) {
		m.LockTimeout(lockTimeoutKind(key))
	}
}

// WorkflowCompleted 审批单进入终态（approved / rejected）
type WorkflowCompleted struct {
	ApprovalID   string
	ProjectID    string
	ApprovalType string
	ReferenceID  string
	Outcome      string
	CreatedAt    time.Time
}

// GateClosed 质量门关闭
type GateClosed struct {
	GateID    string
	ProjectID string
	Phase     int
	GateType  string
	Passed    bool
	CreatedAt time.Time
}

// Signals 进程内同步信号，订阅者在发出方的事务中执行，返回错误会回滚整个事务
type Signals struct {
	workflowCompleted []func(ctx context.Context, u *UnitOfWork, e WorkflowCompleted) error
	gateClosed        []func(ctx context.Context, u *UnitOfWork, e GateClosed) error
}

// OnWorkflowCompleted 订阅审批完成信号
func (s *Signals) OnWorkflowCompleted(fn func(ctx context.Context, u *UnitOfWork, e WorkflowCompleted) error) {
	s.workflowCompleted = append(s.workflowCompleted, fn)
}

// OnGateClosed 订阅质量门关闭信号
func (s *Signals) OnGateClosed(fn func(ctx context.Context, u *UnitOfWork, e GateClosed) error) {
	s.gateClosed = append(s.gateClosed, fn)
}

func (s *Signals) emitWorkflowCompleted(ctx context.Context, u *UnitOfWork, e WorkflowCompleted) error {
	for _, fn := range s.workflowCompleted {
		if err := fn(ctx, u, e); err != nil {
			return err
		}
	}
	return nil
}

func (s *Signals) emitGateClosed(ctx context.Context, u *UnitOfWork, e GateClosed) error {
	for _, fn := range s.gateClosed {
		if err := fn(ctx, u, e); err != nil {
			return err
		}
	}
	return nil
}
