package lock

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrTimeout 单次加锁等待超时
	ErrTimeout = errors.New("lock wait timed out")
	// ErrContention 重试用尽仍未拿到锁
	ErrContention = errors.New("lock contention")
)

// Locker 按键互斥锁
type Locker interface {
	// Acquire 在 wait 内拿到 key 的锁，返回释放函数；超时返回 ErrTimeout
	Acquire(ctx context.Context, key string, wait time.Duration) (release func(), err error)
}

func ProjectKey(id string) string  { return "pm:lock:project:" + id }
func ApprovalKey(id string) string { return "pm:lock:approval:" + id }
func GateKey(id string) string     { return "pm:lock:gate:" + id }
func DefectKey(id string) string   { return "pm:lock:defect:" + id }
func CodeKey(name string) string   { return "pm:lock:code:" + name }

// Options 加锁参数
type Options struct {
	WaitTimeout time.Duration
	MaxRetries  int
	// OnTimeout 每次等待超时回调（指标）
	OnTimeout func(key string)
}

// Guard 按固定顺序获取多把锁并在超时后有限次重试
type Guard struct {
	locker Locker
	opts   Options
	logger *zap.Logger
}

func NewGuard(locker Locker, opts Options, logger *zap.Logger) *Guard {
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = 3 * time.Second
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guard{locker: locker, opts: opts, logger: logger}
}

// Do 依次锁住 keys 后执行 fn。调用方必须保证各处 keys 顺序一致（子对象在前、项目在后）。
func (g *Guard) Do(ctx context.Context, keys []string, fn func() error) error {
	for attempt := 0; attempt <= g.opts.MaxRetries; attempt++ {
		releases, err := g.acquireAll(ctx, keys)
		if err == nil {
			defer releaseAll(releases)
			return fn()
		}
		if !errors.Is(err, ErrTimeout) {
			return err
		}
		g.logger.Warn("lock wait timed out, retrying",
			zap.Strings("keys", keys),
			zap.Int("attempt", attempt+1),
		)
		if attempt < g.opts.MaxRetries {
			if err := sleep(ctx, backoff(attempt)); err != nil {
				return err
			}
		}
	}
	return fmt.Errorf("%w: %v", ErrContention, keys)
}

func (g *Guard) acquireAll(ctx context.Context, keys []string) ([]func(), error) {
	releases := make([]func(), 0, len(keys))
	for _, key := range keys {
		release, err := g.locker.Acquire(ctx, key, g.opts.WaitTimeout)
		if err != nil {
			if errors.Is(err, ErrTimeout) && g.opts.OnTimeout != nil {
				g.opts.OnTimeout(key)
			}
			releaseAll(releases)
			return nil, err
		}
		releases = append(releases, release)
	}
	return releases, nil
}

func releaseAll(releases []func()) {
	for i := len(releases) - 1; i >= 0; i-- {
		releases[i]()
	}
}

func backoff(attempt int) time.Duration {
	base := time.Duration(20*(attempt+1)) * time.Millisecond
	return base + time.Duration(rand.Int63n(int64(base)))
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
