package lock

import (
	"context"
	"sync"
	"time"
)

type memEntry struct {
	ch   chan struct{}
	refs int
}

// MemoryLocker 进程内按键锁，单实例部署和测试使用
type MemoryLocker struct {
	mu      sync.Mutex
	entries map[string]*memEntry
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{entries: make(map[string]*memEntry)}
}

func (l *MemoryLocker) Acquire(ctx context.Context, key string, wait time.Duration) (func(), error) {
	e := l.ref(key)

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case e.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-e.ch
				l.unref(key)
			})
		}, nil
	case <-timer.C:
		l.unref(key)
		return nil, ErrTimeout
	case <-ctx.Done():
		l.unref(key)
		return nil, ctx.Err()
	}
}

func (l *MemoryLocker) ref(key string) *memEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	if !ok {
		e = &memEntry{ch: make(chan struct{}, 1)}
		l.entries[key] = e
	}
	e.refs++
	return e
}

func (l *MemoryLocker) unref(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries[key]; ok {
		e.refs--
		if e.refs == 0 {
			delete(l.entries, key)
		}
	}
}
