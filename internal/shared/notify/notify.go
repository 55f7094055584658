// Package notify carries engine events to the outside world. The engine only
// knows the Notifier interface; delivery (NATS, Feishu cards, SSE) lives in the
// implementations.
package notify

import (
	"context"
	"time"
)

// 事件类型
const (
	EventApprovalStepPending = "approval.step_pending"
	EventApprovalCompleted   = "approval.completed"
	EventApprovalCancelled   = "approval.cancelled"
	EventGateOpened          = "gate.opened"
	EventGateClosed          = "gate.closed"
	EventDefectOpened        = "defect.opened"
	EventDefectUpdated       = "defect.updated"
	EventPhaseStarted        = "phase.started"
	EventPhaseAdvanced       = "phase.advanced"
	EventPhaseBlocked        = "phase.blocked"
	EventPhaseUnblocked      = "phase.unblocked"
	EventPhaseRolledBack     = "phase.rolled_back"
	EventPhaseSkipped        = "phase.skipped"
	EventProjectCompleted    = "project.completed"
	EventProjectCancelled    = "project.cancelled"
)

// Notification 引擎对外发出的事件
type Notification struct {
	Event        string                 `json:"event_type"`
	ProjectID    string                 `json:"project_id"`
	ResourceType string                 `json:"resource_type,omitempty"`
	ResourceID   string                 `json:"resource_id,omitempty"`
	ActorID      string                 `json:"actor_id,omitempty"`
	Recipients   []string               `json:"recipients,omitempty"`
	Title        string                 `json:"title"`
	Message      string                 `json:"message,omitempty"`
	Payload      map[string]interface{} `json:"payload,omitempty"`
	OccurredAt   time.Time              `json:"occurred_at"`
}

// Notifier 通知分发。实现方自行处理失败，返回的错误只用于记录日志。
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Nop 丢弃所有通知
type Nop struct{}

func (Nop) Notify(context.Context, Notification) error { return nil }

// Multi 依次分发给多个通知渠道，汇总第一个错误
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n Notification) error {
	var first error
	for _, nt := range m {
		if nt == nil {
			continue
		}
		if err := nt.Notify(ctx, n); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Recorder 记录收到的通知，测试用
type Recorder struct {
	ch chan Notification
}

func NewRecorder(size int) *Recorder {
	return &Recorder{ch: make(chan Notification, size)}
}

func (r *Recorder) Notify(_ context.Context, n Notification) error {
	select {
	case r.ch <- n:
	default:
	}
	return nil
}

// Drain 取出目前收到的全部通知
func (r *Recorder) Drain() []Notification {
	var out []Notification
	for {
		select {
		case n := <-r.ch:
			out = append(out, n)
		default:
			return out
		}
	}
}
