package feishu

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bitfantasy/nimo-phasegate/internal/shared/notify"
	"go.uber.org/zap"
)

// 发到项目群的事件，其余只发给接收人
var chatEvents = map[string]bool{
	notify.EventApprovalCompleted: true,
	notify.EventGateClosed:        true,
	notify.EventPhaseAdvanced:     true,
	notify.EventPhaseBlocked:      true,
	notify.EventPhaseUnblocked:    true,
	notify.EventPhaseRolledBack:   true,
	notify.EventPhaseSkipped:      true,
	notify.EventProjectCompleted:  true,
	notify.EventProjectCancelled:  true,
}

// UserResolver 把系统用户ID换成飞书 open_id
type UserResolver func(ctx context.Context, userID string) (string, error)

// Notifier 以飞书卡片发送引擎通知
type Notifier struct {
	client   *FeishuClient
	chatID   string
	resolve  UserResolver
	linkBase string
	logger   *zap.Logger
}

// NewNotifier resolve 为空时接收人ID直接当作 open_id；linkBase 为前端地址，用于卡片按钮
func NewNotifier(client *FeishuClient, chatID, linkBase string, resolve UserResolver, logger *zap.Logger) *Notifier {
	if resolve == nil {
		resolve = func(_ context.Context, userID string) (string, error) { return userID, nil }
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{
		client:   client,
		chatID:   chatID,
		resolve:  resolve,
		linkBase: strings.TrimRight(linkBase, "/"),
		logger:   logger,
	}
}

func (n *Notifier) Notify(ctx context.Context, ev notify.Notification) error {
	if n == nil || n.client == nil {
		return nil
	}
	card := NewNotificationCard(ev, n.link(ev))

	var errs []error
	if n.chatID != "" && chatEvents[ev.Event] {
		if err := n.client.SendCard(ctx, n.chatID, card); err != nil {
			errs = append(errs, err)
		}
	}
	for _, userID := range ev.Recipients {
		openID, err := n.resolve(ctx, userID)
		if err != nil || openID == "" {
			n.logger.Debug("feishu: recipient has no open_id", zap.String("user_id", userID), zap.Error(err))
			continue
		}
		if err := n.client.SendUserCard(ctx, openID, card); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		n.logger.Warn("feishu: card delivery failed (non-fatal)",
			zap.String("event_type", ev.Event),
			zap.String("project_id", ev.ProjectID),
			zap.Int("failures", len(errs)),
		)
		return errors.Join(errs...)
	}
	return nil
}

func (n *Notifier) link(ev notify.Notification) string {
	if n.linkBase == "" || ev.ProjectID == "" {
		return ""
	}
	if ev.ResourceType != "" && ev.ResourceID != "" {
		return fmt.Sprintf("%s/projects/%s/%ss/%s", n.linkBase, ev.ProjectID, ev.ResourceType, ev.ResourceID)
	}
	return fmt.Sprintf("%s/projects/%s", n.linkBase, ev.ProjectID)
}
