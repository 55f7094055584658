package feishu

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bitfantasy/nimo-phasegate/internal/shared/notify"
)

// SendCard 向群聊发送消息卡片
func (c *FeishuClient) SendCard(ctx context.Context, chatID string, card InteractiveCard) error {
	return c.sendCard(ctx, "chat_id", chatID, card)
}

// SendUserCard 向个人发送消息卡片，userID 为 open_id
func (c *FeishuClient) SendUserCard(ctx context.Context, userID string, card InteractiveCard) error {
	return c.sendCard(ctx, "open_id", userID, card)
}

func (c *FeishuClient) sendCard(ctx context.Context, idType, id string, card InteractiveCard) error {
	cardBytes, err := json.Marshal(card)
	if err != nil {
		return fmt.Errorf("序列化卡片内容失败: %w", err)
	}

	reqBody := map[string]interface{}{
		"receive_id_type": idType,
		"receive_id":      id,
		"msg_type":        "interactive",
		"content":         string(cardBytes),
	}
	path := fmt.Sprintf("/open-apis/im/v1/messages?receive_id_type=%s", idType)

	var resp SendMessageResponse
	if err := c.doRequest(ctx, "POST", path, reqBody, &resp); err != nil {
		return fmt.Errorf("发送消息卡片失败: %w", err)
	}
	return nil
}

// cardStyle 事件对应的标题和颜色
type cardStyle struct {
	title    string
	template string
}

var cardStyles = map[string]cardStyle{
	notify.EventApprovalStepPending: {"📝 待审批", "blue"},
	notify.EventApprovalCancelled:   {"🚫 审批已撤销", "grey"},
	notify.EventGateOpened:          {"🔍 质量检验", "blue"},
	notify.EventDefectOpened:        {"🐞 新缺陷", "red"},
	notify.EventDefectUpdated:       {"🐞 缺陷状态变更", "blue"},
	notify.EventPhaseStarted:        {"🚀 项目启动", "blue"},
	notify.EventPhaseAdvanced:       {"🚪 阶段推进", "green"},
	notify.EventPhaseBlocked:        {"⛔ 阶段受阻", "red"},
	notify.EventPhaseUnblocked:      {"✅ 阶段解除受阻", "green"},
	notify.EventPhaseRolledBack:     {"⏪ 阶段回退", "orange"},
	notify.EventPhaseSkipped:        {"⏩ 阶段跳过", "orange"},
	notify.EventProjectCompleted:    {"🎉 项目完成", "green"},
	notify.EventProjectCancelled:    {"🚫 项目取消", "grey"},
}

// NewNotificationCard 把引擎通知渲染成卡片；link 非空时附带查看按钮
func NewNotificationCard(n notify.Notification, link string) InteractiveCard {
	style, ok := cardStyles[n.Event]
	if !ok {
		style = cardStyle{title: "📣 项目通知", template: "blue"}
	}
	switch n.Event {
	case notify.EventApprovalCompleted:
		style = cardStyle{title: "✅ 审批通过", template: "green"}
		if outcome, _ := n.Payload["outcome"].(string); outcome != "approved" {
			style = cardStyle{title: "❌ 审批驳回", template: "red"}
		}
	case notify.EventGateClosed:
		style = cardStyle{title: "✅ 质量门通过", template: "green"}
		if passed, _ := n.Payload["passed"].(bool); !passed {
			style = cardStyle{title: "❌ 质量门未通过", template: "red"}
		}
	}

	elements := []CardElement{
		{
			Tag: "div",
			Fields: []CardField{
				{IsShort: true, Text: CardText{Tag: "lark_md", Content: fmt.Sprintf("**项目**\n%s", n.ProjectID)}},
				{IsShort: true, Text: CardText{Tag: "lark_md", Content: fmt.Sprintf("**时间**\n%s", n.OccurredAt.Format("2006-01-02 15:04"))}},
			},
		},
		{
			Tag:  "div",
			Text: &CardText{Tag: "lark_md", Content: n.Title},
		},
	}
	if n.Message != "" {
		elements = append(elements, CardElement{Tag: "div", Text: &CardText{Tag: "lark_md", Content: n.Message}})
	}
	if reasons := blockingReasons(n.Payload); len(reasons) > 0 {
		elements = append(elements,
			CardElement{Tag: "hr"},
			CardElement{Tag: "div", Text: &CardText{Tag: "lark_md", Content: "**受阻原因**\n- " + strings.Join(reasons, "\n- ")}},
		)
	}
	if link != "" {
		elements = append(elements, CardElement{
			Tag: "action",
			Actions: []CardAction{{
				Tag:  "button",
				Text: CardText{Tag: "plain_text", Content: "查看详情"},
				Type: "primary",
				URL:  link,
			}},
		})
	}

	return InteractiveCard{
		Config:   &CardConfig{WideScreenMode: true},
		Header:   &CardHeader{Title: CardText{Tag: "plain_text", Content: style.title}, Template: style.template},
		Elements: elements,
	}
}

// blockingReasons 兼容进程内 []string 和反序列化后的 []interface{}
func blockingReasons(payload map[string]interface{}) []string {
	switch v := payload["blocking_reasons"].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, r := range v {
			if s, ok := r.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
