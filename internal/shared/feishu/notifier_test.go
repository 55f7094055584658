package feishu

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bitfantasy/nimo-phasegate/internal/shared/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentMessage struct {
	IDType    string
	ReceiveID string
	Card      InteractiveCard
}

// fakeOpenAPI 模拟飞书开放平台的 token 和消息接口
type fakeOpenAPI struct {
	mu         sync.Mutex
	tokenCalls int
	sent       []sentMessage
	failFor    string
}

func (f *fakeOpenAPI) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/open-apis/auth/v3/app_access_token/internal", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.tokenCalls++
		f.mu.Unlock()
		w.Write([]byte(`{"code":0,"msg":"ok","app_access_token":"t-123","expire":7200}`))
	})
	mux.HandleFunc("/open-apis/im/v1/messages", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer t-123" {
			t.Errorf("missing bearer token: %q", r.Header.Get("Authorization"))
		}
		body, _ := io.ReadAll(r.Body)
		var req struct {
			ReceiveIDType string `json:"receive_id_type"`
			ReceiveID     string `json:"receive_id"`
			Content       string `json:"content"`
		}
		assert.NoError(t, json.Unmarshal(body, &req))
		var card InteractiveCard
		assert.NoError(t, json.Unmarshal([]byte(req.Content), &card))

		if req.ReceiveID == f.failFor {
			w.Write([]byte(`{"code":230002,"msg":"bot not in chat"}`))
			return
		}
		f.mu.Lock()
		f.sent = append(f.sent, sentMessage{IDType: req.ReceiveIDType, ReceiveID: req.ReceiveID, Card: card})
		f.mu.Unlock()
		w.Write([]byte(`{"code":0,"msg":"ok","data":{"message_id":"om_1"}}`))
	})
	return mux
}

func newTestNotifier(t *testing.T, api *fakeOpenAPI, chatID string) *Notifier {
	t.Helper()
	srv := httptest.NewServer(api.handler(t))
	t.Cleanup(srv.Close)
	client := NewClient("cli_app", "secret").WithBaseURL(srv.URL)
	resolve := func(_ context.Context, userID string) (string, error) {
		if userID == "no-feishu" {
			return "", nil
		}
		return "ou_" + userID, nil
	}
	return NewNotifier(client, chatID, "https://plm.example.com/", resolve, nil)
}

func TestNotifier_ProjectEventGoesToChatAndRecipients(t *testing.T) {
	api := &fakeOpenAPI{}
	n := newTestNotifier(t, api, "oc_project")

	err := n.Notify(context.Background(), notify.Notification{
		Event:      notify.EventPhaseBlocked,
		ProjectID:  "proj-001",
		Recipients: []string{"pm-1", "no-feishu"},
		Title:      "项目 proj-001 在阶段2(EVT)受阻",
		Payload:    map[string]interface{}{"blocking_reasons": []string{"gate:evt: 尚未进行质量检验"}},
		OccurredAt: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	require.Len(t, api.sent, 2)
	assert.Equal(t, "chat_id", api.sent[0].IDType)
	assert.Equal(t, "oc_project", api.sent[0].ReceiveID)
	assert.Equal(t, "open_id", api.sent[1].IDType)
	assert.Equal(t, "ou_pm-1", api.sent[1].ReceiveID)
	assert.Equal(t, 1, api.tokenCalls, "token is cached")

	card := api.sent[0].Card
	assert.Equal(t, "red", card.Header.Template)
	var text []string
	for _, el := range card.Elements {
		if el.Text != nil {
			text = append(text, el.Text.Content)
		}
		for _, a := range el.Actions {
			assert.Equal(t, "https://plm.example.com/projects/proj-001", a.URL)
		}
	}
	assert.Contains(t, strings.Join(text, "\n"), "尚未进行质量检验")
}

func TestNotifier_PersonalEventSkipsChat(t *testing.T) {
	api := &fakeOpenAPI{}
	n := newTestNotifier(t, api, "oc_project")

	err := n.Notify(context.Background(), notify.Notification{
		Event:        notify.EventApprovalStepPending,
		ProjectID:    "proj-001",
		ResourceType: "approval",
		ResourceID:   "a-1",
		Recipients:   []string{"rev-1"},
		Title:        "请审批",
	})
	require.NoError(t, err)
	require.Len(t, api.sent, 1)
	assert.Equal(t, "ou_rev-1", api.sent[0].ReceiveID)

	last := api.sent[0].Card.Elements[len(api.sent[0].Card.Elements)-1]
	require.Len(t, last.Actions, 1)
	assert.Equal(t, "https://plm.example.com/projects/proj-001/approvals/a-1", last.Actions[0].URL)
}

func TestNotifier_ReportsDeliveryFailure(t *testing.T) {
	api := &fakeOpenAPI{failFor: "oc_project"}
	n := newTestNotifier(t, api, "oc_project")

	err := n.Notify(context.Background(), notify.Notification{Event: notify.EventProjectCompleted, ProjectID: "proj-001", Title: "完成"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "230002")
}

func TestNewNotificationCard_OutcomeColors(t *testing.T) {
	rejected := NewNotificationCard(notify.Notification{
		Event:   notify.EventApprovalCompleted,
		Payload: map[string]interface{}{"outcome": "rejected"},
	}, "")
	assert.Equal(t, "red", rejected.Header.Template)

	passed := NewNotificationCard(notify.Notification{
		Event:   notify.EventGateClosed,
		Payload: map[string]interface{}{"passed": true},
	}, "")
	assert.Equal(t, "green", passed.Header.Template)

	var nilNotifier *Notifier
	assert.NoError(t, nilNotifier.Notify(context.Background(), notify.Notification{}))
}
