package sse

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/bitfantasy/nimo-phasegate/internal/shared/notify"
)

func newClient(id, userID, projectID string) *Client {
	return &Client{ID: id, UserID: userID, ProjectID: projectID, Events: make(chan Event, 4)}
}

func TestHub_NotifyRoutesByProjectAndRecipient(t *testing.T) {
	h := NewHub(nil)
	all := newClient("c1", "pm-1", "")
	scoped := newClient("c2", "pm-2", "proj-001")
	other := newClient("c3", "rev-1", "proj-002")
	h.Register(all)
	h.Register(scoped)
	h.Register(other)

	err := h.Notify(context.Background(), notify.Notification{
		Event:      notify.EventApprovalStepPending,
		ProjectID:  "proj-001",
		Recipients: []string{"rev-1"},
		Title:      "待审批",
	})
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}

	for _, c := range []*Client{all, scoped} {
		select {
		case ev := <-c.Events:
			if ev.EventType != "approval_update" {
				t.Fatalf("client %s got %s, want approval_update", c.ID, ev.EventType)
			}
			var n notify.Notification
			if err := json.Unmarshal([]byte(ev.Data), &n); err != nil || n.ProjectID != "proj-001" {
				t.Fatalf("client %s got bad payload %q", c.ID, ev.Data)
			}
		default:
			t.Fatalf("client %s received nothing", c.ID)
		}
	}

	select {
	case ev := <-other.Events:
		if ev.EventType != "my_approval_update" {
			t.Fatalf("recipient got %s, want my_approval_update", ev.EventType)
		}
	default:
		t.Fatal("recipient received nothing")
	}
	if len(other.Events) != 0 {
		t.Fatal("recipient on another project should not get the project broadcast")
	}
}

func TestHub_UnregisterClosesChannel(t *testing.T) {
	h := NewHub(nil)
	c := newClient("c1", "u1", "")
	h.Register(c)
	h.Unregister("c1")
	h.Unregister("c1")

	if _, ok := <-c.Events; ok {
		t.Fatal("events channel should be closed")
	}
	if h.ClientCount() != 0 {
		t.Fatalf("ClientCount = %d, want 0", h.ClientCount())
	}
}

func TestEventKind(t *testing.T) {
	tests := map[string]string{
		notify.EventPhaseBlocked:      "phase",
		notify.EventProjectCompleted:  "phase",
		notify.EventGateClosed:        "gate",
		notify.EventDefectOpened:      "defect",
		notify.EventApprovalCompleted: "approval",
		"custom":                      "custom",
	}
	for event, want := range tests {
		if got := eventKind(event); got != want {
			t.Errorf("eventKind(%q) = %q, want %q", event, got, want)
		}
	}
}
