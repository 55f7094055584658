package sse

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/bitfantasy/nimo-phasegate/internal/shared/notify"
	"go.uber.org/zap"
)

// Event represents a Server-Sent Event
type Event struct {
	EventType string `json:"event"`
	Data      string `json:"data"`
}

// Client represents a connected SSE client
type Client struct {
	ID     string
	UserID string
	// ProjectID 非空时只接收该项目的事件
	ProjectID string
	Events    chan Event
}

// Hub manages all SSE client connections
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	logger  *zap.Logger
}

// NewHub creates a new SSE Hub
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients: make(map[string]*Client),
		logger:  logger,
	}
}

// Register adds a new client to the hub
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID] = client
	h.logger.Debug("sse client registered",
		zap.String("client_id", client.ID),
		zap.String("user_id", client.UserID),
		zap.Int("total", len(h.clients)),
	)
}

// Unregister removes a client from the hub
func (h *Hub) Unregister(clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if client, ok := h.clients[clientID]; ok {
		close(client.Events)
		delete(h.clients, clientID)
		h.logger.Debug("sse client unregistered", zap.String("client_id", clientID), zap.Int("total", len(h.clients)))
	}
}

// ClientCount 当前连接数
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends an event to every client subscribed to the project
func (h *Hub) Broadcast(projectID string, event Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		if client.ProjectID != "" && client.ProjectID != projectID {
			continue
		}
		h.send(client, event)
	}
}

// SendToUser 给特定用户发送事件（而非广播）
func (h *Hub) SendToUser(userID string, event Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		if client.UserID == userID {
			h.send(client, event)
		}
	}
}

func (h *Hub) send(client *Client, event Event) {
	select {
	case client.Events <- event:
	default:
		h.logger.Warn("sse client buffer full, skipping event",
			zap.String("client_id", client.ID),
			zap.String("event", event.EventType),
		)
	}
}

// Notify 把引擎通知转成 SSE 事件：项目订阅者收到 <资源>_update，
// 通知的接收人另外收到 my_<资源>_update 用于刷新待办列表
func (h *Hub) Notify(_ context.Context, n notify.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	kind := eventKind(n.Event)
	h.Broadcast(n.ProjectID, Event{EventType: kind + "_update", Data: string(data)})
	for _, userID := range n.Recipients {
		h.SendToUser(userID, Event{EventType: "my_" + kind + "_update", Data: string(data)})
	}
	return nil
}

// eventKind phase.blocked -> phase, project.completed -> phase
func eventKind(event string) string {
	kind := event
	if i := strings.IndexByte(event, '.'); i > 0 {
		kind = event[:i]
	}
	if kind == "project" {
		return "phase"
	}
	return kind
}
