package websocket

import (
	"errors"
	"fmt"
	"hash/fnv"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/adsrv/adsrv/internal/common/logger"
)

// PlannerSessionID is the chat session that plans tasks; it never receives
// task event broadcasts.
const PlannerSessionID = "planner"

// ErrTooManyClients is returned when the connection cap is reached.
var ErrTooManyClients = errors.New("too many connected clients")

// DeriveSessionID maps a workspace root onto its implicit chat session id, so
// broadcasts addressed to a workspace reach every connection rooted there.
func DeriveSessionID(workspaceRoot string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(filepath.Clean(workspaceRoot)))
	return fmt.Sprintf("ws-%x", h.Sum64())
}

// Broadcast is one fan-out unit.
type Broadcast struct {
	// SessionID addresses the broadcast; it is matched against each
	// connection's sessionId and against derive(workspaceRoot).
	SessionID string
	// TaskEvent broadcasts skip planner connections.
	TaskEvent bool
	Message   []byte
	// HistoryRole/HistoryText, when set, append a history entry on each
	// receiving session, deduped by history key within this broadcast.
	HistoryRole string
	HistoryText string
}

// Hub tracks live connections and delivers broadcasts.
type Hub struct {
	mu         sync.RWMutex
	clients    map[*Client]struct{}
	maxClients int
	logger     *logger.Logger
}

// NewHub creates a hub. maxClients of 0 means unlimited.
func NewHub(maxClients int, log *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]struct{}),
		maxClients: maxClients,
		logger:     log.WithFields(zap.String("component", "ws-hub")),
	}
}

// Register admits a client, enforcing the connection cap.
func (h *Hub) Register(c *Client) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.maxClients > 0 && len(h.clients) >= h.maxClients {
		return ErrTooManyClients
	}
	h.clients[c] = struct{}{}
	h.logger.Debug("client registered",
		zap.String("client_id", c.id),
		zap.String("session_id", c.sessionID),
		zap.Int("clients", len(h.clients)))
	return nil
}

// Unregister drops a client. Safe to call more than once.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if ok {
		c.closeSend()
		h.logger.Debug("client unregistered", zap.String("client_id", c.id))
	}
}

// Len reports the number of live connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish delivers a broadcast to every matching connection. Delivery is best
// effort; a full send buffer drops the frame for that connection only.
func (h *Hub) Publish(b Broadcast) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		if !h.matches(c, b) {
			continue
		}
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	historySeen := make(map[string]struct{})
	for _, c := range targets {
		if b.Message != nil && !c.trySend(b.Message) {
			h.logger.Warn("dropping broadcast for slow client", zap.String("client_id", c.id))
		}
		if b.HistoryText != "" && c.session != nil {
			key := c.historyKey()
			if _, dup := historySeen[key]; dup {
				continue
			}
			historySeen[key] = struct{}{}
			c.session.AppendHistory(b.HistoryRole, b.HistoryText)
		}
	}
}

func (h *Hub) matches(c *Client, b Broadcast) bool {
	if b.TaskEvent && c.sessionID == PlannerSessionID {
		return false
	}
	return c.sessionID == b.SessionID || b.SessionID == DeriveSessionID(c.workspaceRoot)
}

// CloseAll disconnects every client.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*Client]struct{})
	h.mu.Unlock()

	for _, c := range clients {
		c.closeSend()
	}
}
