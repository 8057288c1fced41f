package websocket

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Handler upgrades HTTP requests into gateway connections.
type Handler struct {
	gw *Gateway
}

// NewHandler creates the upgrade handler.
func NewHandler(gw *Gateway) *Handler {
	return &Handler{gw: gw}
}

func (h *Handler) upgrader() gorillaws.Upgrader {
	allowed := h.gw.cfg.AllowedOrigins
	return gorillaws.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowed) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, a := range allowed {
				if a == "*" || a == origin {
					return true
				}
			}
			return false
		},
	}
}

// HandleConnection serves GET /ws. Connection identity comes from query
// parameters: user_id, workspace, and an optional session id.
func (h *Handler) HandleConnection(c *gin.Context) {
	userID, err := strconv.Atoi(c.DefaultQuery("user_id", "0"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user_id"})
		return
	}
	workspace := c.Query("workspace")
	if workspace != "" {
		resolved, err := h.gw.validateAllowedDir(workspace)
		if err != nil {
			c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
			return
		}
		workspace = resolved
	}
	sessionID := c.Query("session")

	up := h.upgrader()
	conn, err := up.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.gw.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := newClient(uuid.NewString(), userID, sessionID, workspace, conn, h.gw, h.gw.logger)
	if err := h.gw.hub.Register(client); err != nil {
		_ = conn.WriteMessage(gorillaws.CloseMessage,
			gorillaws.FormatCloseMessage(gorillaws.ClosePolicyViolation, err.Error()))
		_ = conn.Close()
		return
	}

	welcome := map[string]any{
		"client_id": client.id,
		"session":   client.sessionID,
		"workspace": client.workspaceRoot,
	}
	// Reattaching users get their recent conversation back.
	if sess := h.gw.sessions.Get(userID); sess != nil {
		if entries := sess.RecentHistory(historyBlockMaxEntries); len(entries) > 0 {
			welcome["history"] = entries
		}
		welcome["cwd"] = sess.Cwd()
	}
	client.emit(msgWelcome, welcome)

	go client.writePump(c.Request.Context())
	client.readPump(c.Request.Context())
}
