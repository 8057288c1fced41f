package websocket

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/adsrv/adsrv/internal/activity"
	"github.com/adsrv/adsrv/internal/common/logger"
	"github.com/adsrv/adsrv/internal/session"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 4 * 1024 * 1024 // inline images ride on prompt frames
	sendBufferSize = 256
)

// Client is one WebSocket connection.
type Client struct {
	id            string
	userID        int
	sessionID     string
	workspaceRoot string

	conn    *websocket.Conn
	send    chan []byte
	gw      *Gateway
	session *session.Session
	tracker *activity.Tracker
	logger  *logger.Logger

	mu          sync.Mutex
	seenMsgIDs  map[string]struct{}
	turnCancel  context.CancelFunc
	missedPongs int
	closeOnce   sync.Once
}

func newClient(id string, userID int, sessionID, workspaceRoot string, conn *websocket.Conn, gw *Gateway, log *logger.Logger) *Client {
	if sessionID == "" {
		sessionID = DeriveSessionID(workspaceRoot)
	}
	return &Client{
		id:            id,
		userID:        userID,
		sessionID:     sessionID,
		workspaceRoot: workspaceRoot,
		conn:          conn,
		send:          make(chan []byte, sendBufferSize),
		gw:            gw,
		tracker:       gw.newTracker(),
		seenMsgIDs:    make(map[string]struct{}),
		logger:        log.WithFields(zap.String("client_id", id), zap.Int("user_id", userID)),
	}
}

// historyKey identifies the history stream this connection writes to; two
// connections of the same user and chat session share one stream.
func (c *Client) historyKey() string {
	return c.sessionID + "#" + strconv.Itoa(c.userID)
}

// emit marshals a server frame and queues it for delivery.
func (c *Client) emit(msgType string, fields map[string]any) {
	frame := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		frame[k] = v
	}
	frame["type"] = msgType

	data, err := json.Marshal(frame)
	if err != nil {
		c.logger.Error("failed to marshal frame", zap.String("frame_type", msgType), zap.Error(err))
		return
	}
	if !c.trySend(data) {
		c.logger.Warn("send buffer full, dropping frame", zap.String("frame_type", msgType))
	}
}

// trySend queues raw bytes without blocking.
func (c *Client) trySend(data []byte) bool {
	defer func() { _ = recover() }() // send may race closeSend
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) closeSend() {
	c.closeOnce.Do(func() { close(c.send) })
}

func (c *Client) emitError(classified errorView) {
	c.emit(msgError, map[string]any{
		"code":          classified.Code,
		"retryable":     classified.Retryable,
		"needsReset":    classified.NeedsReset,
		"originalError": classified.OriginalError,
		"hint":          classified.Hint,
	})
}

// errorView is the classified error shape sent to clients.
type errorView struct {
	Code          string `json:"code"`
	Retryable     bool   `json:"retryable"`
	NeedsReset    bool   `json:"needsReset"`
	OriginalError string `json:"originalError,omitempty"`
	Hint          string `json:"hint,omitempty"`
}

// readPump consumes frames until the connection drops. Prompt turns run on
// their own goroutine so control frames, /interrupt in particular, are read
// while a turn is in flight.
func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.cancelTurn()
		c.gw.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	pongWait := c.pongWait()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.mu.Lock()
		c.missedPongs = 0
		c.mu.Unlock()
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("read failed", zap.Error(err))
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.emitError(errorView{Code: "bad_request", OriginalError: err.Error(), Hint: "invalid message format"})
			continue
		}
		c.handleMessage(ctx, &msg)
	}
}

// writePump flushes the send channel and drives the heartbeat. The connection
// is closed after the configured number of missed pongs.
func (c *Client) writePump(ctx context.Context) {
	interval := c.gw.cfg.PingInterval()
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.mu.Lock()
			c.missedPongs++
			missed := c.missedPongs
			c.mu.Unlock()
			maxMissed := c.gw.cfg.WSMaxMissedPongs
			if maxMissed <= 0 {
				maxMissed = 3
			}
			if missed > maxMissed {
				c.logger.Info("closing unresponsive connection", zap.Int("missed_pongs", missed))
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// pongWait derives the read deadline from the ping schedule.
func (c *Client) pongWait() time.Duration {
	interval := c.gw.cfg.PingInterval()
	if interval <= 0 {
		interval = 15 * time.Second
	}
	missed := c.gw.cfg.WSMaxMissedPongs
	if missed <= 0 {
		missed = 3
	}
	return interval * time.Duration(missed+1)
}

func (c *Client) handleMessage(ctx context.Context, msg *ClientMessage) {
	switch msg.Type {
	case "ping":
		c.emit("pong", nil)
	case "prompt":
		var p PromptPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			c.emitError(errorView{Code: "bad_request", OriginalError: err.Error(), Hint: "invalid prompt payload"})
			return
		}
		go c.handlePrompt(ctx, p)
	case "command":
		var cmd string
		if err := json.Unmarshal(msg.Payload, &cmd); err != nil {
			c.emitError(errorView{Code: "bad_request", OriginalError: err.Error(), Hint: "command payload must be a string"})
			return
		}
		c.handleCommand(ctx, cmd)
	case "task_resume", "resume":
		var p ResumePayload
		if len(msg.Payload) > 0 {
			if err := json.Unmarshal(msg.Payload, &p); err != nil {
				c.emitError(errorView{Code: "bad_request", OriginalError: err.Error(), Hint: "invalid resume payload"})
				return
			}
		}
		c.handleResume(ctx, p)
	case "reset":
		c.handleReset()
	case "agents":
		c.emitAgents()
	default:
		c.emitError(errorView{Code: "bad_request", Hint: "unknown message type: " + msg.Type})
	}
}

// rememberMessageID records a client message id; the first insertion wins.
func (c *Client) rememberMessageID(id string) bool {
	if id == "" {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.seenMsgIDs[id]; dup {
		return false
	}
	c.seenMsgIDs[id] = struct{}{}
	return true
}

// beginTurn installs the turn's cancel func, failing if one is already
// in flight.
func (c *Client) beginTurn(cancel context.CancelFunc) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.turnCancel != nil {
		return false
	}
	c.turnCancel = cancel
	return true
}

func (c *Client) cancelTurn() {
	c.mu.Lock()
	cancel := c.turnCancel
	c.turnCancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (c *Client) emitAgents() {
	sess, err := c.ensureSession()
	if err != nil {
		c.emitError(errorView{Code: "session_error", OriginalError: err.Error(), Hint: "failed to open session"})
		return
	}
	c.emit(msgAgents, map[string]any{"agents": sess.Orchestrator.ListAgents()})
}

// ensureSession lazily opens the user's session rooted at the connection's
// workspace.
func (c *Client) ensureSession() (*session.Session, error) {
	if c.session != nil {
		return c.session, nil
	}
	sess, err := c.gw.sessions.GetOrCreate(c.userID, c.workspaceRoot, "")
	if err != nil {
		return nil, err
	}
	c.session = sess
	return sess, nil
}

func (c *Client) handleReset() {
	sess, err := c.ensureSession()
	if err != nil {
		c.emitError(errorView{Code: "session_error", OriginalError: err.Error(), Hint: "failed to open session"})
		return
	}
	agentID := sess.Orchestrator.ActiveID()
	if current := sess.Orchestrator.ThreadID(); current != "" {
		sess.StashResumeThread(agentID, current)
	}
	sess.Orchestrator.Reset()
	sess.SetNeedsHistoryInjection(true)
	c.emit(msgAgent, map[string]any{"agent": agentID, "threadId": ""})
}
