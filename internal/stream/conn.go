package stream

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/duh17/oppi/internal/common/logger"
	"github.com/duh17/oppi/pkg/wire"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
)

// SubscriptionLevel selects how much of a session's stream a subscription
// receives.
type SubscriptionLevel string

const (
	LevelFull          SubscriptionLevel = "full"
	LevelNotifications SubscriptionLevel = "notifications"
)

type subscription struct {
	level       SubscriptionLevel
	unsubscribe func()
}

// Conn is one owner WebSocket connection.
type Conn struct {
	mux    *Mux
	ws     *websocket.Conn
	logger *logger.Logger

	send     chan []byte
	sendMu   sync.Mutex // serializes stamp+enqueue so streamSeq order holds per socket
	buffered int64      // outbound bytes enqueued but not yet written

	mu          sync.Mutex
	subs        map[string]*subscription
	fullSession string
	closed      bool
	done        chan struct{}
}

func newConn(m *Mux, ws *websocket.Conn, log *logger.Logger) *Conn {
	return &Conn{
		mux:    m,
		ws:     ws,
		logger: log,
		send:   make(chan []byte, 256),
		subs:   make(map[string]*subscription),
		done:   make(chan struct{}),
	}
}

// deliver is the per-session fan-out callback: filter by level, then send.
func (c *Conn) deliver(sessionID string, msg wire.Message, seq uint64) {
	c.mu.Lock()
	sub, ok := c.subs[sessionID]
	c.mu.Unlock()
	if !ok {
		return
	}
	if sub.level == LevelNotifications && !wire.PassesNotifications(msg.Type) {
		return
	}
	c.sendFrame(msg, seq)
}

// sendFrame applies backpressure, stamps the frame, and enqueues it.
// Droppable frames are discarded when the outbound buffer is over the high
// water mark; everything else blocks until the writer drains. Stamping and
// enqueueing happen under one lock: two senders racing between them would
// otherwise invert streamSeq order on the socket.
func (c *Conn) sendFrame(msg wire.Message, seq uint64) {
	if atomic.LoadInt64(&c.buffered) > int64(c.mux.cfg.HighWaterMark) && wire.Droppable(msg.Type) {
		c.logger.Debug("dropping frame under backpressure",
			zap.String("frame_type", msg.Type), zap.String("session_id", msg.SessionID))
		return
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	_, frame, err := c.mux.stamp(msg, seq)
	if err != nil {
		c.logger.Error("encode frame", zap.Error(err))
		return
	}
	c.enqueue(frame)
}

func (c *Conn) enqueue(frame []byte) {
	atomic.AddInt64(&c.buffered, int64(len(frame)))
	select {
	case c.send <- frame:
	case <-c.done:
		atomic.AddInt64(&c.buffered, -int64(len(frame)))
	}
}

// Run services the connection until either pump exits, then clears all
// subscriptions.
func (c *Conn) Run(ctx context.Context) {
	c.mux.register(c)
	go c.writePump()
	c.readPump(ctx)
	c.teardown()
}

func (c *Conn) teardown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	subs := c.subs
	c.subs = map[string]*subscription{}
	close(c.done)
	c.mu.Unlock()

	for _, sub := range subs {
		sub.unsubscribe()
	}
	c.mux.unregister(c)
	_ = c.ws.Close()
}

func (c *Conn) readPump(ctx context.Context) {
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("websocket read error", zap.Error(err))
			}
			return
		}

		cmd, err := wire.DecodeCommand(data)
		if err != nil {
			c.logger.Warn("invalid client frame", zap.Error(err))
			c.sendFrame(wire.NewMessage(wire.TypeError, "", map[string]interface{}{
				"error": "invalid message format",
			}), 0)
			continue
		}
		// commands are handled inline: the read loop is the per-connection
		// serialization point
		c.handleCommand(ctx, cmd)
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			atomic.AddInt64(&c.buffered, -int64(len(frame)))
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Conn) rpcResult(cmd wire.Command, payload map[string]interface{}) {
	if cmd.RequestID == "" {
		return
	}
	if payload == nil {
		payload = map[string]interface{}{}
	}
	payload["requestId"] = cmd.RequestID
	c.sendFrame(wire.NewMessage(wire.TypeRPCResult, cmd.SessionID, payload), 0)
}

func (c *Conn) sendError(cmd wire.Command, message string) {
	payload := map[string]interface{}{"error": message}
	if cmd.RequestID != "" {
		payload["requestId"] = cmd.RequestID
	}
	c.sendFrame(wire.NewMessage(wire.TypeError, cmd.SessionID, payload), 0)
}

func (c *Conn) handleCommand(ctx context.Context, cmd wire.Command) {
	switch cmd.Type {
	case wire.CmdSubscribe:
		c.handleSubscribe(ctx, cmd)
	case wire.CmdUnsubscribe:
		c.handleUnsubscribe(cmd)
	case wire.CmdPermissionResponse:
		c.handlePermissionResponse(cmd)
	case wire.CmdGetState:
		c.handleGetState(cmd)
	default:
		if cmd.SessionID == "" {
			c.sendError(cmd, "unknown command "+cmd.Type)
			return
		}
		if err := c.mux.orch.HandleCommand(ctx, cmd.SessionID, cmd); err != nil {
			c.sendError(cmd, err.Error())
			return
		}
		c.rpcResult(cmd, map[string]interface{}{"ok": true})
	}
}

// handleSubscribe implements the subscribe flow: activate (full only),
// attach the fan-out callback, synthesize state, serve catch-up, forward
// outstanding pending decisions, then answer the rpc.
func (c *Conn) handleSubscribe(ctx context.Context, cmd wire.Command) {
	sessionID := cmd.SessionID
	if sessionID == "" {
		c.sendError(cmd, "sessionId is required")
		return
	}
	level := SubscriptionLevel(cmd.String("level"))
	if level == "" {
		level = LevelFull
	}

	if level == LevelFull {
		if _, err := c.mux.orch.StartSession(ctx, sessionID); err != nil {
			c.sendError(cmd, err.Error())
			return
		}
	} else if _, ok := c.mux.orch.Get(sessionID); !ok {
		c.sendError(cmd, "session "+sessionID+" is not active")
		return
	}

	unsubscribe, err := c.mux.orch.Subscribe(sessionID, func(msg wire.Message, seq uint64) {
		c.deliver(sessionID, msg, seq)
	})
	if err != nil {
		c.sendError(cmd, err.Error())
		return
	}

	c.mu.Lock()
	if existing, ok := c.subs[sessionID]; ok {
		existing.unsubscribe()
	}
	// one full subscription per socket: a new full demotes the previous
	if level == LevelFull && c.fullSession != "" && c.fullSession != sessionID {
		if prev, ok := c.subs[c.fullSession]; ok {
			prev.level = LevelNotifications
		}
	}
	c.subs[sessionID] = &subscription{level: level, unsubscribe: unsubscribe}
	if level == LevelFull {
		c.fullSession = sessionID
	}
	c.mu.Unlock()

	// synthetic state snapshot
	if a, ok := c.mux.orch.Get(sessionID); ok {
		c.sendFrame(wire.NewMessage(wire.TypeState, sessionID, map[string]interface{}{
			"session": a.Snapshot(),
		}), 0)
	}

	result := map[string]interface{}{"sessionId": sessionID, "level": string(level)}
	if sinceSeq, ok := cmd.Uint64("sinceSeq"); ok {
		entries, currentSeq, complete, err := c.mux.orch.CatchUp(sessionID, sinceSeq)
		if err != nil {
			c.sendError(cmd, err.Error())
			return
		}
		for _, e := range entries {
			c.sendFrame(e.Message, e.Seq)
		}
		result["catchUpComplete"] = complete
		result["currentSeq"] = currentSeq
	}

	for _, pd := range c.mux.gate.PendingForSession(sessionID) {
		c.sendFrame(wire.NewMessage(wire.TypePermissionRequest, sessionID, map[string]interface{}{
			"id":         pd.ID,
			"tool":       pd.Tool,
			"input":      pd.Input,
			"toolCallId": pd.ToolCallID,
			"summary":    pd.DisplaySummary,
			"reason":     pd.Reason,
			"expires":    pd.Expires,
		}), 0)
	}

	c.rpcResult(cmd, result)
}

func (c *Conn) handleUnsubscribe(cmd wire.Command) {
	sessionID := cmd.SessionID
	c.mu.Lock()
	sub, ok := c.subs[sessionID]
	if ok {
		delete(c.subs, sessionID)
		if c.fullSession == sessionID {
			c.fullSession = ""
		}
	}
	c.mu.Unlock()

	if ok {
		sub.unsubscribe()
	}
	c.rpcResult(cmd, map[string]interface{}{"sessionId": sessionID, "ok": true})
}

func (c *Conn) handlePermissionResponse(cmd wire.Command) {
	id := cmd.String("id")
	action := cmd.String("action")
	scope := cmd.String("scope")
	expiresInMs, _ := cmd.Int64("expiresInMs")

	if err := c.mux.gate.ResolveDecision(id, action, scope, expiresInMs); err != nil {
		c.sendError(cmd, err.Error())
		return
	}
	c.rpcResult(cmd, map[string]interface{}{"id": id, "ok": true})
}

func (c *Conn) handleGetState(cmd wire.Command) {
	a, ok := c.mux.orch.Get(cmd.SessionID)
	if !ok {
		c.sendError(cmd, "session "+cmd.SessionID+" is not active")
		return
	}
	c.sendFrame(wire.NewMessage(wire.TypeState, cmd.SessionID, map[string]interface{}{
		"session": a.Snapshot(),
	}), 0)
	c.rpcResult(cmd, map[string]interface{}{"ok": true})
}
