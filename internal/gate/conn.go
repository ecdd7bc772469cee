package gate

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"
)

// listener is a session's loopback TCP endpoint. The gate shim connects
// exactly once; later connections are refused.
type listener struct {
	gate      *Gate
	sessionID string
	ln        net.Listener
	closeOnce sync.Once
}

func newListener(g *Gate, sessionID string) (*listener, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("bind gate listener: %w", err)
	}
	return &listener{gate: g, sessionID: sessionID, ln: ln}, nil
}

func (l *listener) port() int {
	return l.ln.Addr().(*net.TCPAddr).Port
}

func (l *listener) close() {
	l.closeOnce.Do(func() {
		_ = l.ln.Close()
	})
}

func (l *listener) acceptLoop() {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			return
		}

		c := &client{
			gate:      l.gate,
			sessionID: l.sessionID,
			conn:      conn,
			slotWake:  make(chan struct{}, 1),
			closed:    make(chan struct{}),
		}

		l.gate.mu.Lock()
		gd, ok := l.gate.guards[l.sessionID]
		if !ok || gd.client != nil {
			l.gate.mu.Unlock()
			// the shim connects once; anything else is refused
			_ = conn.Close()
			continue
		}
		gd.client = c
		l.gate.mu.Unlock()

		go c.readLoop()
	}
}

// client is the connected gate shim. Acks are written immediately;
// gate_result frames go through a FIFO of slots so responses leave in the
// order their gate_check arrived even though checks resolve concurrently.
type client struct {
	gate      *Gate
	sessionID string
	conn      net.Conn

	writeMu   sync.Mutex
	slotMu    sync.Mutex
	slots     []chan []byte
	slotWake  chan struct{}
	closeOnce sync.Once
	closed    chan struct{}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
	})
}

func (c *client) writeLine(frame []byte) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, _ = c.conn.Write(append(frame, '\n'))
}

func (c *client) readLoop() {
	go c.writeLoop()

	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg inbound
		if err := json.Unmarshal(line, &msg); err != nil {
			// one bad line never kills the connection
			c.gate.logger.Warn("invalid gate message",
				zap.String("session_id", c.sessionID), zap.Error(err))
			continue
		}
		c.handle(msg)
	}

	c.close()
	c.gate.guardLost(c.sessionID, "connection closed")
}

func (c *client) handle(msg inbound) {
	switch msg.Type {
	case msgGuardReady:
		if c.gate.markReady(c.sessionID, msg.ExtensionVersion) {
			c.writeLine(encodeGuardAck())
		}
	case msgHeartbeat:
		c.gate.heartbeat(c.sessionID)
		c.writeLine(encodeHeartbeatAck())
	case msgGateCheck:
		slot := c.reserveSlot()
		go func() {
			res := c.gate.CheckToolCall(context.Background(), c.sessionID, msg.Tool, msg.Input, msg.ToolCallID)
			slot <- encodeGateResult(msg.ToolCallID, res.Action, res.Reason)
		}()
	default:
		c.gate.logger.Warn("unknown gate message type",
			zap.String("session_id", c.sessionID), zap.String("message_type", msg.Type))
	}
}

func (c *client) reserveSlot() chan []byte {
	slot := make(chan []byte, 1)
	c.slotMu.Lock()
	c.slots = append(c.slots, slot)
	c.slotMu.Unlock()
	select {
	case c.slotWake <- struct{}{}:
	default:
	}
	return slot
}

// writeLoop drains response slots strictly in reservation order.
func (c *client) writeLoop() {
	for {
		c.slotMu.Lock()
		var slot chan []byte
		if len(c.slots) > 0 {
			slot = c.slots[0]
			c.slots = c.slots[1:]
		}
		c.slotMu.Unlock()

		if slot == nil {
			select {
			case <-c.slotWake:
				continue
			case <-c.closed:
				return
			}
		}

		select {
		case frame := <-slot:
			c.writeLine(frame)
		case <-c.closed:
			return
		}
	}
}
