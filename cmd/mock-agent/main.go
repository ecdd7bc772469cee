// Package main implements a mock agent binary speaking the oppi agent
// protocol over stdin/stdout. It emits simulated turns and routes its
// simulated tool calls through the session gate, which makes it usable
// for end-to-end exercises of the daemon without a real agent.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"
)

const heartbeatPeriod = 15 * time.Second

type gateClient struct {
	mu   sync.Mutex
	conn net.Conn
	enc  *json.Encoder

	resMu   sync.Mutex
	results map[string]chan string
}

func dialGate(sessionID string) (*gateClient, error) {
	port, err := strconv.Atoi(os.Getenv("OPPI_GATE_PORT"))
	if err != nil || port == 0 {
		return nil, fmt.Errorf("OPPI_GATE_PORT is not set")
	}
	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return nil, err
	}

	g := &gateClient{
		conn:    conn,
		enc:     json.NewEncoder(conn),
		results: make(map[string]chan string),
	}
	if err := g.send(map[string]interface{}{
		"type":             "guard_ready",
		"sessionId":        sessionID,
		"extensionVersion": "mock-agent/1.0",
	}); err != nil {
		conn.Close()
		return nil, err
	}

	go g.readLoop()
	go g.heartbeatLoop(sessionID)
	return g, nil
}

func (g *gateClient) send(msg map[string]interface{}) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.enc.Encode(msg)
}

func (g *gateClient) readLoop() {
	scanner := bufio.NewScanner(g.conn)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var msg map[string]interface{}
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			continue
		}
		typ, _ := msg["type"].(string)
		if typ != "gate_result" {
			continue
		}
		id, _ := msg["toolCallId"].(string)
		action, _ := msg["action"].(string)
		g.resMu.Lock()
		if ch, ok := g.results[id]; ok {
			ch <- action
			delete(g.results, id)
		}
		g.resMu.Unlock()
	}
}

func (g *gateClient) heartbeatLoop(sessionID string) {
	ticker := time.NewTicker(heartbeatPeriod)
	defer ticker.Stop()
	for range ticker.C {
		if err := g.send(map[string]interface{}{
			"type":      "heartbeat",
			"sessionId": sessionID,
		}); err != nil {
			return
		}
	}
}

// check submits one tool call to the gate and blocks for the verdict.
func (g *gateClient) check(sessionID, tool string, input map[string]interface{}, toolCallID string) string {
	ch := make(chan string, 1)
	g.resMu.Lock()
	g.results[toolCallID] = ch
	g.resMu.Unlock()

	if err := g.send(map[string]interface{}{
		"type":       "gate_check",
		"sessionId":  sessionID,
		"tool":       tool,
		"input":      input,
		"toolCallId": toolCallID,
	}); err != nil {
		return "deny"
	}
	return <-ch
}

type agent struct {
	sessionID string
	enc       *json.Encoder
	gate      *gateClient
	toolSeq   int
}

func (a *agent) emit(event map[string]interface{}) {
	_ = a.enc.Encode(event)
}

// handlePrompt plays one canned assistant turn: a streamed reply, one
// gated bash tool call, and a finalized message.
func (a *agent) handlePrompt(text string) {
	a.emit(map[string]interface{}{"type": "turn_start"})
	a.emit(map[string]interface{}{
		"type": "message_update", "deltaType": "text_delta",
		"text": "Let me take a look.",
	})

	a.toolSeq++
	toolCallID := fmt.Sprintf("tool-%d", a.toolSeq)
	input := map[string]interface{}{"command": "git status"}
	a.emit(map[string]interface{}{
		"type": "tool_execution_start", "toolCallId": toolCallID,
		"tool": "bash", "input": input,
	})

	action := "allow"
	if a.gate != nil {
		action = a.gate.check(a.sessionID, "bash", input, toolCallID)
	}

	output := "nothing to commit, working tree clean"
	if action != "allow" {
		output = "command was not permitted"
	}
	a.emit(map[string]interface{}{
		"type": "tool_execution_end", "toolCallId": toolCallID,
		"output": output,
	})

	reply := fmt.Sprintf("Done. You said: %s", text)
	a.emit(map[string]interface{}{
		"type": "message_update", "deltaType": "text_delta",
		"text": reply,
	})
	a.emit(map[string]interface{}{
		"type": "message_end",
		"message": map[string]interface{}{
			"role": "assistant",
			"content": []interface{}{
				map[string]interface{}{"type": "text", "text": "Let me take a look." + reply},
			},
		},
		"usage": map[string]interface{}{"inputTokens": 12, "outputTokens": 24},
	})
	a.emit(map[string]interface{}{"type": "turn_end"})
}

func main() {
	sessionID := os.Getenv("OPPI_SESSION_ID")
	if sessionID == "" {
		sessionID = fmt.Sprintf("mock-session-%d", os.Getpid())
	}

	a := &agent{
		sessionID: sessionID,
		enc:       json.NewEncoder(os.Stdout),
	}

	if gc, err := dialGate(sessionID); err == nil {
		a.gate = gc
	} else {
		fmt.Fprintf(os.Stderr, "mock-agent: gate unavailable: %v\n", err)
	}

	// startup banner; the daemon treats the first event as readiness
	a.emit(map[string]interface{}{"type": "agent_start", "model": "mock-default"})

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 10*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg map[string]interface{}
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}
		typ, _ := msg["type"].(string)
		switch typ {
		case "prompt", "steer", "follow_up":
			text, _ := msg["text"].(string)
			a.handlePrompt(text)
		case "abort":
			a.emit(map[string]interface{}{"type": "turn_end", "aborted": true})
		case "shutdown":
			a.emit(map[string]interface{}{"type": "agent_end"})
			return
		}
	}
}
