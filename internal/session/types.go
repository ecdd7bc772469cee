// Package session owns a session's active lifetime: activation, event
// translation, durable fan-out, idle eviction, and the stop protocol.
package session

import (
	"crypto/rand"
	"time"
)

// Status is the session lifecycle state.
type Status string

const (
	StatusStarting Status = "starting"
	StatusReady    Status = "ready"
	StatusBusy     Status = "busy"
	StatusStopping Status = "stopping"
	StatusStopped  Status = "stopped"
	StatusError    Status = "error"
)

// StopSource records which input drove a stop.
type StopSource string

const (
	StopUser    StopSource = "user"
	StopTimeout StopSource = "timeout"
	StopServer  StopSource = "server"
)

// TokenUsage tracks running token totals for a session.
type TokenUsage struct {
	Input      int64   `json:"input"`
	Output     int64   `json:"output"`
	CacheRead  int64   `json:"cacheRead"`
	CacheWrite int64   `json:"cacheWrite"`
	CostUSD    float64 `json:"costUsd"`
}

// Session is the owner-visible session state.
type Session struct {
	ID             string     `json:"id"`
	Name           string     `json:"name,omitempty"`
	Status         Status     `json:"status"`
	Model          string     `json:"model,omitempty"` // "<provider>/<model-id>"
	WorkspaceID    string     `json:"workspaceId,omitempty"`
	MessageCount   int        `json:"messageCount"`
	Usage          TokenUsage `json:"usage"`
	ContextTokens  int64      `json:"contextTokens"`
	AgentSessionID string     `json:"agentSessionId,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	LastActivityAt time.Time  `json:"lastActivityAt"`
}

// Snapshot returns a copy safe to hand to encoders.
func (s *Session) Snapshot() Session {
	return *s
}

const idAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// NewID returns an 8-character opaque session id.
func NewID() string {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand failing means the host is broken; fall back to a
		// fixed-distribution id rather than crashing session creation.
		for i := range buf {
			buf[i] = byte(time.Now().UnixNano() >> (i * 8))
		}
	}
	out := make([]byte, len(buf))
	for i, b := range buf {
		out[i] = idAlphabet[int(b)%len(idAlphabet)]
	}
	return string(out)
}
