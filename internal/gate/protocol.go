// Package gate owns the per-session authorization boundary between the
// agent and the server: guard liveness, tool-call checks, and pending
// approvals.
package gate

import "encoding/json"

// Agent → server message types.
const (
	msgGuardReady = "guard_ready"
	msgGateCheck  = "gate_check"
	msgHeartbeat  = "heartbeat"
)

// Server → agent message types.
const (
	msgGuardAck     = "guard_ack"
	msgGateResult   = "gate_result"
	msgHeartbeatAck = "heartbeat_ack"
)

// inbound is the envelope of one newline-delimited agent message.
type inbound struct {
	Type             string                 `json:"type"`
	SessionID        string                 `json:"sessionId,omitempty"`
	ExtensionVersion string                 `json:"extensionVersion,omitempty"`
	Tool             string                 `json:"tool,omitempty"`
	Input            map[string]interface{} `json:"input,omitempty"`
	ToolCallID       string                 `json:"toolCallId,omitempty"`
}

func encodeGuardAck() []byte {
	b, _ := json.Marshal(map[string]string{"type": msgGuardAck, "status": "ok"})
	return b
}

func encodeHeartbeatAck() []byte {
	b, _ := json.Marshal(map[string]string{"type": msgHeartbeatAck})
	return b
}

func encodeGateResult(toolCallID, action, reason string) []byte {
	frame := map[string]string{"type": msgGateResult, "action": action}
	if toolCallID != "" {
		frame["toolCallId"] = toolCallID
	}
	if reason != "" {
		frame["reason"] = reason
	}
	b, _ := json.Marshal(frame)
	return b
}
