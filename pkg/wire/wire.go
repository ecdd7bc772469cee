// Package wire defines the JSON frame vocabulary spoken on the client
// WebSocket and the classification rules the stream layer applies to it.
package wire

import "encoding/json"

// Server → client frame types.
const (
	TypeConnected           = "connected"
	TypeState               = "state"
	TypeStreamConnected     = "stream_connected"
	TypeTextDelta           = "text_delta"
	TypeThinkingDelta       = "thinking_delta"
	TypeToolStart           = "tool_start"
	TypeToolOutput          = "tool_output"
	TypeToolEnd             = "tool_end"
	TypeAgentStart          = "agent_start"
	TypeAgentEnd            = "agent_end"
	TypeTurnStart           = "turn_start"
	TypeTurnEnd             = "turn_end"
	TypeMessageEnd          = "message_end"
	TypeCompactionStart     = "compaction_start"
	TypeCompactionEnd       = "compaction_end"
	TypeRetryStart          = "retry_start"
	TypeRetryEnd            = "retry_end"
	TypePermissionRequest   = "permission_request"
	TypePermissionExpired   = "permission_expired"
	TypePermissionCancelled = "permission_cancelled"
	TypeStopRequested       = "stop_requested"
	TypeStopConfirmed       = "stop_confirmed"
	TypeStopFailed          = "stop_failed"
	TypeSessionEnded        = "session_ended"
	TypeRPCResult           = "rpc_result"
	TypeError               = "error"
)

// Client → server command types.
const (
	CmdSubscribe          = "subscribe"
	CmdUnsubscribe        = "unsubscribe"
	CmdPrompt             = "prompt"
	CmdSteer              = "steer"
	CmdFollowUp           = "follow_up"
	CmdAbort              = "abort"
	CmdStop               = "stop"
	CmdStopSession        = "stop_session"
	CmdGetState           = "get_state"
	CmdPermissionResponse = "permission_response"
)

// durable frame types are assigned a per-session seq and retained in the
// session ring for catch-up.
var durable = map[string]bool{
	TypeAgentStart:          true,
	TypeAgentEnd:            true,
	TypeMessageEnd:          true,
	TypeToolStart:           true,
	TypeToolEnd:             true,
	TypePermissionRequest:   true,
	TypePermissionExpired:   true,
	TypePermissionCancelled: true,
	TypeStopRequested:       true,
	TypeStopConfirmed:       true,
	TypeStopFailed:          true,
	TypeSessionEnded:        true,
	TypeError:               true,
}

// droppable frame types may be discarded under backpressure.
var droppable = map[string]bool{
	TypeTextDelta:     true,
	TypeThinkingDelta: true,
	TypeToolOutput:    true,
}

// notificationLevel frame types pass a notifications-level subscription.
var notificationLevel = map[string]bool{
	TypePermissionRequest:   true,
	TypePermissionExpired:   true,
	TypePermissionCancelled: true,
	TypeAgentStart:          true,
	TypeAgentEnd:            true,
	TypeState:               true,
	TypeSessionEnded:        true,
	TypeStopRequested:       true,
	TypeStopConfirmed:       true,
	TypeStopFailed:          true,
	TypeError:               true,
}

// Durable reports whether a frame type is retained in the session ring.
func Durable(frameType string) bool { return durable[frameType] }

// Droppable reports whether a frame type may be dropped under backpressure.
func Droppable(frameType string) bool { return droppable[frameType] }

// PassesNotifications reports whether a frame type survives the
// notifications-level filter.
func PassesNotifications(frameType string) bool { return notificationLevel[frameType] }

// Message is one server → client frame before sequence stamping.
type Message struct {
	Type      string
	SessionID string
	Payload   map[string]interface{}
}

// NewMessage builds a frame bound to a session.
func NewMessage(frameType, sessionID string, payload map[string]interface{}) Message {
	return Message{Type: frameType, SessionID: sessionID, Payload: payload}
}

// Encode renders the frame with its sequence stamps merged in. seq and
// streamSeq are omitted when zero.
func (m Message) Encode(seq, streamSeq uint64) ([]byte, error) {
	frame := make(map[string]interface{}, len(m.Payload)+4)
	for k, v := range m.Payload {
		frame[k] = v
	}
	frame["type"] = m.Type
	if m.SessionID != "" {
		frame["sessionId"] = m.SessionID
	}
	if seq != 0 {
		frame["seq"] = seq
	}
	if streamSeq != 0 {
		frame["streamSeq"] = streamSeq
	}
	return json.Marshal(frame)
}

// Command is one decoded client → server message. Fields beyond the common
// envelope stay in Raw for the handler to pick apart.
type Command struct {
	Type      string
	RequestID string
	SessionID string
	Raw       map[string]json.RawMessage
}

// DecodeCommand parses a client frame. Unknown fields are preserved in Raw.
func DecodeCommand(data []byte) (Command, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Command{}, err
	}
	cmd := Command{Raw: raw}
	if v, ok := raw["type"]; ok {
		_ = json.Unmarshal(v, &cmd.Type)
	}
	if v, ok := raw["requestId"]; ok {
		_ = json.Unmarshal(v, &cmd.RequestID)
	}
	if v, ok := raw["sessionId"]; ok {
		_ = json.Unmarshal(v, &cmd.SessionID)
	}
	return cmd, nil
}

// String extracts a string field from the command body.
func (c Command) String(key string) string {
	var s string
	if v, ok := c.Raw[key]; ok {
		_ = json.Unmarshal(v, &s)
	}
	return s
}

// Int64 extracts an integer field from the command body.
func (c Command) Int64(key string) (int64, bool) {
	var n int64
	v, ok := c.Raw[key]
	if !ok {
		return 0, false
	}
	if err := json.Unmarshal(v, &n); err != nil {
		return 0, false
	}
	return n, true
}

// Uint64 extracts a non-negative integer field from the command body.
func (c Command) Uint64(key string) (uint64, bool) {
	n, ok := c.Int64(key)
	if !ok || n < 0 {
		return 0, false
	}
	return uint64(n), true
}
