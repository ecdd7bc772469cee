package wire

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameClassification(t *testing.T) {
	tests := []struct {
		name          string
		frameType     string
		durable       bool
		droppable     bool
		notifications bool
	}{
		{"text delta", TypeTextDelta, false, true, false},
		{"thinking delta", TypeThinkingDelta, false, true, false},
		{"tool output", TypeToolOutput, false, true, false},
		{"tool start", TypeToolStart, true, false, false},
		{"tool end", TypeToolEnd, true, false, false},
		{"message end", TypeMessageEnd, true, false, false},
		{"agent start", TypeAgentStart, true, false, true},
		{"agent end", TypeAgentEnd, true, false, true},
		{"permission request", TypePermissionRequest, true, false, true},
		{"permission expired", TypePermissionExpired, true, false, true},
		{"stop requested", TypeStopRequested, true, false, true},
		{"stop confirmed", TypeStopConfirmed, true, false, true},
		{"stop failed", TypeStopFailed, true, false, true},
		{"session ended", TypeSessionEnded, true, false, true},
		{"error", TypeError, true, false, true},
		{"state", TypeState, false, false, true},
		{"turn start", TypeTurnStart, false, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.durable, Durable(tt.frameType), "durable")
			assert.Equal(t, tt.droppable, Droppable(tt.frameType), "droppable")
			assert.Equal(t, tt.notifications, PassesNotifications(tt.frameType), "notifications")
		})
	}
}

func TestNoFrameIsBothDurableAndDroppable(t *testing.T) {
	for frameType := range durable {
		assert.False(t, Droppable(frameType), "%s is durable and droppable", frameType)
	}
}

func TestEncodeStampsSequences(t *testing.T) {
	m := NewMessage(TypeToolStart, "sess-1", map[string]interface{}{"toolName": "bash"})

	data, err := m.Encode(7, 42)
	require.NoError(t, err)

	var frame map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &frame))
	assert.Equal(t, "tool_start", frame["type"])
	assert.Equal(t, "sess-1", frame["sessionId"])
	assert.Equal(t, float64(7), frame["seq"])
	assert.Equal(t, float64(42), frame["streamSeq"])
	assert.Equal(t, "bash", frame["toolName"])
}

func TestEncodeOmitsZeroStamps(t *testing.T) {
	m := NewMessage(TypeTextDelta, "sess-1", map[string]interface{}{"text": "hi"})

	data, err := m.Encode(0, 0)
	require.NoError(t, err)

	var frame map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &frame))
	assert.NotContains(t, frame, "seq")
	assert.NotContains(t, frame, "streamSeq")
}

func TestEncodeOmitsEmptySessionID(t *testing.T) {
	m := NewMessage(TypeConnected, "", map[string]interface{}{"protocolVersion": 1})

	data, err := m.Encode(0, 3)
	require.NoError(t, err)

	var frame map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &frame))
	assert.NotContains(t, frame, "sessionId")
	assert.Equal(t, float64(3), frame["streamSeq"])
}

func TestEncodeDoesNotMutatePayload(t *testing.T) {
	payload := map[string]interface{}{"text": "hi"}
	m := NewMessage(TypeTextDelta, "sess-1", payload)

	_, err := m.Encode(1, 2)
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"text": "hi"}, payload)
}

func TestDecodeCommand(t *testing.T) {
	cmd, err := DecodeCommand([]byte(`{"type":"prompt","requestId":"r1","sessionId":"sess-1","text":"do it","budget":30}`))
	require.NoError(t, err)

	assert.Equal(t, CmdPrompt, cmd.Type)
	assert.Equal(t, "r1", cmd.RequestID)
	assert.Equal(t, "sess-1", cmd.SessionID)
	assert.Equal(t, "do it", cmd.String("text"))

	n, ok := cmd.Int64("budget")
	assert.True(t, ok)
	assert.Equal(t, int64(30), n)
}

func TestDecodeCommandMalformed(t *testing.T) {
	_, err := DecodeCommand([]byte(`{nope`))
	assert.Error(t, err)
}

func TestCommandFieldHelpers(t *testing.T) {
	cmd, err := DecodeCommand([]byte(`{"type":"subscribe","sinceSeq":-4,"level":"notifications"}`))
	require.NoError(t, err)

	assert.Equal(t, "notifications", cmd.String("level"))
	assert.Equal(t, "", cmd.String("missing"))

	_, ok := cmd.Uint64("sinceSeq")
	assert.False(t, ok, "negative value rejected")

	_, ok = cmd.Int64("level")
	assert.False(t, ok, "non-numeric value rejected")

	_, ok = cmd.Int64("absent")
	assert.False(t, ok)
}
