package session

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/duh17/oppi/internal/common/logger"
	"github.com/duh17/oppi/pkg/wire"
)

// AgentEvent is one raw event from a session backend.
type AgentEvent struct {
	Type string                 `json:"type"`
	Data map[string]interface{} `json:"data,omitempty"`
}

// Translator converts raw agent events into client frames. It is confined
// to the session's single event-consumer task, so the per-turn context
// needs no locking.
//
// Streamed output is append-only: a delta once emitted is never retracted,
// and the message_end tail only ever extends what was already streamed.
type Translator struct {
	sessionID string
	logger    *logger.Logger

	partialResults        map[string]string // toolCallId -> buffered cumulative text
	streamedAssistantText string
	hasStreamedThinking   bool
}

// NewTranslator creates a translator for one session.
func NewTranslator(sessionID string, log *logger.Logger) *Translator {
	return &Translator{
		sessionID:      sessionID,
		logger:         log.WithSessionID(sessionID),
		partialResults: make(map[string]string),
	}
}

func (t *Translator) resetTurn() {
	t.partialResults = make(map[string]string)
	t.streamedAssistantText = ""
	t.hasStreamedThinking = false
}

func (t *Translator) msg(frameType string, payload map[string]interface{}) wire.Message {
	return wire.NewMessage(frameType, t.sessionID, payload)
}

// Translate consumes one agent event and returns zero or more client frames.
func (t *Translator) Translate(ev AgentEvent) []wire.Message {
	switch ev.Type {
	case "agent_start":
		return []wire.Message{t.msg(wire.TypeAgentStart, nil)}
	case "agent_end":
		return []wire.Message{t.msg(wire.TypeAgentEnd, nil)}
	case "turn_start":
		t.resetTurn()
		return []wire.Message{t.msg(wire.TypeTurnStart, nil)}
	case "turn_end":
		return []wire.Message{t.msg(wire.TypeTurnEnd, nil)}

	case "message_update":
		return t.messageUpdate(ev)

	case "tool_execution_start":
		return t.toolStart(ev)
	case "tool_execution_update":
		return t.toolUpdate(ev)
	case "tool_execution_end":
		return t.toolEnd(ev)

	case "auto_compaction_start":
		return []wire.Message{t.msg(wire.TypeCompactionStart, nil)}
	case "auto_compaction_end":
		payload := map[string]interface{}{}
		if summary := stringField(ev.Data, "summary"); summary != "" {
			payload["summary"] = summary
		}
		return []wire.Message{t.msg(wire.TypeCompactionEnd, payload)}
	case "auto_retry_start":
		return []wire.Message{t.msg(wire.TypeRetryStart, nil)}
	case "auto_retry_end":
		return []wire.Message{t.msg(wire.TypeRetryEnd, nil)}

	case "response":
		// uncorrelated backend failure
		return []wire.Message{t.msg(wire.TypeError, map[string]interface{}{
			"error": safeError(stringField(ev.Data, "error")),
		})}

	case "message_end":
		return t.messageEnd(ev)

	case "extension_error":
		t.logger.Warn("extension error from agent",
			zap.String("detail", stringField(ev.Data, "error")))
		return nil
	}

	t.logger.Debug("unhandled agent event", zap.String("event_type", ev.Type))
	return nil
}

func (t *Translator) messageUpdate(ev AgentEvent) []wire.Message {
	switch stringField(ev.Data, "deltaType") {
	case "text_delta":
		text := stringField(ev.Data, "text")
		if text == "" {
			return nil
		}
		t.streamedAssistantText += text
		return []wire.Message{t.msg(wire.TypeTextDelta, map[string]interface{}{"text": text})}
	case "thinking_delta":
		text := stringField(ev.Data, "text")
		if text == "" {
			return nil
		}
		t.hasStreamedThinking = true
		return []wire.Message{t.msg(wire.TypeThinkingDelta, map[string]interface{}{"text": text})}
	case "error":
		return []wire.Message{t.msg(wire.TypeError, map[string]interface{}{
			"error": safeError(stringField(ev.Data, "reason")),
		})}
	}
	return nil
}

func (t *Translator) toolStart(ev AgentEvent) []wire.Message {
	toolCallID := stringField(ev.Data, "toolCallId")
	payload := map[string]interface{}{
		"toolCallId": toolCallID,
		"tool":       stringField(ev.Data, "tool"),
	}
	if summary := stringField(ev.Data, "summary"); summary != "" {
		payload["summary"] = summary
	}
	t.partialResults[toolCallID] = ""
	return []wire.Message{t.msg(wire.TypeToolStart, payload)}
}

func (t *Translator) toolUpdate(ev AgentEvent) []wire.Message {
	toolCallID := stringField(ev.Data, "toolCallId")
	var out []wire.Message
	if delta := t.outputDelta(toolCallID, stringField(ev.Data, "text")); delta != "" {
		out = append(out, t.msg(wire.TypeToolOutput, map[string]interface{}{
			"toolCallId": toolCallID,
			"text":       delta,
		}))
	}
	out = append(out, t.mediaOutputs(toolCallID, ev.Data)...)
	return out
}

func (t *Translator) toolEnd(ev AgentEvent) []wire.Message {
	toolCallID := stringField(ev.Data, "toolCallId")
	var out []wire.Message
	if delta := t.outputDelta(toolCallID, stringField(ev.Data, "text")); delta != "" {
		out = append(out, t.msg(wire.TypeToolOutput, map[string]interface{}{
			"toolCallId": toolCallID,
			"text":       delta,
		}))
	}
	out = append(out, t.mediaOutputs(toolCallID, ev.Data)...)
	delete(t.partialResults, toolCallID)

	payload := map[string]interface{}{
		"toolCallId": toolCallID,
		"isError":    boolField(ev.Data, "isError"),
	}
	if details, ok := ev.Data["details"]; ok {
		payload["details"] = details
	}
	out = append(out, t.msg(wire.TypeToolEnd, payload))
	return out
}

// outputDelta computes the unstreamed suffix of a tool's cumulative output
// and advances the buffer. A rewritten (non-prefix-extending) text is
// appended whole rather than retracting what was already sent.
func (t *Translator) outputDelta(toolCallID, cumulative string) string {
	if cumulative == "" {
		return ""
	}
	buffered := t.partialResults[toolCallID]
	var delta string
	if strings.HasPrefix(cumulative, buffered) {
		delta = cumulative[len(buffered):]
	} else {
		delta = cumulative
	}
	t.partialResults[toolCallID] = buffered + delta
	return delta
}

func (t *Translator) mediaOutputs(toolCallID string, data map[string]interface{}) []wire.Message {
	blocks, _ := data["media"].([]interface{})
	var out []wire.Message
	for _, raw := range blocks {
		block, _ := raw.(map[string]interface{})
		encoded := stringField(block, "data")
		mimeType := stringField(block, "mimeType")
		if encoded == "" || mimeType == "" {
			continue
		}
		out = append(out, t.msg(wire.TypeToolOutput, map[string]interface{}{
			"toolCallId": toolCallID,
			"media":      fmt.Sprintf("data:%s;base64,%s", mimeType, encoded),
		}))
	}
	return out
}

func (t *Translator) messageEnd(ev AgentEvent) []wire.Message {
	if stringField(ev.Data, "role") != "assistant" {
		return nil
	}

	var out []wire.Message
	finalized, thinking := extractAssistantText(ev.Data)

	// tail: the finalized text should extend what was streamed; when the
	// backend rewrote earlier text, fall back to the longest common prefix
	// so we still never retract.
	if tail := appendTail(t.streamedAssistantText, finalized); tail != "" {
		out = append(out, t.msg(wire.TypeTextDelta, map[string]interface{}{"text": tail}))
	}
	if !t.hasStreamedThinking && thinking != "" {
		out = append(out, t.msg(wire.TypeThinkingDelta, map[string]interface{}{"text": thinking}))
	}

	payload := map[string]interface{}{}
	if usage, ok := ev.Data["usage"]; ok {
		payload["usage"] = usage
	}
	out = append(out, t.msg(wire.TypeMessageEnd, payload))
	t.resetTurn()
	return out
}

// appendTail returns the suffix of finalized not yet streamed.
func appendTail(streamed, finalized string) string {
	if finalized == "" {
		return ""
	}
	if strings.HasPrefix(finalized, streamed) {
		return finalized[len(streamed):]
	}
	lcp := 0
	for lcp < len(streamed) && lcp < len(finalized) && streamed[lcp] == finalized[lcp] {
		lcp++
	}
	return finalized[lcp:]
}

// extractAssistantText concatenates the text and thinking blocks of an
// assistant message.
func extractAssistantText(data map[string]interface{}) (text, thinking string) {
	message, _ := data["message"].(map[string]interface{})
	content, _ := message["content"].([]interface{})
	var textParts, thinkingParts []string
	for _, raw := range content {
		block, _ := raw.(map[string]interface{})
		switch stringField(block, "type") {
		case "text":
			textParts = append(textParts, stringField(block, "text"))
		case "thinking":
			thinkingParts = append(thinkingParts, stringField(block, "thinking"))
		}
	}
	return strings.Join(textParts, ""), strings.Join(thinkingParts, "")
}

// safeError keeps internal detail out of client-visible error frames.
func safeError(detail string) string {
	if detail == "" {
		return "agent error"
	}
	return detail
}

func stringField(data map[string]interface{}, key string) string {
	s, _ := data[key].(string)
	return s
}

func boolField(data map[string]interface{}, key string) bool {
	b, _ := data[key].(bool)
	return b
}
