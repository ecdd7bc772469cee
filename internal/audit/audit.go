// Package audit appends gate decisions to a JSONL trail.
package audit

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/duh17/oppi/internal/common/logger"
	"github.com/duh17/oppi/internal/events"
	"github.com/duh17/oppi/internal/events/bus"
)

// UserChoice records how the owner answered an approval prompt.
type UserChoice struct {
	Action        string     `json:"action"`
	Scope         string     `json:"scope"`
	LearnedRuleID string     `json:"learnedRuleId,omitempty"`
	ExpiresAt     *time.Time `json:"expiresAt,omitempty"`
}

// Entry is one audit record. Decision is the final outcome, so only allow
// and deny appear here; ask resolves into one of them first.
type Entry struct {
	ID             string      `json:"id"`
	Timestamp      time.Time   `json:"timestamp"`
	SessionID      string      `json:"sessionId"`
	WorkspaceID    string      `json:"workspaceId,omitempty"`
	Tool           string      `json:"tool"`
	DisplaySummary string      `json:"displaySummary"`
	Decision       string      `json:"decision"`   // allow | deny
	ResolvedBy     string      `json:"resolvedBy"` // policy | user | timeout | extension_lost
	Layer          string      `json:"layer"`
	RuleID         string      `json:"ruleId,omitempty"`
	RuleSummary    string      `json:"ruleSummary,omitempty"`
	UserChoice     *UserChoice `json:"userChoice,omitempty"`
}

// Log is an append-only JSONL audit trail with size-based rotation: when the
// file exceeds maxSize it is renamed to <name>.1, overwriting any previous
// rotation.
type Log struct {
	mu      sync.Mutex
	path    string
	maxSize int64
	bus     bus.EventBus
	logger  *logger.Logger
	now     func() time.Time
}

// NewLog creates an audit log at path. A nil event bus disables publication.
func NewLog(path string, maxSize int64, eventBus bus.EventBus, log *logger.Logger) *Log {
	return &Log{
		path:    path,
		maxSize: maxSize,
		bus:     eventBus,
		logger:  log.WithFields(zap.String("component", "audit_log")),
		now:     time.Now,
	}
}

// Append fills in the entry's id and timestamp, writes it as one JSON line,
// and publishes it on the event bus. Write failures are logged, never fatal:
// a broken audit disk must not take the gate down.
func (l *Log) Append(e Entry) Entry {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now().UTC()
	}

	line, err := json.Marshal(e)
	if err != nil {
		l.logger.Error("marshal audit entry", zap.Error(err))
		return e
	}

	l.mu.Lock()
	l.rotateIfNeededLocked()
	if err := l.appendLineLocked(line); err != nil {
		l.logger.Error("append audit entry", zap.Error(err))
	}
	l.mu.Unlock()

	if l.bus != nil {
		evt := bus.NewEvent(events.AuditEntryWritten, "audit", map[string]interface{}{
			"entryId":   e.ID,
			"sessionId": e.SessionID,
			"tool":      e.Tool,
			"decision":  e.Decision,
			"layer":     e.Layer,
		})
		if err := l.bus.Publish(context.Background(), events.AuditEntryWritten, evt); err != nil {
			l.logger.Warn("publish audit event", zap.Error(err))
		}
	}
	return e
}

func (l *Log) appendLineLocked(line []byte) error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(line, '\n'))
	return err
}

func (l *Log) rotateIfNeededLocked() {
	info, err := os.Stat(l.path)
	if err != nil || info.Size() <= l.maxSize {
		return
	}
	if err := os.Rename(l.path, l.path+".1"); err != nil {
		l.logger.Warn("rotate audit log", zap.Error(err))
	}
}

// ReadAll parses every entry currently in the active file, skipping
// malformed lines. Intended for tests and the history endpoint.
func (l *Log) ReadAll() ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []Entry
	for _, line := range splitLines(data) {
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			l.logger.Warn("skipping malformed audit line", zap.Error(err))
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func splitLines(data []byte) [][]byte {
	var out [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			if i > start {
				out = append(out, data[start:i])
			}
			start = i + 1
		}
	}
	if start < len(data) {
		out = append(out, data[start:])
	}
	return out
}
