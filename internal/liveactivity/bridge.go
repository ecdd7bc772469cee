// Package liveactivity collapses session events into a single debounced
// live-status push for the owner's devices.
package liveactivity

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/duh17/oppi/internal/common/logger"
	"github.com/duh17/oppi/internal/events"
	"github.com/duh17/oppi/internal/events/bus"
	"github.com/duh17/oppi/internal/push"
)

const debounceDelay = 750 * time.Millisecond

// Update is one observed change folded into the pending payload.
type Update struct {
	Status             string
	ActiveTool         string
	PendingPermissions *int
	LastEvent          string
	Priority           int
	End                bool
}

// Bridge maintains one pending payload per owner: each update merges
// (latest non-empty wins, priority is max, end is sticky) and a single
// 750 ms timer flushes the merged snapshot to the push sink.
type Bridge struct {
	sink   push.Sink
	logger *logger.Logger

	mu        sync.Mutex
	token     string
	startedAt time.Time
	pending   *pendingState
	timer     *time.Timer
	subs      []bus.Subscription
}

type pendingState struct {
	status             string
	activeTool         string
	pendingPermissions int
	lastEvent          string
	priority           int
	end                bool
}

// NewBridge creates a bridge over a push sink.
func NewBridge(sink push.Sink, log *logger.Logger) *Bridge {
	return &Bridge{
		sink:      sink,
		logger:    log.WithFields(zap.String("component", "live_activity")),
		startedAt: time.Now(),
	}
}

// SetToken stores the live-activity push token for the owner.
func (b *Bridge) SetToken(token string) {
	b.mu.Lock()
	b.token = token
	b.startedAt = time.Now()
	b.mu.Unlock()
}

// Observe merges one update and arms the debounce timer if idle.
func (b *Bridge) Observe(u Update) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pending == nil {
		b.pending = &pendingState{}
	}
	if u.Status != "" {
		b.pending.status = u.Status
	}
	if u.ActiveTool != "" {
		b.pending.activeTool = u.ActiveTool
	}
	if u.PendingPermissions != nil {
		b.pending.pendingPermissions = *u.PendingPermissions
	}
	if u.LastEvent != "" {
		b.pending.lastEvent = u.LastEvent
	}
	if u.Priority > b.pending.priority {
		b.pending.priority = u.Priority
	}
	if u.End {
		b.pending.end = true
	}

	if b.timer == nil {
		b.timer = time.AfterFunc(debounceDelay, b.flush)
	}
}

func (b *Bridge) flush() {
	b.mu.Lock()
	state := b.pending
	token := b.token
	elapsed := int64(time.Since(b.startedAt).Seconds())
	b.pending = nil
	b.timer = nil
	if state != nil && state.end {
		b.token = ""
	}
	b.mu.Unlock()

	if state == nil || token == "" {
		return
	}

	content := push.ContentState{
		Status:             state.status,
		ActiveTool:         state.activeTool,
		PendingPermissions: state.pendingPermissions,
		LastEvent:          state.lastEvent,
		ElapsedSeconds:     elapsed,
	}

	if state.end {
		b.sink.EndLiveActivity(token, content, nil, state.priority)
		return
	}
	b.sink.SendLiveActivityUpdate(token, content, nil, state.priority)
}

// Attach subscribes the bridge to the gate and session subjects it folds
// into the live snapshot.
func (b *Bridge) Attach(eventBus bus.EventBus) error {
	handlers := map[string]bus.EventHandler{
		events.GateApprovalNeeded: func(ctx context.Context, evt *bus.Event) error {
			n := 1
			b.Observe(Update{PendingPermissions: &n, LastEvent: "approval needed", Priority: 10})
			return nil
		},
		events.GateApprovalResolved: func(ctx context.Context, evt *bus.Event) error {
			n := 0
			b.Observe(Update{PendingPermissions: &n, LastEvent: "approval resolved"})
			return nil
		},
		events.GateToolAllowed: func(ctx context.Context, evt *bus.Event) error {
			tool, _ := evt.Data["tool"].(string)
			b.Observe(Update{Status: "busy", ActiveTool: tool, LastEvent: "tool running"})
			return nil
		},
		events.SessionStarted: func(ctx context.Context, evt *bus.Event) error {
			b.Observe(Update{Status: "ready", LastEvent: "session started"})
			return nil
		},
		events.SessionEnded: func(ctx context.Context, evt *bus.Event) error {
			b.Observe(Update{Status: "ended", LastEvent: "session ended", End: true})
			return nil
		},
	}

	for subject, handler := range handlers {
		sub, err := eventBus.Subscribe(subject, handler)
		if err != nil {
			return err
		}
		b.mu.Lock()
		b.subs = append(b.subs, sub)
		b.mu.Unlock()
	}
	return nil
}

// Close cancels the timer and detaches from the bus.
func (b *Bridge) Close() {
	b.mu.Lock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
}
