package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/duh17/oppi/internal/common/config"
	"github.com/duh17/oppi/internal/common/logger"
	"github.com/duh17/oppi/internal/events"
	"github.com/duh17/oppi/internal/events/bus"
	"github.com/duh17/oppi/internal/policy"
	"github.com/duh17/oppi/internal/store"
	"github.com/duh17/oppi/pkg/wire"
)

type stopState int

const (
	stopNone stopState = iota
	stopRequested
	stopDone
)

// SubscriberFunc receives one frame for a session. Durable frames carry
// their assigned seq; ephemeral frames carry seq 0. Subscribers must not
// block: fan-out happens synchronously on the session's event task.
type SubscriberFunc func(msg wire.Message, seq uint64)

// Active is one activated session.
type Active struct {
	mu         sync.Mutex
	sess       *Session
	ring       *Ring
	translator *Translator
	backend    Backend
	gatePort   int

	subscribers map[int]SubscriberFunc
	nextSubID   int

	idleTimer    *time.Timer
	persistTimer *time.Timer
	dirty        bool

	stop       stopState
	stopSource StopSource
	cancel     context.CancelFunc
}

// Snapshot returns the current session state.
func (a *Active) Snapshot() Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sess.Snapshot()
}

// GatePort returns the TCP port the session's gate listener is bound to.
func (a *Active) GatePort() int { return a.gatePort }

// Orchestrator owns every active session: serialized activation, idle
// eviction, the stop protocol, event translation, and durable fan-out.
type Orchestrator struct {
	cfg     config.SessionConfig
	docs    *store.DocumentStore
	msgs    *store.MessageStore
	bus     bus.EventBus
	gate    GateControl
	factory BackendFactory
	logger  *logger.Logger

	group  singleflight.Group
	mu     sync.Mutex
	active map[string]*Active
}

// NewOrchestrator wires the orchestrator. gate may be nil in tests.
func NewOrchestrator(
	cfg config.SessionConfig,
	docs *store.DocumentStore,
	msgs *store.MessageStore,
	eventBus bus.EventBus,
	gate GateControl,
	factory BackendFactory,
	log *logger.Logger,
) *Orchestrator {
	return &Orchestrator{
		cfg:     cfg,
		docs:    docs,
		msgs:    msgs,
		bus:     eventBus,
		gate:    gate,
		factory: factory,
		logger:  log.WithFields(zap.String("component", "orchestrator")),
		active:  make(map[string]*Active),
	}
}

// Get returns the active entry for a session, if any.
func (o *Orchestrator) Get(sessionID string) (*Active, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	a, ok := o.active[sessionID]
	return a, ok
}

// StartSession activates a session, returning the existing active entry
// when present. Concurrent activations of the same id collapse onto one
// in-flight attempt; every caller observes the same result.
func (o *Orchestrator) StartSession(ctx context.Context, sessionID string) (*Active, error) {
	if a, ok := o.Get(sessionID); ok {
		return a, nil
	}

	result, err, _ := o.group.Do(sessionID, func() (interface{}, error) {
		if a, ok := o.Get(sessionID); ok {
			return a, nil
		}
		return o.activate(ctx, sessionID)
	})
	if err != nil {
		return nil, err
	}
	return result.(*Active), nil
}

func (o *Orchestrator) activate(ctx context.Context, sessionID string) (*Active, error) {
	rec, err := o.docs.GetSession(sessionID)
	if err != nil {
		return nil, fmt.Errorf("session %s not found: %w", sessionID, err)
	}

	sess := &Session{
		ID:           rec.ID,
		Name:         rec.Title,
		Status:       StatusStarting,
		WorkspaceID:  rec.WorkspaceID,
		Model:        rec.Agent,
		MessageCount: rec.Counters.Messages,
		Usage: TokenUsage{
			Input:      rec.Usage.Input,
			Output:     rec.Usage.Output,
			CacheRead:  rec.Usage.CacheRead,
			CacheWrite: rec.Usage.CacheWrite,
			CostUSD:    rec.Usage.CostUSD,
		},
		ContextTokens:  rec.ContextTokens,
		CreatedAt:      rec.CreatedAt,
		LastActivityAt: time.Now().UTC(),
	}

	workspaceRoot := ""
	var ws *store.WorkspaceRecord
	if rec.WorkspaceID != "" {
		if w, err := o.docs.GetWorkspace(rec.WorkspaceID); err == nil {
			ws = w
			workspaceRoot = w.Root
		}
	}

	a := &Active{
		sess:        sess,
		ring:        NewRing(o.cfg.RingCapacity),
		translator:  NewTranslator(sessionID, o.logger),
		subscribers: make(map[int]SubscriberFunc),
	}

	gatePort := 0
	if o.gate != nil {
		gatePort, err = o.gate.CreateGuard(ctx, sessionID, rec.WorkspaceID)
		if err != nil {
			return nil, fmt.Errorf("gate listener: %w", err)
		}
		if ws != nil {
			paths := make([]policy.PathAccess, 0, len(ws.AllowedPaths))
			for _, p := range ws.AllowedPaths {
				paths = append(paths, policy.PathAccess{Path: p.Path, Mode: p.Mode})
			}
			o.gate.ApplySessionPolicy(sessionID, paths, ws.AllowedExecutables)
		}
	}
	a.gatePort = gatePort

	backend, err := o.factory(sess.Snapshot(), workspaceRoot, gatePort)
	if err != nil {
		o.teardownGate(sessionID, "activation failed")
		return nil, fmt.Errorf("create backend: %w", err)
	}

	probeCtx, cancelProbe := context.WithTimeout(ctx, time.Duration(o.cfg.ReadyProbe)*time.Second)
	err = backend.Start(probeCtx)
	cancelProbe()
	if err != nil {
		backend.Kill()
		o.teardownGate(sessionID, "activation failed")
		return nil, fmt.Errorf("backend start: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	a.backend = backend
	a.cancel = cancel
	sess.Status = StatusReady

	o.mu.Lock()
	o.active[sessionID] = a
	o.mu.Unlock()

	o.resetIdleTimer(a)
	o.markDirty(a)
	o.publish(events.SessionStarted, sessionID, nil)

	go o.eventLoop(runCtx, a)
	return a, nil
}

func (o *Orchestrator) teardownGate(sessionID, reason string) {
	if o.gate != nil {
		o.gate.TeardownSession(sessionID, reason)
	}
}

// Subscribe attaches a fan-out callback; the returned function detaches it.
func (o *Orchestrator) Subscribe(sessionID string, fn SubscriberFunc) (func(), error) {
	a, ok := o.Get(sessionID)
	if !ok {
		return nil, fmt.Errorf("session %s is not active", sessionID)
	}
	a.mu.Lock()
	id := a.nextSubID
	a.nextSubID++
	a.subscribers[id] = fn
	a.mu.Unlock()

	return func() {
		a.mu.Lock()
		delete(a.subscribers, id)
		a.mu.Unlock()
	}, nil
}

// CatchUp serves retained durable frames after sinceSeq.
func (o *Orchestrator) CatchUp(sessionID string, sinceSeq uint64) (entries []RingEntry, currentSeq uint64, complete bool, err error) {
	a, ok := o.Get(sessionID)
	if !ok {
		return nil, 0, false, fmt.Errorf("session %s is not active", sessionID)
	}
	entries, currentSeq, complete = a.ring.CatchUp(sinceSeq)
	return entries, currentSeq, complete, nil
}

// Broadcast routes one frame through the durable/ephemeral split and fans
// it out to the session's subscribers in order.
func (o *Orchestrator) Broadcast(sessionID string, msg wire.Message) {
	a, ok := o.Get(sessionID)
	if !ok {
		o.logger.Debug("broadcast to inactive session",
			zap.String("session_id", sessionID), zap.String("frame_type", msg.Type))
		return
	}
	o.broadcast(a, msg)
}

func (o *Orchestrator) broadcast(a *Active, msg wire.Message) {
	var seq uint64
	if wire.Durable(msg.Type) {
		seq = a.ring.Append(msg)
	}

	a.mu.Lock()
	subs := make([]SubscriberFunc, 0, len(a.subscribers))
	for _, fn := range a.subscribers {
		subs = append(subs, fn)
	}
	a.sess.LastActivityAt = time.Now().UTC()
	a.mu.Unlock()

	for _, fn := range subs {
		fn(msg, seq)
	}
}

// HandleCommand routes one client command for an active session. Every
// received command resets the idle timer.
func (o *Orchestrator) HandleCommand(ctx context.Context, sessionID string, cmd wire.Command) error {
	a, ok := o.Get(sessionID)
	if !ok {
		return fmt.Errorf("session %s is not active", sessionID)
	}
	o.resetIdleTimer(a)

	switch cmd.Type {
	case wire.CmdPrompt, wire.CmdSteer, wire.CmdFollowUp:
		return o.handlePrompt(ctx, a, cmd)
	case wire.CmdAbort, wire.CmdStop:
		// cancels the current turn only; the session stays alive
		return a.backend.Abort(ctx)
	case wire.CmdStopSession:
		o.StopSession(sessionID, StopUser)
		return nil
	default:
		// command passthroughs the backend understands directly
		body := make(map[string]interface{}, len(cmd.Raw))
		for k, v := range cmd.Raw {
			var val interface{}
			_ = json.Unmarshal(v, &val)
			body[k] = val
		}
		return a.backend.Send(ctx, body)
	}
}

func (o *Orchestrator) handlePrompt(ctx context.Context, a *Active, cmd wire.Command) error {
	text := cmd.String("text")

	a.mu.Lock()
	a.sess.Status = StatusBusy
	a.sess.MessageCount++
	sessionID := a.sess.ID
	a.mu.Unlock()
	o.markDirty(a)

	if o.msgs != nil && text != "" {
		content, _ := json.Marshal(map[string]string{"text": text})
		if _, err := o.msgs.AddMessage(ctx, sessionID, "user", content); err != nil {
			o.logger.Warn("record user message", zap.Error(err))
		}
	}

	body := map[string]interface{}{"type": cmd.Type, "text": text}
	if images, ok := cmd.Raw["images"]; ok {
		var decoded interface{}
		_ = json.Unmarshal(images, &decoded)
		body["images"] = decoded
	}
	return a.backend.Send(ctx, body)
}

// StopSession drives the stop state machine. The first request moves the
// session to stop_requested and terminates the backend; a second request
// while stopping reports stop_failed; a stop after stopped is a no-op.
func (o *Orchestrator) StopSession(sessionID string, source StopSource) {
	a, ok := o.Get(sessionID)
	if !ok {
		return
	}

	a.mu.Lock()
	switch a.stop {
	case stopDone:
		a.mu.Unlock()
		return
	case stopRequested:
		a.mu.Unlock()
		o.broadcast(a, wire.NewMessage(wire.TypeStopFailed, sessionID, map[string]interface{}{
			"reason": "already stopping",
		}))
		return
	}
	a.stop = stopRequested
	a.stopSource = source
	a.sess.Status = StatusStopping
	backend := a.backend
	a.mu.Unlock()

	o.broadcast(a, wire.NewMessage(wire.TypeStopRequested, sessionID, map[string]interface{}{
		"source": string(source),
	}))

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := backend.Stop(ctx); err != nil {
			o.logger.Warn("graceful backend stop failed, killing",
				zap.String("session_id", sessionID), zap.Error(err))
			backend.Kill()
		}
	}()
}

// eventLoop is the session's single event-consumer task: it drains backend
// events through the translator and fans the result out. Channel close
// means the backend exited.
func (o *Orchestrator) eventLoop(ctx context.Context, a *Active) {
	sessionID := a.Snapshot().ID
	for {
		select {
		case <-ctx.Done():
			o.finishSession(a, StatusStopped)
			return
		case ev, ok := <-a.backend.Events():
			if !ok {
				o.onBackendExit(a)
				return
			}
			a.mu.Lock()
			stopping := a.stop != stopNone
			a.mu.Unlock()
			if stopping {
				o.logger.Debug("dropping agent event during stop",
					zap.String("session_id", sessionID), zap.String("event_type", ev.Type))
				continue
			}
			o.applyUsage(a, ev)
			for _, msg := range a.translator.Translate(ev) {
				o.broadcast(a, msg)
			}
			if ev.Type == "agent_end" {
				a.mu.Lock()
				a.sess.Status = StatusReady
				a.mu.Unlock()
				o.markDirty(a)
			}
		}
	}
}

// applyUsage folds end-of-turn token usage into the session counters.
func (o *Orchestrator) applyUsage(a *Active, ev AgentEvent) {
	if ev.Type != "message_end" {
		return
	}
	usage, _ := ev.Data["usage"].(map[string]interface{})
	if usage == nil {
		return
	}
	num := func(key string) int64 {
		f, _ := usage[key].(float64)
		return int64(f)
	}
	a.mu.Lock()
	a.sess.Usage.Input += num("input")
	a.sess.Usage.Output += num("output")
	a.sess.Usage.CacheRead += num("cacheRead")
	a.sess.Usage.CacheWrite += num("cacheWrite")
	if cost, ok := usage["costUsd"].(float64); ok {
		a.sess.Usage.CostUSD += cost
	}
	a.sess.ContextTokens = num("contextTokens")
	a.mu.Unlock()
	o.markDirty(a)
}

func (o *Orchestrator) onBackendExit(a *Active) {
	a.mu.Lock()
	requested := a.stop == stopRequested
	sessionID := a.sess.ID
	a.mu.Unlock()

	if requested {
		o.broadcast(a, wire.NewMessage(wire.TypeStopConfirmed, sessionID, nil))
		o.finishSession(a, StatusStopped)
		return
	}
	// backend died without a stop request
	o.broadcast(a, wire.NewMessage(wire.TypeError, sessionID, map[string]interface{}{
		"error": "agent backend exited unexpectedly",
		"fatal": true,
	}))
	o.finishSession(a, StatusError)
}

func (o *Orchestrator) finishSession(a *Active, status Status) {
	a.mu.Lock()
	if a.stop == stopDone {
		a.mu.Unlock()
		return
	}
	a.stop = stopDone
	a.sess.Status = status
	a.dirty = true
	sessionID := a.sess.ID
	if a.idleTimer != nil {
		a.idleTimer.Stop()
	}
	if a.persistTimer != nil {
		a.persistTimer.Stop()
	}
	cancel := a.cancel
	a.mu.Unlock()

	o.broadcast(a, wire.NewMessage(wire.TypeSessionEnded, sessionID, map[string]interface{}{
		"status": string(status),
	}))

	o.teardownGate(sessionID, "Session ended")
	if cancel != nil {
		cancel()
	}

	o.mu.Lock()
	delete(o.active, sessionID)
	o.mu.Unlock()

	o.persist(a)
	o.publish(events.SessionEnded, sessionID, map[string]interface{}{"status": string(status)})
}

// Shutdown stops every active session and flushes dirty state.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	ids := make([]string, 0, len(o.active))
	for id := range o.active {
		ids = append(ids, id)
	}
	o.mu.Unlock()

	for _, id := range ids {
		if a, ok := o.Get(id); ok {
			a.backend.Kill()
			o.finishSession(a, StatusStopped)
		}
	}
}

func (o *Orchestrator) resetIdleTimer(a *Active) {
	idle := o.cfg.IdleTimeoutDuration()
	if idle <= 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	sessionID := a.sess.ID
	if a.idleTimer != nil {
		a.idleTimer.Stop()
	}
	a.idleTimer = time.AfterFunc(idle, func() {
		o.logger.Info("idle timeout, stopping session", zap.String("session_id", sessionID))
		o.StopSession(sessionID, StopTimeout)
	})
}

// markDirty schedules the debounced persist for a mutated session.
func (o *Orchestrator) markDirty(a *Active) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.dirty = true
	if a.persistTimer != nil {
		return
	}
	a.persistTimer = time.AfterFunc(o.cfg.PersistDelayDuration(), func() {
		a.mu.Lock()
		a.persistTimer = nil
		a.mu.Unlock()
		o.persist(a)
	})
}

func (o *Orchestrator) persist(a *Active) {
	a.mu.Lock()
	if !a.dirty {
		a.mu.Unlock()
		return
	}
	a.dirty = false
	snap := a.sess.Snapshot()
	a.mu.Unlock()

	rec, err := o.docs.GetSession(snap.ID)
	if err != nil {
		o.logger.Warn("persist: session document missing",
			zap.String("session_id", snap.ID), zap.Error(err))
		return
	}
	rec.Status = string(snap.Status)
	rec.Counters.Messages = snap.MessageCount
	rec.Usage = store.SessionUsage{
		Input:      snap.Usage.Input,
		Output:     snap.Usage.Output,
		CacheRead:  snap.Usage.CacheRead,
		CacheWrite: snap.Usage.CacheWrite,
		CostUSD:    snap.Usage.CostUSD,
	}
	rec.ContextTokens = snap.ContextTokens
	rec.LastActivityAt = snap.LastActivityAt
	if err := o.docs.SaveSession(rec); err != nil {
		o.logger.Warn("persist session", zap.String("session_id", snap.ID), zap.Error(err))
	}
}

func (o *Orchestrator) publish(subject, sessionID string, data map[string]interface{}) {
	if o.bus == nil {
		return
	}
	if data == nil {
		data = map[string]interface{}{}
	}
	data["sessionId"] = sessionID
	evt := bus.NewEvent(subject, "orchestrator", data)
	if err := o.bus.Publish(context.Background(), subject, evt); err != nil {
		o.logger.Warn("publish session event", zap.Error(err))
	}
}
