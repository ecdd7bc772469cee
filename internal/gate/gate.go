package gate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/duh17/oppi/internal/audit"
	"github.com/duh17/oppi/internal/common/config"
	"github.com/duh17/oppi/internal/common/logger"
	"github.com/duh17/oppi/internal/events"
	"github.com/duh17/oppi/internal/events/bus"
	"github.com/duh17/oppi/internal/policy"
	"github.com/duh17/oppi/internal/policy/bashparse"
	"github.com/duh17/oppi/internal/rules"
	"github.com/duh17/oppi/pkg/wire"
)

// GuardState is the per-session gate state.
type GuardState string

const (
	GuardUnguarded GuardState = "unguarded"
	GuardGuarded   GuardState = "guarded"
	GuardFailSafe  GuardState = "fail_safe"
)

const maxRuleExpiry = 365 * 24 * time.Hour

// Broadcaster pushes frames to a session's stream subscribers.
type Broadcaster interface {
	Broadcast(sessionID string, msg wire.Message)
}

// Resolution is the terminal outcome of a gate check.
type Resolution struct {
	Action string // "allow" | "deny"
	Reason string
}

// PendingDecision is one unresolved ask awaiting the owner.
type PendingDecision struct {
	ID             string                 `json:"id"`
	SessionID      string                 `json:"sessionId"`
	WorkspaceID    string                 `json:"workspaceId,omitempty"`
	Tool           string                 `json:"tool"`
	Input          map[string]interface{} `json:"input"`
	ToolCallID     string                 `json:"toolCallId"`
	DisplaySummary string                 `json:"displaySummary"`
	Reason         string                 `json:"reason"`
	CreatedAt      time.Time              `json:"createdAt"`
	TimeoutAt      *time.Time             `json:"timeoutAt,omitempty"`
	Expires        bool                   `json:"expires"`

	timer *time.Timer
	done  chan Resolution
}

// guard is one session's gate state.
type guard struct {
	sessionID     string
	workspaceID   string
	state         GuardState
	port          int // 0 for virtual guards
	listener      *listener
	client        *client
	lastHeartbeat time.Time
	watchdog      *time.Timer
}

// Gate owns every session guard and the pending-approval registry.
type Gate struct {
	cfg         config.GateConfig
	engine      *policy.Engine
	rules       *rules.Store
	audit       *audit.Log
	bus         bus.EventBus
	broadcaster Broadcaster
	logger      *logger.Logger
	now         func() time.Time

	mu      sync.Mutex
	guards  map[string]*guard
	pending map[string]*PendingDecision
}

// New wires the gate. The broadcaster is attached later via SetBroadcaster
// because the stream fan-out is constructed after the gate.
func New(cfg config.GateConfig, engine *policy.Engine, ruleStore *rules.Store, auditLog *audit.Log, eventBus bus.EventBus, log *logger.Logger) *Gate {
	return &Gate{
		cfg:     cfg,
		engine:  engine,
		rules:   ruleStore,
		audit:   auditLog,
		bus:     eventBus,
		logger:  log.WithFields(zap.String("component", "gate")),
		now:     time.Now,
		guards:  make(map[string]*guard),
		pending: make(map[string]*PendingDecision),
	}
}

// SetBroadcaster attaches the stream fan-out.
func (g *Gate) SetBroadcaster(b Broadcaster) {
	g.mu.Lock()
	g.broadcaster = b
	g.mu.Unlock()
}

// CreateGuard binds a loopback TCP listener for a session's gate shim and
// returns the assigned port. Bind failure aborts session activation.
func (g *Gate) CreateGuard(ctx context.Context, sessionID, workspaceID string) (int, error) {
	g.mu.Lock()
	if _, exists := g.guards[sessionID]; exists {
		g.mu.Unlock()
		return 0, fmt.Errorf("guard already exists for session %s", sessionID)
	}
	g.mu.Unlock()

	l, err := newListener(g, sessionID)
	if err != nil {
		return 0, err
	}

	g.mu.Lock()
	g.guards[sessionID] = &guard{
		sessionID:   sessionID,
		workspaceID: workspaceID,
		state:       GuardUnguarded,
		port:        l.port(),
		listener:    l,
	}
	g.mu.Unlock()

	go l.acceptLoop()
	return l.port(), nil
}

// CreateVirtualGuard registers an in-process guard with no TCP listener.
func (g *Gate) CreateVirtualGuard(sessionID, workspaceID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.guards[sessionID]; exists {
		return fmt.Errorf("guard already exists for session %s", sessionID)
	}
	g.guards[sessionID] = &guard{
		sessionID:   sessionID,
		workspaceID: workspaceID,
		state:       GuardUnguarded,
	}
	return nil
}

// ApplySessionPolicy compiles a workspace's extra path and executable
// grants into the session's policy overlay. TeardownSession drops them.
func (g *Gate) ApplySessionPolicy(sessionID string, paths []policy.PathAccess, executables []string) {
	if len(paths) == 0 && len(executables) == 0 {
		return
	}
	g.engine.SetSessionPolicy(sessionID, paths, executables)
	g.logger.Info("session policy overlay applied",
		zap.String("session_id", sessionID),
		zap.Int("paths", len(paths)),
		zap.Int("executables", len(executables)))
}

// GuardState returns a session's current guard state.
func (g *Gate) GuardState(sessionID string) (GuardState, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	gd, ok := g.guards[sessionID]
	if !ok {
		return "", false
	}
	return gd.state, true
}

// markReady moves a guard to guarded and starts the heartbeat watchdog.
func (g *Gate) markReady(sessionID, extensionVersion string) bool {
	g.mu.Lock()
	gd, ok := g.guards[sessionID]
	if !ok {
		g.mu.Unlock()
		return false
	}
	gd.state = GuardGuarded
	gd.lastHeartbeat = g.now()
	g.resetWatchdogLocked(gd)
	g.mu.Unlock()

	g.logger.Info("guard ready",
		zap.String("session_id", sessionID),
		zap.String("extension_version", extensionVersion))
	g.publish(events.GateGuardReady, sessionID, nil)
	return true
}

// heartbeat records liveness and re-arms the watchdog.
func (g *Gate) heartbeat(sessionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	gd, ok := g.guards[sessionID]
	if !ok {
		return
	}
	gd.lastHeartbeat = g.now()
	g.resetWatchdogLocked(gd)
}

func (g *Gate) resetWatchdogLocked(gd *guard) {
	if gd.watchdog != nil {
		gd.watchdog.Stop()
	}
	timeout := g.cfg.HeartbeatTimeoutDuration()
	if timeout <= 0 {
		return
	}
	sessionID := gd.sessionID
	gd.watchdog = time.AfterFunc(timeout, func() {
		g.guardLost(sessionID, "heartbeat lost")
	})
}

// guardLost drops a guard to fail_safe and denies everything outstanding.
func (g *Gate) guardLost(sessionID, cause string) {
	g.mu.Lock()
	gd, ok := g.guards[sessionID]
	if !ok || gd.state == GuardFailSafe {
		g.mu.Unlock()
		return
	}
	gd.state = GuardFailSafe
	if gd.watchdog != nil {
		gd.watchdog.Stop()
	}
	client := gd.client
	gd.client = nil
	g.mu.Unlock()

	if client != nil {
		client.close()
	}

	g.logger.Warn("guard lost, entering fail_safe",
		zap.String("session_id", sessionID), zap.String("cause", cause))
	g.resolveAllForSession(sessionID, "Extension connection lost", "extension_lost")
	g.publish(events.GateGuardLost, sessionID, map[string]interface{}{"cause": cause})
}

// CheckToolCall evaluates one tool call for a session. It blocks while an
// ask decision awaits the owner; cancellation of ctx resolves it as deny.
func (g *Gate) CheckToolCall(ctx context.Context, sessionID, tool string, input map[string]interface{}, toolCallID string) Resolution {
	g.mu.Lock()
	gd, ok := g.guards[sessionID]
	state := GuardUnguarded
	workspaceID := ""
	if ok {
		state = gd.state
		workspaceID = gd.workspaceID
	}
	g.mu.Unlock()

	summary := policy.DisplaySummary(tool, input)

	if !ok || state != GuardGuarded {
		// denied without consulting the policy engine; the audit layer
		// distinguishes a never-connected guard from a lost one
		reason := "Extension not connected"
		layer := "unguarded"
		if state == GuardFailSafe {
			reason = "Extension connection lost"
			layer = "fail_safe"
		}
		g.writeAudit(audit.Entry{
			SessionID: sessionID, WorkspaceID: workspaceID, Tool: tool,
			DisplaySummary: summary, Decision: "deny", ResolvedBy: "policy",
			Layer: layer,
		})
		return Resolution{Action: "deny", Reason: reason}
	}

	decision := g.engine.Evaluate(policy.Request{
		Tool: tool, Input: input, SessionID: sessionID, WorkspaceID: workspaceID,
	})

	switch decision.Action {
	case policy.ActionAllow, policy.ActionDeny:
		g.writeAudit(audit.Entry{
			SessionID: sessionID, WorkspaceID: workspaceID, Tool: tool,
			DisplaySummary: summary, Decision: string(decision.Action),
			ResolvedBy: "policy", Layer: decision.Layer,
			RuleID: decision.RuleID, RuleSummary: decision.RuleLabel,
		})
		subject := events.GateToolAllowed
		if decision.Action == policy.ActionDeny {
			subject = events.GateToolDenied
		}
		g.publish(subject, sessionID, map[string]interface{}{
			"tool": tool, "layer": decision.Layer, "ruleId": decision.RuleID,
		})
		return Resolution{Action: string(decision.Action), Reason: decision.Reason}
	}

	return g.awaitApproval(ctx, sessionID, workspaceID, tool, input, toolCallID, summary, decision.Reason)
}

func (g *Gate) awaitApproval(ctx context.Context, sessionID, workspaceID, tool string, input map[string]interface{}, toolCallID, summary, reason string) Resolution {
	pd := &PendingDecision{
		ID:             uuid.New().String(),
		SessionID:      sessionID,
		WorkspaceID:    workspaceID,
		Tool:           tool,
		Input:          input,
		ToolCallID:     toolCallID,
		DisplaySummary: summary,
		Reason:         reason,
		CreatedAt:      g.now().UTC(),
		done:           make(chan Resolution, 1),
	}

	timeout := g.cfg.ApprovalTimeoutDuration()
	if timeout > 0 {
		pd.Expires = true
		at := pd.CreatedAt.Add(timeout)
		pd.TimeoutAt = &at
		pd.timer = time.AfterFunc(timeout, func() { g.timeoutPending(pd.ID) })
	}

	g.mu.Lock()
	g.pending[pd.ID] = pd
	broadcaster := g.broadcaster
	g.mu.Unlock()

	if broadcaster != nil {
		broadcaster.Broadcast(sessionID, permissionRequestFrame(pd))
	}
	g.publish(events.GateApprovalNeeded, sessionID, map[string]interface{}{
		"id": pd.ID, "tool": tool, "summary": summary,
	})

	select {
	case res := <-pd.done:
		return res
	case <-ctx.Done():
		g.cancelPending(pd.ID, "Session ended")
		return Resolution{Action: "deny", Reason: "Session ended"}
	}
}

// PendingForSession returns the outstanding decisions for one session.
func (g *Gate) PendingForSession(sessionID string) []*PendingDecision {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []*PendingDecision
	for _, pd := range g.pending {
		if pd.SessionID == sessionID {
			cp := *pd
			cp.timer = nil
			cp.done = nil
			out = append(out, &cp)
		}
	}
	return out
}

// ResolveDecision answers a pending decision with the owner's choice. A
// non-once scope learns a rule from the request; a rule conflict leaves the
// decision valid with no rule learned.
func (g *Gate) ResolveDecision(id, action, scope string, expiresInMs int64) error {
	if action != "allow" && action != "deny" {
		return fmt.Errorf("invalid action %q", action)
	}

	g.mu.Lock()
	pd, ok := g.pending[id]
	if !ok {
		g.mu.Unlock()
		return fmt.Errorf("no pending decision %s", id)
	}
	delete(g.pending, id)
	g.mu.Unlock()

	if pd.timer != nil {
		pd.timer.Stop()
	}

	scope = g.normalizeScope(pd, scope)
	expiresAt := clampExpiry(g.now(), expiresInMs)

	learnedRuleID := ""
	if scope != "once" {
		if rule, err := g.learnRule(pd, action, scope, expiresAt); err != nil {
			g.logger.Warn("decision valid but rule not learned",
				zap.String("pending_id", id), zap.Error(err))
		} else {
			learnedRuleID = rule.ID
		}
	}

	reason := "Approved by owner"
	if action == "deny" {
		reason = "Denied by owner"
	}

	g.writeAudit(audit.Entry{
		SessionID: pd.SessionID, WorkspaceID: pd.WorkspaceID, Tool: pd.Tool,
		DisplaySummary: pd.DisplaySummary, Decision: action,
		ResolvedBy: "user", Layer: "user_response",
		RuleID: learnedRuleID,
		UserChoice: &audit.UserChoice{
			Action: action, Scope: scope,
			LearnedRuleID: learnedRuleID, ExpiresAt: expiresAt,
		},
	})

	pd.done <- Resolution{Action: action, Reason: reason}
	g.publish(events.GateApprovalResolved, pd.SessionID, map[string]interface{}{
		"id": id, "action": action, "scope": scope,
	})
	return nil
}

// normalizeScope downgrades scope combinations the pending request cannot
// support to "once" with a warning.
func (g *Gate) normalizeScope(pd *PendingDecision, scope string) string {
	switch scope {
	case "", "once":
		return "once"
	case "session":
		return scope
	case "workspace":
		if pd.WorkspaceID == "" {
			g.logger.Warn("workspace scope without workspace, downgrading to once",
				zap.String("pending_id", pd.ID))
			return "once"
		}
		return scope
	case "global":
		return scope
	}
	g.logger.Warn("unknown approval scope, downgrading to once",
		zap.String("pending_id", pd.ID), zap.String("scope", scope))
	return "once"
}

// learnRule synthesizes a rule from the pending request: bash requests
// learn (command pattern, executable); file requests learn the path.
func (g *Gate) learnRule(pd *PendingDecision, action, scope string, expiresAt *time.Time) (*rules.Rule, error) {
	in := rules.Input{
		Tool:       pd.Tool,
		Decision:   rules.Decision(action),
		Scope:      rules.Scope(scope),
		ExpiresAt:  expiresAt,
		Provenance: rules.ProvenanceLearned,
	}
	switch scope {
	case "session":
		in.SessionID = pd.SessionID
	case "workspace":
		in.WorkspaceID = pd.WorkspaceID
	}

	if pd.Tool == "bash" {
		command, _ := pd.Input["command"].(string)
		in.Pattern = command
		in.Executable = bashparse.Parse(command).Executable()
	} else {
		path, _ := pd.Input["path"].(string)
		if path == "" {
			path, _ = pd.Input["file_path"].(string)
		}
		in.Pattern = path
	}
	return g.rules.Add(in)
}

// clampExpiry converts a relative expiry to an absolute time, clamped to
// [0, 1 year]. Zero or negative means no expiry.
func clampExpiry(now time.Time, expiresInMs int64) *time.Time {
	if expiresInMs <= 0 {
		return nil
	}
	d := time.Duration(expiresInMs) * time.Millisecond
	if d > maxRuleExpiry {
		d = maxRuleExpiry
	}
	at := now.Add(d).UTC()
	return &at
}

// timeoutPending resolves an expired decision as deny.
func (g *Gate) timeoutPending(id string) {
	g.mu.Lock()
	pd, ok := g.pending[id]
	if !ok {
		g.mu.Unlock()
		return
	}
	delete(g.pending, id)
	broadcaster := g.broadcaster
	g.mu.Unlock()

	g.writeAudit(audit.Entry{
		SessionID: pd.SessionID, WorkspaceID: pd.WorkspaceID, Tool: pd.Tool,
		DisplaySummary: pd.DisplaySummary, Decision: "deny",
		ResolvedBy: "timeout", Layer: "timeout",
	})
	pd.done <- Resolution{Action: "deny", Reason: "Approval timeout"}

	if broadcaster != nil {
		broadcaster.Broadcast(pd.SessionID, wire.NewMessage(wire.TypePermissionExpired, pd.SessionID,
			map[string]interface{}{"id": pd.ID}))
	}
	g.publish(events.GateApprovalTimeout, pd.SessionID, map[string]interface{}{"id": pd.ID})
}

// cancelPending resolves a decision as deny without an audit "user" entry.
func (g *Gate) cancelPending(id, reason string) {
	g.mu.Lock()
	pd, ok := g.pending[id]
	if !ok {
		g.mu.Unlock()
		return
	}
	delete(g.pending, id)
	broadcaster := g.broadcaster
	g.mu.Unlock()

	if pd.timer != nil {
		pd.timer.Stop()
	}
	pd.done <- Resolution{Action: "deny", Reason: reason}
	if broadcaster != nil {
		broadcaster.Broadcast(pd.SessionID, wire.NewMessage(wire.TypePermissionCancelled, pd.SessionID,
			map[string]interface{}{"id": pd.ID, "reason": reason}))
	}
}

// resolveAllForSession denies every outstanding decision for a session.
func (g *Gate) resolveAllForSession(sessionID, reason, resolvedBy string) {
	g.mu.Lock()
	var doomed []*PendingDecision
	for id, pd := range g.pending {
		if pd.SessionID == sessionID {
			doomed = append(doomed, pd)
			delete(g.pending, id)
		}
	}
	broadcaster := g.broadcaster
	g.mu.Unlock()

	for _, pd := range doomed {
		if pd.timer != nil {
			pd.timer.Stop()
		}
		g.writeAudit(audit.Entry{
			SessionID: pd.SessionID, WorkspaceID: pd.WorkspaceID, Tool: pd.Tool,
			DisplaySummary: pd.DisplaySummary, Decision: "deny",
			ResolvedBy: resolvedBy, Layer: resolvedBy,
		})
		pd.done <- Resolution{Action: "deny", Reason: reason}
		if broadcaster != nil {
			broadcaster.Broadcast(sessionID, wire.NewMessage(wire.TypePermissionExpired, sessionID,
				map[string]interface{}{"id": pd.ID}))
		}
	}
}

// TeardownSession tears down a session's guard: pending decisions denied,
// timers cancelled, listener closed, session policy and rules dropped.
func (g *Gate) TeardownSession(sessionID, reason string) {
	g.resolveAllForSession(sessionID, reason, "extension_lost")

	g.mu.Lock()
	gd, ok := g.guards[sessionID]
	if ok {
		delete(g.guards, sessionID)
	}
	g.mu.Unlock()
	if !ok {
		return
	}

	if gd.watchdog != nil {
		gd.watchdog.Stop()
	}
	if gd.client != nil {
		gd.client.close()
	}
	if gd.listener != nil {
		gd.listener.close()
	}

	g.engine.DropSessionPolicy(sessionID)
	g.rules.ClearSessionRules(sessionID)
	g.logger.Info("gate torn down", zap.String("session_id", sessionID))
}

func permissionRequestFrame(pd *PendingDecision) wire.Message {
	payload := map[string]interface{}{
		"id":         pd.ID,
		"tool":       pd.Tool,
		"input":      pd.Input,
		"toolCallId": pd.ToolCallID,
		"summary":    pd.DisplaySummary,
		"reason":     pd.Reason,
		"expires":    pd.Expires,
	}
	if pd.TimeoutAt != nil {
		payload["timeoutAt"] = pd.TimeoutAt
	}
	return wire.NewMessage(wire.TypePermissionRequest, pd.SessionID, payload)
}

func (g *Gate) writeAudit(e audit.Entry) {
	if g.audit != nil {
		g.audit.Append(e)
	}
}

func (g *Gate) publish(subject, sessionID string, data map[string]interface{}) {
	if g.bus == nil {
		return
	}
	if data == nil {
		data = map[string]interface{}{}
	}
	data["sessionId"] = sessionID
	evt := bus.NewEvent(subject, "gate", data)
	if err := g.bus.Publish(context.Background(), subject, evt); err != nil {
		g.logger.Warn("publish gate event", zap.Error(err))
	}
}
