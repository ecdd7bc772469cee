package gate

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duh17/oppi/internal/audit"
	"github.com/duh17/oppi/internal/common/config"
	"github.com/duh17/oppi/internal/common/logger"
	"github.com/duh17/oppi/internal/policy"
	"github.com/duh17/oppi/internal/rules"
	"github.com/duh17/oppi/pkg/wire"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

type recordingBroadcaster struct {
	mu     sync.Mutex
	frames []wire.Message
}

func (b *recordingBroadcaster) Broadcast(sessionID string, msg wire.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frames = append(b.frames, msg)
}

func (b *recordingBroadcaster) byType(frameType string) []wire.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []wire.Message
	for _, f := range b.frames {
		if f.Type == frameType {
			out = append(out, f)
		}
	}
	return out
}

type gateFixture struct {
	gate      *Gate
	rules     *rules.Store
	audit     *audit.Log
	broadcast *recordingBroadcaster
}

func newGateFixture(t *testing.T, cfg config.GateConfig) *gateFixture {
	t.Helper()
	log := testLogger(t)
	dir := t.TempDir()

	ruleStore := rules.NewStore(filepath.Join(dir, "rules.json"), log)
	engine := policy.NewEngine(ruleStore, policy.Compile(policy.DefaultFileConfig()), log)
	auditLog := audit.NewLog(filepath.Join(dir, "audit.jsonl"), 1<<20, nil, log)

	f := &gateFixture{
		rules:     ruleStore,
		audit:     auditLog,
		broadcast: &recordingBroadcaster{},
	}
	f.gate = New(cfg, engine, ruleStore, auditLog, nil, log)
	f.gate.SetBroadcaster(f.broadcast)
	return f
}

func defaultGateConfig() config.GateConfig {
	return config.GateConfig{ApprovalTimeout: 120, HeartbeatInterval: 15, HeartbeatTimeout: 45}
}

// readyGuard registers a virtual guard and moves it to guarded.
func (f *gateFixture) readyGuard(t *testing.T, sessionID, workspaceID string) {
	t.Helper()
	require.NoError(t, f.gate.CreateVirtualGuard(sessionID, workspaceID))
	require.True(t, f.gate.markReady(sessionID, "test/1.0"))
}

func lastAuditEntry(t *testing.T, log *audit.Log) audit.Entry {
	t.Helper()
	entries, err := log.ReadAll()
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	return entries[len(entries)-1]
}

func TestCreateGuardAssignsPort(t *testing.T) {
	f := newGateFixture(t, defaultGateConfig())

	port, err := f.gate.CreateGuard(context.Background(), "s1", "")
	require.NoError(t, err)
	assert.Greater(t, port, 0)

	state, ok := f.gate.GuardState("s1")
	require.True(t, ok)
	assert.Equal(t, GuardUnguarded, state)

	// duplicate guard for the same session is rejected
	_, err = f.gate.CreateGuard(context.Background(), "s1", "")
	assert.Error(t, err)

	f.gate.TeardownSession("s1", "test done")
	_, ok = f.gate.GuardState("s1")
	assert.False(t, ok)
}

func TestCheckDeniesWhenUnguarded(t *testing.T) {
	f := newGateFixture(t, defaultGateConfig())
	require.NoError(t, f.gate.CreateVirtualGuard("s1", ""))

	// a command the policy would allow is still denied before guard_ready
	res := f.gate.CheckToolCall(context.Background(), "s1", "bash",
		map[string]interface{}{"command": "git status"}, "c1")
	assert.Equal(t, "deny", res.Action)
	assert.Equal(t, "Extension not connected", res.Reason)

	e := lastAuditEntry(t, f.audit)
	assert.Equal(t, "unguarded", e.Layer)
	assert.Equal(t, "deny", e.Decision)
}

func TestCheckDeniesUnknownSession(t *testing.T) {
	f := newGateFixture(t, defaultGateConfig())
	res := f.gate.CheckToolCall(context.Background(), "ghost", "bash",
		map[string]interface{}{"command": "ls"}, "c1")
	assert.Equal(t, "deny", res.Action)
}

func TestCheckPolicyAllow(t *testing.T) {
	f := newGateFixture(t, defaultGateConfig())
	f.readyGuard(t, "s1", "")

	res := f.gate.CheckToolCall(context.Background(), "s1", "bash",
		map[string]interface{}{"command": "git status"}, "c1")
	assert.Equal(t, "allow", res.Action)

	e := lastAuditEntry(t, f.audit)
	assert.Equal(t, "allow", e.Decision)
	assert.Equal(t, "policy", e.ResolvedBy)
}

func TestCheckPolicyDeny(t *testing.T) {
	f := newGateFixture(t, defaultGateConfig())
	f.readyGuard(t, "s1", "")

	res := f.gate.CheckToolCall(context.Background(), "s1", "bash",
		map[string]interface{}{"command": "sudo rm -rf /var"}, "c1")
	assert.Equal(t, "deny", res.Action)

	e := lastAuditEntry(t, f.audit)
	assert.Equal(t, "deny", e.Decision)
	assert.Equal(t, "hard_deny", e.Layer)
}

func TestAskResolvedByOwner(t *testing.T) {
	f := newGateFixture(t, defaultGateConfig())
	f.readyGuard(t, "s1", "ws1")

	results := make(chan Resolution, 1)
	go func() {
		results <- f.gate.CheckToolCall(context.Background(), "s1", "bash",
			map[string]interface{}{"command": "terraform apply"}, "c1")
	}()

	var pending []*PendingDecision
	require.Eventually(t, func() bool {
		pending = f.gate.PendingForSession("s1")
		return len(pending) == 1
	}, 2*time.Second, 10*time.Millisecond)

	pd := pending[0]
	assert.Equal(t, "bash", pd.Tool)
	assert.Equal(t, "c1", pd.ToolCallID)
	assert.True(t, pd.Expires)
	require.NotNil(t, pd.TimeoutAt)

	frames := f.broadcast.byType(wire.TypePermissionRequest)
	require.Len(t, frames, 1)
	assert.Equal(t, pd.ID, frames[0].Payload["id"])

	require.NoError(t, f.gate.ResolveDecision(pd.ID, "allow", "once", 0))

	res := <-results
	assert.Equal(t, "allow", res.Action)
	assert.Equal(t, "Approved by owner", res.Reason)

	// once leaves no learned rule behind
	assert.Empty(t, f.rules.FindMatching(rules.Request{
		Tool: "bash", Command: "terraform apply", Executable: "terraform",
	}, "s1", "ws1"))
	assert.Empty(t, f.gate.PendingForSession("s1"))

	e := lastAuditEntry(t, f.audit)
	assert.Equal(t, "user_response", e.Layer)
	require.NotNil(t, e.UserChoice)
	assert.Equal(t, "once", e.UserChoice.Scope)
}

func TestAskLearnsRuleForWiderScope(t *testing.T) {
	f := newGateFixture(t, defaultGateConfig())
	f.readyGuard(t, "s1", "ws1")

	results := make(chan Resolution, 1)
	go func() {
		results <- f.gate.CheckToolCall(context.Background(), "s1", "bash",
			map[string]interface{}{"command": "terraform apply"}, "c1")
	}()

	var pending []*PendingDecision
	require.Eventually(t, func() bool {
		pending = f.gate.PendingForSession("s1")
		return len(pending) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, f.gate.ResolveDecision(pending[0].ID, "allow", "workspace", 0))
	res := <-results
	assert.Equal(t, "allow", res.Action)

	matched := f.rules.FindMatching(rules.Request{
		Tool: "bash", Command: "terraform apply", Executable: "terraform",
	}, "s1", "ws1")
	require.Len(t, matched, 1)
	assert.Equal(t, rules.ScopeWorkspace, matched[0].Scope)
	assert.Equal(t, "terraform apply", matched[0].Pattern)
	assert.Equal(t, "terraform", matched[0].Executable)
	assert.Equal(t, rules.ProvenanceLearned, matched[0].Provenance)

	// the learned rule now answers the same request without asking
	d := f.gate.CheckToolCall(context.Background(), "s1", "bash",
		map[string]interface{}{"command": "terraform apply"}, "c2")
	assert.Equal(t, "allow", d.Action)
}

func TestResolveDecisionValidation(t *testing.T) {
	f := newGateFixture(t, defaultGateConfig())
	assert.Error(t, f.gate.ResolveDecision("nope", "maybe", "once", 0))
	assert.Error(t, f.gate.ResolveDecision("nope", "allow", "once", 0))
}

func TestNormalizeScopeDowngrades(t *testing.T) {
	f := newGateFixture(t, defaultGateConfig())

	noWorkspace := &PendingDecision{ID: "p1"}
	withWorkspace := &PendingDecision{ID: "p2", WorkspaceID: "ws1"}

	tests := []struct {
		name  string
		pd    *PendingDecision
		scope string
		want  string
	}{
		{"empty means once", noWorkspace, "", "once"},
		{"once passes", noWorkspace, "once", "once"},
		{"session passes", noWorkspace, "session", "session"},
		{"workspace without workspace downgrades", noWorkspace, "workspace", "once"},
		{"workspace with workspace passes", withWorkspace, "workspace", "workspace"},
		{"global passes", noWorkspace, "global", "global"},
		{"unknown downgrades", noWorkspace, "forever", "once"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, f.gate.normalizeScope(tt.pd, tt.scope))
		})
	}
}

func TestClampExpiry(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	assert.Nil(t, clampExpiry(now, 0))
	assert.Nil(t, clampExpiry(now, -5))

	at := clampExpiry(now, 60_000)
	require.NotNil(t, at)
	assert.Equal(t, now.Add(time.Minute), *at)

	// clamped to one year
	far := clampExpiry(now, 10*365*24*3600*1000)
	require.NotNil(t, far)
	assert.Equal(t, now.Add(maxRuleExpiry), *far)
}

func TestAskTimeout(t *testing.T) {
	cfg := defaultGateConfig()
	cfg.ApprovalTimeout = 1
	f := newGateFixture(t, cfg)
	f.readyGuard(t, "s1", "")

	res := f.gate.CheckToolCall(context.Background(), "s1", "bash",
		map[string]interface{}{"command": "terraform apply"}, "c1")
	assert.Equal(t, "deny", res.Action)
	assert.Equal(t, "Approval timeout", res.Reason)

	e := lastAuditEntry(t, f.audit)
	assert.Equal(t, "timeout", e.ResolvedBy)

	expired := f.broadcast.byType(wire.TypePermissionExpired)
	assert.Len(t, expired, 1)
	assert.Empty(t, f.gate.PendingForSession("s1"))
}

func TestAskCancelledByContext(t *testing.T) {
	f := newGateFixture(t, defaultGateConfig())
	f.readyGuard(t, "s1", "")

	ctx, cancel := context.WithCancel(context.Background())
	results := make(chan Resolution, 1)
	go func() {
		results <- f.gate.CheckToolCall(ctx, "s1", "bash",
			map[string]interface{}{"command": "terraform apply"}, "c1")
	}()

	require.Eventually(t, func() bool {
		return len(f.gate.PendingForSession("s1")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	res := <-results
	assert.Equal(t, "deny", res.Action)
	assert.Equal(t, "Session ended", res.Reason)

	cancelled := f.broadcast.byType(wire.TypePermissionCancelled)
	assert.Len(t, cancelled, 1)
}

func TestApplySessionPolicyGrantsAccess(t *testing.T) {
	f := newGateFixture(t, defaultGateConfig())
	f.readyGuard(t, "s1", "ws1")

	f.gate.ApplySessionPolicy("s1",
		[]policy.PathAccess{{Path: "/home/u/shared-libs", Mode: "read"}},
		[]string{"terraform"})

	res := f.gate.CheckToolCall(context.Background(), "s1", "read",
		map[string]interface{}{"path": "/home/u/shared-libs/util.go"}, "c1")
	assert.Equal(t, "allow", res.Action)
	assert.Equal(t, "session_rule", lastAuditEntry(t, f.audit).Layer)

	res = f.gate.CheckToolCall(context.Background(), "s1", "bash",
		map[string]interface{}{"command": "terraform plan"}, "c2")
	assert.Equal(t, "allow", res.Action)

	// a read-only grant does not extend to writes
	d := f.gate.engine.Evaluate(policy.Request{
		Tool:      "write",
		Input:     map[string]interface{}{"path": "/home/u/shared-libs/util.go"},
		SessionID: "s1",
	})
	assert.NotEqual(t, policy.ActionAllow, d.Action)

	// teardown drops the overlay with the rest of the session state
	f.gate.TeardownSession("s1", "Session ended")
	d = f.gate.engine.Evaluate(policy.Request{
		Tool:      "read",
		Input:     map[string]interface{}{"path": "/home/u/shared-libs/util.go"},
		SessionID: "s1",
	})
	assert.Equal(t, policy.ActionAsk, d.Action)
}

func TestHeartbeatTimeoutEntersFailSafe(t *testing.T) {
	cfg := defaultGateConfig()
	cfg.HeartbeatTimeout = 1
	f := newGateFixture(t, cfg)
	f.readyGuard(t, "s1", "")

	require.Eventually(t, func() bool {
		state, ok := f.gate.GuardState("s1")
		return ok && state == GuardFailSafe
	}, 5*time.Second, 50*time.Millisecond, "watchdog should fire")

	res := f.gate.CheckToolCall(context.Background(), "s1", "bash",
		map[string]interface{}{"command": "git status"}, "c1")
	assert.Equal(t, "deny", res.Action)
	assert.Equal(t, "Extension connection lost", res.Reason)

	// a lost guard audits differently from one that never connected
	e := lastAuditEntry(t, f.audit)
	assert.Equal(t, "fail_safe", e.Layer)
}

func TestHeartbeatKeepsGuardAlive(t *testing.T) {
	cfg := defaultGateConfig()
	cfg.HeartbeatTimeout = 1
	f := newGateFixture(t, cfg)
	f.readyGuard(t, "s1", "")

	for i := 0; i < 4; i++ {
		time.Sleep(400 * time.Millisecond)
		f.gate.heartbeat("s1")
	}

	state, ok := f.gate.GuardState("s1")
	require.True(t, ok)
	assert.Equal(t, GuardGuarded, state)
}

func TestGuardLostDeniesOutstandingAsks(t *testing.T) {
	f := newGateFixture(t, defaultGateConfig())
	f.readyGuard(t, "s1", "")

	results := make(chan Resolution, 1)
	go func() {
		results <- f.gate.CheckToolCall(context.Background(), "s1", "bash",
			map[string]interface{}{"command": "terraform apply"}, "c1")
	}()

	require.Eventually(t, func() bool {
		return len(f.gate.PendingForSession("s1")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	f.gate.guardLost("s1", "heartbeat lost")

	res := <-results
	assert.Equal(t, "deny", res.Action)
	assert.Equal(t, "Extension connection lost", res.Reason)

	e := lastAuditEntry(t, f.audit)
	assert.Equal(t, "extension_lost", e.ResolvedBy)
}

func TestTeardownClearsSessionState(t *testing.T) {
	f := newGateFixture(t, defaultGateConfig())
	f.readyGuard(t, "s1", "ws1")

	_, err := f.rules.Add(rules.Input{
		Tool:      "bash",
		Decision:  rules.DecisionAllow,
		Scope:     rules.ScopeSession,
		SessionID: "s1",
		Pattern:   "make test",
	})
	require.NoError(t, err)

	results := make(chan Resolution, 1)
	go func() {
		results <- f.gate.CheckToolCall(context.Background(), "s1", "bash",
			map[string]interface{}{"command": "terraform apply"}, "c1")
	}()
	require.Eventually(t, func() bool {
		return len(f.gate.PendingForSession("s1")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	f.gate.TeardownSession("s1", "Session ended")

	res := <-results
	assert.Equal(t, "deny", res.Action)

	_, ok := f.gate.GuardState("s1")
	assert.False(t, ok)
	assert.Empty(t, f.rules.FindMatching(rules.Request{
		Tool: "bash", Command: "make test", Executable: "make",
	}, "s1", "ws1"), "session rules cleared")
}
