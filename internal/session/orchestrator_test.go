package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duh17/oppi/internal/common/config"
	"github.com/duh17/oppi/internal/policy"
	"github.com/duh17/oppi/internal/store"
	"github.com/duh17/oppi/pkg/wire"
)

type fakeBackend struct {
	mu       sync.Mutex
	events   chan AgentEvent
	exitOnce sync.Once

	sent   []map[string]interface{}
	aborts int
	kills  int

	startErr    error
	stopBlocker chan struct{} // when set, Stop waits on it before exiting
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{events: make(chan AgentEvent, 16)}
}

func (b *fakeBackend) Start(ctx context.Context) error { return b.startErr }

func (b *fakeBackend) Send(ctx context.Context, command map[string]interface{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, command)
	return nil
}

func (b *fakeBackend) Abort(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.aborts++
	return nil
}

func (b *fakeBackend) Events() <-chan AgentEvent { return b.events }

func (b *fakeBackend) Stop(ctx context.Context) error {
	if b.stopBlocker != nil {
		select {
		case <-b.stopBlocker:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	b.exit()
	return nil
}

func (b *fakeBackend) Kill() {
	b.mu.Lock()
	b.kills++
	b.mu.Unlock()
	b.exit()
}

// exit simulates the agent process terminating.
func (b *fakeBackend) exit() {
	b.exitOnce.Do(func() { close(b.events) })
}

func (b *fakeBackend) sentCommands() []map[string]interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]map[string]interface{}, len(b.sent))
	copy(out, b.sent)
	return out
}

type fakeGate struct {
	mu           sync.Mutex
	port         int
	createErr    error
	teardowns    []string
	grantedPaths []policy.PathAccess
	grantedExes  []string
}

func (g *fakeGate) CreateGuard(ctx context.Context, sessionID, workspaceID string) (int, error) {
	if g.createErr != nil {
		return 0, g.createErr
	}
	return g.port, nil
}

func (g *fakeGate) ApplySessionPolicy(sessionID string, paths []policy.PathAccess, executables []string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.grantedPaths = append(g.grantedPaths, paths...)
	g.grantedExes = append(g.grantedExes, executables...)
}

func (g *fakeGate) TeardownSession(sessionID, reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.teardowns = append(g.teardowns, reason)
}

func (g *fakeGate) teardownReasons() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.teardowns))
	copy(out, g.teardowns)
	return out
}

type frameRecorder struct {
	mu     sync.Mutex
	frames []wire.Message
	seqs   []uint64
}

func (r *frameRecorder) record(msg wire.Message, seq uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, msg)
	r.seqs = append(r.seqs, seq)
}

func (r *frameRecorder) byType(frameType string) []wire.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []wire.Message
	for _, f := range r.frames {
		if f.Type == frameType {
			out = append(out, f)
		}
	}
	return out
}

type orchFixture struct {
	orch    *Orchestrator
	docs    *store.DocumentStore
	gate    *fakeGate
	backend *fakeBackend
}

func newOrchFixture(t *testing.T, cfg config.SessionConfig, factory BackendFactory) *orchFixture {
	t.Helper()
	docs, err := store.NewDocumentStore(t.TempDir(), testLogger(t))
	require.NoError(t, err)

	gate := &fakeGate{port: 4321}
	f := &orchFixture{docs: docs, gate: gate}
	if factory == nil {
		f.backend = newFakeBackend()
		factory = func(sess Session, workspaceRoot string, gatePort int) (Backend, error) {
			return f.backend, nil
		}
	}
	f.orch = NewOrchestrator(cfg, docs, nil, nil, gate, factory, testLogger(t))
	return f
}

func defaultSessionConfig() config.SessionConfig {
	return config.SessionConfig{
		IdleTimeout:  600,
		RingCapacity: 100,
		PersistDelay: 10,
		ReadyProbe:   5,
	}
}

func seedSession(t *testing.T, docs *store.DocumentStore, id string) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, docs.SaveSession(&store.SessionRecord{
		ID:        id,
		Title:     "test session",
		Status:    "created",
		CreatedAt: now,
		UpdatedAt: now,
	}))
}

func TestStartSessionActivates(t *testing.T) {
	f := newOrchFixture(t, defaultSessionConfig(), nil)
	seedSession(t, f.docs, "s1")

	a, err := f.orch.StartSession(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, StatusReady, a.Snapshot().Status)
	assert.Equal(t, 4321, a.GatePort())

	got, ok := f.orch.Get("s1")
	assert.True(t, ok)
	assert.Same(t, a, got)

	// starting an already-active session returns the same entry
	again, err := f.orch.StartSession(context.Background(), "s1")
	require.NoError(t, err)
	assert.Same(t, a, again)
}

func TestStartSessionUnknownID(t *testing.T) {
	f := newOrchFixture(t, defaultSessionConfig(), nil)
	_, err := f.orch.StartSession(context.Background(), "nope")
	assert.Error(t, err)
}

func TestStartSessionCollapsesConcurrentActivations(t *testing.T) {
	var factoryCalls atomic.Int32
	factory := func(sess Session, workspaceRoot string, gatePort int) (Backend, error) {
		factoryCalls.Add(1)
		time.Sleep(50 * time.Millisecond)
		return newFakeBackend(), nil
	}
	f := newOrchFixture(t, defaultSessionConfig(), factory)
	seedSession(t, f.docs, "s1")

	const callers = 5
	results := make([]*Active, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, err := f.orch.StartSession(context.Background(), "s1")
			assert.NoError(t, err)
			results[i] = a
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), factoryCalls.Load())
	for i := 1; i < callers; i++ {
		assert.Same(t, results[0], results[i])
	}
}

func TestStartSessionBackendFailureTearsDownGate(t *testing.T) {
	backend := newFakeBackend()
	backend.startErr = fmt.Errorf("agent binary missing")
	factory := func(sess Session, workspaceRoot string, gatePort int) (Backend, error) {
		return backend, nil
	}
	f := newOrchFixture(t, defaultSessionConfig(), factory)
	seedSession(t, f.docs, "s1")

	_, err := f.orch.StartSession(context.Background(), "s1")
	require.Error(t, err)

	_, ok := f.orch.Get("s1")
	assert.False(t, ok)
	assert.Equal(t, 1, backend.kills)
	assert.Equal(t, []string{"activation failed"}, f.gate.teardownReasons())
}

func TestHandleCommandPrompt(t *testing.T) {
	f := newOrchFixture(t, defaultSessionConfig(), nil)
	seedSession(t, f.docs, "s1")
	a, err := f.orch.StartSession(context.Background(), "s1")
	require.NoError(t, err)

	cmd, err := wire.DecodeCommand([]byte(`{"type":"prompt","sessionId":"s1","text":"fix the bug"}`))
	require.NoError(t, err)
	require.NoError(t, f.orch.HandleCommand(context.Background(), "s1", cmd))

	assert.Equal(t, StatusBusy, a.Snapshot().Status)
	assert.Equal(t, 1, a.Snapshot().MessageCount)

	sent := f.backend.sentCommands()
	require.Len(t, sent, 1)
	assert.Equal(t, "prompt", sent[0]["type"])
	assert.Equal(t, "fix the bug", sent[0]["text"])
}

func TestHandleCommandAbort(t *testing.T) {
	f := newOrchFixture(t, defaultSessionConfig(), nil)
	seedSession(t, f.docs, "s1")
	_, err := f.orch.StartSession(context.Background(), "s1")
	require.NoError(t, err)

	cmd, err := wire.DecodeCommand([]byte(`{"type":"abort","sessionId":"s1"}`))
	require.NoError(t, err)
	require.NoError(t, f.orch.HandleCommand(context.Background(), "s1", cmd))

	f.backend.mu.Lock()
	defer f.backend.mu.Unlock()
	assert.Equal(t, 1, f.backend.aborts)
}

func TestHandleCommandPassthrough(t *testing.T) {
	f := newOrchFixture(t, defaultSessionConfig(), nil)
	seedSession(t, f.docs, "s1")
	_, err := f.orch.StartSession(context.Background(), "s1")
	require.NoError(t, err)

	cmd, err := wire.DecodeCommand([]byte(`{"type":"set_model","sessionId":"s1","model":"anthropic/claude"}`))
	require.NoError(t, err)
	require.NoError(t, f.orch.HandleCommand(context.Background(), "s1", cmd))

	sent := f.backend.sentCommands()
	require.Len(t, sent, 1)
	assert.Equal(t, "set_model", sent[0]["type"])
	assert.Equal(t, "anthropic/claude", sent[0]["model"])
}

func TestHandleCommandInactiveSession(t *testing.T) {
	f := newOrchFixture(t, defaultSessionConfig(), nil)
	cmd, _ := wire.DecodeCommand([]byte(`{"type":"prompt"}`))
	assert.Error(t, f.orch.HandleCommand(context.Background(), "ghost", cmd))
}

func TestBroadcastStampsDurableFrames(t *testing.T) {
	f := newOrchFixture(t, defaultSessionConfig(), nil)
	seedSession(t, f.docs, "s1")
	_, err := f.orch.StartSession(context.Background(), "s1")
	require.NoError(t, err)

	rec := &frameRecorder{}
	unsub, err := f.orch.Subscribe("s1", rec.record)
	require.NoError(t, err)
	defer unsub()

	f.orch.Broadcast("s1", wire.NewMessage(wire.TypeToolStart, "s1", map[string]interface{}{"toolCallId": "c1"}))
	f.orch.Broadcast("s1", wire.NewMessage(wire.TypeTextDelta, "s1", map[string]interface{}{"text": "hi"}))
	f.orch.Broadcast("s1", wire.NewMessage(wire.TypeToolEnd, "s1", map[string]interface{}{"toolCallId": "c1"}))

	rec.mu.Lock()
	require.Len(t, rec.frames, 3)
	assert.Equal(t, []uint64{1, 0, 2}, rec.seqs)
	rec.mu.Unlock()

	// only durable frames are retained for catch-up
	entries, currentSeq, complete, err := f.orch.CatchUp("s1", 0)
	require.NoError(t, err)
	assert.True(t, complete)
	assert.Equal(t, uint64(2), currentSeq)
	require.Len(t, entries, 2)
	assert.Equal(t, wire.TypeToolStart, entries[0].Message.Type)
	assert.Equal(t, wire.TypeToolEnd, entries[1].Message.Type)
}

func TestStopSessionLifecycle(t *testing.T) {
	f := newOrchFixture(t, defaultSessionConfig(), nil)
	seedSession(t, f.docs, "s1")
	_, err := f.orch.StartSession(context.Background(), "s1")
	require.NoError(t, err)

	rec := &frameRecorder{}
	_, err = f.orch.Subscribe("s1", rec.record)
	require.NoError(t, err)

	f.orch.StopSession("s1", StopUser)

	require.Eventually(t, func() bool {
		_, ok := f.orch.Get("s1")
		return !ok
	}, 2*time.Second, 10*time.Millisecond, "session should leave the active set")

	requested := rec.byType(wire.TypeStopRequested)
	require.Len(t, requested, 1)
	assert.Equal(t, "user", requested[0].Payload["source"])
	assert.Len(t, rec.byType(wire.TypeStopConfirmed), 1)

	ended := rec.byType(wire.TypeSessionEnded)
	require.Len(t, ended, 1)
	assert.Equal(t, "stopped", ended[0].Payload["status"])
	assert.Contains(t, f.gate.teardownReasons(), "Session ended")

	// persisted status reflects the stop
	doc, err := f.docs.GetSession("s1")
	require.NoError(t, err)
	assert.Equal(t, "stopped", doc.Status)
}

func TestStopSessionWhileStoppingFails(t *testing.T) {
	backend := newFakeBackend()
	backend.stopBlocker = make(chan struct{})
	factory := func(sess Session, workspaceRoot string, gatePort int) (Backend, error) {
		return backend, nil
	}
	f := newOrchFixture(t, defaultSessionConfig(), factory)
	seedSession(t, f.docs, "s1")
	_, err := f.orch.StartSession(context.Background(), "s1")
	require.NoError(t, err)

	rec := &frameRecorder{}
	_, err = f.orch.Subscribe("s1", rec.record)
	require.NoError(t, err)

	f.orch.StopSession("s1", StopUser)
	f.orch.StopSession("s1", StopUser)

	failed := rec.byType(wire.TypeStopFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, "already stopping", failed[0].Payload["reason"])

	close(backend.stopBlocker)
	require.Eventually(t, func() bool {
		_, ok := f.orch.Get("s1")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)

	// a stop after the session ended is a no-op
	f.orch.StopSession("s1", StopUser)
	assert.Len(t, rec.byType(wire.TypeStopFailed), 1)
}

func TestBackendUnexpectedExit(t *testing.T) {
	f := newOrchFixture(t, defaultSessionConfig(), nil)
	seedSession(t, f.docs, "s1")
	_, err := f.orch.StartSession(context.Background(), "s1")
	require.NoError(t, err)

	rec := &frameRecorder{}
	_, err = f.orch.Subscribe("s1", rec.record)
	require.NoError(t, err)

	f.backend.exit()

	require.Eventually(t, func() bool {
		_, ok := f.orch.Get("s1")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)

	errors := rec.byType(wire.TypeError)
	require.Len(t, errors, 1)
	assert.Equal(t, true, errors[0].Payload["fatal"])

	ended := rec.byType(wire.TypeSessionEnded)
	require.Len(t, ended, 1)
	assert.Equal(t, "error", ended[0].Payload["status"])
}

func TestEventLoopTranslatesAndTracksStatus(t *testing.T) {
	f := newOrchFixture(t, defaultSessionConfig(), nil)
	seedSession(t, f.docs, "s1")
	a, err := f.orch.StartSession(context.Background(), "s1")
	require.NoError(t, err)

	rec := &frameRecorder{}
	_, err = f.orch.Subscribe("s1", rec.record)
	require.NoError(t, err)

	cmd, _ := wire.DecodeCommand([]byte(`{"type":"prompt","text":"go"}`))
	require.NoError(t, f.orch.HandleCommand(context.Background(), "s1", cmd))
	assert.Equal(t, StatusBusy, a.Snapshot().Status)

	f.backend.events <- AgentEvent{Type: "turn_start"}
	f.backend.events <- AgentEvent{Type: "message_update", Data: map[string]interface{}{
		"deltaType": "text_delta", "text": "done",
	}}
	f.backend.events <- AgentEvent{Type: "message_end", Data: map[string]interface{}{
		"role":    "assistant",
		"message": map[string]interface{}{"content": []interface{}{map[string]interface{}{"type": "text", "text": "done"}}},
		"usage":   map[string]interface{}{"input": float64(12), "output": float64(3), "costUsd": 0.05},
	}}
	f.backend.events <- AgentEvent{Type: "agent_end"}

	require.Eventually(t, func() bool {
		return a.Snapshot().Status == StatusReady
	}, 2*time.Second, 10*time.Millisecond)

	assert.Len(t, rec.byType(wire.TypeTurnStart), 1)
	assert.Len(t, rec.byType(wire.TypeTextDelta), 1)
	assert.Len(t, rec.byType(wire.TypeMessageEnd), 1)
	assert.Len(t, rec.byType(wire.TypeAgentEnd), 1)

	usage := a.Snapshot().Usage
	assert.Equal(t, int64(12), usage.Input)
	assert.Equal(t, int64(3), usage.Output)
	assert.InDelta(t, 0.05, usage.CostUSD, 1e-9)
}

func TestActivationAppliesWorkspaceGrants(t *testing.T) {
	f := newOrchFixture(t, defaultSessionConfig(), nil)
	require.NoError(t, f.docs.SaveWorkspace(&store.WorkspaceRecord{
		ID:   "ws1",
		Name: "proj",
		Root: "/home/u/proj",
		AllowedPaths: []store.PathGrant{
			{Path: "/home/u/shared-libs", Mode: "read"},
			{Path: "/tmp/scratch", Mode: "readwrite"},
		},
		AllowedExecutables: []string{"terraform", "kubectl"},
	}))
	now := time.Now().UTC()
	require.NoError(t, f.docs.SaveSession(&store.SessionRecord{
		ID: "s1", WorkspaceID: "ws1", Status: "created", CreatedAt: now, UpdatedAt: now,
	}))

	_, err := f.orch.StartSession(context.Background(), "s1")
	require.NoError(t, err)

	f.gate.mu.Lock()
	defer f.gate.mu.Unlock()
	require.Len(t, f.gate.grantedPaths, 2)
	assert.Equal(t, policy.PathAccess{Path: "/home/u/shared-libs", Mode: "read"}, f.gate.grantedPaths[0])
	assert.Equal(t, policy.PathAccess{Path: "/tmp/scratch", Mode: "readwrite"}, f.gate.grantedPaths[1])
	assert.Equal(t, []string{"terraform", "kubectl"}, f.gate.grantedExes)
}

func TestUsagePersistedAndRestored(t *testing.T) {
	f := newOrchFixture(t, defaultSessionConfig(), nil)
	now := time.Now().UTC()
	require.NoError(t, f.docs.SaveSession(&store.SessionRecord{
		ID:     "s1",
		Status: "stopped",
		Usage: store.SessionUsage{
			Input: 100, Output: 40, CacheRead: 7, CostUSD: 0.25,
		},
		ContextTokens: 5000,
		CreatedAt:     now,
		UpdatedAt:     now,
	}))

	// activation restores the persisted running totals
	a, err := f.orch.StartSession(context.Background(), "s1")
	require.NoError(t, err)
	snap := a.Snapshot()
	assert.Equal(t, int64(100), snap.Usage.Input)
	assert.Equal(t, int64(40), snap.Usage.Output)
	assert.Equal(t, int64(7), snap.Usage.CacheRead)
	assert.InDelta(t, 0.25, snap.Usage.CostUSD, 1e-9)
	assert.Equal(t, int64(5000), snap.ContextTokens)

	// a completed turn folds into the totals and reaches the document
	f.backend.events <- AgentEvent{Type: "message_end", Data: map[string]interface{}{
		"role":    "assistant",
		"message": map[string]interface{}{"content": []interface{}{}},
		"usage": map[string]interface{}{
			"input": float64(20), "output": float64(10),
			"costUsd": 0.05, "contextTokens": float64(6000),
		},
	}}

	require.Eventually(t, func() bool {
		doc, err := f.docs.GetSession("s1")
		return err == nil && doc.Usage.Input == 120
	}, 2*time.Second, 20*time.Millisecond, "usage should be persisted after the turn")

	doc, err := f.docs.GetSession("s1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), doc.Usage.Output)
	assert.InDelta(t, 0.30, doc.Usage.CostUSD, 1e-9)
	assert.Equal(t, int64(6000), doc.ContextTokens)
}

func TestIdleTimeoutStopsSession(t *testing.T) {
	cfg := defaultSessionConfig()
	cfg.IdleTimeout = 1
	f := newOrchFixture(t, cfg, nil)
	seedSession(t, f.docs, "s1")
	_, err := f.orch.StartSession(context.Background(), "s1")
	require.NoError(t, err)

	rec := &frameRecorder{}
	_, err = f.orch.Subscribe("s1", rec.record)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok := f.orch.Get("s1")
		return !ok
	}, 5*time.Second, 50*time.Millisecond, "idle session should be evicted")

	requested := rec.byType(wire.TypeStopRequested)
	require.Len(t, requested, 1)
	assert.Equal(t, "timeout", requested[0].Payload["source"])
}

func TestShutdownStopsAllSessions(t *testing.T) {
	backends := map[string]*fakeBackend{}
	var mu sync.Mutex
	factory := func(sess Session, workspaceRoot string, gatePort int) (Backend, error) {
		b := newFakeBackend()
		mu.Lock()
		backends[sess.ID] = b
		mu.Unlock()
		return b, nil
	}
	f := newOrchFixture(t, defaultSessionConfig(), factory)
	seedSession(t, f.docs, "s1")
	seedSession(t, f.docs, "s2")

	_, err := f.orch.StartSession(context.Background(), "s1")
	require.NoError(t, err)
	_, err = f.orch.StartSession(context.Background(), "s2")
	require.NoError(t, err)

	f.orch.Shutdown()

	_, ok := f.orch.Get("s1")
	assert.False(t, ok)
	_, ok = f.orch.Get("s2")
	assert.False(t, ok)
	for id, b := range backends {
		b.mu.Lock()
		assert.GreaterOrEqual(t, b.kills, 1, "backend for %s should be killed", id)
		b.mu.Unlock()
	}
}
