package session

import (
	"context"

	"github.com/duh17/oppi/internal/policy"
)

// Backend is one live agent process (or in-process engine) bound to a
// session. Start blocks until the backend is ready to accept commands or
// the readiness probe expires. Events is closed when the backend exits.
type Backend interface {
	Start(ctx context.Context) error
	Send(ctx context.Context, command map[string]interface{}) error
	Abort(ctx context.Context) error
	Events() <-chan AgentEvent
	Stop(ctx context.Context) error
	Kill()
}

// BackendFactory builds the backend for a session at activation time.
// gatePort is the per-session gate listener the agent extension must dial;
// it is 0 when the session runs without a gate.
type BackendFactory func(sess Session, workspaceRoot string, gatePort int) (Backend, error)

// GateControl is the narrow surface the orchestrator needs from the gate.
// ApplySessionPolicy installs the workspace's extra path and executable
// grants for the session; TeardownSession drops them again.
type GateControl interface {
	CreateGuard(ctx context.Context, sessionID, workspaceID string) (port int, err error)
	ApplySessionPolicy(sessionID string, paths []policy.PathAccess, executables []string)
	TeardownSession(sessionID, reason string)
}
