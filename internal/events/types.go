// Package events defines the event bus subjects used between subsystems.
package events

// Gate subjects. Published by the gate, observed by the stream multiplexer,
// the orchestrator, and the live activity bridge.
const (
	GateApprovalNeeded   = "gate.approval.needed"
	GateApprovalResolved = "gate.approval.resolved"
	GateApprovalTimeout  = "gate.approval.timeout"
	GateToolAllowed      = "gate.tool.allowed"
	GateToolDenied       = "gate.tool.denied"
	GateGuardReady       = "gate.guard.ready"
	GateGuardLost        = "gate.guard.lost"
)

// Session subjects. Published by the orchestrator.
const (
	SessionStarted = "session.started"
	SessionEnded   = "session.ended"
	SessionState   = "session.state"
)

// Audit subjects.
const (
	AuditEntryWritten = "audit.entry"
)
