// Package rules implements the persistent and ephemeral learned-rule
// registry backing the policy engine.
package rules

import (
	"errors"
	"fmt"
	"time"
)

// Decision is the action a rule carries.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionAsk   Decision = "ask"
	DecisionDeny  Decision = "deny"
)

// Scope is the visibility of a rule.
type Scope string

const (
	ScopeSession   Scope = "session"
	ScopeWorkspace Scope = "workspace"
	ScopeGlobal    Scope = "global"
)

// Provenance records how a rule came to exist.
type Provenance string

const (
	ProvenancePreset  Provenance = "preset"
	ProvenanceLearned Provenance = "learned"
	ProvenanceManual  Provenance = "manual"
)

// Rule is the unit of policy decision.
type Rule struct {
	ID          string     `json:"id"`
	Tool        string     `json:"tool"` // tool name or "*"
	Decision    Decision   `json:"decision"`
	Executable  string     `json:"executable,omitempty"`
	Pattern     string     `json:"pattern,omitempty"`
	Scope       Scope      `json:"scope"`
	SessionID   string     `json:"sessionId,omitempty"`
	WorkspaceID string     `json:"workspaceId,omitempty"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
	Provenance  Provenance `json:"provenance"`
	CreatedAt   time.Time  `json:"createdAt"`
}

// Input is a rule candidate before normalization.
type Input struct {
	Tool        string
	Decision    Decision
	Executable  string
	Pattern     string
	Scope       Scope
	SessionID   string
	WorkspaceID string
	ExpiresAt   *time.Time
	Provenance  Provenance
}

// Patch carries partial updates for an existing rule. Nil fields are left
// unchanged.
type Patch struct {
	Tool       *string
	Decision   *Decision
	Executable *string
	Pattern    *string
	ExpiresAt  *time.Time
	ClearExpiry bool
}

// Expired reports whether the rule's expiry has passed at the given time.
func (r *Rule) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && r.ExpiresAt.Before(now)
}

// signature identifies a rule fully, including its decision. Two rules with
// the same signature are duplicates and collapse to one entry.
func (r *Rule) signature() string {
	return fmt.Sprintf("%s|%s|%s|%s|%s|%s|%s",
		r.Tool, r.Decision, r.Pattern, r.Executable, r.Scope, r.SessionID, r.WorkspaceID)
}

// conflictKey identifies the match surface of a rule without its decision.
// Two rules sharing a conflict key but carrying different decisions are
// contradictory and rejected.
func (r *Rule) conflictKey() string {
	return fmt.Sprintf("%s|%s|%s|%s|%s|%s",
		r.Tool, r.Scope, r.Pattern, r.Executable, r.SessionID, r.WorkspaceID)
}

// Error codes surfaced to callers.
var (
	// ErrScopeRequiresID is returned when a session-scoped rule is missing a
	// session id or a workspace-scoped rule a workspace id.
	ErrScopeRequiresID = errors.New("SCOPE_REQUIRES_ID")

	// ErrConflictingDecision is returned when a rule would contradict an
	// existing rule on the same conflict key.
	ErrConflictingDecision = errors.New("CONFLICTING_DECISION")

	// ErrNotFound is returned when a rule id does not exist.
	ErrNotFound = errors.New("rule not found")
)
