package api

import (
	"time"

	"github.com/duh17/oppi/internal/store"
)

// CreateSessionRequest creates a new session record.
type CreateSessionRequest struct {
	Title       string `json:"title"`
	WorkspaceID string `json:"workspaceId"`
	Agent       string `json:"agent"`
}

// CreateWorkspaceRequest registers a workspace root, optionally with extra
// path and executable grants for its sessions.
type CreateWorkspaceRequest struct {
	Name               string            `json:"name" binding:"required"`
	Root               string            `json:"root" binding:"required"`
	AllowedPaths       []store.PathGrant `json:"allowedPaths"`
	AllowedExecutables []string          `json:"allowedExecutables"`
}

// RuleRequest creates a new policy rule.
type RuleRequest struct {
	Tool        string     `json:"tool" binding:"required"`
	Decision    string     `json:"decision" binding:"required"`
	Executable  string     `json:"executable"`
	Pattern     string     `json:"pattern"`
	Scope       string     `json:"scope" binding:"required"`
	SessionID   string     `json:"sessionId"`
	WorkspaceID string     `json:"workspaceId"`
	ExpiresAt   *time.Time `json:"expiresAt"`
}

// RulePatchRequest partially updates an existing rule. Absent fields are
// left unchanged.
type RulePatchRequest struct {
	Tool        *string    `json:"tool"`
	Decision    *string    `json:"decision"`
	Executable  *string    `json:"executable"`
	Pattern     *string    `json:"pattern"`
	ExpiresAt   *time.Time `json:"expiresAt"`
	ClearExpiry bool       `json:"clearExpiry"`
}

// PermissionResponseRequest resolves a pending gate decision.
type PermissionResponseRequest struct {
	Action      string `json:"action" binding:"required"`
	Scope       string `json:"scope"`
	ExpiresInMs int64  `json:"expiresInMs"`
}

// DeviceTokenRequest registers a device push token.
type DeviceTokenRequest struct {
	Token string `json:"token" binding:"required"`
}
