// Package api implements the owner REST surface of the oppi daemon:
// session and workspace records, policy rules, audit history, and pending
// permission decisions.
package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/duh17/oppi/internal/audit"
	apperrors "github.com/duh17/oppi/internal/common/errors"
	"github.com/duh17/oppi/internal/common/logger"
	"github.com/duh17/oppi/internal/gate"
	"github.com/duh17/oppi/internal/rules"
	"github.com/duh17/oppi/internal/session"
	"github.com/duh17/oppi/internal/store"
)

// Handler contains HTTP handlers for the owner API.
type Handler struct {
	docs   *store.DocumentStore
	msgs   *store.MessageStore
	rules  *rules.Store
	audit  *audit.Log
	orch   *session.Orchestrator
	gate   *gate.Gate
	logger *logger.Logger
}

// NewHandler creates a new API handler.
func NewHandler(
	docs *store.DocumentStore,
	msgs *store.MessageStore,
	ruleStore *rules.Store,
	auditLog *audit.Log,
	orch *session.Orchestrator,
	g *gate.Gate,
	log *logger.Logger,
) *Handler {
	return &Handler{
		docs:   docs,
		msgs:   msgs,
		rules:  ruleStore,
		audit:  auditLog,
		orch:   orch,
		gate:   g,
		logger: log.WithFields(zap.String("component", "api")),
	}
}

func (h *Handler) fail(c *gin.Context, appErr *apperrors.AppError) {
	c.JSON(appErr.HTTPStatus, appErr)
}

// GetConfig returns the server document.
// GET /api/v1/config
func (h *Handler) GetConfig(c *gin.Context) {
	cfg, err := h.docs.GetConfig()
	if err != nil {
		h.fail(c, apperrors.Wrap(err, "failed to load config"))
		return
	}
	c.JSON(http.StatusOK, cfg)
}

// UpdateConfig merges a partial server document.
// PATCH /api/v1/config
func (h *Handler) UpdateConfig(c *gin.Context) {
	var partial store.ServerConfig
	if err := c.ShouldBindJSON(&partial); err != nil {
		h.fail(c, apperrors.ValidationError("request", err.Error()))
		return
	}
	cfg, err := h.docs.UpdateConfig(partial)
	if err != nil {
		h.fail(c, apperrors.Wrap(err, "failed to update config"))
		return
	}
	c.JSON(http.StatusOK, cfg)
}

// ListWorkspaces returns every registered workspace.
// GET /api/v1/workspaces
func (h *Handler) ListWorkspaces(c *gin.Context) {
	list, err := h.docs.ListWorkspaces()
	if err != nil {
		h.fail(c, apperrors.Wrap(err, "failed to list workspaces"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"workspaces": list, "total": len(list)})
}

// CreateWorkspace registers a workspace root.
// POST /api/v1/workspaces
func (h *Handler) CreateWorkspace(c *gin.Context) {
	var req CreateWorkspaceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, apperrors.ValidationError("request", err.Error()))
		return
	}
	rec := &store.WorkspaceRecord{
		ID:                 session.NewID(),
		Name:               req.Name,
		Root:               req.Root,
		AllowedPaths:       req.AllowedPaths,
		AllowedExecutables: req.AllowedExecutables,
		CreatedAt:          time.Now().UTC(),
	}
	if err := h.docs.SaveWorkspace(rec); err != nil {
		h.fail(c, apperrors.Wrap(err, "failed to save workspace"))
		return
	}
	h.rules.EnsureWorkspaceDefaults(rec.ID, rec.Root)
	c.JSON(http.StatusCreated, rec)
}

// GetWorkspace returns one workspace record.
// GET /api/v1/workspaces/:workspaceId
func (h *Handler) GetWorkspace(c *gin.Context) {
	rec, err := h.docs.GetWorkspace(c.Param("workspaceId"))
	if err != nil {
		h.fail(c, apperrors.NotFound("workspace", c.Param("workspaceId")))
		return
	}
	c.JSON(http.StatusOK, rec)
}

// DeleteWorkspace removes a workspace record.
// DELETE /api/v1/workspaces/:workspaceId
func (h *Handler) DeleteWorkspace(c *gin.Context) {
	if err := h.docs.DeleteWorkspace(c.Param("workspaceId")); err != nil {
		h.fail(c, apperrors.NotFound("workspace", c.Param("workspaceId")))
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// ListSessions returns every session record, with live status folded in
// for active sessions.
// GET /api/v1/sessions
func (h *Handler) ListSessions(c *gin.Context) {
	list, err := h.docs.ListSessions()
	if err != nil {
		h.fail(c, apperrors.Wrap(err, "failed to list sessions"))
		return
	}
	for _, rec := range list {
		if a, ok := h.orch.Get(rec.ID); ok {
			rec.Status = string(a.Snapshot().Status)
		}
	}
	c.JSON(http.StatusOK, gin.H{"sessions": list, "total": len(list)})
}

// CreateSession creates a new session record. The session is not started
// until the owner subscribes to it or calls start.
// POST /api/v1/sessions
func (h *Handler) CreateSession(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, apperrors.ValidationError("request", err.Error()))
		return
	}
	if req.WorkspaceID != "" {
		if _, err := h.docs.GetWorkspace(req.WorkspaceID); err != nil {
			h.fail(c, apperrors.NotFound("workspace", req.WorkspaceID))
			return
		}
	}
	now := time.Now().UTC()
	rec := &store.SessionRecord{
		ID:          session.NewID(),
		WorkspaceID: req.WorkspaceID,
		Title:       req.Title,
		Agent:       req.Agent,
		Status:      "created",
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := h.docs.SaveSession(rec); err != nil {
		h.fail(c, apperrors.Wrap(err, "failed to save session"))
		return
	}
	c.JSON(http.StatusCreated, rec)
}

// GetSession returns one session record.
// GET /api/v1/sessions/:sessionId
func (h *Handler) GetSession(c *gin.Context) {
	rec, err := h.docs.GetSession(c.Param("sessionId"))
	if err != nil {
		h.fail(c, apperrors.NotFound("session", c.Param("sessionId")))
		return
	}
	if a, ok := h.orch.Get(rec.ID); ok {
		rec.Status = string(a.Snapshot().Status)
	}
	c.JSON(http.StatusOK, rec)
}

// StartSession activates a session.
// POST /api/v1/sessions/:sessionId/start
func (h *Handler) StartSession(c *gin.Context) {
	a, err := h.orch.StartSession(c.Request.Context(), c.Param("sessionId"))
	if err != nil {
		h.logger.Error("failed to start session",
			zap.String("session_id", c.Param("sessionId")), zap.Error(err))
		h.fail(c, apperrors.Wrap(err, "failed to start session"))
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"session": a.Snapshot()})
}

// StopSession requests a graceful stop of an active session.
// POST /api/v1/sessions/:sessionId/stop
func (h *Handler) StopSession(c *gin.Context) {
	id := c.Param("sessionId")
	if _, ok := h.orch.Get(id); !ok {
		h.fail(c, apperrors.NotFound("active session", id))
		return
	}
	h.orch.StopSession(id, session.StopUser)
	c.JSON(http.StatusAccepted, gin.H{"ok": true})
}

// DeleteSession removes a session record and its message history. An
// active session is stopped first.
// DELETE /api/v1/sessions/:sessionId
func (h *Handler) DeleteSession(c *gin.Context) {
	id := c.Param("sessionId")
	if _, ok := h.orch.Get(id); ok {
		h.orch.StopSession(id, session.StopServer)
	}
	if err := h.docs.DeleteSession(id); err != nil {
		h.fail(c, apperrors.NotFound("session", id))
		return
	}
	if err := h.msgs.DeleteSessionMessages(c.Request.Context(), id); err != nil {
		h.logger.Warn("failed to delete session messages",
			zap.String("session_id", id), zap.Error(err))
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// GetSessionMessages returns the persisted message history for a session.
// GET /api/v1/sessions/:sessionId/messages
func (h *Handler) GetSessionMessages(c *gin.Context) {
	msgs, err := h.msgs.Messages(c.Request.Context(), c.Param("sessionId"))
	if err != nil {
		h.fail(c, apperrors.Wrap(err, "failed to load messages"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs, "total": len(msgs)})
}

// GetSessionPermissions returns the pending gate decisions for a session.
// GET /api/v1/sessions/:sessionId/permissions
func (h *Handler) GetSessionPermissions(c *gin.Context) {
	pending := h.gate.PendingForSession(c.Param("sessionId"))
	c.JSON(http.StatusOK, gin.H{"pending": pending, "total": len(pending)})
}

// RespondPermission resolves one pending gate decision.
// POST /api/v1/permissions/:permissionId
func (h *Handler) RespondPermission(c *gin.Context) {
	var req PermissionResponseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, apperrors.ValidationError("request", err.Error()))
		return
	}
	id := c.Param("permissionId")
	if err := h.gate.ResolveDecision(id, req.Action, req.Scope, req.ExpiresInMs); err != nil {
		h.fail(c, apperrors.BadRequest(err.Error()))
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "ok": true})
}

// ListRules returns the full rule registry, optionally filtered by scope.
// GET /api/v1/rules
func (h *Handler) ListRules(c *gin.Context) {
	var list []*rules.Rule
	switch scope := c.Query("scope"); scope {
	case "":
		list = h.rules.GetAll()
	case "global":
		list = h.rules.GetGlobal()
	case "workspace":
		list = h.rules.GetForWorkspace(c.Query("workspaceId"))
	case "session":
		list = h.rules.GetForSession(c.Query("sessionId"))
	default:
		h.fail(c, apperrors.ValidationError("scope", "must be global, workspace, or session"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"rules": list, "total": len(list)})
}

// CreateRule adds a rule to the registry.
// POST /api/v1/rules
func (h *Handler) CreateRule(c *gin.Context) {
	var req RuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, apperrors.ValidationError("request", err.Error()))
		return
	}
	rule, err := h.rules.Add(rules.Input{
		Tool:        req.Tool,
		Decision:    rules.Decision(req.Decision),
		Executable:  req.Executable,
		Pattern:     req.Pattern,
		Scope:       rules.Scope(req.Scope),
		SessionID:   req.SessionID,
		WorkspaceID: req.WorkspaceID,
		ExpiresAt:   req.ExpiresAt,
		Provenance:  rules.ProvenanceManual,
	})
	if err != nil {
		h.fail(c, ruleError(err))
		return
	}
	c.JSON(http.StatusCreated, rule)
}

// UpdateRule partially updates an existing rule.
// PATCH /api/v1/rules/:ruleId
func (h *Handler) UpdateRule(c *gin.Context) {
	var req RulePatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, apperrors.ValidationError("request", err.Error()))
		return
	}
	patch := rules.Patch{
		Tool:        req.Tool,
		Executable:  req.Executable,
		Pattern:     req.Pattern,
		ExpiresAt:   req.ExpiresAt,
		ClearExpiry: req.ClearExpiry,
	}
	if req.Decision != nil {
		d := rules.Decision(*req.Decision)
		patch.Decision = &d
	}
	rule, err := h.rules.Update(c.Param("ruleId"), patch)
	if err != nil {
		h.fail(c, ruleError(err))
		return
	}
	c.JSON(http.StatusOK, rule)
}

// DeleteRule removes a rule.
// DELETE /api/v1/rules/:ruleId
func (h *Handler) DeleteRule(c *gin.Context) {
	removed, err := h.rules.Remove(c.Param("ruleId"))
	if err != nil {
		h.fail(c, apperrors.Wrap(err, "failed to remove rule"))
		return
	}
	if !removed {
		h.fail(c, apperrors.NotFound("rule", c.Param("ruleId")))
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// GetAudit returns the most recent audit entries, newest last.
// GET /api/v1/audit?limit=N
func (h *Handler) GetAudit(c *gin.Context) {
	entries, err := h.audit.ReadAll()
	if err != nil {
		h.fail(c, apperrors.Wrap(err, "failed to read audit log"))
		return
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			h.fail(c, apperrors.ValidationError("limit", "must be a non-negative integer"))
			return
		}
		if limit < len(entries) {
			entries = entries[len(entries)-limit:]
		}
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "total": len(entries)})
}

// RegisterPushDevice stores a device token for permission pushes.
// POST /api/v1/devices/push
func (h *Handler) RegisterPushDevice(c *gin.Context) {
	h.registerToken(c, h.docs.AddPushDeviceToken)
}

// RegisterAuthDevice stores a device token for auth prompts.
// POST /api/v1/devices/auth
func (h *Handler) RegisterAuthDevice(c *gin.Context) {
	h.registerToken(c, h.docs.AddAuthDeviceToken)
}

func (h *Handler) registerToken(c *gin.Context, add func(string) error) {
	var req DeviceTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, apperrors.ValidationError("request", err.Error()))
		return
	}
	if err := add(req.Token); err != nil {
		h.fail(c, apperrors.Wrap(err, "failed to store device token"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// ruleError maps rule store errors onto HTTP statuses.
func ruleError(err error) *apperrors.AppError {
	switch {
	case errors.Is(err, rules.ErrConflictingDecision):
		return apperrors.Conflict(err.Error())
	case errors.Is(err, rules.ErrScopeRequiresID):
		return apperrors.BadRequest(err.Error())
	case errors.Is(err, rules.ErrNotFound):
		return apperrors.NotFound("rule", "")
	default:
		return apperrors.Wrap(err, "rule operation failed")
	}
}
