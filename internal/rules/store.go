package rules

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/duh17/oppi/internal/common/logger"
)

// Store keeps allow/ask/deny rules across three scopes. Workspace- and
// global-scoped rules are persisted to a single JSON file; session-scoped
// rules live only in memory and vanish with the session.
//
// The file may be edited externally: every read operation compares the
// file's mtime against the last load and reloads when it changed.
type Store struct {
	mu        sync.Mutex
	path      string
	persisted []*Rule // global + workspace scopes, in file order
	session   []*Rule // session scope, memory only
	loadedAt  time.Time
	logger    *logger.Logger
	now       func() time.Time
}

// NewStore creates a rule store backed by the given file path. The file is
// loaded lazily on first access; a missing file yields an empty store.
func NewStore(path string, log *logger.Logger) *Store {
	return &Store{
		path:   path,
		logger: log.WithFields(zap.String("component", "rule_store")),
		now:    time.Now,
	}
}

// Add normalizes and inserts a rule. If a rule with an identical signature
// already exists it is returned unchanged. A rule whose conflict key matches
// an existing rule with a different decision fails with
// ErrConflictingDecision.
func (s *Store) Add(in Input) (*Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloadIfChangedLocked()

	r, err := normalize(in)
	if err != nil {
		return nil, err
	}

	for _, existing := range s.allLocked() {
		if existing.signature() == r.signature() {
			cp := *existing
			return &cp, nil
		}
		if existing.conflictKey() == r.conflictKey() && existing.Decision != r.Decision {
			return nil, fmt.Errorf("%w: rule %s already decides %s for this match",
				ErrConflictingDecision, existing.ID, existing.Decision)
		}
	}

	r.ID = uuid.New().String()
	r.CreatedAt = s.now().UTC()
	stored := r

	if stored.Scope == ScopeSession {
		s.session = append(s.session, &stored)
	} else {
		s.persisted = append(s.persisted, &stored)
		if err := s.persistLocked(); err != nil {
			// roll back the in-memory insert; rule addition is a hard failure
			s.persisted = s.persisted[:len(s.persisted)-1]
			return nil, fmt.Errorf("persist rules: %w", err)
		}
	}

	cp := stored
	return &cp, nil
}

// Remove deletes a rule by id. Returns false when no rule matched.
func (s *Store) Remove(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloadIfChangedLocked()

	for i, r := range s.session {
		if r.ID == id {
			s.session = append(s.session[:i], s.session[i+1:]...)
			return true, nil
		}
	}
	for i, r := range s.persisted {
		if r.ID == id {
			s.persisted = append(s.persisted[:i], s.persisted[i+1:]...)
			if err := s.persistLocked(); err != nil {
				return false, fmt.Errorf("persist rules: %w", err)
			}
			return true, nil
		}
	}
	return false, nil
}

// Update applies a partial patch to an existing rule. The result is
// re-normalized and conflict-checked against all rules except itself.
func (s *Store) Update(id string, patch Patch) (*Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloadIfChangedLocked()

	target, inSession := s.findLocked(id)
	if target == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	in := Input{
		Tool:        target.Tool,
		Decision:    target.Decision,
		Executable:  target.Executable,
		Pattern:     target.Pattern,
		Scope:       target.Scope,
		SessionID:   target.SessionID,
		WorkspaceID: target.WorkspaceID,
		ExpiresAt:   target.ExpiresAt,
		Provenance:  target.Provenance,
	}
	if patch.Tool != nil {
		in.Tool = *patch.Tool
	}
	if patch.Decision != nil {
		in.Decision = *patch.Decision
	}
	if patch.Executable != nil {
		in.Executable = *patch.Executable
	}
	if patch.Pattern != nil {
		in.Pattern = *patch.Pattern
	}
	if patch.ClearExpiry {
		in.ExpiresAt = nil
	} else if patch.ExpiresAt != nil {
		in.ExpiresAt = patch.ExpiresAt
	}

	updated, err := normalize(in)
	if err != nil {
		return nil, err
	}
	updated.ID = target.ID
	updated.CreatedAt = target.CreatedAt

	for _, existing := range s.allLocked() {
		if existing.ID == id {
			continue
		}
		if existing.conflictKey() == updated.conflictKey() && existing.Decision != updated.Decision {
			return nil, fmt.Errorf("%w: rule %s already decides %s for this match",
				ErrConflictingDecision, existing.ID, existing.Decision)
		}
	}

	*target = updated
	if !inSession {
		if err := s.persistLocked(); err != nil {
			return nil, fmt.Errorf("persist rules: %w", err)
		}
	}
	cp := updated
	return &cp, nil
}

// GetAll returns every rule across all scopes.
func (s *Store) GetAll() []*Rule {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloadIfChangedLocked()
	return copyRules(s.allLocked())
}

// GetGlobal returns global-scoped rules.
func (s *Store) GetGlobal() []*Rule {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloadIfChangedLocked()

	var out []*Rule
	for _, r := range s.persisted {
		if r.Scope == ScopeGlobal {
			out = append(out, r)
		}
	}
	return copyRules(out)
}

// GetForWorkspace returns workspace-scoped rules for the given workspace.
func (s *Store) GetForWorkspace(workspaceID string) []*Rule {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloadIfChangedLocked()

	var out []*Rule
	for _, r := range s.persisted {
		if r.Scope == ScopeWorkspace && r.WorkspaceID == workspaceID {
			out = append(out, r)
		}
	}
	return copyRules(out)
}

// GetForSession returns session-scoped rules for the given session.
func (s *Store) GetForSession(sessionID string) []*Rule {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Rule
	for _, r := range s.session {
		if r.SessionID == sessionID {
			out = append(out, r)
		}
	}
	return copyRules(out)
}

// ClearSessionRules removes all session-scoped rules for a session.
func (s *Store) ClearSessionRules(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.session[:0]
	for _, r := range s.session {
		if r.SessionID != sessionID {
			kept = append(kept, r)
		}
	}
	s.session = kept
}

// SeedIfEmpty installs preset rules when no persisted rules exist yet.
// Seeding is idempotent; entries that would conflict with an existing user
// decision are skipped.
func (s *Store) SeedIfEmpty(seed []Input) error {
	s.mu.Lock()
	hasPersisted := func() bool {
		s.reloadIfChangedLocked()
		return len(s.persisted) > 0
	}()
	s.mu.Unlock()

	if hasPersisted {
		return nil
	}
	for _, in := range seed {
		if in.Provenance == "" {
			in.Provenance = ProvenancePreset
		}
		if _, err := s.Add(in); err != nil {
			s.logger.Warn("skipping seed rule", zap.String("tool", in.Tool), zap.Error(err))
		}
	}
	return nil
}

// DefaultSeed is the preset rule set installed on first start: read-only
// commands that never touch workspace state.
func DefaultSeed() []Input {
	var out []Input
	for _, c := range []struct{ pattern, executable string }{
		{"ls*", "ls"},
		{"which *", "which"},
		{"wc *", "wc"},
	} {
		out = append(out, Input{
			Tool:       "bash",
			Decision:   DecisionAllow,
			Pattern:    c.pattern,
			Executable: c.executable,
			Scope:      ScopeGlobal,
			Provenance: ProvenancePreset,
		})
	}
	return out
}

// EnsureWorkspaceDefaults installs the default allow rules for a workspace
// root directory. Existing user decisions win: conflicting entries are
// skipped silently.
func (s *Store) EnsureWorkspaceDefaults(workspaceID, root string) {
	if root == "" {
		return
	}
	pattern := filepath.Clean(root) + "/**"
	for _, tool := range []string{"read", "write", "edit", "find", "ls"} {
		_, err := s.Add(Input{
			Tool:        tool,
			Decision:    DecisionAllow,
			Pattern:     pattern,
			Scope:       ScopeWorkspace,
			WorkspaceID: workspaceID,
			Provenance:  ProvenancePreset,
		})
		if err != nil {
			s.logger.Debug("workspace default skipped",
				zap.String("workspace_id", workspaceID),
				zap.String("tool", tool),
				zap.Error(err))
		}
	}
}

func (s *Store) findLocked(id string) (*Rule, bool) {
	for _, r := range s.session {
		if r.ID == id {
			return r, true
		}
	}
	for _, r := range s.persisted {
		if r.ID == id {
			return r, false
		}
	}
	return nil, false
}

func (s *Store) allLocked() []*Rule {
	out := make([]*Rule, 0, len(s.session)+len(s.persisted))
	out = append(out, s.session...)
	out = append(out, s.persisted...)
	return out
}

func copyRules(in []*Rule) []*Rule {
	out := make([]*Rule, len(in))
	for i, r := range in {
		cp := *r
		out[i] = &cp
	}
	return out
}

// reloadIfChangedLocked re-reads the rules file when its mtime differs from
// the last load. Supports manual edits while the daemon runs.
func (s *Store) reloadIfChangedLocked() {
	info, err := os.Stat(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			if !s.loadedAt.IsZero() {
				// File was removed out from under us; treat as empty.
				s.persisted = nil
				s.loadedAt = time.Time{}
			}
			return
		}
		s.logger.Warn("stat rules file", zap.Error(err))
		return
	}
	if info.ModTime().Equal(s.loadedAt) {
		return
	}
	s.loadLocked(info.ModTime())
}

func (s *Store) loadLocked(mtime time.Time) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		s.logger.Warn("read rules file", zap.Error(err))
		return
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		s.logger.Warn("rules file is corrupt, starting empty", zap.Error(err))
		s.persisted = nil
		s.loadedAt = mtime
		return
	}

	loaded := make([]*Rule, 0, len(raw))
	for _, entry := range raw {
		var r Rule
		if err := json.Unmarshal(entry, &r); err != nil {
			s.logger.Warn("discarding malformed rule entry", zap.Error(err))
			continue
		}
		if string(r.Decision) == "block" {
			r.Decision = DecisionDeny
		}
		if r.Scope != ScopeGlobal && r.Scope != ScopeWorkspace {
			s.logger.Warn("discarding rule with invalid scope on disk",
				zap.String("rule_id", r.ID), zap.String("scope", string(r.Scope)))
			continue
		}
		loaded = append(loaded, &r)
	}
	s.persisted = loaded
	s.loadedAt = mtime
}

func (s *Store) persistLocked() error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	out := s.persisted
	if out == nil {
		out = []*Rule{}
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return err
	}
	if info, err := os.Stat(s.path); err == nil {
		s.loadedAt = info.ModTime()
	}
	return nil
}
