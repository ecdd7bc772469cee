package rules

import (
	"strings"

	"github.com/duh17/oppi/internal/policy/globmatch"
)

// Request is the matching surface extracted from a tool call.
type Request struct {
	Tool       string
	Path       string // for file tools
	Command    string // raw bash command
	Executable string // parsed effective executable, "" when unknown
}

// FindMatching returns all non-expired rules whose tool, executable, pattern,
// and scope match the request. Session rules are restricted to the given
// session, workspace rules to the given workspace.
func (s *Store) FindMatching(req Request, sessionID, workspaceID string) []*Rule {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloadIfChangedLocked()

	now := s.now()
	var out []*Rule
	for _, r := range s.allLocked() {
		if r.Expired(now) {
			continue
		}
		switch r.Scope {
		case ScopeSession:
			if r.SessionID != sessionID {
				continue
			}
		case ScopeWorkspace:
			if r.WorkspaceID != workspaceID {
				continue
			}
		}
		if Matches(r, req) {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out
}

// Matches reports whether a single rule matches a request.
func Matches(r *Rule, req Request) bool {
	if r.Tool != "*" && r.Tool != req.Tool {
		return false
	}
	if r.Executable != "" && r.Executable != req.Executable {
		return false
	}
	if r.Pattern == "" {
		return true
	}

	if req.Tool == "bash" {
		// Command patterns are simple anchored globs where `*` crosses
		// everything.
		return globmatch.MatchCommand(req.Command, r.Pattern)
	}

	// Path patterns for everything else.
	if strings.HasSuffix(r.Pattern, "/**") {
		prefix := strings.TrimSuffix(r.Pattern, "/**")
		if req.Path == "" {
			return false
		}
		return req.Path == prefix || strings.HasPrefix(req.Path, prefix+"/")
	}
	if req.Path == "" {
		return false
	}
	if globmatch.HasMeta(r.Pattern) {
		return globmatch.Match(req.Path, r.Pattern)
	}
	return req.Path == r.Pattern
}

// Specificity ranks how precisely a rule matches: pattern+executable beats
// pattern beats executable beats tool-only. Ties are broken by the length of
// the pattern's literal prefix.
func Specificity(r *Rule) (rank int, prefixLen int) {
	switch {
	case r.Pattern != "" && r.Executable != "":
		rank = 3
	case r.Pattern != "":
		rank = 2
	case r.Executable != "":
		rank = 1
	}
	return rank, len(globmatch.LiteralPrefix(r.Pattern))
}

// ScopePriority orders scopes session > workspace > global.
func ScopePriority(s Scope) int {
	switch s {
	case ScopeSession:
		return 3
	case ScopeWorkspace:
		return 2
	case ScopeGlobal:
		return 1
	}
	return 0
}
