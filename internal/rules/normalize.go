package rules

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/duh17/oppi/internal/policy/globmatch"
)

// fileTools are the tools whose rule patterns are path globs and therefore
// absolute-path normalized.
var fileTools = map[string]bool{
	"read":  true,
	"write": true,
	"edit":  true,
	"find":  true,
	"ls":    true,
}

// IsFileTool reports whether a tool takes path patterns.
func IsFileTool(tool string) bool {
	return fileTools[tool]
}

// normalize validates and canonicalizes a rule candidate.
func normalize(in Input) (Rule, error) {
	r := Rule{
		Tool:        strings.TrimSpace(in.Tool),
		Decision:    in.Decision,
		Executable:  strings.TrimSpace(in.Executable),
		Pattern:     strings.TrimSpace(in.Pattern),
		Scope:       in.Scope,
		SessionID:   in.SessionID,
		WorkspaceID: in.WorkspaceID,
		ExpiresAt:   in.ExpiresAt,
		Provenance:  in.Provenance,
	}

	if r.Tool == "" {
		r.Tool = "*"
	}
	if r.Provenance == "" {
		r.Provenance = ProvenanceManual
	}

	// "block" is the legacy spelling of deny.
	if string(r.Decision) == "block" {
		r.Decision = DecisionDeny
	}
	switch r.Decision {
	case DecisionAllow, DecisionAsk, DecisionDeny:
	default:
		return Rule{}, fmt.Errorf("invalid decision %q", in.Decision)
	}

	switch r.Scope {
	case ScopeSession:
		if r.SessionID == "" {
			return Rule{}, fmt.Errorf("%w: session scope requires sessionId", ErrScopeRequiresID)
		}
	case ScopeWorkspace:
		if r.WorkspaceID == "" {
			return Rule{}, fmt.Errorf("%w: workspace scope requires workspaceId", ErrScopeRequiresID)
		}
	case ScopeGlobal:
	default:
		return Rule{}, fmt.Errorf("invalid scope %q", in.Scope)
	}

	if IsFileTool(r.Tool) && r.Pattern != "" {
		r.Pattern = NormalizePathPattern(r.Pattern)
	}

	return r, nil
}

// NormalizePathPattern expands `~` and cleans the literal portion of a path
// pattern up to the first glob metacharacter. The glob suffix is preserved
// verbatim. The function is idempotent.
func NormalizePathPattern(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return p
	}

	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			p = home + strings.TrimPrefix(p, "~")
		}
	}

	if !globmatch.HasMeta(p) {
		return filepath.Clean(p)
	}

	// Find the first unescaped metacharacter, then clean only the full
	// path segments before it.
	meta := len(p) - len(trimToMeta(p))
	lit := p[:meta]
	rest := p[meta:]

	slash := strings.LastIndexByte(lit, '/')
	if slash < 0 {
		return p
	}
	head := lit[:slash]
	tail := lit[slash+1:] // partial segment the metacharacter belongs to

	if head == "" {
		head = "/"
	}
	cleaned := filepath.Clean(head)
	if cleaned == "/" {
		return "/" + tail + rest
	}
	return cleaned + "/" + tail + rest
}

// trimToMeta returns the suffix of p starting at the first unescaped glob
// metacharacter.
func trimToMeta(p string) string {
	for i := 0; i < len(p); i++ {
		switch p[i] {
		case '\\':
			i++
		case '*', '?', '[', '{':
			return p[i:]
		}
	}
	return ""
}
