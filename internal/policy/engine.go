package policy

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/duh17/oppi/internal/common/logger"
	"github.com/duh17/oppi/internal/policy/bashparse"
	"github.com/duh17/oppi/internal/policy/globmatch"
	"github.com/duh17/oppi/internal/rules"
)

// Layer names reported in decisions and audit entries.
const (
	LayerHardDeny    = "hard_deny"
	LayerLearnedDeny = "learned_deny"
	LayerSession     = "session_rule"
	LayerWorkspace   = "workspace_rule"
	LayerGlobal      = "global_rule"
	LayerPolicyRule  = "policy_rule"
	LayerHeuristic   = "heuristic"
	LayerDefault     = "default"
)

// Request is one tool call to evaluate.
type Request struct {
	Tool        string
	Input       map[string]interface{}
	SessionID   string
	WorkspaceID string
}

// Decision is the engine's verdict for a request.
type Decision struct {
	Action    Action `json:"action"`
	Layer     string `json:"layer"`
	Reason    string `json:"reason"`
	RuleID    string `json:"ruleId,omitempty"`
	RuleLabel string `json:"ruleLabel,omitempty"`
}

// Compiled is the immutable evaluation form of a FileConfig.
type Compiled struct {
	HardDeny   []Permission
	Rules      []Permission
	Fallback   Action
	Heuristics ResolvedHeuristics
}

// Compile resolves a validated FileConfig into its evaluation form.
func Compile(cfg *FileConfig) *Compiled {
	fallback, _ := parseAction(cfg.Fallback)
	return &Compiled{
		HardDeny:   append([]Permission(nil), cfg.Guardrails...),
		Rules:      append([]Permission(nil), cfg.Permissions...),
		Fallback:   fallback,
		Heuristics: resolveHeuristics(cfg.Heuristics),
	}
}

// PathAccess grants a session read or readwrite access under a path.
type PathAccess struct {
	Path string `json:"path"`
	Mode string `json:"mode"` // "read" | "readwrite"
}

// Engine evaluates tool calls against the layered policy.
type Engine struct {
	store    *rules.Store
	compiled *Compiled

	mu       sync.RWMutex
	overlays map[string][]*rules.Rule // per-session compiled path/exec grants

	logger *logger.Logger
}

// NewEngine builds an engine over a rule store and a compiled policy.
func NewEngine(store *rules.Store, compiled *Compiled, log *logger.Logger) *Engine {
	return &Engine{
		store:    store,
		compiled: compiled,
		overlays: make(map[string][]*rules.Rule),
		logger:   log.WithFields(zap.String("component", "policy_engine")),
	}
}

// SetSessionPolicy compiles a session's path and executable grants into
// session-scoped allow rules that participate at the session layer.
func (e *Engine) SetSessionPolicy(sessionID string, paths []PathAccess, executables []string) {
	var compiled []*rules.Rule
	for _, pa := range paths {
		pattern := rules.NormalizePathPattern(pa.Path)
		if !strings.HasSuffix(pattern, "/**") {
			pattern += "/**"
		}
		tools := []string{"read", "find", "ls"}
		if pa.Mode == "readwrite" {
			tools = append(tools, "write", "edit")
		}
		for _, tool := range tools {
			compiled = append(compiled, &rules.Rule{
				Tool:       tool,
				Decision:   rules.DecisionAllow,
				Pattern:    pattern,
				Scope:      rules.ScopeSession,
				SessionID:  sessionID,
				Provenance: rules.ProvenancePreset,
			})
		}
	}
	for _, exe := range executables {
		compiled = append(compiled, &rules.Rule{
			Tool:       "bash",
			Decision:   rules.DecisionAllow,
			Executable: exe,
			Scope:      rules.ScopeSession,
			SessionID:  sessionID,
			Provenance: rules.ProvenancePreset,
		})
	}

	e.mu.Lock()
	e.overlays[sessionID] = compiled
	e.mu.Unlock()
}

// DropSessionPolicy removes a session's grants at teardown.
func (e *Engine) DropSessionPolicy(sessionID string) {
	e.mu.Lock()
	delete(e.overlays, sessionID)
	e.mu.Unlock()
}

// subRequest is one independently evaluated unit of a request: the request
// itself for file tools, one pipeline stage for bash.
type subRequest struct {
	rules.Request
	URL      string
	rawInput map[string]interface{}
	segment  *bashparse.Segment // enclosing segment, bash only
}

// Evaluate computes the decision for a tool call. Bash commands are split
// into chain segments and pipeline stages, each evaluated independently; the
// most restrictive outcome wins.
func (e *Engine) Evaluate(req Request) Decision {
	subs := e.subRequests(req)
	if len(subs) == 0 {
		return Decision{Action: e.compiled.Fallback, Layer: LayerDefault, Reason: "Empty request"}
	}

	var result Decision
	for i, sr := range subs {
		d := e.evaluateOne(sr, req)
		if i == 0 || severity(d.Action) > severity(result.Action) {
			result = d
		}
	}
	return result
}

func severity(a Action) int {
	switch a {
	case ActionDeny:
		return 3
	case ActionAsk:
		return 2
	case ActionAllow:
		return 1
	}
	return 0
}

func (e *Engine) subRequests(req Request) []subRequest {
	if req.Tool == "bash" {
		command, _ := req.Input["command"].(string)
		parsed := bashparse.Parse(command)
		var out []subRequest
		for i := range parsed.Segments {
			seg := &parsed.Segments[i]
			for _, stage := range seg.Stages {
				out = append(out, subRequest{
					Request: rules.Request{
						Tool:       "bash",
						Command:    stage.Raw,
						Executable: stage.Executable,
					},
					URL:      firstURL(stage.Raw),
					rawInput: req.Input,
					segment:  seg,
				})
			}
		}
		return out
	}

	path, _ := req.Input["path"].(string)
	if path == "" {
		path, _ = req.Input["file_path"].(string)
	}
	url, _ := req.Input["url"].(string)
	return []subRequest{{
		Request:  rules.Request{Tool: req.Tool, Path: path},
		URL:      url,
		rawInput: req.Input,
	}}
}

func (e *Engine) evaluateOne(sr subRequest, req Request) Decision {
	// 1. hard deny
	for _, g := range e.compiled.HardDeny {
		if matchPermission(g, sr) {
			return permissionDecision(g, LayerHardDeny)
		}
	}

	matched := e.store.FindMatching(sr.Request, req.SessionID, req.WorkspaceID)
	e.mu.RLock()
	for _, r := range e.overlays[req.SessionID] {
		if rules.Matches(r, sr.Request) {
			cp := *r
			matched = append(matched, &cp)
		}
	}
	e.mu.RUnlock()

	// 2. learned deny across all scopes
	if d := bestRule(matched, func(r *rules.Rule) bool { return r.Decision == rules.DecisionDeny }); d != nil {
		return ruleDecision(d, LayerLearnedDeny)
	}

	// 3-5. allow/ask by scope
	for _, layer := range []struct {
		scope rules.Scope
		name  string
	}{
		{rules.ScopeSession, LayerSession},
		{rules.ScopeWorkspace, LayerWorkspace},
		{rules.ScopeGlobal, LayerGlobal},
	} {
		if d := bestRule(matched, func(r *rules.Rule) bool { return r.Scope == layer.scope }); d != nil {
			return ruleDecision(d, layer.name)
		}
	}

	// 6. compiled policy rules, positional first match
	for _, p := range e.compiled.Rules {
		if matchPermission(p, sr) {
			return permissionDecision(p, LayerPolicyRule)
		}
	}

	// 7. heuristics
	if d := e.heuristicDecision(sr); d != nil {
		return *d
	}

	// 8. fallback
	return Decision{Action: e.compiled.Fallback, Layer: LayerDefault, Reason: "No rule matched"}
}

// bestRule picks the most specific matching rule satisfying keep, ordering
// by scope priority then matcher specificity then literal prefix length.
func bestRule(matched []*rules.Rule, keep func(*rules.Rule) bool) *rules.Rule {
	var kept []*rules.Rule
	for _, r := range matched {
		if keep(r) {
			kept = append(kept, r)
		}
	}
	if len(kept) == 0 {
		return nil
	}
	sort.SliceStable(kept, func(i, j int) bool {
		si, sj := rules.ScopePriority(kept[i].Scope), rules.ScopePriority(kept[j].Scope)
		if si != sj {
			return si > sj
		}
		ri, pi := rules.Specificity(kept[i])
		rj, pj := rules.Specificity(kept[j])
		if ri != rj {
			return ri > rj
		}
		return pi > pj
	})
	return kept[0]
}

func ruleDecision(r *rules.Rule, layer string) Decision {
	return Decision{
		Action:    Action(r.Decision),
		Layer:     layer,
		Reason:    fmt.Sprintf("Matched %s rule: %s", r.Scope, RuleSummary(r)),
		RuleID:    r.ID,
		RuleLabel: RuleSummary(r),
	}
}

func permissionDecision(p Permission, layer string) Decision {
	reason := p.Reason
	if reason == "" {
		reason = fmt.Sprintf("Matched policy rule %s", p.ID)
	}
	return Decision{
		Action:    p.Decision,
		Layer:     layer,
		Reason:    reason,
		RuleID:    p.ID,
		RuleLabel: p.Label,
	}
}

// RuleSummary renders a rule as a short human-readable matcher description.
func RuleSummary(r *rules.Rule) string {
	parts := []string{r.Tool}
	if r.Executable != "" {
		parts = append(parts, r.Executable)
	}
	if r.Pattern != "" {
		parts = append(parts, r.Pattern)
	}
	return strings.Join(parts, " ")
}

// matchPermission reports whether a compiled permission applies to a
// sub-request. Empty match fields are unconstrained.
func matchPermission(p Permission, sr subRequest) bool {
	m := p.Match
	if m.Tool != "" && m.Tool != "*" && m.Tool != sr.Tool {
		return false
	}
	if m.Executable != "" && m.Executable != sr.Executable {
		return false
	}
	if m.CommandMatches != "" {
		if sr.Command == "" || !globmatch.MatchCommand(sr.Command, m.CommandMatches) {
			return false
		}
	}
	if m.PathMatches != "" {
		if sr.Path == "" || !globmatch.Match(sr.Path, m.PathMatches) {
			return false
		}
	}
	if m.PathWithin != "" {
		if sr.Path == "" {
			return false
		}
		root := strings.TrimSuffix(m.PathWithin, "/")
		if sr.Path != root && !strings.HasPrefix(sr.Path, root+"/") {
			return false
		}
	}
	if m.Domain != "" {
		host := urlHost(sr.URL)
		if host == "" || !globmatch.MatchCommand(host, m.Domain) {
			return false
		}
	}
	return true
}
