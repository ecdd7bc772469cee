package policy

import (
	"strings"

	"github.com/duh17/oppi/internal/policy/bashparse"
	"github.com/duh17/oppi/internal/policy/globmatch"
)

// ResolvedHeuristics carries the effective switch for every heuristic.
type ResolvedHeuristics struct {
	PipeToShell          HeuristicSetting
	DataEgress           HeuristicSetting
	SecretEnvInURL       HeuristicSetting
	SecretFileAccess     HeuristicSetting
	BrowserUnknownDomain HeuristicSetting
	BrowserEval          HeuristicSetting
}

func resolveHeuristics(h *Heuristics) ResolvedHeuristics {
	r := ResolvedHeuristics{
		PipeToShell:          HeuristicSetting{Enabled: true, Action: ActionAsk},
		DataEgress:           HeuristicSetting{Enabled: true, Action: ActionAsk},
		SecretEnvInURL:       HeuristicSetting{Enabled: true, Action: ActionDeny},
		SecretFileAccess:     HeuristicSetting{Enabled: true, Action: ActionAsk},
		BrowserUnknownDomain: HeuristicSetting{Enabled: true, Action: ActionAsk},
		BrowserEval:          HeuristicSetting{Enabled: true, Action: ActionAsk},
	}
	if h == nil {
		return r
	}
	if h.PipeToShell != nil {
		r.PipeToShell = *h.PipeToShell
	}
	if h.DataEgress != nil {
		r.DataEgress = *h.DataEgress
	}
	if h.SecretEnvInURL != nil {
		r.SecretEnvInURL = *h.SecretEnvInURL
	}
	if h.SecretFileAccess != nil {
		r.SecretFileAccess = *h.SecretFileAccess
	}
	if h.BrowserUnknownDomain != nil {
		r.BrowserUnknownDomain = *h.BrowserUnknownDomain
	}
	if h.BrowserEval != nil {
		r.BrowserEval = *h.BrowserEval
	}
	return r
}

var downloaders = map[string]bool{"curl": true, "wget": true, "fetch": true}

var shells = map[string]bool{
	"sh": true, "bash": true, "zsh": true, "dash": true, "ksh": true, "fish": true,
}

var secretFilePatterns = []string{
	"**/.ssh/id_*",
	"**/agent/auth.json",
	"**/*credentials*",
	"**/.aws/**",
	"**/.netrc",
	"**/*.pem",
	"**/.env",
	"**/.env.*",
}

var secretParamMarkers = []string{"_KEY=", "_SECRET=", "_TOKEN=", "_PASSWORD="}

// heuristicDecision runs the structural heuristics against one sub-request.
// Returns nil when no enabled heuristic fires.
func (e *Engine) heuristicDecision(sr subRequest) *Decision {
	h := e.compiled.Heuristics

	if sr.Tool == "bash" {
		if h.PipeToShell.Enabled && sr.segment != nil && pipesToShell(sr.segment) {
			return heuristicResult(h.PipeToShell, "pipe-to-shell",
				"Command downloads content and pipes it into a shell")
		}
		if h.DataEgress.Enabled && isDataEgress(sr) {
			return heuristicResult(h.DataEgress, "data-egress",
				"Command uploads data to a remote host")
		}
		if h.SecretEnvInURL.Enabled && hasSecretInURL(sr.Command) {
			return heuristicResult(h.SecretEnvInURL, "secret-in-url",
				"Command places a secret-bearing value in a URL")
		}
	}

	if rulesFileTool(sr.Tool) && h.SecretFileAccess.Enabled && sr.Path != "" {
		for _, pat := range secretFilePatterns {
			if globmatch.Match(sr.Path, pat) {
				return heuristicResult(h.SecretFileAccess, "secret-file",
					"Path matches a known secret file location")
			}
		}
	}

	if sr.Tool == "browser" {
		if h.BrowserEval.Enabled && browserEvals(sr) {
			return heuristicResult(h.BrowserEval, "browser-eval",
				"Browser request evaluates arbitrary script")
		}
		if h.BrowserUnknownDomain.Enabled && sr.URL != "" && !e.knownDomain(sr.URL) {
			return heuristicResult(h.BrowserUnknownDomain, "browser-unknown-domain",
				"Browser navigation to a domain no policy rule recognizes")
		}
	}

	return nil
}

func heuristicResult(s HeuristicSetting, id, reason string) *Decision {
	return &Decision{Action: s.Action, Layer: LayerHeuristic, Reason: reason, RuleID: id}
}

func rulesFileTool(tool string) bool {
	switch tool {
	case "read", "write", "edit", "find", "ls":
		return true
	}
	return false
}

// pipesToShell detects the `curl … | sh` shape: a downloader stage followed
// by a shell stage anywhere later in the same pipeline segment.
func pipesToShell(seg *bashparse.Segment) bool {
	sawDownloader := false
	for _, st := range seg.Stages {
		if downloaders[st.Executable] {
			sawDownloader = true
			continue
		}
		if sawDownloader && shells[st.Executable] {
			return true
		}
	}
	return false
}

func isDataEgress(sr subRequest) bool {
	if !downloaders[sr.Executable] {
		return false
	}
	tokens := strings.Fields(sr.Command)
	hasUpload := false
	hasRemote := false
	for _, tok := range tokens {
		switch {
		case tok == "-d" || tok == "-F" || tok == "--form" || tok == "-T" ||
			tok == "--upload-file" || strings.HasPrefix(tok, "--data"):
			hasUpload = true
		case strings.HasPrefix(tok, "http://") || strings.HasPrefix(tok, "https://"):
			host := urlHost(tok)
			if host != "localhost" && host != "127.0.0.1" && host != "::1" {
				hasRemote = true
			}
		}
	}
	return hasUpload && hasRemote
}

// hasSecretInURL flags URLs carrying *_KEY= / *_SECRET= / *_TOKEN= query
// parameters, literal or via shell variable substitution.
func hasSecretInURL(command string) bool {
	for _, tok := range strings.Fields(command) {
		if !strings.Contains(tok, "://") {
			continue
		}
		upper := strings.ToUpper(tok)
		for _, marker := range secretParamMarkers {
			if strings.Contains(upper, marker) {
				return true
			}
			// $API_KEY style substitution inside the URL
			name := strings.TrimSuffix(marker, "=")
			if strings.Contains(upper, "$"+name) || strings.Contains(upper, "${") && strings.Contains(upper, name) {
				return true
			}
		}
	}
	return false
}

func browserEvals(sr subRequest) bool {
	if _, ok := sr.rawInput["script"]; ok {
		return true
	}
	action, _ := sr.rawInput["action"].(string)
	return action == "eval" || action == "evaluate"
}

// knownDomain reports whether any compiled rule names the URL's host.
func (e *Engine) knownDomain(url string) bool {
	host := urlHost(url)
	if host == "" {
		return false
	}
	for _, p := range e.compiled.Rules {
		if p.Match.Domain != "" && globmatch.MatchCommand(host, p.Match.Domain) {
			return true
		}
	}
	return false
}

// firstURL returns the first http(s) URL token of a command, or "".
func firstURL(command string) string {
	for _, tok := range strings.Fields(command) {
		if strings.HasPrefix(tok, "http://") || strings.HasPrefix(tok, "https://") {
			return tok
		}
	}
	return ""
}

// urlHost extracts the host portion of a URL without parsing the full URL.
func urlHost(url string) string {
	rest := url
	if i := strings.Index(rest, "://"); i >= 0 {
		rest = rest[i+3:]
	} else {
		return ""
	}
	for i := 0; i < len(rest); i++ {
		switch rest[i] {
		case '/', '?', '#', ':':
			return rest[:i]
		}
	}
	return rest
}
