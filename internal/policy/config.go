// Package policy implements the layered tool-call decision engine.
package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
)

// Action is a policy outcome.
type Action string

const (
	ActionAllow Action = "allow"
	ActionAsk   Action = "ask"
	ActionDeny  Action = "deny"
)

// MatchSpec selects the requests a permission applies to. At least one
// field must be set.
type MatchSpec struct {
	Tool           string `json:"tool,omitempty"`
	Executable     string `json:"executable,omitempty"`
	CommandMatches string `json:"commandMatches,omitempty"`
	PathMatches    string `json:"pathMatches,omitempty"`
	PathWithin     string `json:"pathWithin,omitempty"`
	Domain         string `json:"domain,omitempty"`
}

// Permission is one declarative rule in the policy config.
type Permission struct {
	ID        string    `json:"id"`
	Decision  Action    `json:"decision"`
	Label     string    `json:"label,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Immutable bool      `json:"immutable,omitempty"`
	Match     MatchSpec `json:"match"`
}

// HeuristicSetting is allow | ask | block | false (disabled).
type HeuristicSetting struct {
	Enabled bool
	Action  Action
}

// UnmarshalJSON accepts "allow", "ask", "block"/"deny", or false.
func (h *HeuristicSetting) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		if b {
			return fmt.Errorf("heuristic value true is not valid; use allow, ask, block, or false")
		}
		h.Enabled = false
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("heuristic value must be a string or false")
	}
	action, err := parseAction(s)
	if err != nil {
		return err
	}
	h.Enabled = true
	h.Action = action
	return nil
}

// Heuristics holds per-heuristic switches.
type Heuristics struct {
	PipeToShell          *HeuristicSetting `json:"pipeToShell,omitempty"`
	DataEgress           *HeuristicSetting `json:"dataEgress,omitempty"`
	SecretEnvInURL       *HeuristicSetting `json:"secretEnvInUrl,omitempty"`
	SecretFileAccess     *HeuristicSetting `json:"secretFileAccess,omitempty"`
	BrowserUnknownDomain *HeuristicSetting `json:"browserUnknownDomain,omitempty"`
	BrowserEval          *HeuristicSetting `json:"browserEval,omitempty"`
}

// FileConfig is the on-disk declarative policy configuration.
type FileConfig struct {
	SchemaVersion int          `json:"schemaVersion"`
	Mode          string       `json:"mode,omitempty"`
	Description   string       `json:"description,omitempty"`
	Fallback      string       `json:"fallback"`
	Guardrails    []Permission `json:"guardrails"`
	Permissions   []Permission `json:"permissions"`
	Heuristics    *Heuristics  `json:"heuristics,omitempty"`
}

var slugRe = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{1,62}[a-z0-9]$`)

var topLevelKeys = map[string]bool{
	"schemaVersion": true, "mode": true, "description": true,
	"fallback": true, "guardrails": true, "permissions": true, "heuristics": true,
}

var permissionKeys = map[string]bool{
	"id": true, "decision": true, "label": true, "reason": true,
	"immutable": true, "match": true,
}

var matchKeys = map[string]bool{
	"tool": true, "executable": true, "commandMatches": true,
	"pathMatches": true, "pathWithin": true, "domain": true,
}

var heuristicKeys = map[string]bool{
	"pipeToShell": true, "dataEgress": true, "secretEnvInUrl": true,
	"secretFileAccess": true, "browserUnknownDomain": true, "browserEval": true,
}

// LoadFileConfig reads and validates a policy config file. A missing file
// yields the built-in default configuration.
func LoadFileConfig(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultFileConfig(), nil
		}
		return nil, fmt.Errorf("read policy config: %w", err)
	}
	return ParseFileConfig(data, true)
}

// ParseFileConfig parses a policy config. In strict mode unknown keys are
// errors, reported with their JSON path.
func ParseFileConfig(data []byte, strict bool) (*FileConfig, error) {
	if strict {
		if err := checkUnknownKeys(data); err != nil {
			return nil, err
		}
	}

	var cfg FileConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse policy config: %w", err)
	}

	if cfg.SchemaVersion != 1 {
		return nil, fmt.Errorf("unsupported schemaVersion %d", cfg.SchemaVersion)
	}
	if _, err := parseAction(cfg.Fallback); err != nil {
		return nil, fmt.Errorf("fallback: %w", err)
	}

	for i := range cfg.Guardrails {
		if err := validatePermission(&cfg.Guardrails[i], fmt.Sprintf("guardrails[%d]", i)); err != nil {
			return nil, err
		}
	}
	for i := range cfg.Permissions {
		if err := validatePermission(&cfg.Permissions[i], fmt.Sprintf("permissions[%d]", i)); err != nil {
			return nil, err
		}
	}

	return &cfg, nil
}

func validatePermission(p *Permission, path string) error {
	if !slugRe.MatchString(p.ID) {
		return fmt.Errorf("%s.id: %q is not a valid slug (3-64 chars)", path, p.ID)
	}
	action, err := parseAction(string(p.Decision))
	if err != nil {
		return fmt.Errorf("%s.decision: %w", path, err)
	}
	p.Decision = action

	m := p.Match
	if m.Tool == "" && m.Executable == "" && m.CommandMatches == "" &&
		m.PathMatches == "" && m.PathWithin == "" && m.Domain == "" {
		return fmt.Errorf("%s.match: at least one match field is required", path)
	}
	return nil
}

// parseAction parses an action string; "block" is a synonym for deny.
func parseAction(s string) (Action, error) {
	switch s {
	case "allow":
		return ActionAllow, nil
	case "ask":
		return ActionAsk, nil
	case "deny", "block":
		return ActionDeny, nil
	}
	return "", fmt.Errorf("invalid action %q (want allow, ask, or block)", s)
}

// checkUnknownKeys validates the key surface of the raw document.
func checkUnknownKeys(data []byte) error {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return fmt.Errorf("parse policy config: %w", err)
	}
	for key := range top {
		if !topLevelKeys[key] {
			return fmt.Errorf("unknown config key %q", key)
		}
	}

	for _, section := range []string{"guardrails", "permissions"} {
		raw, ok := top[section]
		if !ok {
			continue
		}
		var items []map[string]json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return fmt.Errorf("%s: expected an array of objects", section)
		}
		for i, item := range items {
			for key := range item {
				if !permissionKeys[key] {
					return fmt.Errorf("unknown key %q at %s[%d]", key, section, i)
				}
			}
			if matchRaw, ok := item["match"]; ok {
				var match map[string]json.RawMessage
				if err := json.Unmarshal(matchRaw, &match); err != nil {
					return fmt.Errorf("%s[%d].match: expected an object", section, i)
				}
				for key := range match {
					if !matchKeys[key] {
						return fmt.Errorf("unknown key %q at %s[%d].match", key, section, i)
					}
				}
			}
		}
	}

	if raw, ok := top["heuristics"]; ok {
		var h map[string]json.RawMessage
		if err := json.Unmarshal(raw, &h); err != nil {
			return fmt.Errorf("heuristics: expected an object")
		}
		for key := range h {
			if !heuristicKeys[key] {
				return fmt.Errorf("unknown key %q at heuristics", key)
			}
		}
	}
	return nil
}
