package policy

// DefaultFileConfig is the built-in policy used when no config file exists.
// Guardrails here are deliberately narrow: they stop credential theft and
// irreversible destruction, and leave everything else to ask.
func DefaultFileConfig() *FileConfig {
	return &FileConfig{
		SchemaVersion: 1,
		Mode:          "default",
		Description:   "Built-in guardrails with ask fallback",
		Fallback:      "ask",
		Guardrails: []Permission{
			{
				ID:        "block-auth-json-read",
				Decision:  ActionDeny,
				Label:     "Agent credential file",
				Reason:    "Protect API keys and OAuth tokens stored by the agent",
				Immutable: true,
				Match:     MatchSpec{PathMatches: "**/agent/auth.json"},
			},
			{
				ID:        "block-ssh-key-read",
				Decision:  ActionDeny,
				Label:     "SSH private keys",
				Reason:    "Private SSH keys must never be exposed to a session",
				Immutable: true,
				Match:     MatchSpec{PathMatches: "**/.ssh/id_*"},
			},
			{
				ID:        "block-aws-credentials",
				Decision:  ActionDeny,
				Label:     "AWS credential file",
				Reason:    "Cloud credentials must never be exposed to a session",
				Immutable: true,
				Match:     MatchSpec{PathMatches: "**/.aws/credentials"},
			},
			{
				ID:        "block-privilege-escalation",
				Decision:  ActionDeny,
				Label:     "Privilege escalation",
				Reason:    "Privilege escalation is not available to agent sessions",
				Immutable: true,
				Match:     MatchSpec{CommandMatches: "{sudo,su,doas} *"},
			},
			{
				ID:        "block-recursive-root-delete",
				Decision:  ActionDeny,
				Label:     "Recursive root delete",
				Reason:    "Recursive deletion of the filesystem root is never allowed",
				Immutable: true,
				Match:     MatchSpec{CommandMatches: "rm -r* /"},
			},
			{
				ID:        "block-no-preserve-root",
				Decision:  ActionDeny,
				Label:     "rm --no-preserve-root",
				Reason:    "Recursive deletion of the filesystem root is never allowed",
				Immutable: true,
				Match:     MatchSpec{Executable: "rm", CommandMatches: "*--no-preserve-root*"},
			},
			{
				ID:        "block-fork-bomb",
				Decision:  ActionDeny,
				Label:     "Fork bomb",
				Reason:    "Fork bombs are never allowed",
				Immutable: true,
				Match:     MatchSpec{CommandMatches: "*:()*:|:&*"},
			},
			{
				ID:        "block-world-writable-root",
				Decision:  ActionDeny,
				Label:     "chmod 777 on root",
				Reason:    "World-writable permissions on the filesystem root are never allowed",
				Immutable: true,
				Match:     MatchSpec{Executable: "chmod", CommandMatches: "chmod *777 /"},
			},
		},
		Permissions: []Permission{
			{
				ID:       "allow-git-inspection",
				Decision: ActionAllow,
				Label:    "Read-only git",
				Match:    MatchSpec{Executable: "git", CommandMatches: "git {status,log,diff,show,branch}*"},
			},
			{
				ID:       "allow-basic-inspection",
				Decision: ActionAllow,
				Label:    "Basic shell inspection",
				Match:    MatchSpec{CommandMatches: "{pwd,whoami,date,id,uname*}"},
			},
		},
	}
}
