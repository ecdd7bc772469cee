package policy

import (
	"encoding/json"
	"fmt"
	"strings"
)

const summaryMaxLen = 160

// DisplaySummary renders a tool call as one stable human-readable line for
// audit entries and approval prompts. Equal inputs always produce equal
// output.
func DisplaySummary(tool string, input map[string]interface{}) string {
	var body string
	switch tool {
	case "bash":
		command, _ := input["command"].(string)
		body = collapseWhitespace(command)
	case "read", "write", "edit", "find", "ls":
		path, _ := input["path"].(string)
		if path == "" {
			path, _ = input["file_path"].(string)
		}
		body = path
	case "browser":
		url, _ := input["url"].(string)
		body = url
	}

	if body == "" {
		// encoding/json sorts map keys, keeping the summary stable
		if data, err := json.Marshal(input); err == nil && string(data) != "{}" && string(data) != "null" {
			body = string(data)
		}
	}

	summary := tool
	if body != "" {
		summary = fmt.Sprintf("%s %s", tool, body)
	}
	return truncate(summary, summaryMaxLen)
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-1] + "…"
}
