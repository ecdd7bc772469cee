// Package bashparse splits shell command lines for policy evaluation.
//
// The parser understands chaining operators (`;`, `&&`, `||`, newline),
// pipelines, single quotes, double quotes, and backslash escapes. It never
// spawns a shell. It is intentionally not a full shell grammar: subshells
// and substitutions are kept as opaque words.
package bashparse

import (
	"path/filepath"
	"strings"
)

// Command is the parse result for one raw command line.
type Command struct {
	Raw      string
	Segments []Segment
}

// Segment is one chain element (between `;`, `&&`, `||`, or newlines).
type Segment struct {
	Raw    string
	Stages []Stage
}

// Stage is one pipeline stage within a segment.
type Stage struct {
	Raw        string
	Executable string   // wrapper-stripped base name, "" if none
	Args       []string // tokens after the executable
}

// wrappers are executables that are skipped when resolving the effective
// executable of a stage. `env` additionally skips NAME=value assignments
// and its own flags.
var wrappers = map[string]bool{
	"env":     true,
	"nice":    true,
	"nohup":   true,
	"time":    true,
	"command": true,
	"builtin": true,
}

// Parse splits a raw command into chain segments and pipeline stages.
// Parse(c).Raw == c always holds.
func Parse(raw string) Command {
	cmd := Command{Raw: raw}
	for _, seg := range SplitChain(raw) {
		segment := Segment{Raw: seg}
		for _, stage := range SplitPipeline(seg) {
			tokens := Tokenize(stage)
			exe, args := resolveExecutable(tokens)
			segment.Stages = append(segment.Stages, Stage{
				Raw:        stage,
				Executable: exe,
				Args:       args,
			})
		}
		cmd.Segments = append(cmd.Segments, segment)
	}
	return cmd
}

// Executable returns the effective executable of the first stage of the
// first segment, or "" when the command is empty.
func (c Command) Executable() string {
	if len(c.Segments) == 0 || len(c.Segments[0].Stages) == 0 {
		return ""
	}
	return c.Segments[0].Stages[0].Executable
}

// SplitChain splits a command on `;`, `&&`, `||`, and newlines, respecting
// single quotes, double quotes, and backslash escapes. Empty segments are
// dropped; the operators themselves never appear in the output.
func SplitChain(raw string) []string {
	var out []string
	var cur strings.Builder
	flush := func() {
		s := strings.TrimSpace(cur.String())
		if s != "" {
			out = append(out, s)
		}
		cur.Reset()
	}

	inSingle, inDouble := false, false
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		switch {
		case c == '\\' && !inSingle && i+1 < len(raw):
			cur.WriteByte(c)
			i++
			cur.WriteByte(raw[i])
		case c == '\'' && !inDouble:
			inSingle = !inSingle
			cur.WriteByte(c)
		case c == '"' && !inSingle:
			inDouble = !inDouble
			cur.WriteByte(c)
		case inSingle || inDouble:
			cur.WriteByte(c)
		case c == '\n' || c == ';':
			flush()
		case c == '&' && i+1 < len(raw) && raw[i+1] == '&':
			flush()
			i++
		case c == '|' && i+1 < len(raw) && raw[i+1] == '|':
			flush()
			i++
		default:
			cur.WriteByte(c)
		}
	}
	flush()
	return out
}

// SplitPipeline splits a chain segment on single `|` (pipe), respecting
// quotes and escapes. `||` never reaches here because SplitChain consumes it.
func SplitPipeline(segment string) []string {
	var out []string
	var cur strings.Builder
	flush := func() {
		s := strings.TrimSpace(cur.String())
		if s != "" {
			out = append(out, s)
		}
		cur.Reset()
	}

	inSingle, inDouble := false, false
	for i := 0; i < len(segment); i++ {
		c := segment[i]
		switch {
		case c == '\\' && !inSingle && i+1 < len(segment):
			cur.WriteByte(c)
			i++
			cur.WriteByte(segment[i])
		case c == '\'' && !inDouble:
			inSingle = !inSingle
			cur.WriteByte(c)
		case c == '"' && !inSingle:
			inDouble = !inDouble
			cur.WriteByte(c)
		case inSingle || inDouble:
			cur.WriteByte(c)
		case c == '|':
			// |& pipes stderr too; treat like a plain pipe
			flush()
			if i+1 < len(segment) && segment[i+1] == '&' {
				i++
			}
		default:
			cur.WriteByte(c)
		}
	}
	flush()
	return out
}

// Tokenize splits a single stage into words, removing quotes and resolving
// backslash escapes outside single quotes.
func Tokenize(stage string) []string {
	var out []string
	var cur strings.Builder
	started := false
	flush := func() {
		if started {
			out = append(out, cur.String())
			cur.Reset()
			started = false
		}
	}

	inSingle, inDouble := false, false
	for i := 0; i < len(stage); i++ {
		c := stage[i]
		switch {
		case c == '\\' && !inSingle && i+1 < len(stage):
			i++
			cur.WriteByte(stage[i])
			started = true
		case c == '\'' && !inDouble:
			inSingle = !inSingle
			started = true
		case c == '"' && !inSingle:
			inDouble = !inDouble
			started = true
		case inSingle || inDouble:
			cur.WriteByte(c)
		case c == ' ' || c == '\t':
			flush()
		default:
			cur.WriteByte(c)
			started = true
		}
	}
	flush()
	return out
}

// resolveExecutable strips leading environment assignments and wrapper
// executables, returning the effective executable base name and the tokens
// that follow it.
func resolveExecutable(tokens []string) (string, []string) {
	i := 0
	for i < len(tokens) {
		tok := tokens[i]
		if isEnvAssignment(tok) {
			i++
			continue
		}
		base := filepath.Base(tok)
		if wrappers[base] {
			i++
			// env and wrappers may carry their own flags and assignments
			for i < len(tokens) && (strings.HasPrefix(tokens[i], "-") || isEnvAssignment(tokens[i])) {
				i++
			}
			continue
		}
		if i+1 <= len(tokens) {
			return base, tokens[i+1:]
		}
		return base, nil
	}
	return "", nil
}

// isEnvAssignment reports whether a token has the NAME=value shape.
func isEnvAssignment(tok string) bool {
	eq := strings.IndexByte(tok, '=')
	if eq <= 0 {
		return false
	}
	for i := 0; i < eq; i++ {
		c := tok[i]
		if !(c == '_' || c >= 'A' && c <= 'Z' || c >= 'a' && c <= 'z' || (i > 0 && c >= '0' && c <= '9')) {
			return false
		}
	}
	return true
}
