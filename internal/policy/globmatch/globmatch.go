// Package globmatch implements the glob dialect used by policy rules.
//
// Supported syntax: `*`, `**`, `?`, one level of `{a,b}` alternation,
// `[abc]` / `[!abc]` classes, and `\x` escapes. Patterns are matched with
// explicit backtrack state rather than a host regex engine, so adversarial
// patterns cannot trigger catastrophic backtracking. Targets longer than
// MaxTargetLen are matched by literal prefix only.
package globmatch

import "strings"

// MaxTargetLen bounds full glob evaluation. Longer targets fall back to a
// literal-prefix comparison.
const MaxTargetLen = 10000

type tokenKind int

const (
	tokLiteral tokenKind = iota
	tokQuestion
	tokStar       // single star
	tokDoubleStar // any depth
	tokClass
)

type token struct {
	kind   tokenKind
	ch     byte
	set    string // for classes, expanded member bytes
	negate bool
}

// Match reports whether target matches pattern in path mode: `*` and `?`
// do not cross a path separator, `**` matches any depth.
func Match(target, pattern string) bool {
	return match(target, pattern, false)
}

// MatchCommand reports whether target matches pattern in command mode:
// `*` matches any run of characters including spaces and slashes.
func MatchCommand(target, pattern string) bool {
	return match(target, pattern, true)
}

func match(target, pattern string, crossSep bool) bool {
	if len(target) > MaxTargetLen {
		return strings.HasPrefix(target, LiteralPrefix(pattern))
	}
	for _, variant := range expandBraces(pattern) {
		toks, ok := tokenize(variant, crossSep)
		if !ok {
			continue
		}
		if matchTokens(target, toks, crossSep) {
			return true
		}
	}
	return false
}

// LiteralPrefix returns the leading part of pattern up to the first
// unescaped glob metacharacter, with escapes resolved.
func LiteralPrefix(pattern string) string {
	var b strings.Builder
	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		switch c {
		case '\\':
			if i+1 < len(pattern) {
				i++
				b.WriteByte(pattern[i])
				continue
			}
			return b.String()
		case '*', '?', '[', '{':
			return b.String()
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// HasMeta reports whether pattern contains any unescaped glob metacharacter.
func HasMeta(pattern string) bool {
	for i := 0; i < len(pattern); i++ {
		switch pattern[i] {
		case '\\':
			i++
		case '*', '?', '[', '{':
			return true
		}
	}
	return false
}

// expandBraces expands one level of `{a,b}` alternation. Nested braces are
// treated literally. The result is bounded to keep expansion linear.
func expandBraces(pattern string) []string {
	open := -1
	for i := 0; i < len(pattern); i++ {
		switch pattern[i] {
		case '\\':
			i++
		case '[':
			// skip class; a brace inside a class is literal
			for i++; i < len(pattern) && pattern[i] != ']'; i++ {
				if pattern[i] == '\\' {
					i++
				}
			}
		case '{':
			open = i
		}
		if open >= 0 {
			break
		}
	}
	if open < 0 {
		return []string{pattern}
	}

	depth := 0
	closeIdx := -1
	var alts []string
	start := open + 1
	for i := open + 1; i < len(pattern); i++ {
		switch pattern[i] {
		case '\\':
			i++
		case '{':
			depth++
		case '}':
			if depth == 0 {
				alts = append(alts, pattern[start:i])
				closeIdx = i
			} else {
				depth--
			}
		case ',':
			if depth == 0 {
				alts = append(alts, pattern[start:i])
				start = i + 1
			}
		}
		if closeIdx >= 0 {
			break
		}
	}
	if closeIdx < 0 {
		// unterminated brace, treat literally
		return []string{pattern}
	}

	prefix := pattern[:open]
	suffix := pattern[closeIdx+1:]
	out := make([]string, 0, len(alts)*2)
	for _, alt := range alts {
		for _, tail := range expandBraces(suffix) {
			out = append(out, prefix+alt+tail)
			if len(out) > 64 {
				// degenerate alternation, stop expanding
				return out
			}
		}
	}
	return out
}

func tokenize(pattern string, crossSep bool) ([]token, bool) {
	toks := make([]token, 0, len(pattern))
	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		switch c {
		case '\\':
			if i+1 >= len(pattern) {
				toks = append(toks, token{kind: tokLiteral, ch: c})
				continue
			}
			i++
			toks = append(toks, token{kind: tokLiteral, ch: pattern[i]})
		case '?':
			toks = append(toks, token{kind: tokQuestion})
		case '*':
			if i+1 < len(pattern) && pattern[i+1] == '*' {
				i++
				toks = append(toks, token{kind: tokDoubleStar})
			} else if crossSep {
				toks = append(toks, token{kind: tokDoubleStar})
			} else {
				toks = append(toks, token{kind: tokStar})
			}
		case '[':
			set, negate, next, ok := parseClass(pattern, i)
			if !ok {
				toks = append(toks, token{kind: tokLiteral, ch: c})
				continue
			}
			toks = append(toks, token{kind: tokClass, set: set, negate: negate})
			i = next
		default:
			toks = append(toks, token{kind: tokLiteral, ch: c})
		}
	}
	return toks, true
}

// parseClass parses a `[...]` class starting at pattern[start]=='['.
// Returns the expanded member set, negation flag, and the index of ']'.
func parseClass(pattern string, start int) (string, bool, int, bool) {
	i := start + 1
	negate := false
	if i < len(pattern) && (pattern[i] == '!' || pattern[i] == '^') {
		negate = true
		i++
	}
	var set strings.Builder
	first := true
	for ; i < len(pattern); i++ {
		c := pattern[i]
		if c == ']' && !first {
			return set.String(), negate, i, true
		}
		first = false
		if c == '\\' && i+1 < len(pattern) {
			i++
			c = pattern[i]
		}
		// range like a-z
		if i+2 < len(pattern) && pattern[i+1] == '-' && pattern[i+2] != ']' {
			lo, hi := c, pattern[i+2]
			i += 2
			for b := lo; b <= hi; b++ {
				set.WriteByte(b)
			}
			continue
		}
		set.WriteByte(c)
	}
	return "", false, start, false
}

func (t token) matchesByte(c byte, crossSep bool) bool {
	switch t.kind {
	case tokLiteral:
		return t.ch == c
	case tokQuestion:
		return crossSep || c != '/'
	case tokClass:
		in := strings.IndexByte(t.set, c) >= 0
		if t.negate {
			return !in && (crossSep || c != '/')
		}
		return in
	}
	return false
}

// matchTokens runs the standard greedy wildcard match with a single
// backtrack point. Linear in len(target) * len(toks).
func matchTokens(target string, toks []token, crossSep bool) bool {
	ti, pi := 0, 0
	starTi, starPi := -1, -1
	starCross := false

	for ti < len(target) {
		if pi < len(toks) {
			tk := toks[pi]
			switch tk.kind {
			case tokStar:
				starTi, starPi = ti, pi
				starCross = false
				pi++
				continue
			case tokDoubleStar:
				starTi, starPi = ti, pi
				starCross = true
				pi++
				continue
			default:
				if tk.matchesByte(target[ti], crossSep) {
					ti++
					pi++
					continue
				}
			}
		}
		if starPi >= 0 {
			if !starCross && target[starTi] == '/' {
				return false
			}
			starTi++
			ti = starTi
			pi = starPi + 1
			continue
		}
		return false
	}

	for pi < len(toks) && (toks[pi].kind == tokStar || toks[pi].kind == tokDoubleStar) {
		pi++
	}
	return pi == len(toks)
}
