package filter

import "strings"

// globMatcher is a hand-rolled glob compiler for the subset of pattern
// syntax §4.5 requires: "*" matches within one path segment and never
// crosses "/" (an unanchored pattern still matches at any depth, by
// being tried against the path's trailing segments), "**" crosses "/", "?" matches a
// single non-separator character, "[...]" is a character class, and "\"
// escapes the following metacharacter. No corpus example imports a glob
// library with this exact semantics (globset is Rust-only), so the
// matcher is compiled to a small segment-based matcher rather than
// force-fitting path.Match, which cannot express "**" or anchoring.
type globMatcher struct {
	segments []string // pattern split on "/", "**" kept as a literal segment
	anchored bool
}

func compileGlob(pattern string, anchored bool) (*globMatcher, error) {
	return &globMatcher{
		segments: strings.Split(pattern, "/"),
		anchored: anchored,
	}, nil
}

// match reports whether path (relative, "/"-separated, no leading "/")
// matches m. Unanchored patterns may match starting at any path segment
// boundary (the implicit recursive-wildcard prefix); anchored patterns
// must match starting at the root.
func (m *globMatcher) match(path string) bool {
	pathSegs := strings.Split(path, "/")
	if m.anchored {
		return matchSegments(m.segments, pathSegs)
	}
	for start := 0; start <= len(pathSegs); start++ {
		if matchSegments(m.segments, pathSegs[start:]) {
			return true
		}
	}
	return false
}

// matchSegments matches pattern segments against path segments, where a
// "**" pattern segment consumes zero or more path segments.
func matchSegments(pat, path []string) bool {
	if len(pat) == 0 {
		return len(path) == 0
	}
	if pat[0] == "**" {
		if matchSegments(pat[1:], path) {
			return true
		}
		for i := 1; i <= len(path); i++ {
			if matchSegments(pat[1:], path[i:]) {
				return true
			}
		}
		return false
	}
	if len(path) == 0 {
		return false
	}
	if !matchSegment(pat[0], path[0]) {
		return false
	}
	return matchSegments(pat[1:], path[1:])
}

// matchSegment matches a single path component against a single pattern
// component containing "*", "?", "[...]", and "\" escapes; "*" never
// crosses a "/" because matching operates per-segment already.
func matchSegment(pat, name string) bool {
	return matchHere(pat, name)
}

func matchHere(pat, name string) bool {
	for len(pat) > 0 {
		switch pat[0] {
		case '*':
			// Try every possible split point (including consuming nothing).
			if len(pat) > 1 && pat[1] == '*' {
				// A stray "**" inside a single segment behaves like "*".
				pat = pat[1:]
				continue
			}
			rest := pat[1:]
			for i := 0; i <= len(name); i++ {
				if matchHere(rest, name[i:]) {
					return true
				}
			}
			return false
		case '?':
			if len(name) == 0 {
				return false
			}
			pat, name = pat[1:], name[1:]
		case '[':
			end := strings.IndexByte(pat, ']')
			if end < 0 || len(name) == 0 {
				return false
			}
			class := pat[1:end]
			neg := false
			if strings.HasPrefix(class, "!") || strings.HasPrefix(class, "^") {
				neg = true
				class = class[1:]
			}
			if (strings.IndexByte(class, name[0]) >= 0) == neg {
				return false
			}
			pat, name = pat[end+1:], name[1:]
		case '\\':
			if len(pat) < 2 {
				return false
			}
			if len(name) == 0 || name[0] != pat[1] {
				return false
			}
			pat, name = pat[2:], name[1:]
		default:
			if len(name) == 0 || name[0] != pat[0] {
				return false
			}
			pat, name = pat[1:], name[1:]
		}
	}
	return len(name) == 0
}
