// Package filter implements §4.5's ordered include/exclude/protect/risk
// rule evaluator: anchored and unanchored glob patterns, directory-only
// rules, side scoping (sender-only / receiver-only), and clear directives.
//
// A FilterSet is shared-immutable once built: multiple goroutines may call
// Allows/AllowsDeletion concurrently, and no method mutates the set.
package filter

import (
	"fmt"
	"strings"
)

// Action is one of the rule kinds a FilterRule carries (§3).
type Action int

const (
	ActionInclude Action = iota
	ActionExclude
	ActionProtect
	ActionRisk
	ActionClear
)

func (a Action) String() string {
	switch a {
	case ActionInclude:
		return "include"
	case ActionExclude:
		return "exclude"
	case ActionProtect:
		return "protect"
	case ActionRisk:
		return "risk"
	case ActionClear:
		return "clear"
	default:
		return "unknown"
	}
}

// Rule is one source-level filter directive (§3's FilterRule), before
// compilation into a matcher.
type Rule struct {
	Action Action
	Pattern string

	AppliesToSender   bool
	AppliesToReceiver bool

	// Perishable rules do not prevent their containing directory from
	// being deleted even if they match descendants.
	Perishable bool
}

// side is a bitmask identifying which traversal side(s) a rule applies to.
type side int

const (
	sideSender side = 1 << iota
	sideReceiver
)

func (r Rule) sideMask() side {
	var m side
	if r.AppliesToSender {
		m |= sideSender
	}
	if r.AppliesToReceiver {
		m |= sideReceiver
	}
	if m == 0 {
		// Unscoped rules (the common case) apply to both sides.
		m = sideSender | sideReceiver
	}
	return m
}

// compiledRule is a Rule plus its derived match metadata: anchoring,
// directory-only scoping, and the compiled glob matcher.
type compiledRule struct {
	rule Rule
	side side

	anchored      bool // leading "/"
	directoryOnly bool // trailing "/"
	matcher       *globMatcher
}

// FilterSet is the compiled, ordered rule list produced by Compile. It is
// immutable after construction.
type FilterSet struct {
	transferRules []compiledRule // include/exclude, in definition order
	deleteRules   []compiledRule // protect/risk, in definition order
}

// Compile builds a FilterSet from an ordered rule list, applying Clear
// directives as it goes (a Clear rule drops all prior rules whose side
// scope intersects its own).
func Compile(rules []Rule) (*FilterSet, error) {
	fs := &FilterSet{}
	for _, r := range rules {
		if r.Action == ActionClear {
			scope := r.sideMask()
			fs.transferRules = filterOutSide(fs.transferRules, scope)
			fs.deleteRules = filterOutSide(fs.deleteRules, scope)
			continue
		}
		cr, err := compile(r)
		if err != nil {
			return nil, err
		}
		switch r.Action {
		case ActionInclude, ActionExclude:
			fs.transferRules = append(fs.transferRules, cr)
		case ActionProtect, ActionRisk:
			fs.deleteRules = append(fs.deleteRules, cr)
		default:
			return nil, fmt.Errorf("filter: unsupported action %v", r.Action)
		}
	}
	return fs, nil
}

func filterOutSide(rules []compiledRule, scope side) []compiledRule {
	out := rules[:0:0]
	for _, r := range rules {
		if r.side&scope != 0 {
			continue
		}
		out = append(out, r)
	}
	return out
}

func compile(r Rule) (compiledRule, error) {
	pattern := r.Pattern
	anchored := strings.HasPrefix(pattern, "/")
	if anchored {
		pattern = pattern[1:]
	}
	directoryOnly := strings.HasSuffix(pattern, "/")
	if directoryOnly {
		pattern = strings.TrimSuffix(pattern, "/")
	}
	m, err := compileGlob(pattern, anchored)
	if err != nil {
		return compiledRule{}, fmt.Errorf("filter: compiling pattern %q: %w", r.Pattern, err)
	}
	return compiledRule{
		rule:          r,
		side:          r.sideMask(),
		anchored:      anchored,
		directoryOnly: directoryOnly,
		matcher:       m,
	}, nil
}

// matches reports whether cr applies to path (already relative to the
// transfer root, always using "/" separators), given whether it's a
// directory, honoring directory-only scoping (the rule also matches
// descendants of a matched directory).
func (cr compiledRule) matches(path string, isDir bool) bool {
	if cr.directoryOnly {
		if isDir && cr.matcher.match(path) {
			return true
		}
		// descendant of a matched directory
		if dir, rest := splitMatchedAncestor(path, cr.matcher); dir != "" {
			_ = rest
			return true
		}
		return false
	}
	return cr.matcher.match(path)
}

// splitMatchedAncestor checks whether any ancestor directory of path
// matches m, implementing "its descendants are also filtered" for
// directory-only rules.
func splitMatchedAncestor(path string, m *globMatcher) (matchedDir, rest string) {
	parts := strings.Split(path, "/")
	for i := 1; i < len(parts); i++ {
		candidate := strings.Join(parts[:i], "/")
		if m.match(candidate) {
			return candidate, strings.Join(parts[i:], "/")
		}
	}
	return "", ""
}

// lastMatching scans rules in reverse, returning the first rule applicable
// to want whose pattern matches (path, isDir); §4.5: "Last-matching-rule
// with side scoping is implemented by scanning rules in reverse".
func lastMatching(rules []compiledRule, want side, path string, isDir bool) (compiledRule, bool) {
	for i := len(rules) - 1; i >= 0; i-- {
		cr := rules[i]
		if cr.side&want == 0 {
			continue
		}
		if cr.matches(path, isDir) {
			return cr, true
		}
	}
	return compiledRule{}, false
}

// Allows reports whether path is included in the transfer from the sender
// side, defaulting to true when no rule matches (§4.5).
func (fs *FilterSet) Allows(path string, isDir bool) bool {
	return fs.allowsSide(path, isDir, sideSender)
}

// AllowsReceiver is Allows evaluated against receiver-side scoped rules,
// used when the executor itself performs filtering locally (no remote
// sender side exists, e.g. a purely local copy).
func (fs *FilterSet) AllowsReceiver(path string, isDir bool) bool {
	return fs.allowsSide(path, isDir, sideReceiver)
}

func (fs *FilterSet) allowsSide(path string, isDir bool, want side) bool {
	path = normalizePath(path)
	cr, ok := lastMatching(fs.transferRules, want, path, isDir)
	if !ok {
		return true
	}
	return cr.rule.Action == ActionInclude
}

// AllowsDeletion reports whether path (present on the receiver) may be
// deleted: it is not protected by a later-or-equal-priority protect rule
// that a later risk rule hasn't undone (§4.5).
func (fs *FilterSet) AllowsDeletion(path string, isDir bool) bool {
	path = normalizePath(path)
	cr, ok := lastMatching(fs.deleteRules, sideReceiver, path, isDir)
	if !ok {
		return true
	}
	return cr.rule.Action == ActionRisk
}

// AllowsDeletionWhenExcludedRemoved reports whether an excluded entry may
// be purged from the receiver: it must both be excluded from transfer and
// not protected from deletion.
func (fs *FilterSet) AllowsDeletionWhenExcludedRemoved(path string, isDir bool) bool {
	if fs.Allows(path, isDir) {
		return false // only excluded entries are purged by this check
	}
	return fs.AllowsDeletion(path, isDir)
}

func normalizePath(path string) string {
	path = strings.TrimPrefix(path, "./")
	return strings.TrimPrefix(path, "/")
}
