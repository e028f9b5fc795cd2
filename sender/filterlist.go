package sender

import (
	"fmt"
	"strings"

	"github.com/gokrazy/rsync-core/internal/filter"
	"github.com/gokrazy/rsync-core/internal/rsyncwire"
)

// RecvFilterList reads the peer's exclusion list: a sequence of
// length-prefixed rule lines, terminated by a zero-length entry
// (rsync/exclude.c:recv_rule_list).
func RecvFilterList(c *rsyncwire.Conn) (*ExclusionList, error) {
	var lines []string
	for {
		n, err := c.ReadInt32()
		if err != nil {
			return nil, fmt.Errorf("sender: reading exclusion list entry length: %w", err)
		}
		if n == 0 {
			break
		}
		buf, err := c.ReadN(int(n))
		if err != nil {
			return nil, fmt.Errorf("sender: reading exclusion list entry: %w", err)
		}
		lines = append(lines, string(buf))
	}

	rules, merges, err := filter.ParseRules(strings.NewReader(strings.Join(lines, "\n")))
	if err != nil {
		return nil, fmt.Errorf("sender: parsing exclusion list: %w", err)
	}
	if len(merges) > 0 {
		return nil, fmt.Errorf("sender: merge/dir-merge directives are not supported in a wire-transmitted exclusion list")
	}
	return &ExclusionList{Filters: rules}, nil
}

// SendFilterList writes rules to the peer in the same length-prefixed
// line format RecvFilterList decodes, terminated by a zero-length entry
// (rsync/exclude.c:send_rule_list). The generator/receiving side calls
// this once per session; side-scoping modifiers that the long-form
// parser does not reconstruct exactly (a receiver-only include, whose ",r"
// modifier ParseRules ignores; protect/risk scoping; perishable) are the
// one documented asymmetry, same as upstream's own lossy
// short-form round trip for those rule kinds.
func SendFilterList(c *rsyncwire.Conn, rules []filter.Rule) error {
	for _, r := range rules {
		line := ruleLine(r)
		if err := c.WriteInt32(int32(len(line))); err != nil {
			return fmt.Errorf("sender: writing exclusion list entry length: %w", err)
		}
		if _, err := c.Write([]byte(line)); err != nil {
			return fmt.Errorf("sender: writing exclusion list entry: %w", err)
		}
	}
	return c.WriteInt32(0)
}

func ruleLine(r filter.Rule) string {
	switch r.Action {
	case filter.ActionClear:
		return "clear"
	case filter.ActionInclude:
		switch {
		case r.AppliesToReceiver && !r.AppliesToSender:
			return "include,r " + r.Pattern
		case r.AppliesToSender && !r.AppliesToReceiver:
			return "show " + r.Pattern
		default:
			return "include " + r.Pattern
		}
	case filter.ActionExclude:
		if r.AppliesToSender && !r.AppliesToReceiver {
			return "hide " + r.Pattern
		}
		return "exclude " + r.Pattern
	case filter.ActionProtect:
		return "protect " + r.Pattern
	case filter.ActionRisk:
		return "risk " + r.Pattern
	default:
		return "exclude " + r.Pattern
	}
}
