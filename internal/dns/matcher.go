package dns

import (
	"fmt"
	"strings"
)

// Action decides how names are answered.
type Action uint8

const (
	// ActionProxy answers with a synthetic address so the flow is relayed by
	// name.
	ActionProxy Action = iota + 1
	// ActionDirect forwards the query to the upstream resolver.
	ActionDirect
)

// ParseAction parses "proxy" or "direct".
func ParseAction(s string) (Action, error) {
	switch strings.ToLower(s) {
	case "proxy":
		return ActionProxy, nil
	case "direct":
		return ActionDirect, nil
	default:
		return 0, fmt.Errorf("unknown dns action %q", s)
	}
}

func (a Action) String() string {
	switch a {
	case ActionProxy:
		return "proxy"
	case ActionDirect:
		return "direct"
	default:
		return "unknown"
	}
}

// Rule applies Action to a domain and all of its subdomains.
type Rule struct {
	Suffix string
	Action Action
}

// Matcher picks the action for a domain name.
// All rules use suffix matching: "example.com" matches both "example.com" and
// "sub.example.com", but NOT "badexample.com". The most specific rule wins.
type Matcher struct {
	suffixes map[string]Action
	fallback Action
}

// NewMatcher builds a matcher. Names no rule covers get fallback.
func NewMatcher(rules []Rule, fallback Action) *Matcher {
	m := &Matcher{
		suffixes: make(map[string]Action, len(rules)),
		fallback: fallback,
	}
	for _, r := range rules {
		suffix := canonicalName(strings.TrimPrefix(strings.TrimSpace(r.Suffix), "*."))
		if suffix == "" {
			continue
		}
		m.suffixes[suffix] = r.Action
	}
	return m
}

// Match returns the action for domain.
func (m *Matcher) Match(domain string) Action {
	name := canonicalName(domain)

	// Walk from the full name towards the root; the first hit is the most
	// specific rule.
	for {
		if action, ok := m.suffixes[name]; ok {
			return action
		}
		i := strings.IndexByte(name, '.')
		if i < 0 {
			return m.fallback
		}
		name = name[i+1:]
	}
}

// Len returns the number of rules.
func (m *Matcher) Len() int {
	return len(m.suffixes)
}

// canonicalName lowercases a name and drops the trailing root dot.
func canonicalName(name string) string {
	return strings.TrimSuffix(strings.ToLower(name), ".")
}
