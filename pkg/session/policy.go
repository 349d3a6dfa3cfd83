package session

import "sort"

// Scope restricts a method to local or external sessions.
type Scope int

const (
	ScopeAny Scope = iota
	ScopeLocal
	ScopeExternal
)

// Rule decides when a method may be called.
type Rule struct {
	// Always allows the method on every active session.
	Always bool
	// Flags allows the method while any of these flags is outstanding.
	Flags []Flag
	// Authenticated allows the method once the session is authenticated.
	Authenticated bool
	// Anonymous allows the method on anonymous sessions.
	Anonymous bool
	Scope     Scope
}

// Policy answers isMethodAllowed from a session's flags.
type Policy struct {
	rules map[string]Rule
}

// NewPolicy builds a policy from per-method rules. Methods without a rule
// are never allowed.
func NewPolicy(rules map[string]Rule) *Policy {
	copied := make(map[string]Rule, len(rules))
	for name, r := range rules {
		copied[name] = r
	}
	return &Policy{rules: copied}
}

// Known reports whether method has a rule.
func (p *Policy) Known(method string) bool {
	_, ok := p.rules[method]
	return ok
}

// IsMethodAllowed reports whether rec may call method right now.
func (p *Policy) IsMethodAllowed(rec *Record, method string) bool {
	rule, ok := p.rules[method]
	if !ok || rec == nil || rec.State != StateActive {
		return false
	}

	switch rule.Scope {
	case ScopeLocal:
		if rec.External {
			return false
		}
	case ScopeExternal:
		if !rec.External {
			return false
		}
	}

	if rule.Always {
		return true
	}
	if rule.Anonymous && rec.IsAnonymous() {
		return true
	}
	if ContainsAny(rec.Flags, rule.Flags...) {
		return true
	}
	return rule.Authenticated && rec.Authenticated
}

// AllowedMethods lists the methods rec may call, sorted.
func (p *Policy) AllowedMethods(rec *Record) []string {
	methods := make([]string, 0, len(p.rules))
	for name := range p.rules {
		if p.IsMethodAllowed(rec, name) {
			methods = append(methods, name)
		}
	}
	sort.Strings(methods)
	return methods
}
