package prefixmgr

// Policy is the per-area import policy capability PrefixManager is
// injected with: given a policy name and a candidate entry, it returns the
// (possibly rewritten) entry to publish, or nil to reject it, plus the name
// of whichever rule matched.
type Policy interface {
	Apply(policyName string, entry PrefixEntry) (*PrefixEntry, string)
}

// Registry resolves an area's configured policy name to a Policy
// implementation. A name with no registered Policy makes PrefixManager
// reject the prefix for that area and log a "policy missing" warning, not
// a silent pass; no error is returned.
type Registry struct {
	policies map[string]Policy
}

// NewRegistry builds an empty policy registry.
func NewRegistry() *Registry {
	return &Registry{policies: make(map[string]Policy)}
}

// Register associates name with impl.
func (r *Registry) Register(name string, impl Policy) {
	r.policies[name] = impl
}

// Lookup returns the Policy registered under name, if any.
func (r *Registry) Lookup(name string) (Policy, bool) {
	p, ok := r.policies[name]
	return p, ok
}

// IdentityPolicy accepts every entry unchanged — the "no policy" case.
type IdentityPolicy struct{}

func (IdentityPolicy) Apply(_ string, entry PrefixEntry) (*PrefixEntry, string) {
	return &entry, "identity"
}

// Rule is one clause of a RulePolicy: Match decides whether the rule
// applies, Action rewrites (or rejects) the entry.
type Rule struct {
	Name   string
	Match  func(PrefixEntry) bool
	Action func(PrefixEntry) (*PrefixEntry, bool) // ok=false rejects
}

// RulePolicy evaluates Rules in order and applies the first match,
// defaulting to accept-unchanged if nothing matches.
type RulePolicy struct {
	Rules []Rule
}

func (p RulePolicy) Apply(_ string, entry PrefixEntry) (*PrefixEntry, string) {
	for _, rule := range p.Rules {
		if !rule.Match(entry) {
			continue
		}
		out, ok := rule.Action(entry)
		if !ok {
			return nil, rule.Name
		}
		return out, rule.Name
	}
	return &entry, "default-accept"
}
