package prefixmgr

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIdentityPolicyAcceptsUnchanged(t *testing.T) {
	e := PrefixEntry{Type: TypeBgp}
	out, hit := IdentityPolicy{}.Apply("", e)
	assert.Equal(t, "identity", hit)
	assert.Equal(t, e, *out)
}

func TestRulePolicyAppliesFirstMatch(t *testing.T) {
	p := RulePolicy{Rules: []Rule{
		{
			Name:  "reject-config",
			Match: func(e PrefixEntry) bool { return e.Type == TypeConfig },
			Action: func(e PrefixEntry) (*PrefixEntry, bool) { return nil, false },
		},
		{
			Name:  "tag-bgp",
			Match: func(e PrefixEntry) bool { return e.Type == TypeBgp },
			Action: func(e PrefixEntry) (*PrefixEntry, bool) {
				e.Tags = append(e.Tags, "tagged")
				return &e, true
			},
		},
	}}

	out, hit := p.Apply("", PrefixEntry{Type: TypeConfig})
	assert.Nil(t, out)
	assert.Equal(t, "reject-config", hit)

	out, hit = p.Apply("", PrefixEntry{Type: TypeBgp})
	assert.Equal(t, "tag-bgp", hit)
	assert.Contains(t, out.Tags, "tagged")

	out, hit = p.Apply("", PrefixEntry{Type: TypeRib})
	assert.Equal(t, "default-accept", hit)
	assert.Equal(t, TypeRib, out.Type)
}

func TestRegistryLookup(t *testing.T) {
	r := NewRegistry()
	r.Register("identity", IdentityPolicy{})
	p, ok := r.Lookup("identity")
	assert.True(t, ok)
	assert.IsType(t, IdentityPolicy{}, p)

	_, ok = r.Lookup("missing")
	assert.False(t, ok)
}
