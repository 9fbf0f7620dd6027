package prefixmgr

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMetricsBetterPathPreference(t *testing.T) {
	a := Metrics{PathPreference: 2}
	b := Metrics{PathPreference: 1}
	assert.True(t, a.Better(b))
	assert.False(t, b.Better(a))
}

func TestMetricsBetterFallsThroughToDistance(t *testing.T) {
	a := Metrics{PathPreference: 1, SourcePreference: 1, Distance: 1}
	b := Metrics{PathPreference: 1, SourcePreference: 1, Distance: 2}
	assert.True(t, a.Better(b))
}

func TestMetricsTieIsNeitherBetter(t *testing.T) {
	a := Metrics{PathPreference: 1, SourcePreference: 1, Distance: 1}
	b := a
	assert.False(t, a.Better(b))
	assert.False(t, b.Better(a))
	assert.True(t, a.Equal(b))
}

func TestPrefixEntryHasArea(t *testing.T) {
	e := PrefixEntry{AreaStack: []string{"area1", "area2"}}
	assert.True(t, e.HasArea("area1"))
	assert.False(t, e.HasArea("area3"))
}

func TestPrefixEntryCloneIsIndependent(t *testing.T) {
	e := PrefixEntry{AreaStack: []string{"area1"}, DstAreas: map[string]struct{}{"area2": {}}}
	c := e.clone()
	c.AreaStack[0] = "mutated"
	c.DstAreas["area3"] = struct{}{}
	assert.Equal(t, "area1", e.AreaStack[0])
	assert.NotContains(t, e.DstAreas, "area3")
}

func TestOriginatedRouteShouldAdvertise(t *testing.T) {
	o := &OriginatedRoute{
		Prefix:                  netip.MustParsePrefix("10.0.0.0/24"),
		MinimumSupportingRoutes: 2,
		SupportingRoutes: map[netip.Prefix]struct{}{
			netip.MustParsePrefix("10.0.0.0/25"): {},
			netip.MustParsePrefix("10.0.0.128/25"): {},
		},
	}
	assert.True(t, o.ShouldAdvertise())
	o.IsAdvertised = true
	assert.False(t, o.ShouldAdvertise())
}

func TestOriginatedRouteShouldWithdraw(t *testing.T) {
	o := &OriginatedRoute{
		MinimumSupportingRoutes: 2,
		IsAdvertised:            true,
		SupportingRoutes: map[netip.Prefix]struct{}{
			netip.MustParsePrefix("10.0.0.0/25"): {},
		},
	}
	assert.True(t, o.ShouldWithdraw())
	o.IsAdvertised = false
	assert.False(t, o.ShouldWithdraw())
}
