package kvstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFilterNilMatchesEverything(t *testing.T) {
	var f *Filter
	assert.True(t, f.Matches("anything", "anyone"))
}

func TestFilterOrWithOnlyKeyAxisDoesNotMatchEverything(t *testing.T) {
	f := NewFilter([]string{"prefix:"}, nil, FilterOr)
	assert.True(t, f.Matches("prefix:a", "x"))
	assert.False(t, f.Matches("other:a", "x"), "an empty originator axis must not vacuously pass an OR filter")
}

func TestFilterOrWithOnlyOriginatorAxisDoesNotMatchEverything(t *testing.T) {
	f := NewFilter(nil, []string{"nodeA"}, FilterOr)
	assert.True(t, f.Matches("anykey", "nodeA"))
	assert.False(t, f.Matches("anykey", "nodeB"))
}

func TestFilterOrWithBothAxesIsADisjunction(t *testing.T) {
	f := NewFilter([]string{"prefix:"}, []string{"nodeA"}, FilterOr)
	assert.True(t, f.Matches("prefix:x", "nodeB"), "key axis alone should satisfy OR")
	assert.True(t, f.Matches("other:x", "nodeA"), "originator axis alone should satisfy OR")
	assert.False(t, f.Matches("other:x", "nodeB"))
}

func TestFilterOrWithNeitherAxisMatchesEverything(t *testing.T) {
	f := NewFilter(nil, nil, FilterOr)
	assert.True(t, f.Matches("anything", "anyone"))
}

func TestFilterAndScopesToPopulatedAxes(t *testing.T) {
	f := NewFilter([]string{"^prefix:nodeA:"}, nil, FilterAnd)
	assert.True(t, f.Matches("prefix:nodeA:10.0.0.0/24", "whoever"))
	assert.False(t, f.Matches("prefix:nodeB:10.0.0.0/24", "whoever"))
}
