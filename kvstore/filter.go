package kvstore

import "regexp"

// FilterOp selects how the two filter axes combine.
type FilterOp int

const (
	FilterOr FilterOp = iota
	FilterAnd
)

// Filter restricts a dump/merge to keys matching a set of key-prefix regexes
// and/or a set of originator ids. Under FilterAnd an empty axis matches
// everything on that axis; under FilterOr an empty axis matches nothing, and
// only a filter with both axes empty matches everything.
type Filter struct {
	KeyPrefixes   []*regexp.Regexp
	OriginatorIds map[string]struct{}
	Op            FilterOp
}

// NewFilter compiles keyPrefixes (anchored at the start of the key) and
// builds an originator set. Invalid regexes are skipped rather than
// rejected — a malformed filter should never block all traffic.
func NewFilter(keyPrefixes []string, originatorIds []string, op FilterOp) *Filter {
	f := &Filter{Op: op}
	for _, p := range keyPrefixes {
		re, err := regexp.Compile("^(?:" + p + ")")
		if err != nil {
			continue
		}
		f.KeyPrefixes = append(f.KeyPrefixes, re)
	}
	if len(originatorIds) > 0 {
		f.OriginatorIds = make(map[string]struct{}, len(originatorIds))
		for _, o := range originatorIds {
			f.OriginatorIds[o] = struct{}{}
		}
	}
	return f
}

func (f *Filter) matchesKey(key string) bool {
	if len(f.KeyPrefixes) == 0 {
		return true
	}
	for _, re := range f.KeyPrefixes {
		if re.MatchString(key) {
			return true
		}
	}
	return false
}

func (f *Filter) matchesOriginator(originatorId string) bool {
	if len(f.OriginatorIds) == 0 {
		return true
	}
	_, ok := f.OriginatorIds[originatorId]
	return ok
}

// Matches reports whether (key, originatorId) passes this filter.
func (f *Filter) Matches(key, originatorId string) bool {
	if f == nil {
		return true
	}
	if f.Op == FilterAnd {
		return f.matchesKey(key) && f.matchesOriginator(originatorId)
	}
	// FilterOr: an empty axis has nothing to contribute, so it must not
	// vacuously pass everything — OR reduces to whichever axis is
	// actually populated, and matches everything only when both are empty.
	hasKeyAxis := len(f.KeyPrefixes) > 0
	hasOriginatorAxis := len(f.OriginatorIds) > 0
	if !hasKeyAxis && !hasOriginatorAxis {
		return true
	}
	return (hasKeyAxis && f.matchesKey(key)) || (hasOriginatorAxis && f.matchesOriginator(originatorId))
}
