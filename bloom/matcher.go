// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bloom

// MatchSpec describes what a reader wants to see: a set of filter values,
// and whether chunks containing unfiltered entries should match too.
type MatchSpec struct {
	Values          []string
	MatchUnfiltered bool
}

// Matcher matches serialized chunk filters against a MatchSpec. Probe
// positions depend on the filter size, so a matcher is built for one size
// and precomputes positions for all its values. When a chunk carries a
// filter of a different size, Match returns a replacement matcher built for
// that size and the caller retries the same chunk.
type Matcher struct {
	spec   MatchSpec
	size   int
	probes [][numProbes]uint
}

// NewMatcher builds a matcher for the default filter size.
func NewMatcher(spec MatchSpec) *Matcher {
	return newMatcherSized(spec, DefaultSize)
}

func newMatcherSized(spec MatchSpec, size int) *Matcher {
	m := &Matcher{
		spec:   spec,
		size:   size,
		probes: make([][numProbes]uint, 0, len(spec.Values)+1),
	}
	for _, v := range spec.Values {
		m.probes = append(m.probes, probe(v, size))
	}
	if spec.MatchUnfiltered {
		m.probes = append(m.probes, probe("", size))
	}
	return m
}

// Match tests a serialized chunk filter. It returns whether the chunk may
// contain a wanted value and, when the filter size differs from the size
// this matcher was built for, a replacement matcher to retry with.
//
// A nil matcher and an absent chunk filter both match unconditionally: in
// either case nothing can be excluded.
func (m *Matcher) Match(filter []byte) (matched bool, retry *Matcher) {
	if m == nil || len(filter) == 0 {
		return true, nil
	}
	if len(filter) != m.size {
		return false, newMatcherSized(m.spec, len(filter))
	}

	for _, probes := range m.probes {
		hit := true
		for _, idx := range probes {
			if !testBit(filter, idx) {
				hit = false
				break
			}
		}
		if hit {
			return true, nil
		}
	}
	return false, nil
}
