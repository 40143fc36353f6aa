// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bloom

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilter_InsertAndMatch(t *testing.T) {
	f := New(DefaultSize)
	assert.True(t, f.Empty())

	f.Insert("orange")
	assert.False(t, f.Empty())

	b := f.Bytes()
	require.Len(t, b, DefaultSize)

	m := NewMatcher(MatchSpec{Values: []string{"orange"}})
	matched, retry := m.Match(b)
	assert.Nil(t, retry)
	assert.True(t, matched)
}

func TestMatcher_NoMatch(t *testing.T) {
	f := New(DefaultSize)
	f.Insert("orange")

	m := NewMatcher(MatchSpec{Values: []string{"apple"}})
	matched, retry := m.Match(f.Bytes())
	assert.Nil(t, retry)
	assert.False(t, matched)
}

func TestMatcher_Unfiltered(t *testing.T) {
	// A chunk with both a filtered and an unfiltered entry carries the
	// empty-string marker.
	f := New(DefaultSize)
	f.Insert("orange")
	f.Insert("")
	b := f.Bytes()

	m := NewMatcher(MatchSpec{Values: []string{"apple"}, MatchUnfiltered: true})
	matched, retry := m.Match(b)
	assert.Nil(t, retry)
	assert.True(t, matched)

	strict := NewMatcher(MatchSpec{Values: []string{"apple"}})
	matched, retry = strict.Match(b)
	assert.Nil(t, retry)
	assert.False(t, matched)
}

func TestMatcher_RetryOnSizeChange(t *testing.T) {
	f := New(32)
	f.Insert("orange")
	b := f.Bytes()
	require.Len(t, b, 32)

	m := NewMatcher(MatchSpec{Values: []string{"orange"}})
	matched, retry := m.Match(b)
	assert.False(t, matched)
	require.NotNil(t, retry)

	matched, again := retry.Match(b)
	assert.Nil(t, again)
	assert.True(t, matched)
}

func TestMatcher_AbsentMatchesEverything(t *testing.T) {
	var m *Matcher
	matched, retry := m.Match([]byte{0x00})
	assert.Nil(t, retry)
	assert.True(t, matched)

	// A chunk without a filter cannot be excluded either.
	strict := NewMatcher(MatchSpec{Values: []string{"apple"}})
	matched, retry = strict.Match(nil)
	assert.Nil(t, retry)
	assert.True(t, matched)
}

func TestFilter_SizeClamped(t *testing.T) {
	assert.Len(t, New(1).Bytes(), MinSize)
	assert.Len(t, New(4096).Bytes(), MaxSize)
}
