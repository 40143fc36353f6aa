// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package counters

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCells_InitialState(t *testing.T) {
	c := NewCells()
	assert.Equal(t, int64(-1), c.FirstChunkID())
	assert.Equal(t, int64(-1), c.LastChunkID())
	assert.Equal(t, int64(-1), c.CommittedChunkID())
}

func TestCells_SetGet(t *testing.T) {
	c := NewCells()
	c.SetFirstChunkID(0)
	c.SetLastChunkID(41)
	c.SetCommittedChunkID(17)

	assert.Equal(t, int64(0), c.FirstChunkID())
	assert.Equal(t, int64(41), c.LastChunkID())
	assert.Equal(t, int64(17), c.CommittedChunkID())
}

func TestRegistry_StandardFields(t *testing.T) {
	r := NewRegistry("events", nil)

	r.Put(FieldOffset, 99)
	assert.Equal(t, int64(99), r.Get(FieldOffset))

	assert.Equal(t, int64(1), r.Add(FieldChunks, 1))
	assert.Equal(t, int64(3), r.Add(FieldChunks, 2))
	assert.Equal(t, int64(3), r.Get(FieldChunks))
}

func TestRegistry_ExtraFields(t *testing.T) {
	r := NewRegistry("events", []string{"custom"})

	r.Put("custom", 5)
	assert.Equal(t, int64(5), r.Get("custom"))
	assert.Contains(t, r.Fields(), "custom")
}

func TestRegistry_UnknownFieldIsNoop(t *testing.T) {
	r := NewRegistry("events", nil)

	r.Put("nope", 1)
	assert.Equal(t, int64(0), r.Get("nope"))
	assert.Equal(t, int64(0), r.Add("nope", 1))
}
