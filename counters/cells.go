// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package counters

import "sync/atomic"

// Cells holds the chunk-id cells shared between the writer task and reader
// tasks of a single log. All cells are signed and start at -1, which reads
// as "empty log". Access is lock-free; there is no coordination beyond the
// atomic load/store of each cell.
type Cells struct {
	firstChunkID     atomic.Int64
	lastChunkID      atomic.Int64
	committedChunkID atomic.Int64
}

// NewCells creates a cell set with every cell at -1.
func NewCells() *Cells {
	c := &Cells{}
	c.firstChunkID.Store(-1)
	c.lastChunkID.Store(-1)
	c.committedChunkID.Store(-1)
	return c
}

// SetFirstChunkID publishes the earliest chunk id still stored.
func (c *Cells) SetFirstChunkID(id int64) {
	c.firstChunkID.Store(id)
}

// FirstChunkID returns the earliest chunk id still stored, or -1.
func (c *Cells) FirstChunkID() int64 {
	return c.firstChunkID.Load()
}

// SetLastChunkID publishes the highest chunk id stored.
func (c *Cells) SetLastChunkID(id int64) {
	c.lastChunkID.Store(id)
}

// LastChunkID returns the highest chunk id stored, or -1.
func (c *Cells) LastChunkID() int64 {
	return c.lastChunkID.Load()
}

// SetCommittedChunkID publishes the highest chunk id acknowledged durable by
// a quorum of replicas. Offset readers are bounded by this cell.
func (c *Cells) SetCommittedChunkID(id int64) {
	c.committedChunkID.Store(id)
}

// CommittedChunkID returns the highest committed chunk id, or -1.
func (c *Cells) CommittedChunkID() int64 {
	return c.committedChunkID.Load()
}
