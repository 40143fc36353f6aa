// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package bloom implements the fixed-size per-chunk Bloom filter used for
// read-side chunk skipping. A filter is built by the writer from the filter
// values of the entries in a chunk and serialized into the chunk between
// header and data region. Readers match a set of wanted values against the
// serialized bytes without deserializing into any intermediate form.
package bloom

import (
	"github.com/cespare/xxhash/v2"
	"github.com/willf/bitset"
)

const (
	// DefaultSize is the default filter size in bytes.
	DefaultSize = 16

	// MinSize and MaxSize bound the configurable filter size. The size
	// travels in a single header byte, so 255 is the hard ceiling.
	MinSize = 16
	MaxSize = 255

	// hashes per value
	numProbes = 2
)

// Filter accumulates filter values for a single chunk.
type Filter struct {
	size int
	bits *bitset.BitSet
}

// New creates an empty filter of the given size in bytes. Sizes outside
// [MinSize, MaxSize] are clamped.
func New(size int) *Filter {
	if size < MinSize {
		size = MinSize
	}
	if size > MaxSize {
		size = MaxSize
	}
	return &Filter{
		size: size,
		bits: bitset.New(uint(size * 8)),
	}
}

// Insert adds a filter value. Entries without a filter value insert the
// empty string, which lets matchers select chunks containing unfiltered
// entries.
func (f *Filter) Insert(value string) {
	for _, idx := range probe(value, f.size) {
		f.bits.Set(idx)
	}
}

// Empty reports whether no value has been inserted.
func (f *Filter) Empty() bool {
	return f.bits.None()
}

// Bytes serializes the filter to its fixed on-disk form: size bytes,
// LSB-first within each byte.
func (f *Filter) Bytes() []byte {
	out := make([]byte, f.size)
	for idx, ok := f.bits.NextSet(0); ok; idx, ok = f.bits.NextSet(idx + 1) {
		out[idx/8] |= 1 << (idx % 8)
	}
	return out
}

// probe derives the bit indices for a value in a filter of the given byte
// size. Double hashing from a single xxhash64: h1 from the low half, h2
// from the high half.
func probe(value string, size int) [numProbes]uint {
	h := xxhash.Sum64String(value)
	h1 := h & 0xffffffff
	h2 := h >> 32

	bits := uint64(size * 8)
	var idx [numProbes]uint
	for i := 0; i < numProbes; i++ {
		idx[i] = uint((h1 + uint64(i)*h2) % bits)
	}
	return idx
}

// testBit reports whether the probe bit is set in a serialized filter.
func testBit(filter []byte, idx uint) bool {
	return filter[idx/8]&(1<<(idx%8)) != 0
}
