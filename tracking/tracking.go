// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package tracking maintains the out-of-band per-chunk state embedded in
// the log: producer deduplication sequences, consumer offsets, and
// timestamps. State is transient; it is rebuilt on startup by scanning
// tracking chunks and chunk trailers, and periodically serialized into
// snapshot chunks so the scan never has to walk the whole log.
package tracking

import (
	"encoding/binary"
	"fmt"
)

// Kind is the tracking entry type byte.
type Kind uint8

const (
	KindSequence  Kind = 0
	KindOffset    Kind = 1
	KindTimestamp Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindSequence:
		return "sequence"
	case KindOffset:
		return "offset"
	case KindTimestamp:
		return "timestamp"
	default:
		return "unknown"
	}
}

// entryOverhead is the fixed part of a serialized tracking entry:
// type byte, id length byte, 8 data bytes.
const entryOverhead = 10

// MaxIDLen bounds tracking ids; the id length travels in one byte.
const MaxIDLen = 255

// Entry is one tracked value: the data for an id of a given kind, scoped to
// the chunk id it was last updated in.
type Entry struct {
	Kind    Kind
	ID      string
	Data    uint64
	ChunkID uint64
}

// Config is forwarded from the log configuration.
type Config struct {
	// MaxEntries bounds the number of distinct (kind, id) pairs held in
	// memory. 0 means unbounded.
	MaxEntries int
}

// State is the in-memory tracking state of one log.
type State struct {
	cfg     Config
	entries map[trackingKey]Entry
}

type trackingKey struct {
	kind Kind
	id   string
}

// Init creates tracking state, optionally seeded from snapshot bytes. The
// snapshot format is a concatenation of serialized tracking entries, the
// same frames that appear in chunk trailers.
func Init(snapshot []byte, cfg Config) (*State, error) {
	s := &State{
		cfg:     cfg,
		entries: make(map[trackingKey]Entry),
	}
	if len(snapshot) == 0 {
		return s, nil
	}
	if err := s.apply(0, snapshot); err != nil {
		return nil, fmt.Errorf("failed to parse tracking snapshot: %w", err)
	}
	return s, nil
}

// IsEmpty reports whether no ids are tracked.
func (s *State) IsEmpty() bool {
	return len(s.entries) == 0
}

// Len returns the number of tracked (kind, id) pairs.
func (s *State) Len() int {
	return len(s.entries)
}

// Get returns the tracked value for an id of a given kind.
func (s *State) Get(kind Kind, id string) (Entry, bool) {
	e, ok := s.entries[trackingKey{kind: kind, id: id}]
	return e, ok
}

// AppendTrailer applies the tracking entries in a chunk trailer, scoping
// every update to the given chunk id. TRK_DELTA chunk bodies use the same
// frame and go through here as well.
func (s *State) AppendTrailer(chunkID uint64, trailer []byte) error {
	if len(trailer) == 0 {
		return nil
	}
	return s.apply(chunkID, trailer)
}

func (s *State) apply(chunkID uint64, data []byte) error {
	for len(data) > 0 {
		if len(data) < 2 {
			return fmt.Errorf("truncated tracking entry: %d bytes left", len(data))
		}
		kind := Kind(data[0])
		if kind > KindTimestamp {
			return fmt.Errorf("unknown tracking entry type %d", kind)
		}
		idLen := int(data[1])
		if len(data) < 2+idLen+8 {
			return fmt.Errorf("truncated tracking entry: %d bytes left", len(data))
		}
		id := string(data[2 : 2+idLen])
		value := binary.BigEndian.Uint64(data[2+idLen:])

		key := trackingKey{kind: kind, id: id}
		if s.cfg.MaxEntries > 0 && len(s.entries) >= s.cfg.MaxEntries {
			if _, ok := s.entries[key]; !ok {
				data = data[entryOverhead+idLen:]
				continue
			}
		}
		s.entries[key] = Entry{Kind: kind, ID: id, Data: value, ChunkID: chunkID}

		data = data[entryOverhead+idLen:]
	}
	return nil
}

// Snapshot serializes the state into snapshot bytes. Offset entries below
// the log's first offset are clamped to it and timestamp entries older than
// the first timestamp are dropped: retention may already have removed what
// they point at.
func (s *State) Snapshot(firstOffset uint64, firstTimestamp int64) []byte {
	size := 0
	for _, e := range s.entries {
		size += entryOverhead + len(e.ID)
	}

	out := make([]byte, 0, size)
	for _, e := range s.entries {
		data := e.Data
		switch e.Kind {
		case KindOffset:
			if data < firstOffset {
				data = firstOffset
			}
		case KindTimestamp:
			if int64(data) < firstTimestamp {
				continue
			}
		}
		out = AppendEntry(out, e.Kind, e.ID, data)
	}
	return out
}

// AppendEntry appends one serialized tracking entry to b.
func AppendEntry(b []byte, kind Kind, id string, data uint64) []byte {
	if len(id) > MaxIDLen {
		id = id[:MaxIDLen]
	}
	b = append(b, byte(kind), byte(len(id)))
	b = append(b, id...)
	return binary.BigEndian.AppendUint64(b, data)
}
