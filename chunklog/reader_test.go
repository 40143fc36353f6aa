// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package chunklog

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osil-io/osil/bloom"
	"github.com/osil-io/osil/tracking"
	"github.com/osil-io/osil/transport"
)

// commitAll publishes everything written as committed, standing in for the
// replication layer.
func commitAll(w *Writer) {
	w.Shared().SetCommittedChunkID(w.Shared().LastChunkID())
}

// readAllParsed drains a reader into (offset, body) pairs.
func readAllParsed(t *testing.T, r *Reader) []Record {
	t.Helper()
	var records []Record
	for {
		_, recs, err := r.ReadChunkParsed()
		if err == ErrEndOfStream {
			return records
		}
		require.NoError(t, err)
		records = append(records, recs...)
	}
}

func TestLog_AppendAndRead(t *testing.T) {
	w := newTestWriter(t, WithEpoch(1))

	require.NoError(t, w.Write([]Entry{{Data: []byte("a")}}, ChunkUser, 1000, nil))
	require.NoError(t, w.Write([]Entry{{Data: []byte("bb")}, {Data: []byte("ccc")}}, ChunkUser, 2000, nil))
	require.NoError(t, w.Write([]Entry{{Data: []byte("d")}}, ChunkUser, 3000, nil))
	commitAll(w)

	r, err := NewReader(w.Config(), First(), ReaderOptions{Mode: ModeOffset})
	require.NoError(t, err)
	defer r.Close()

	records := readAllParsed(t, r)
	require.Len(t, records, 4)
	want := []struct {
		offset uint64
		body   string
	}{
		{0, "a"}, {1, "bb"}, {2, "ccc"}, {3, "d"},
	}
	for i, expected := range want {
		assert.Equal(t, expected.offset, records[i].Offset)
		assert.Equal(t, expected.body, string(records[i].Data))
	}

	assert.Equal(t, int64(0), w.Counters().Get("first_offset"))
	assert.Equal(t, uint64(4), w.TailInfo().NextChunkID)
}

func TestReader_OffsetBoundedByCommitted(t *testing.T) {
	w := newTestWriter(t)
	writeSimple(t, w, 1000, "a", "b")

	// Nothing committed yet: the offset reader sees an empty stream
	// while the data reader streams everything durable.
	or, err := NewReader(w.Config(), First(), ReaderOptions{Mode: ModeOffset})
	require.NoError(t, err)
	defer or.Close()
	_, err = or.NextHeader()
	assert.ErrorIs(t, err, ErrEndOfStream)

	dr, err := NewReader(w.Config(), First(), ReaderOptions{Mode: ModeData})
	require.NoError(t, err)
	defer dr.Close()
	h, err := dr.NextHeader()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), h.ChunkID)

	w.Shared().SetCommittedChunkID(0)
	h, err = or.NextHeader()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), h.ChunkID)
}

func TestReader_SelectorSkipsTracking(t *testing.T) {
	w := newTestWriter(t)
	writeSimple(t, w, 1000, "a")
	delta := tracking.AppendEntry(nil, tracking.KindOffset, "g1", 1)
	require.NoError(t, w.Write([]Entry{{Data: delta}}, ChunkTrackingDelta, 1001, nil))
	writeSimple(t, w, 1002, "b")
	commitAll(w)

	or, err := NewReader(w.Config(), First(), ReaderOptions{Mode: ModeOffset})
	require.NoError(t, err)
	defer or.Close()

	var types []ChunkType
	for {
		c, err := or.ReadChunk()
		if err == ErrEndOfStream {
			break
		}
		require.NoError(t, err)
		types = append(types, c.Header.Type)
	}
	assert.Equal(t, []ChunkType{ChunkUser, ChunkUser}, types)

	// The data reader delivers tracking chunks too.
	dr, err := NewReader(w.Config(), First(), ReaderOptions{Mode: ModeData})
	require.NoError(t, err)
	defer dr.Close()

	types = nil
	for {
		c, err := dr.ReadChunk()
		if err == ErrEndOfStream {
			break
		}
		require.NoError(t, err)
		types = append(types, c.Header.Type)
	}
	assert.Equal(t, []ChunkType{ChunkUser, ChunkTrackingDelta, ChunkUser}, types)
}

func TestReader_BloomSkip(t *testing.T) {
	w := newTestWriter(t)
	require.NoError(t, w.Write([]Entry{{FilterValue: "orange", Data: []byte("o")}}, ChunkUser, 1000, nil))
	require.NoError(t, w.Write([]Entry{{FilterValue: "apple", Data: []byte("a")}}, ChunkUser, 1001, nil))
	commitAll(w)

	r, err := NewReader(w.Config(), First(), ReaderOptions{
		Mode:       ModeOffset,
		FilterSpec: &bloom.MatchSpec{Values: []string{"apple"}},
	})
	require.NoError(t, err)
	defer r.Close()

	h, err := r.NextHeader()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), h.ChunkID)

	c, err := r.ReadChunk()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), c.Header.ChunkID)

	_, err = r.NextHeader()
	assert.ErrorIs(t, err, ErrEndOfStream)
}

func TestReader_BloomMatchUnfiltered(t *testing.T) {
	w := newTestWriter(t)
	// A chunk mixing a filtered and an unfiltered entry.
	require.NoError(t, w.Write([]Entry{
		{FilterValue: "orange", Data: []byte("o")},
		{Data: []byte("plain")},
	}, ChunkUser, 1000, nil))
	commitAll(w)

	strict, err := NewReader(w.Config(), First(), ReaderOptions{
		Mode:       ModeOffset,
		FilterSpec: &bloom.MatchSpec{Values: []string{"apple"}},
	})
	require.NoError(t, err)
	defer strict.Close()
	_, err = strict.NextHeader()
	assert.ErrorIs(t, err, ErrEndOfStream)

	loose, err := NewReader(w.Config(), First(), ReaderOptions{
		Mode:       ModeOffset,
		FilterSpec: &bloom.MatchSpec{Values: []string{"apple"}, MatchUnfiltered: true},
	})
	require.NoError(t, err)
	defer loose.Close()
	h, err := loose.NextHeader()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), h.ChunkID)
}

func TestReader_SendChunk(t *testing.T) {
	w := newTestWriter(t)
	trailer := tracking.AppendEntry(nil, tracking.KindSequence, "p1", 9)
	require.NoError(t, w.Write([]Entry{{FilterValue: "orange", Data: []byte("body")}}, ChunkUser, 1000, trailer))
	commitAll(w)

	raw := rawChunks(t, w.Config().Dir)[0]

	// The data reader replicates the chunk verbatim.
	dr, err := NewReader(w.Config(), First(), ReaderOptions{Mode: ModeData, Transport: transport.SSL})
	require.NoError(t, err)
	defer dr.Close()

	var replica bytes.Buffer
	require.NoError(t, dr.SendChunk(&replica))
	assert.Equal(t, raw, replica.Bytes())
	assert.Equal(t, uint64(1), dr.NextChunkID())

	// The offset reader strips filter and trailer, sending header and
	// data region only.
	or, err := NewReader(w.Config(), First(), ReaderOptions{Mode: ModeOffset, Transport: transport.SSL})
	require.NoError(t, err)
	defer or.Close()

	var consumer bytes.Buffer
	require.NoError(t, or.SendChunk(&consumer))

	h, err := parseHeader(raw)
	require.NoError(t, err)
	dataStart := HeaderSize + int(h.FilterSize)
	want := append(bytes.Clone(raw[:HeaderSize]), raw[dataStart:dataStart+int(h.DataSize)]...)
	assert.Equal(t, want, consumer.Bytes())
}

func TestReader_SubBatchPassthrough(t *testing.T) {
	sb, err := BuildSubBatch(CompressionS2, [][]byte{
		[]byte("one"), []byte("two"), []byte("three"),
	})
	require.NoError(t, err)

	w := newTestWriter(t)
	require.NoError(t, w.Write([]Entry{{SubBatch: sb}}, ChunkUser, 1000, nil))
	require.NoError(t, w.Write([]Entry{{Data: []byte("after")}}, ChunkUser, 1001, nil))
	commitAll(w)

	r, err := NewReader(w.Config(), First(), ReaderOptions{Mode: ModeOffset})
	require.NoError(t, err)
	defer r.Close()

	h, records, err := r.ReadChunkParsed()
	require.NoError(t, err)
	assert.Equal(t, uint32(3), h.NumRecords)
	require.Len(t, records, 1)
	require.NotNil(t, records[0].SubBatch)
	assert.Equal(t, CompressionS2, records[0].SubBatch.Compression)

	bodies, err := UnpackSubBatch(records[0].SubBatch)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("one"), []byte("two"), []byte("three")}, bodies)

	// The sub-batch spans three offsets, so the next chunk starts at 3.
	h, _, err = r.ReadChunkParsed()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), h.ChunkID)
}

func TestReader_SegmentBoundary(t *testing.T) {
	w := newTestWriter(t, WithMaxSegmentSizeChunks(2))
	writeSimple(t, w, 1000, "a", "b", "c", "d", "e")
	commitAll(w)

	r, err := NewReader(w.Config(), First(), ReaderOptions{Mode: ModeOffset})
	require.NoError(t, err)
	defer r.Close()

	records := readAllParsed(t, r)
	require.Len(t, records, 5)
	for i, rec := range records {
		assert.Equal(t, uint64(i), rec.Offset)
	}
}

func TestReader_ValidateLastEpochOffset(t *testing.T) {
	w := newTestWriter(t, WithEpoch(3))
	writeSimple(t, w, 1000, "a")

	_, err := NewReader(w.Config(), First(), ReaderOptions{
		Mode:            ModeData,
		LastEpochOffset: &EpochOffset{Epoch: 3, ChunkID: 0},
	})
	require.NoError(t, err)

	var ile *InvalidLastOffsetEpochError
	_, err = NewReader(w.Config(), First(), ReaderOptions{
		Mode:            ModeData,
		LastEpochOffset: &EpochOffset{Epoch: 2, ChunkID: 0},
	})
	require.ErrorAs(t, err, &ile)
	assert.Equal(t, uint64(3), ile.ActualEpoch)

	_, err = NewReader(w.Config(), First(), ReaderOptions{
		Mode:            ModeData,
		LastEpochOffset: &EpochOffset{Epoch: 3, ChunkID: 99},
	})
	require.ErrorAs(t, err, &ile)
	assert.Zero(t, ile.ActualEpoch)
}

func TestReader_CounterCallback(t *testing.T) {
	w := newTestWriter(t)
	writeSimple(t, w, 1000, "a")

	r, err := NewReader(w.Config(), First(), ReaderOptions{Mode: ModeData})
	require.NoError(t, err)
	assert.Equal(t, int64(1), w.Counters().Get("readers"))
	require.NoError(t, r.Close())
	assert.Equal(t, int64(0), w.Counters().Get("readers"))
	// Double close stays balanced.
	require.NoError(t, r.Close())
	assert.Equal(t, int64(0), w.Counters().Get("readers"))
}
