// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package chunklog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeEpochChunks appends chunks of five records each under the given
// epoch, reopening the log as a writer for that epoch.
func writeEpochChunks(t *testing.T, dir string, epoch uint64, ts int64, count int) {
	t.Helper()
	w, err := NewWriter(NewConfig("events", dir, WithEpoch(epoch)))
	require.NoError(t, err)
	defer w.Close()

	for i := 0; i < count; i++ {
		entries := make([]Entry, 5)
		for j := range entries {
			entries[j] = Entry{Data: []byte{byte(i), byte(j)}}
		}
		require.NoError(t, w.Write(entries, ChunkUser, ts+int64(i), nil))
	}
}

// walkChunks parses every chunk of a single-segment log and returns the
// headers, asserting the walk ends exactly at EOF.
func walkChunks(t *testing.T, dir string, base uint64) []Header {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, SegmentFileName(base)))
	require.NoError(t, err)

	var headers []Header
	pos := int64(LogHeaderSize)
	for pos < int64(len(data)) {
		h, err := parseHeader(data[pos:])
		require.NoError(t, err)
		headers = append(headers, h)
		pos += h.totalSize()
	}
	require.Equal(t, int64(len(data)), pos)
	return headers
}

func TestTruncateTo_SharedPrefix(t *testing.T) {
	dir := t.TempDir()
	writeEpochChunks(t, dir, 1, 1000, 2) // ids 0, 5
	writeEpochChunks(t, dir, 2, 2000, 2) // ids 10, 15

	survivors, err := TruncateTo(NewConfig("events", dir),
		&OffsetRange{First: 0, Last: 12},
		[]EpochOffset{{Epoch: 2, ChunkID: 10}, {Epoch: 1, ChunkID: 5}})
	require.NoError(t, err)
	require.Len(t, survivors, 1)

	// Chunk 15 is gone; the segment ends exactly after chunk 10.
	headers := walkChunks(t, dir, 0)
	require.Len(t, headers, 3)
	assert.Equal(t, uint64(10), headers[2].ChunkID)

	rec, err := lastIndexRecord(filepath.Join(dir, IndexFileName(0)))
	require.NoError(t, err)
	assert.Equal(t, uint64(10), rec.ChunkID)

	// The writer resumes right after the shared chunk.
	w, err := NewWriter(NewConfig("events", dir, WithEpoch(2), func(c *Config) { c.IndexFiles = survivors }))
	require.NoError(t, err)
	defer w.Close()
	assert.Equal(t, uint64(15), w.TailInfo().NextChunkID)
}

func TestTruncateTo_OlderEpochFallback(t *testing.T) {
	dir := t.TempDir()
	writeEpochChunks(t, dir, 1, 1000, 2) // ids 0, 5
	writeEpochChunks(t, dir, 3, 2000, 1) // id 10, epoch the leader never saw

	// The leader knows nothing of epoch 3; the shared prefix ends at
	// chunk 5 of epoch 1.
	_, err := TruncateTo(NewConfig("events", dir),
		&OffsetRange{First: 0, Last: 9},
		[]EpochOffset{{Epoch: 2, ChunkID: 12}, {Epoch: 1, ChunkID: 5}})
	require.NoError(t, err)

	headers := walkChunks(t, dir, 0)
	require.Len(t, headers, 2)
	assert.Equal(t, uint64(5), headers[1].ChunkID)
	assert.Equal(t, uint64(1), headers[1].Epoch)
}

func TestTruncateTo_TotalDivergence(t *testing.T) {
	dir := t.TempDir()
	writeEpochChunks(t, dir, 1, 1000, 2)

	survivors, err := TruncateTo(NewConfig("events", dir),
		&OffsetRange{First: 0, Last: 20},
		[]EpochOffset{{Epoch: 5, ChunkID: 3}})
	require.NoError(t, err)
	assert.Empty(t, survivors)

	bases, err := listBases(dir)
	require.NoError(t, err)
	assert.Empty(t, bases)
}

func TestTruncateTo_CleanPrefixKept(t *testing.T) {
	dir := t.TempDir()
	writeEpochChunks(t, dir, 1, 1000, 1) // id 0, five records

	// The leader is ahead in our epoch and the ranges overlap: the
	// local log is already a clean prefix.
	survivors, err := TruncateTo(NewConfig("events", dir),
		&OffsetRange{First: 0, Last: 20},
		[]EpochOffset{{Epoch: 1, ChunkID: 15}})
	require.NoError(t, err)
	assert.Len(t, survivors, 1)

	headers := walkChunks(t, dir, 0)
	assert.Len(t, headers, 1)
}

func TestTruncateTo_NoOverlapDeletesAll(t *testing.T) {
	dir := t.TempDir()
	writeEpochChunks(t, dir, 1, 1000, 1) // id 0

	survivors, err := TruncateTo(NewConfig("events", dir),
		&OffsetRange{First: 100, Last: 200},
		[]EpochOffset{{Epoch: 1, ChunkID: 150}})
	require.NoError(t, err)
	assert.Empty(t, survivors)

	bases, err := listBases(dir)
	require.NoError(t, err)
	assert.Empty(t, bases)
}

func TestTruncateTo_EmptyRemoteRange(t *testing.T) {
	dir := t.TempDir()
	writeEpochChunks(t, dir, 1, 1000, 1)

	// An empty remote range is a valid vector: nothing can overlap, so
	// the follower attaches fresh.
	survivors, err := TruncateTo(NewConfig("events", dir),
		nil,
		[]EpochOffset{{Epoch: 1, ChunkID: 10}})
	require.NoError(t, err)
	assert.Empty(t, survivors)
}

func TestTruncateTo_EmptyLocal(t *testing.T) {
	dir := t.TempDir()
	survivors, err := TruncateTo(NewConfig("events", dir),
		&OffsetRange{First: 0, Last: 10},
		[]EpochOffset{{Epoch: 1, ChunkID: 5}})
	require.NoError(t, err)
	assert.Empty(t, survivors)
}
