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

func TestSegmentPair_CreateAndReopen(t *testing.T) {
	dir := t.TempDir()

	s, err := createSegmentPair(dir, 42)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), s.Base())
	assert.Equal(t, int64(LogHeaderSize), s.Size())
	assert.Zero(t, s.Chunks())

	// Creating the same pair twice is a hard failure.
	_, err = createSegmentPair(dir, 42)
	assert.Error(t, err)
	require.NoError(t, s.Close())

	s, err = openSegmentPairAppend(dir, 42)
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, int64(LogHeaderSize), s.Size())
}

func TestSegmentPair_AppendRestoresState(t *testing.T) {
	dir := t.TempDir()
	s, err := createSegmentPair(dir, 0)
	require.NoError(t, err)

	data := appendSimpleEntry(nil, []byte("hello"))
	h := Header{
		Type:       ChunkUser,
		NumEntries: 1,
		NumRecords: 1,
		Timestamp:  1000,
		ChunkID:    0,
		Crc:        checksum(data),
		DataSize:   uint32(len(data)),
	}
	raw := make([]byte, HeaderSize, HeaderSize+len(data))
	encodeHeader(raw, h)
	raw = append(raw, data...)

	require.NoError(t, s.appendChunk(raw, h))
	size, chunks := s.Size(), s.Chunks()
	require.NoError(t, s.Close())

	// Reopening rescans the segment into the same in-memory state.
	s, err = openSegmentPairAppend(dir, 0)
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, size, s.Size())
	assert.Equal(t, chunks, s.Chunks())

	got, err := s.readHeaderAt(LogHeaderSize)
	require.NoError(t, err)
	assert.Equal(t, h, got)

	rec, err := lastIndexRecord(filepath.Join(dir, IndexFileName(0)))
	require.NoError(t, err)
	assert.Equal(t, uint64(0), rec.ChunkID)
	assert.Equal(t, uint32(LogHeaderSize), rec.FilePos)
}

func TestSegmentPair_RejectsForeignFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, SegmentFileName(0)), []byte("not a log"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, IndexFileName(0)), fileHeader(indexHeaderTag), 0o644))

	_, err := openSegmentPairAppend(dir, 0)
	assert.Error(t, err)
}

func TestIndexRecordHelpers_Empty(t *testing.T) {
	dir := t.TempDir()
	s, err := createSegmentPair(dir, 0)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	path := filepath.Join(dir, IndexFileName(0))
	_, err = firstIndexRecord(path)
	assert.ErrorIs(t, err, errNoIndexRecords)
	_, err = lastIndexRecord(path)
	assert.ErrorIs(t, err, errNoIndexRecords)

	_, err = firstIndexRecord(filepath.Join(dir, IndexFileName(9)))
	assert.ErrorIs(t, err, ErrMissingFile)
}
