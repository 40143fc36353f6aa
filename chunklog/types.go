// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package chunklog

import (
	"errors"
	"fmt"
	"time"
)

// Storage errors.
var (
	ErrEndOfStream      = errors.New("end of stream")
	ErrNoIndexFile      = errors.New("no index file")
	ErrRetriesExhausted = errors.New("retries exhausted")
	ErrEmptyWrite       = errors.New("write contains no entries")
	ErrWriterClosed     = errors.New("writer is closed")
	ErrReaderClosed     = errors.New("reader is closed")
	ErrMissingFile      = errors.New("file deleted by retention")
)

// OutOfOrderError is fatal: a replicated chunk does not carry the chunk id
// the local log expects next, or a reader found an unexpected chunk id at
// its cursor.
type OutOfOrderError struct {
	Seen     uint64
	Expected uint64
}

func (e *OutOfOrderError) Error() string {
	return fmt.Sprintf("chunk out of order: seen %d, expected %d", e.Seen, e.Expected)
}

// CRCMismatchError is fatal on an already-durable chunk: the data region
// does not match the header checksum.
type CRCMismatchError struct {
	ChunkID uint64
}

func (e *CRCMismatchError) Error() string {
	return fmt.Sprintf("crc validation failure for chunk %d", e.ChunkID)
}

// InvalidEpochError is raised at writer init when the last recovered chunk
// carries an epoch beyond the configured one.
type InvalidEpochError struct {
	LastFound  uint64
	Configured uint64
}

func (e *InvalidEpochError) Error() string {
	return fmt.Sprintf("invalid epoch: last found %d exceeds configured %d", e.LastFound, e.Configured)
}

// InvalidHeaderError is raised on malformed chunk framing.
type InvalidHeaderError struct {
	Bytes []byte
}

func (e *InvalidHeaderError) Error() string {
	return fmt.Sprintf("invalid chunk header: % x", e.Bytes)
}

// OffsetOutOfRangeError is returned for absolute attach specs outside
// [first, last+1].
type OffsetOutOfRangeError struct {
	Offset uint64
	Range  OffsetRange
}

func (e *OffsetOutOfRangeError) Error() string {
	return fmt.Sprintf("offset %d out of range [%d, %d]", e.Offset, e.Range.First, e.Range.Last)
}

// InvalidLastOffsetEpochError is raised during data-reader init when the
// leader's (epoch, chunk id) vector does not match the local chunk at the
// requested position. ActualEpoch is zero when the chunk id cannot be
// located at all; callers treat both cases as "needs full re-sync".
type InvalidLastOffsetEpochError struct {
	Expected    EpochOffset
	ActualEpoch uint64
}

func (e *InvalidLastOffsetEpochError) Error() string {
	return fmt.Sprintf("invalid last offset epoch: expected epoch %d at chunk %d, found %d",
		e.Expected.Epoch, e.Expected.ChunkID, e.ActualEpoch)
}

// CorruptedSegmentError is raised when tail repair cannot locate any valid
// chunk in a segment.
type CorruptedSegmentError struct {
	File string
}

func (e *CorruptedSegmentError) Error() string {
	return fmt.Sprintf("corrupted segment %s", e.File)
}

// On-disk layout constants. All multi-byte fields are big-endian.
const (
	// LogHeaderSize is the 8-byte file header of both segment and index
	// files: a 4-byte tag and a u32 version.
	LogHeaderSize = 8

	// HeaderSize is the fixed chunk header size.
	HeaderSize = 56

	// IndexRecordSize is the fixed per-chunk index record size.
	IndexRecordSize = 29

	// LogVersion is the only format version written or accepted.
	LogVersion = 1

	// chunkMagic and chunkVersion are packed into the first header byte.
	chunkMagic   = 5
	chunkVersion = 1

	// SegmentExtension and IndexExtension name the two files of a pair;
	// the shared prefix is the first chunk id, zero-padded to 20 digits.
	SegmentExtension = ".segment"
	IndexExtension   = ".index"
)

// File header tags.
var (
	segmentHeaderTag = []byte("OSIL")
	indexHeaderTag   = []byte("OSII")
)

// Default configuration values.
const (
	DefaultMaxSegmentSizeBytes  = 500 * 1000 * 1000
	DefaultMaxSegmentSizeChunks = 256_000
	DefaultFilterSize           = 16
)

// ChunkType distinguishes user data from embedded tracking chunks.
type ChunkType uint8

const (
	ChunkUser             ChunkType = 0
	ChunkTrackingDelta    ChunkType = 1
	ChunkTrackingSnapshot ChunkType = 2
)

func (t ChunkType) String() string {
	switch t {
	case ChunkUser:
		return "user"
	case ChunkTrackingDelta:
		return "tracking_delta"
	case ChunkTrackingSnapshot:
		return "tracking_snapshot"
	default:
		return "unknown"
	}
}

// ChunkSelector controls which chunk types an offset reader emits.
type ChunkSelector uint8

const (
	// SelectUserData emits only USER chunks. This is the offset reader
	// default.
	SelectUserData ChunkSelector = iota
	// SelectAll emits every chunk type.
	SelectAll
)

// CompressionType tags sub-batch bodies. The engine never compresses or
// decompresses; the tag travels opaquely in the entry frame.
type CompressionType uint8

const (
	CompressionNone CompressionType = 0
	CompressionS2   CompressionType = 1
	CompressionZstd CompressionType = 2
)

func (c CompressionType) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionS2:
		return "s2"
	case CompressionZstd:
		return "zstd"
	default:
		return "unknown"
	}
}

// Header is the decoded 56-byte chunk header.
type Header struct {
	Type        ChunkType
	NumEntries  uint16
	NumRecords  uint32
	Timestamp   int64 // milliseconds
	Epoch       uint64
	ChunkID     uint64
	Crc         uint32
	DataSize    uint32
	TrailerSize uint32
	FilterSize  uint8
}

// totalSize returns the full chunk size on disk including the header.
func (h Header) totalSize() int64 {
	return HeaderSize + int64(h.FilterSize) + int64(h.DataSize) + int64(h.TrailerSize)
}

// NextChunkID returns the chunk id following this chunk. Offsets are
// dense: chunk ids advance by the record count.
func (h Header) NextChunkID() uint64 {
	return h.ChunkID + uint64(h.NumRecords)
}

// IndexRecord is the decoded 29-byte index record for one chunk.
type IndexRecord struct {
	ChunkID   uint64
	Timestamp int64
	Epoch     uint64
	FilePos   uint32
	Type      ChunkType
}

// isZero reports whether the record is all zeros, the shape left behind by
// a crashed index append.
func (r IndexRecord) isZero() bool {
	return r.ChunkID == 0 && r.Timestamp == 0 && r.Epoch == 0 && r.FilePos == 0 && r.Type == 0
}

// ChunkInfo identifies the last written chunk of a log.
type ChunkInfo struct {
	Epoch      uint64
	ChunkID    uint64
	Timestamp  int64
	NumRecords uint32
}

// TailInfo is the writer state after recovery or a successful write.
type TailInfo struct {
	// NextChunkID is the chunk id the next write will carry.
	NextChunkID uint64
	// LastChunk describes the last durable chunk, nil on an empty log.
	LastChunk *ChunkInfo
}

// OffsetRange is the inclusive chunk-id range currently stored.
type OffsetRange struct {
	First uint64
	Last  uint64
}

// EpochOffset is one element of the epoch/offset vector a leader exposes
// for reconciliation: the last chunk id written in that epoch.
type EpochOffset struct {
	Epoch   uint64
	ChunkID uint64
}

// Entry is one unit of a write: raw bytes with an optional Bloom filter
// value, or a pre-framed sub-batch passed through opaquely.
type Entry struct {
	// FilterValue feeds the chunk's Bloom filter. Empty means the entry
	// is unfiltered.
	FilterValue string
	// Data is the entry body for simple entries.
	Data []byte
	// SubBatch, when non-nil, takes precedence over Data.
	SubBatch *SubBatch
}

// SubBatch is a compressed batch of records framed as a single entry. The
// body stays opaque to the engine; consumers decompress client-side.
type SubBatch struct {
	Compression      CompressionType
	NumRecords       uint16
	UncompressedSize uint32
	Data             []byte
}

// Record is one parsed element of a chunk's data region.
type Record struct {
	// Offset is the record's absolute offset in the log.
	Offset uint64
	// Data is the body of a simple entry, nil for sub-batches.
	Data []byte
	// SubBatch is set for sub-batch entries; it spans NumRecords offsets
	// starting at Offset.
	SubBatch *SubBatch
}

// AttachKind enumerates the reader attach specs.
type AttachKind uint8

const (
	AttachFirst AttachKind = iota
	AttachLast
	AttachNext
	AttachAbs
	AttachOffset
	AttachTimestamp
)

// AttachSpec says where a reader attaches to the log.
type AttachSpec struct {
	Kind      AttachKind
	Offset    uint64
	Timestamp int64
}

// First attaches at the first chunk of the first segment.
func First() AttachSpec { return AttachSpec{Kind: AttachFirst} }

// Last attaches at the most recent USER chunk.
func Last() AttachSpec { return AttachSpec{Kind: AttachLast} }

// Next attaches immediately after the last chunk.
func Next() AttachSpec { return AttachSpec{Kind: AttachNext} }

// Abs attaches at an exact offset and fails when it lies outside
// [first, last+1]; last+1 attaches right after the last stored record.
func Abs(offset uint64) AttachSpec {
	return AttachSpec{Kind: AttachAbs, Offset: offset}
}

// Offset attaches at an offset, clamped into the stored range.
func Offset(offset uint64) AttachSpec {
	return AttachSpec{Kind: AttachOffset, Offset: offset}
}

// Timestamp attaches at the first chunk whose timestamp is not older than
// ts.
func Timestamp(ts int64) AttachSpec {
	return AttachSpec{Kind: AttachTimestamp, Timestamp: ts}
}

// RetentionKind selects a retention rule.
type RetentionKind uint8

const (
	RetentionMaxBytes RetentionKind = iota
	RetentionMaxAge
)

// RetentionSpec is one retention rule. Specs are evaluated in the order
// they are configured.
type RetentionSpec struct {
	Kind     RetentionKind
	MaxBytes int64
	MaxAge   time.Duration
}

// MaxBytes retains at most b bytes of segments.
func MaxBytes(b int64) RetentionSpec {
	return RetentionSpec{Kind: RetentionMaxBytes, MaxBytes: b}
}

// MaxAge retains only segments younger than age.
func MaxAge(age time.Duration) RetentionSpec {
	return RetentionSpec{Kind: RetentionMaxAge, MaxAge: age}
}
