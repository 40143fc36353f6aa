// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package chunklog

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/osil-io/osil/bloom"
	"github.com/osil-io/osil/counters"
	"github.com/osil-io/osil/transport"
)

// ReaderMode selects which bound gates a reader.
type ReaderMode uint8

const (
	// ModeData streams every chunk up to the last written one. This is
	// the replication reader.
	ModeData ReaderMode = iota
	// ModeOffset streams selected chunks up to the committed one. This
	// is the consumer reader.
	ModeOffset
)

// ReaderOptions configures a reader on top of the log config.
type ReaderOptions struct {
	Mode     ReaderMode
	Selector ChunkSelector
	// FilterSpec enables Bloom-filter chunk skipping on USER chunks.
	FilterSpec *bloom.MatchSpec
	Transport  transport.Kind
	// LastEpochOffset, when set on a data reader, verifies that the
	// local chunk at the given id carries the given epoch before
	// attaching.
	LastEpochOffset *EpochOffset
	Logger          *slog.Logger
}

// Chunk is one fully read chunk: the decoded header plus the raw filter,
// data, and trailer regions.
type Chunk struct {
	Header  Header
	Filter  []byte
	Data    []byte
	Trailer []byte
}

// Reader streams chunks from a log. Each reader owns its file handle and
// cursor; many readers may run against one log concurrently with the
// writer. The only synchronization is the shared chunk-id cells: a reader
// never parses a header past the published bound for its mode.
type Reader struct {
	id     uuid.UUID
	cfg    Config
	opts   ReaderOptions
	logger *slog.Logger

	shared  *counters.Cells
	matcher *bloom.Matcher
	tr      transport.Transport

	file *os.File
	base uint64
	pos  int64
	next uint64

	closed bool
}

// NewReader attaches a reader to the log at the given spec.
func NewReader(cfg Config, spec AttachSpec, opts ReaderOptions) (*Reader, error) {
	cfg.normalize()
	logger := opts.Logger
	if logger == nil {
		logger = cfg.Logger
	}

	if opts.Mode == ModeData && opts.LastEpochOffset != nil {
		if err := validateLastEpochOffset(cfg.Dir, *opts.LastEpochOffset); err != nil {
			return nil, err
		}
	}

	pos, err := resolveWithRetry(cfg.Dir, spec)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(filepath.Join(cfg.Dir, SegmentFileName(pos.base)))
	if err != nil {
		return nil, missingFile(err)
	}

	r := &Reader{
		id:      uuid.New(),
		cfg:     cfg,
		opts:    opts,
		logger:  logger.With(slog.String("log", cfg.Name)),
		shared:  cfg.Shared,
		tr:      transport.New(opts.Transport),
		file:    file,
		base:    pos.base,
		pos:     pos.pos,
		next:    pos.chunkID,
	}
	if opts.FilterSpec != nil {
		r.matcher = bloom.NewMatcher(*opts.FilterSpec)
	}
	if cfg.ReadersCounterFn != nil {
		cfg.ReadersCounterFn(1)
	}
	return r, nil
}

// validateLastEpochOffset checks the leader's (epoch, chunk id) vector
// against the local log.
func validateLastEpochOffset(dir string, eo EpochOffset) error {
	bases, err := listBases(dir)
	if err != nil {
		return err
	}
	base, ok := segmentBaseFor(bases, eo.ChunkID)
	if !ok {
		return &InvalidLastOffsetEpochError{Expected: eo}
	}
	rec, found, err := scanIndexBackward(filepath.Join(dir, IndexFileName(base)), func(r IndexRecord) bool {
		return r.ChunkID == eo.ChunkID
	})
	if err != nil {
		return err
	}
	if !found {
		return &InvalidLastOffsetEpochError{Expected: eo}
	}
	if rec.Epoch != eo.Epoch {
		return &InvalidLastOffsetEpochError{Expected: eo, ActualEpoch: rec.Epoch}
	}
	return nil
}

// ID returns the reader identity.
func (r *Reader) ID() uuid.UUID {
	return r.id
}

// NextChunkID returns the chunk id the reader expects next.
func (r *Reader) NextChunkID() uint64 {
	return r.next
}

// canRead reports whether the next chunk id is published as readable for
// this reader's mode.
func (r *Reader) canRead() bool {
	var bound int64
	if r.opts.Mode == ModeData {
		bound = r.shared.LastChunkID()
	} else {
		bound = r.shared.CommittedChunkID()
	}
	return bound >= 0 && r.next <= uint64(bound)
}

// NextHeader advances to the next deliverable chunk and returns its
// header without consuming the chunk. Chunks excluded by the selector or
// the Bloom matcher are skipped in place. ErrEndOfStream is returned when
// nothing more is readable now; the cursor stays past any chunks skipped
// before that point.
func (r *Reader) NextHeader() (Header, error) {
	if r.closed {
		return Header{}, ErrReaderClosed
	}

	for {
		if !r.canRead() {
			return Header{}, ErrEndOfStream
		}

		buf := make([]byte, HeaderSize+bloom.DefaultSize)
		n, err := r.file.ReadAt(buf, r.pos)
		if n < HeaderSize {
			if err != nil && !errors.Is(err, io.EOF) {
				return Header{}, err
			}
			// Short read at the segment tail: the published chunk
			// lives in a newer segment.
			if err := r.advanceSegment(); err != nil {
				return Header{}, err
			}
			continue
		}

		h, err := parseHeader(buf)
		if err != nil {
			return Header{}, err
		}
		if h.ChunkID != r.next {
			return Header{}, &OutOfOrderError{Seen: h.ChunkID, Expected: r.next}
		}

		if r.skipBySelector(h) {
			r.advanceChunk(h)
			continue
		}

		if h.Type == ChunkUser && r.matcher != nil && h.FilterSize > 0 {
			filter, err := r.readFilter(h, buf[HeaderSize:n])
			if err != nil {
				return Header{}, err
			}
			matched, retry := r.matcher.Match(filter)
			if retry != nil {
				// Filter size changed; retry the same chunk with a
				// matcher built for it.
				r.matcher = retry
				continue
			}
			if !matched {
				r.advanceChunk(h)
				continue
			}
		}

		return h, nil
	}
}

// skipBySelector reports whether the chunk type is filtered out for this
// reader. Data readers emit everything, including tracking chunks.
func (r *Reader) skipBySelector(h Header) bool {
	if r.opts.Mode != ModeOffset {
		return false
	}
	return r.opts.Selector == SelectUserData && h.Type != ChunkUser
}

// readFilter returns the chunk's full filter bytes, reusing the prefetched
// default-size prefix where it suffices.
func (r *Reader) readFilter(h Header, prefetched []byte) ([]byte, error) {
	size := int(h.FilterSize)
	if size <= len(prefetched) {
		return prefetched[:size], nil
	}
	filter := make([]byte, size)
	if _, err := r.file.ReadAt(filter, r.pos+HeaderSize); err != nil {
		return nil, err
	}
	return filter, nil
}

// advanceChunk moves the cursor past a chunk.
func (r *Reader) advanceChunk(h Header) {
	r.pos += h.totalSize()
	r.next = h.NextChunkID()
}

// advanceSegment opens the segment covering the next readable chunk id.
// Retention may have deleted chunks under the cursor, so the target is the
// published first chunk id when that is ahead of the reader.
func (r *Reader) advanceSegment() error {
	if first := r.shared.FirstChunkID(); first >= 0 && uint64(first) > r.next {
		r.next = uint64(first)
	}

	bases, err := listBases(r.cfg.Dir)
	if err != nil {
		return err
	}
	base, ok := segmentBaseFor(bases, r.next)
	if !ok {
		return ErrEndOfStream
	}
	if base == r.base {
		return ErrEndOfStream
	}

	file, err := os.Open(filepath.Join(r.cfg.Dir, SegmentFileName(base)))
	if err != nil {
		return missingFile(err)
	}
	r.file.Close()
	r.file = file
	r.base = base
	r.pos = LogHeaderSize
	return nil
}

// ReadChunk reads the next deliverable chunk into memory, validating its
// CRC, and advances the cursor past it.
func (r *Reader) ReadChunk() (*Chunk, error) {
	h, err := r.NextHeader()
	if err != nil {
		return nil, err
	}

	raw := make([]byte, h.totalSize())
	if _, err := r.file.ReadAt(raw, r.pos); err != nil {
		return nil, fmt.Errorf("failed to read chunk %d: %w", h.ChunkID, err)
	}

	filterEnd := HeaderSize + int64(h.FilterSize)
	dataEnd := filterEnd + int64(h.DataSize)
	data := raw[filterEnd:dataEnd]
	if checksum(data) != h.Crc {
		return nil, &CRCMismatchError{ChunkID: h.ChunkID}
	}

	r.advanceChunk(h)
	return &Chunk{
		Header:  h,
		Filter:  raw[HeaderSize:filterEnd],
		Data:    data,
		Trailer: raw[dataEnd:],
	}, nil
}

// ReadChunkParsed reads the next chunk and splits its data region into
// records. Sub-batches stay compressed.
func (r *Reader) ReadChunkParsed() (Header, []Record, error) {
	c, err := r.ReadChunk()
	if err != nil {
		return Header{}, nil, err
	}
	records, err := parseRecords(c.Data, c.Header.ChunkID)
	if err != nil {
		return Header{}, nil, err
	}
	return c.Header, records, nil
}

// SendChunk delivers the next chunk to a connection: header first through
// the transport, then the body region straight from the segment file. An
// offset reader sends only the data region; a data reader sends filter,
// data and trailer so replicas receive chunks verbatim. On error the
// cursor is unchanged and a retry resumes at the same chunk.
func (r *Reader) SendChunk(conn io.Writer) error {
	h, err := r.NextHeader()
	if err != nil {
		return err
	}

	hdr := make([]byte, HeaderSize)
	encodeHeader(hdr, h)
	if err := r.tr.Send(conn, hdr); err != nil {
		return err
	}

	start := r.pos + HeaderSize
	length := int64(h.FilterSize) + int64(h.DataSize) + int64(h.TrailerSize)
	if r.opts.Mode == ModeOffset {
		start += int64(h.FilterSize)
		length = int64(h.DataSize)
	}
	if err := r.tr.SendFile(conn, r.file, start, length); err != nil {
		return err
	}

	r.advanceChunk(h)
	return nil
}

// Close releases the reader's file handle.
func (r *Reader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	if r.cfg.ReadersCounterFn != nil {
		r.cfg.ReadersCounterFn(-1)
	}
	return r.file.Close()
}
