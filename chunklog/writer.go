// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package chunklog

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/osil-io/osil/bloom"
	"github.com/osil-io/osil/counters"
	"github.com/osil-io/osil/tracking"
)

// Writer is the single append task of a log. It assembles chunks from
// locally produced entries or accepts pre-framed chunks from replication,
// maintains the index, rolls segments, and publishes the shared cells.
//
// A Writer is not safe for concurrent use; a log has exactly one writer
// task.
type Writer struct {
	cfg    Config
	logger *slog.Logger

	shared   *counters.Cells
	counters *counters.Registry

	seg      *Segment
	tail     TailInfo
	tracking *tracking.State

	closed bool
}

// NewWriter opens the log directory for append, repairing the tail first.
// It refuses to open a log whose last chunk carries an epoch beyond the
// configured one.
func NewWriter(cfg Config) (*Writer, error) {
	cfg.normalize()
	logger := cfg.Logger.With(slog.String("log", cfg.Name))

	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	rec, err := recoverLog(&cfg, logger)
	if err != nil {
		return nil, err
	}

	if last := rec.tail.LastChunk; last != nil && last.Epoch > cfg.Epoch {
		rec.seg.Close()
		return nil, &InvalidEpochError{LastFound: last.Epoch, Configured: cfg.Epoch}
	}

	trk, err := RecoverTracking(cfg.Dir, cfg.Tracking, false)
	if err != nil {
		rec.seg.Close()
		return nil, err
	}

	reg := counters.NewRegistry(cfg.CounterName, cfg.CounterFields)
	if cfg.ReadersCounterFn == nil {
		cfg.ReadersCounterFn = func(delta int) {
			reg.Add(counters.FieldReaders, int64(delta))
		}
	}

	w := &Writer{
		cfg:      cfg,
		logger:   logger,
		shared:   cfg.Shared,
		counters: reg,
		seg:      rec.seg,
		tail:     rec.tail,
		tracking: trk,
	}
	if err := w.reloadCounters(); err != nil {
		w.seg.Close()
		return nil, err
	}

	logger.Info("log opened for append",
		slog.Uint64("next_chunk_id", w.tail.NextChunkID),
		slog.Uint64("epoch", cfg.Epoch))
	return w, nil
}

// reloadCounters publishes the recovered state into cells and counters.
func (w *Writer) reloadCounters() error {
	first, last, ok, err := logRange(w.cfg.Dir)
	if err != nil {
		return err
	}
	bases, err := listBases(w.cfg.Dir)
	if err != nil {
		return err
	}
	w.counters.Put(counters.FieldSegments, int64(len(bases)))

	if !ok {
		return nil
	}
	w.shared.SetFirstChunkID(int64(first.ChunkID))
	w.shared.SetLastChunkID(int64(last.ChunkID))
	w.counters.Put(counters.FieldFirstOffset, int64(first.ChunkID))
	w.counters.Put(counters.FieldFirstTimestamp, first.Timestamp)
	w.counters.Put(counters.FieldOffset, int64(last.ChunkID))
	return nil
}

// TailInfo returns the writer tail state: the next chunk id and the last
// durable chunk.
func (w *Writer) TailInfo() TailInfo {
	return w.tail
}

// Shared returns the cell set of the log.
func (w *Writer) Shared() *counters.Cells {
	return w.shared
}

// Counters returns the counter registry of the log.
func (w *Writer) Counters() *counters.Registry {
	return w.counters
}

// Tracking returns the in-memory tracking state.
func (w *Writer) Tracking() *tracking.State {
	return w.tracking
}

// Config returns the normalized configuration, for sharing with readers.
func (w *Writer) Config() Config {
	return w.cfg
}

// Write assembles a chunk from entries and appends it. Entries either
// carry a Bloom filter value or pass a pre-framed sub-batch through
// opaquely. The timestamp is in milliseconds.
func (w *Writer) Write(entries []Entry, typ ChunkType, timestamp int64, trailer []byte) error {
	if w.closed {
		return ErrWriterClosed
	}
	if len(entries) == 0 {
		return ErrEmptyWrite
	}

	if w.shouldRoll() {
		if err := w.roll(); err != nil {
			return err
		}
		// A rolled segment starts with a tracking snapshot so state
		// recovery never needs to scan past one segment.
		if !w.tracking.IsEmpty() {
			snap := w.tracking.Snapshot(
				uint64(w.counters.Get(counters.FieldFirstOffset)),
				w.counters.Get(counters.FieldFirstTimestamp),
			)
			if len(snap) > 0 {
				snapEntries := []Entry{{Data: snap}}
				if err := w.writeChunk(snapEntries, ChunkTrackingSnapshot, timestamp, nil); err != nil {
					return err
				}
			}
		}
	}

	return w.writeChunk(entries, typ, timestamp, trailer)
}

// writeChunk frames, checksums and appends one chunk.
func (w *Writer) writeChunk(entries []Entry, typ ChunkType, timestamp int64, trailer []byte) error {
	var (
		data       []byte
		numRecords uint32
		filter     *bloom.Filter
	)
	for _, e := range entries {
		if e.FilterValue != "" {
			filter = bloom.New(w.cfg.FilterSize)
			break
		}
	}
	for _, e := range entries {
		if e.SubBatch != nil {
			data = appendSubBatchEntry(data, e.SubBatch)
			numRecords += uint32(e.SubBatch.NumRecords)
		} else {
			data = appendSimpleEntry(data, e.Data)
			numRecords++
		}
		if filter != nil {
			filter.Insert(e.FilterValue)
		}
	}

	var filterBytes []byte
	if filter != nil {
		filterBytes = filter.Bytes()
	}

	h := Header{
		Type:        typ,
		NumEntries:  uint16(len(entries)),
		NumRecords:  numRecords,
		Timestamp:   timestamp,
		Epoch:       w.cfg.Epoch,
		ChunkID:     w.tail.NextChunkID,
		Crc:         checksum(data),
		DataSize:    uint32(len(data)),
		TrailerSize: uint32(len(trailer)),
		FilterSize:  uint8(len(filterBytes)),
	}

	raw := make([]byte, 0, h.totalSize())
	raw = append(raw, make([]byte, HeaderSize)...)
	encodeHeader(raw[:HeaderSize], h)
	raw = append(raw, filterBytes...)
	raw = append(raw, data...)
	raw = append(raw, trailer...)

	if err := w.seg.appendChunk(raw, h); err != nil {
		return err
	}
	w.commitChunk(h)

	switch {
	case typ == ChunkTrackingDelta:
		return w.tracking.AppendTrailer(h.ChunkID, entries[0].Data)
	case len(trailer) > 0:
		return w.tracking.AppendTrailer(h.ChunkID, trailer)
	}
	return nil
}

// AcceptChunk appends a pre-framed chunk received from replication. The
// chunk must carry exactly the next expected chunk id and a valid CRC;
// violations are fatal to the writing task.
func (w *Writer) AcceptChunk(raw []byte) error {
	if w.closed {
		return ErrWriterClosed
	}

	h, err := parseHeader(raw)
	if err != nil {
		return err
	}
	if h.ChunkID != w.tail.NextChunkID {
		return &OutOfOrderError{Seen: h.ChunkID, Expected: w.tail.NextChunkID}
	}
	if int64(len(raw)) < h.totalSize() {
		return &InvalidHeaderError{Bytes: raw[:HeaderSize]}
	}

	dataStart := HeaderSize + int(h.FilterSize)
	data := raw[dataStart : dataStart+int(h.DataSize)]
	if checksum(data) != h.Crc {
		return &CRCMismatchError{ChunkID: h.ChunkID}
	}

	if w.shouldRoll() {
		if err := w.roll(); err != nil {
			return err
		}
	}
	if err := w.seg.appendChunk(raw[:h.totalSize()], h); err != nil {
		return err
	}
	w.commitChunk(h)

	// Replicated tracking flows through unchanged but still feeds the
	// local state so promotion starts from a warm map.
	switch {
	case h.Type == ChunkTrackingSnapshot || h.Type == ChunkTrackingDelta:
		records, err := parseRecords(data, h.ChunkID)
		if err != nil || len(records) == 0 {
			return err
		}
		if h.Type == ChunkTrackingSnapshot {
			trk, err := tracking.Init(records[0].Data, w.cfg.Tracking)
			if err != nil {
				return err
			}
			w.tracking = trk
			return nil
		}
		return w.tracking.AppendTrailer(h.ChunkID, records[0].Data)
	case h.TrailerSize > 0:
		trailer := raw[h.totalSize()-int64(h.TrailerSize) : h.totalSize()]
		return w.tracking.AppendTrailer(h.ChunkID, trailer)
	}
	return nil
}

// commitChunk updates tail state, cells and counters after an append.
func (w *Writer) commitChunk(h Header) {
	w.tail.NextChunkID = h.NextChunkID()
	w.tail.LastChunk = &ChunkInfo{
		Epoch:      h.Epoch,
		ChunkID:    h.ChunkID,
		Timestamp:  h.Timestamp,
		NumRecords: h.NumRecords,
	}

	if w.shared.FirstChunkID() < 0 {
		w.shared.SetFirstChunkID(int64(h.ChunkID))
		w.counters.Put(counters.FieldFirstOffset, int64(h.ChunkID))
		w.counters.Put(counters.FieldFirstTimestamp, h.Timestamp)
	}
	w.shared.SetLastChunkID(int64(h.ChunkID))
	w.counters.Put(counters.FieldOffset, int64(h.ChunkID))
	w.counters.Add(counters.FieldChunks, 1)
}

// shouldRoll reports whether the active segment reached a rollover
// threshold. Size compares the accumulated data regions against the
// configured maximum.
func (w *Writer) shouldRoll() bool {
	if w.seg.chunks == 0 {
		return false
	}
	return w.seg.dataBytes >= w.cfg.MaxSegmentSizeBytes ||
		w.seg.chunks >= w.cfg.MaxSegmentSizeChunks
}

// roll closes the active pair, opens a new one named by the next chunk id,
// and schedules a retention pass.
func (w *Writer) roll() error {
	if err := w.seg.Close(); err != nil {
		return fmt.Errorf("failed to close segment on rollover: %w", err)
	}
	seg, err := createSegmentPair(w.cfg.Dir, w.tail.NextChunkID)
	if err != nil {
		return err
	}
	w.seg = seg
	segments := w.counters.Add(counters.FieldSegments, 1)

	w.logger.Info("rolled segment",
		slog.Uint64("first_chunk_id", seg.base),
		slog.Int64("segments", segments))

	if len(w.cfg.Retention) > 0 {
		EvalRetention(w.cfg.Name, w.cfg.Dir, w.cfg.Retention, w.logger, w.applyRetentionResult)
	}
	return nil
}

// applyRetentionResult publishes the post-retention range.
func (w *Writer) applyRetentionResult(res RetentionEvalResult) {
	w.counters.Put(counters.FieldSegments, int64(res.SegmentsLeft))
	if res.Range == nil {
		return
	}
	w.shared.SetFirstChunkID(int64(res.Range.First))
	w.counters.Put(counters.FieldFirstOffset, int64(res.Range.First))
	w.counters.Put(counters.FieldFirstTimestamp, res.FirstTimestamp)
}

// Close closes the active segment pair.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	return w.seg.Close()
}
