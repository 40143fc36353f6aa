// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package chunklog

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// recoveredLog is the state handed to the writer after tail repair.
type recoveredLog struct {
	seg  *Segment
	tail TailInfo
}

// maxTailRetreats bounds how many tail pairs recovery may drop while
// looking for a valid chunk. Ordinary crashes damage at most the last
// pair plus an empty successor; anything deeper is disk corruption.
const maxTailRetreats = 2

// recoverLog repairs the tail of the log and opens the last pair for
// append. A crash can leave a fractional or zero-filled index tail and a
// partially written chunk at the segment end; both are stripped. Earlier
// records are immutable and never revisited, which also makes the repair
// idempotent: a second run finds nothing to strip.
func recoverLog(cfg *Config, logger *slog.Logger) (*recoveredLog, error) {
	idxPaths := cfg.IndexFiles
	if idxPaths == nil {
		var err error
		idxPaths, err = listIndexPaths(cfg.Dir)
		if err != nil {
			return nil, err
		}
	}

	retreats := 0
	for len(idxPaths) > 0 {
		last := idxPaths[len(idxPaths)-1]
		base, err := baseFromFilename(last)
		if err != nil {
			return nil, err
		}

		rec, err := repairTail(cfg.Dir, base, logger)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			// The tail pair holds no chunks. Retreating twice without
			// finding a valid chunk means the damage is not a torn
			// tail; refuse rather than cascade into deleting the log.
			if retreats >= maxTailRetreats {
				return nil, &CorruptedSegmentError{File: SegmentFileName(base)}
			}
			// A lone empty pair is a valid empty log; otherwise drop
			// it and repair the previous pair, whose own tail may
			// also be damaged.
			if len(idxPaths) == 1 {
				seg, err := openEmptyPair(cfg.Dir, base)
				if err != nil {
					return nil, err
				}
				return &recoveredLog{
					seg:  seg,
					tail: TailInfo{NextChunkID: base},
				}, nil
			}
			logger.Info("dropping empty tail segment pair",
				slog.String("segment", SegmentFileName(base)))
			if err := deletePair(cfg.Dir, base); err != nil {
				return nil, err
			}
			idxPaths = idxPaths[:len(idxPaths)-1]
			retreats++
			continue
		}

		h, err := readHeaderAtPath(cfg.Dir, base, int64(rec.FilePos))
		if err != nil {
			return nil, err
		}
		seg, err := openSegmentPairAppend(cfg.Dir, base)
		if err != nil {
			return nil, err
		}
		return &recoveredLog{
			seg: seg,
			tail: TailInfo{
				NextChunkID: h.NextChunkID(),
				LastChunk: &ChunkInfo{
					Epoch:      h.Epoch,
					ChunkID:    h.ChunkID,
					Timestamp:  h.Timestamp,
					NumRecords: h.NumRecords,
				},
			},
		}, nil
	}

	// Empty directory: bootstrap the initial pair.
	seg, err := createSegmentPair(cfg.Dir, cfg.InitialOffset)
	if err != nil {
		return nil, err
	}
	return &recoveredLog{
		seg:  seg,
		tail: TailInfo{NextChunkID: cfg.InitialOffset},
	}, nil
}

// repairTail strips invalid records from the end of a pair's index and
// truncates the segment after the last valid chunk. It returns the last
// valid index record, or nil when the pair holds none.
func repairTail(dir string, base uint64, logger *slog.Logger) (*IndexRecord, error) {
	idxPath := filepath.Join(dir, IndexFileName(base))
	idx, err := os.OpenFile(idxPath, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open index for repair: %w", err)
	}
	defer idx.Close()

	segPath := filepath.Join(dir, SegmentFileName(base))
	seg, err := os.OpenFile(segPath, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open segment for repair: %w", err)
	}
	defer seg.Close()

	idxInfo, err := idx.Stat()
	if err != nil {
		return nil, err
	}
	segInfo, err := seg.Stat()
	if err != nil {
		return nil, err
	}
	segSize := segInfo.Size()

	if segSize >= LogHeaderSize {
		hdr := make([]byte, LogHeaderSize)
		if _, err := seg.ReadAt(hdr, 0); err != nil {
			return nil, err
		}
		if err := checkFileHeader(hdr, segmentHeaderTag); err != nil {
			return nil, &CorruptedSegmentError{File: segPath}
		}
	}

	// Drop fractional trailing bytes before trusting record boundaries.
	aligned := alignToIndexBoundary(idxInfo.Size())
	if aligned < idxInfo.Size() {
		if err := idx.Truncate(aligned); err != nil {
			return nil, fmt.Errorf("failed to align index: %w", err)
		}
	}

	count := indexRecordCount(aligned)
	for n := count - 1; n >= 0; n-- {
		rec, err := readIndexRecordAt(idx, LogHeaderSize+n*IndexRecordSize)
		if err != nil {
			return nil, err
		}
		end, valid := validateChunkAt(seg, segSize, rec)
		if !valid {
			continue
		}

		// First valid record from the end; everything after it is
		// damage from an interrupted append.
		if n != count-1 {
			logger.Info("truncating index tail",
				slog.String("index", IndexFileName(base)),
				slog.Int64("dropped_records", count-1-n))
		}
		if err := idx.Truncate(LogHeaderSize + (n+1)*IndexRecordSize); err != nil {
			return nil, fmt.Errorf("failed to truncate index: %w", err)
		}
		if end < segSize {
			logger.Info("truncating segment tail",
				slog.String("segment", SegmentFileName(base)),
				slog.Int64("dropped_bytes", segSize-end))
			if err := seg.Truncate(end); err != nil {
				return nil, fmt.Errorf("failed to truncate segment: %w", err)
			}
		}
		return &rec, nil
	}

	// No valid chunk: reduce the pair to bare headers.
	if err := idx.Truncate(LogHeaderSize); err != nil {
		return nil, err
	}
	if segSize > LogHeaderSize {
		if err := seg.Truncate(LogHeaderSize); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

// validateChunkAt checks that an index record points at a well-formed chunk
// fully contained in the segment, with matching identity and a valid CRC.
// It returns the chunk's end position.
func validateChunkAt(seg *os.File, segSize int64, rec IndexRecord) (int64, bool) {
	if rec.isZero() {
		return 0, false
	}
	pos := int64(rec.FilePos)
	if pos < LogHeaderSize || pos+HeaderSize > segSize {
		return 0, false
	}

	buf := make([]byte, HeaderSize)
	if _, err := seg.ReadAt(buf, pos); err != nil {
		return 0, false
	}
	h, err := parseHeader(buf)
	if err != nil {
		return 0, false
	}
	if h.ChunkID != rec.ChunkID || h.Epoch != rec.Epoch ||
		h.Timestamp != rec.Timestamp || h.Type != rec.Type {
		return 0, false
	}

	end := pos + h.totalSize()
	if end > segSize {
		return 0, false
	}

	data := make([]byte, h.DataSize)
	if _, err := seg.ReadAt(data, pos+HeaderSize+int64(h.FilterSize)); err != nil {
		return 0, false
	}
	if checksum(data) != h.Crc {
		return 0, false
	}
	return end, true
}

// openEmptyPair opens a bare pair for append, writing the 8-byte headers
// if a crash during creation left either file short.
func openEmptyPair(dir string, base uint64) (*Segment, error) {
	for _, name := range []string{SegmentFileName(base), IndexFileName(base)} {
		path := filepath.Join(dir, name)
		info, err := os.Stat(path)
		if err != nil {
			return nil, err
		}
		if info.Size() < LogHeaderSize {
			tag := segmentHeaderTag
			if filepath.Ext(name) == IndexExtension {
				tag = indexHeaderTag
			}
			if err := os.WriteFile(path, fileHeader(tag), 0o644); err != nil {
				return nil, err
			}
		}
	}
	return openSegmentPairAppend(dir, base)
}

// deletePair removes both files of a segment pair.
func deletePair(dir string, base uint64) error {
	if err := os.Remove(filepath.Join(dir, SegmentFileName(base))); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Remove(filepath.Join(dir, IndexFileName(base))); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
