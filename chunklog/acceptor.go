// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package chunklog

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
)

// TruncateTo reconciles a follower log with a leader before accepting
// replicated chunks. The leader exposes its stored range and an
// epoch/offset vector: the last chunk id it wrote in each epoch, newest
// first after sorting. The local log is truncated to the largest prefix
// both sides share; when no prefix survives, every local pair is deleted
// and the follower attaches fresh at the leader's first offset.
//
// remoteRange is nil when the leader's log is empty; that is a valid
// vector, not an error. The surviving index paths are returned for reuse
// as Config.IndexFiles.
func TruncateTo(cfg Config, remoteRange *OffsetRange, epochOffsets []EpochOffset) ([]string, error) {
	cfg.normalize()
	logger := cfg.Logger.With(slog.String("log", cfg.Name))

	sorted := make([]EpochOffset, len(epochOffsets))
	copy(sorted, epochOffsets)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Epoch != sorted[j].Epoch {
			return sorted[i].Epoch > sorted[j].Epoch
		}
		return sorted[i].ChunkID > sorted[j].ChunkID
	})

	first, last, ok, err := logRange(cfg.Dir)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Nothing local to reconcile.
		return listIndexPaths(cfg.Dir)
	}
	localRange := OffsetRange{First: first.ChunkID, Last: last.ChunkID}

	bases, err := listBases(cfg.Dir)
	if err != nil {
		return nil, err
	}

	for _, eo := range sorted {
		if eo.ChunkID > last.ChunkID {
			// The leader's vector points past our end. When our tail
			// epoch matches, we are a clean prefix of the leader as
			// long as the ranges overlap at all.
			if last.Epoch == eo.Epoch {
				if remoteRange != nil && rangesOverlap(localRange, *remoteRange) {
					return listIndexPaths(cfg.Dir)
				}
				logger.Info("no overlap with leader, deleting local log",
					slog.Uint64("local_first", localRange.First),
					slog.Uint64("local_last", localRange.Last))
				return deleteAllPairs(cfg.Dir, bases)
			}
			continue
		}

		base, covered := segmentBaseFor(bases, eo.ChunkID)
		if !covered {
			continue
		}
		found, err := truncateAtChunk(cfg.Dir, base, eo)
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}

		// Matched: drop every pair past the shared chunk.
		for _, b := range bases {
			if b > base {
				if err := deletePair(cfg.Dir, b); err != nil {
					return nil, err
				}
			}
		}
		logger.Info("truncated to shared prefix",
			slog.Uint64("epoch", eo.Epoch),
			slog.Uint64("chunk_id", eo.ChunkID))
		return listIndexPaths(cfg.Dir)
	}

	// The vector is exhausted: the logs diverge everywhere.
	logger.Info("no shared prefix with leader, deleting local log")
	return deleteAllPairs(cfg.Dir, bases)
}

// truncateAtChunk looks for the exact (chunk id, epoch) pair in a
// segment's index and truncates both files just after it.
func truncateAtChunk(dir string, base uint64, eo EpochOffset) (bool, error) {
	idxPath := filepath.Join(dir, IndexFileName(base))

	var (
		match   IndexRecord
		ordinal int64 = -1
		n       int64
	)
	err := scanIndexForward(idxPath, func(r IndexRecord) bool {
		if r.ChunkID == eo.ChunkID {
			match = r
			ordinal = n
			return false
		}
		n++
		return r.ChunkID < eo.ChunkID
	})
	if err != nil {
		return false, err
	}
	if ordinal < 0 || match.Epoch != eo.Epoch {
		return false, nil
	}

	end, err := chunkEndFromIndex(dir, base, match)
	if err != nil {
		return false, err
	}

	seg, err := os.OpenFile(filepath.Join(dir, SegmentFileName(base)), os.O_RDWR, 0o644)
	if err != nil {
		return false, fmt.Errorf("failed to open segment for truncation: %w", err)
	}
	defer seg.Close()
	if err := seg.Truncate(end); err != nil {
		return false, fmt.Errorf("failed to truncate segment: %w", err)
	}

	idx, err := os.OpenFile(idxPath, os.O_RDWR, 0o644)
	if err != nil {
		return false, fmt.Errorf("failed to open index for truncation: %w", err)
	}
	defer idx.Close()
	if err := idx.Truncate(LogHeaderSize + (ordinal+1)*IndexRecordSize); err != nil {
		return false, fmt.Errorf("failed to truncate index: %w", err)
	}
	return true, nil
}

// rangesOverlap reports whether two inclusive chunk-id ranges intersect.
func rangesOverlap(a, b OffsetRange) bool {
	return a.First <= b.Last && b.First <= a.Last
}

// deleteAllPairs removes every segment pair and returns the empty listing.
func deleteAllPairs(dir string, bases []uint64) ([]string, error) {
	for _, b := range bases {
		if err := deletePair(dir, b); err != nil {
			return nil, err
		}
	}
	return []string{}, nil
}
