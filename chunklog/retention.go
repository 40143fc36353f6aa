// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package chunklog

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// RetentionEvalResult is handed to the retention callback after an
// evaluation pass.
type RetentionEvalResult struct {
	// Range is the surviving chunk-id range, nil when the log is empty.
	Range *OffsetRange
	// FirstTimestamp is the timestamp of the oldest surviving chunk.
	FirstTimestamp int64
	// SegmentsLeft counts the surviving segment pairs.
	SegmentsLeft int
}

// EvalRetention evaluates the retention specs asynchronously and invokes
// the callback with the surviving range. The writer schedules this after
// every rollover; deleting whole pairs under live readers is safe where
// open handles outlive the unlink, and readers re-resolve through the
// missing-file retry path elsewhere.
func EvalRetention(name, dir string, specs []RetentionSpec, logger *slog.Logger, cb func(RetentionEvalResult)) {
	if logger == nil {
		logger = slog.Default()
	}
	go func() {
		res, err := evalRetention(dir, specs, time.Now(), logger)
		if err != nil {
			logger.Error("retention evaluation failed",
				slog.String("log", name),
				slog.Any("error", err))
			return
		}
		if cb != nil {
			cb(res)
		}
	}()
}

// evalRetention applies the specs in order and reports what survived.
func evalRetention(dir string, specs []RetentionSpec, now time.Time, logger *slog.Logger) (RetentionEvalResult, error) {
	for _, spec := range specs {
		var err error
		switch spec.Kind {
		case RetentionMaxBytes:
			err = applyMaxBytes(dir, spec.MaxBytes, logger)
		case RetentionMaxAge:
			err = applyMaxAge(dir, spec.MaxAge, now, logger)
		}
		if err != nil {
			return RetentionEvalResult{}, err
		}
	}

	first, last, ok, err := logRange(dir)
	if err != nil {
		return RetentionEvalResult{}, err
	}
	bases, err := listBases(dir)
	if err != nil {
		return RetentionEvalResult{}, err
	}
	res := RetentionEvalResult{SegmentsLeft: len(bases)}
	if ok {
		res.Range = &OffsetRange{First: first.ChunkID, Last: last.ChunkID}
		res.FirstTimestamp = first.Timestamp
	}
	return res, nil
}

// applyMaxBytes sums segment sizes newest to oldest and deletes everything
// older once the budget is exceeded. The newest pair always survives.
func applyMaxBytes(dir string, maxBytes int64, logger *slog.Logger) error {
	bases, err := listBases(dir)
	if err != nil {
		return err
	}
	if len(bases) <= 1 {
		return nil
	}

	var cumulative int64
	cutoff := -1
	for i := len(bases) - 1; i >= 0; i-- {
		info, err := os.Stat(filepath.Join(dir, SegmentFileName(bases[i])))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}
		cumulative += info.Size()
		if cumulative > maxBytes && i < len(bases)-1 {
			cutoff = i
			break
		}
	}
	if cutoff < 0 {
		return nil
	}

	// Oldest first, so a crash mid-pass leaves a contiguous log.
	for i := 0; i <= cutoff; i++ {
		logger.Info("retention deleting segment",
			slog.String("segment", SegmentFileName(bases[i])),
			slog.String("rule", "max_bytes"))
		if err := deletePair(dir, bases[i]); err != nil {
			return err
		}
	}
	return nil
}

// applyMaxAge deletes pairs whose newest chunk is older than the cutoff,
// oldest first, stopping at the first young-enough segment. The newest
// pair always survives.
func applyMaxAge(dir string, maxAge time.Duration, now time.Time, logger *slog.Logger) error {
	bases, err := listBases(dir)
	if err != nil {
		return err
	}
	threshold := now.Add(-maxAge).UnixMilli()

	for i := 0; i < len(bases)-1; i++ {
		rec, err := lastIndexRecord(filepath.Join(dir, IndexFileName(bases[i])))
		if errors.Is(err, errNoIndexRecords) || errors.Is(err, ErrMissingFile) {
			continue
		}
		if err != nil {
			return err
		}
		if rec.Timestamp >= threshold {
			return nil
		}
		logger.Info("retention deleting segment",
			slog.String("segment", SegmentFileName(bases[i])),
			slog.String("rule", "max_age"))
		if err := deletePair(dir, bases[i]); err != nil {
			return err
		}
	}
	return nil
}
