// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package chunklog

import (
	"os"
	"path/filepath"
)

// LogInfo is a point-in-time summary of a log directory.
type LogInfo struct {
	// Range is the stored chunk-id range, nil when the log is empty.
	Range *OffsetRange
	// FirstTimestamp and LastTimestamp bound the stored chunks.
	FirstTimestamp int64
	LastTimestamp  int64
	// Epoch is the epoch of the last stored chunk.
	Epoch uint64
	// Segments counts the segment pairs.
	Segments int
	// SizeBytes sums the segment file sizes.
	SizeBytes int64
}

// Overview summarizes a log directory without opening it for append.
func Overview(dir string) (LogInfo, error) {
	bases, err := listBases(dir)
	if err != nil {
		return LogInfo{}, err
	}

	info := LogInfo{Segments: len(bases)}
	for _, base := range bases {
		st, err := os.Stat(filepath.Join(dir, SegmentFileName(base)))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return LogInfo{}, err
		}
		info.SizeBytes += st.Size()
	}

	first, last, ok, err := logRange(dir)
	if err != nil {
		return LogInfo{}, err
	}
	if ok {
		info.Range = &OffsetRange{First: first.ChunkID, Last: last.ChunkID}
		info.FirstTimestamp = first.Timestamp
		info.LastTimestamp = last.Timestamp
		info.Epoch = last.Epoch
	}
	return info, nil
}
