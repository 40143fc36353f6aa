// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package chunklog

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/osil-io/osil/tracking"
)

// RecoverTracking rebuilds tracking state by scanning chunks from the
// start of the most recent segment: snapshots reset the state, delta
// chunks and USER trailers append to it. The writer seeds every rolled
// segment with a snapshot, so one segment normally suffices; with
// includePrior the scan starts at the newest older segment that opens
// with a snapshot, for logs whose tail segment predates snapshotting.
func RecoverTracking(dir string, cfg tracking.Config, includePrior bool) (*tracking.State, error) {
	bases, err := listBases(dir)
	if err != nil {
		return nil, err
	}
	if len(bases) == 0 {
		return tracking.Init(nil, cfg)
	}

	start := len(bases) - 1
	if includePrior {
		for start > 0 {
			rec, err := firstIndexRecord(filepath.Join(dir, IndexFileName(bases[start])))
			if errors.Is(err, errNoIndexRecords) {
				start--
				continue
			}
			if err != nil {
				return nil, err
			}
			if rec.Type == ChunkTrackingSnapshot {
				break
			}
			start--
		}
	}

	state, err := tracking.Init(nil, cfg)
	if err != nil {
		return nil, err
	}
	for _, base := range bases[start:] {
		state, err = scanTrackingSegment(dir, base, cfg, state)
		if err != nil {
			return nil, err
		}
	}
	return state, nil
}

// scanTrackingSegment walks one segment's chunks, folding tracking
// information into state.
func scanTrackingSegment(dir string, base uint64, cfg tracking.Config, state *tracking.State) (*tracking.State, error) {
	f, err := os.Open(filepath.Join(dir, SegmentFileName(base)))
	if err != nil {
		return nil, missingFile(err)
	}
	defer f.Close()

	pos := int64(LogHeaderSize)
	buf := make([]byte, HeaderSize)
	for {
		n, err := f.ReadAt(buf, pos)
		if n < HeaderSize {
			if err != nil && !errors.Is(err, io.EOF) {
				return nil, err
			}
			return state, nil
		}
		h, err := parseHeader(buf)
		if err != nil {
			return nil, err
		}

		switch h.Type {
		case ChunkTrackingSnapshot, ChunkTrackingDelta:
			body, err := chunkEntryBody(f, pos, h)
			if err != nil {
				return nil, err
			}
			if h.Type == ChunkTrackingSnapshot {
				state, err = tracking.Init(body, cfg)
				if err != nil {
					return nil, err
				}
			} else if err := state.AppendTrailer(h.ChunkID, body); err != nil {
				return nil, err
			}
		case ChunkUser:
			if h.TrailerSize > 0 {
				trailer := make([]byte, h.TrailerSize)
				off := pos + HeaderSize + int64(h.FilterSize) + int64(h.DataSize)
				if _, err := f.ReadAt(trailer, off); err != nil {
					return nil, err
				}
				if err := state.AppendTrailer(h.ChunkID, trailer); err != nil {
					return nil, err
				}
			}
		}

		pos += h.totalSize()
	}
}

// chunkEntryBody reads the body of a tracking chunk's single simple entry.
func chunkEntryBody(f *os.File, pos int64, h Header) ([]byte, error) {
	data := make([]byte, h.DataSize)
	if _, err := f.ReadAt(data, pos+HeaderSize+int64(h.FilterSize)); err != nil {
		return nil, err
	}
	records, err := parseRecords(data, h.ChunkID)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 || records[0].Data == nil {
		return nil, fmt.Errorf("tracking chunk %d carries no entry body", h.ChunkID)
	}
	return records[0].Data, nil
}
