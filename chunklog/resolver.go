// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package chunklog

import (
	"errors"
	"os"
	"path/filepath"
)

// position is a resolved attach point: the covering segment, the chunk id
// expected there, and the byte position inside the segment file.
type position struct {
	base    uint64
	chunkID uint64
	pos     int64
}

// resolveRetries bounds how often a resolution is retried after retention
// deletes a file out from under the scan.
const resolveRetries = 3

// resolveWithRetry resolves an attach spec, retrying with a freshly listed
// directory when a segment disappears mid-scan.
func resolveWithRetry(dir string, spec AttachSpec) (position, error) {
	var lastErr error
	for i := 0; i < resolveRetries; i++ {
		pos, err := resolveAttachSpec(dir, spec)
		if errors.Is(err, ErrMissingFile) {
			lastErr = err
			continue
		}
		return pos, err
	}
	return position{}, errors.Join(ErrRetriesExhausted, lastErr)
}

// resolveAttachSpec maps an attach spec to a concrete position.
func resolveAttachSpec(dir string, spec AttachSpec) (position, error) {
	paths, err := listIndexPaths(dir)
	if err != nil {
		return position{}, err
	}
	if len(paths) == 0 {
		return position{}, ErrNoIndexFile
	}

	switch spec.Kind {
	case AttachFirst:
		return resolveFirst(paths)
	case AttachNext:
		return resolveNext(dir, paths)
	case AttachLast:
		return resolveLast(dir, paths)
	case AttachAbs, AttachOffset:
		return resolveOffset(dir, paths, spec)
	case AttachTimestamp:
		return resolveTimestamp(dir, paths, spec.Timestamp)
	default:
		return position{}, errors.New("unknown attach spec")
	}
}

// resolveFirst positions at the first chunk of the first segment, or right
// after the header of an empty log.
func resolveFirst(paths []string) (position, error) {
	base, err := baseFromFilename(paths[0])
	if err != nil {
		return position{}, err
	}
	rec, err := firstIndexRecord(paths[0])
	if errors.Is(err, errNoIndexRecords) {
		return position{base: base, chunkID: base, pos: LogHeaderSize}, nil
	}
	if err != nil {
		return position{}, err
	}
	return position{base: base, chunkID: rec.ChunkID, pos: int64(rec.FilePos)}, nil
}

// resolveNext positions immediately after the last chunk of the last
// segment.
func resolveNext(dir string, paths []string) (position, error) {
	for i := len(paths) - 1; i >= 0; i-- {
		base, err := baseFromFilename(paths[i])
		if err != nil {
			return position{}, err
		}
		rec, err := lastIndexRecord(paths[i])
		if errors.Is(err, errNoIndexRecords) {
			if i == 0 {
				return position{base: base, chunkID: base, pos: LogHeaderSize}, nil
			}
			continue
		}
		if err != nil {
			return position{}, err
		}
		h, err := readHeaderAtPath(dir, base, int64(rec.FilePos))
		if err != nil {
			return position{}, err
		}
		return position{
			base:    base,
			chunkID: h.NextChunkID(),
			pos:     int64(rec.FilePos) + h.totalSize(),
		}, nil
	}
	return position{}, ErrNoIndexFile
}

// resolveLast positions at the most recent USER chunk, falling back to
// next when the log holds none.
func resolveLast(dir string, paths []string) (position, error) {
	for i := len(paths) - 1; i >= 0; i-- {
		base, err := baseFromFilename(paths[i])
		if err != nil {
			return position{}, err
		}
		rec, found, err := scanIndexBackward(paths[i], func(r IndexRecord) bool {
			return r.Type == ChunkUser
		})
		if err != nil {
			return position{}, err
		}
		if found {
			return position{base: base, chunkID: rec.ChunkID, pos: int64(rec.FilePos)}, nil
		}
	}
	return resolveNext(dir, paths)
}

// resolveOffset positions at the chunk covering an absolute offset.
// Offsets below the stored range clamp to first; offsets above it resolve
// to next. The abs spec instead fails outside [first, next].
func resolveOffset(dir string, paths []string, spec AttachSpec) (position, error) {
	k := spec.Offset

	next, err := resolveNext(dir, paths)
	if err != nil {
		return position{}, err
	}
	first, err := resolveFirst(paths)
	if err != nil {
		return position{}, err
	}

	if first.chunkID == next.chunkID {
		// Empty log.
		if spec.Kind == AttachAbs && k != next.chunkID {
			return position{}, &OffsetOutOfRangeError{Offset: k, Range: OffsetRange{First: next.chunkID, Last: next.chunkID}}
		}
		return next, nil
	}

	if spec.Kind == AttachAbs && (k < first.chunkID || k > next.chunkID) {
		return position{}, &OffsetOutOfRangeError{
			Offset: k,
			Range:  OffsetRange{First: first.chunkID, Last: next.chunkID - 1},
		}
	}
	if k < first.chunkID {
		return first, nil
	}
	if k >= next.chunkID {
		return next, nil
	}

	bases, err := listBases(dir)
	if err != nil {
		return position{}, err
	}
	base, ok := segmentBaseFor(bases, k)
	if !ok {
		return first, nil
	}

	// Linear forward scan: the last record whose chunk id does not
	// exceed k covers it.
	var match IndexRecord
	found := false
	err = scanIndexForward(filepath.Join(dir, IndexFileName(base)), func(r IndexRecord) bool {
		if r.ChunkID > k {
			return false
		}
		match = r
		found = true
		return true
	})
	if err != nil {
		return position{}, err
	}
	if !found {
		return first, nil
	}
	return position{base: base, chunkID: match.ChunkID, pos: int64(match.FilePos)}, nil
}

// resolveTimestamp scans segments newest to oldest for the first chunk at
// or after a timestamp.
func resolveTimestamp(dir string, paths []string, ts int64) (position, error) {
	newerFirst := IndexRecord{}
	haveNewer := false

	for i := len(paths) - 1; i >= 0; i-- {
		base, err := baseFromFilename(paths[i])
		if err != nil {
			return position{}, err
		}
		first, err := firstIndexRecord(paths[i])
		if errors.Is(err, errNoIndexRecords) {
			continue
		}
		if err != nil {
			return position{}, err
		}
		last, err := lastIndexRecord(paths[i])
		if err != nil {
			return position{}, err
		}

		if ts > last.Timestamp {
			if !haveNewer {
				// Newer than everything stored.
				return resolveNext(dir, paths)
			}
			// Between this segment and the next newer one.
			return positionFromRecord(dir, newerFirst)
		}

		if ts >= first.Timestamp {
			var match IndexRecord
			found := false
			err := scanIndexForward(paths[i], func(r IndexRecord) bool {
				if r.Timestamp >= ts {
					match = r
					found = true
					return false
				}
				return true
			})
			if err != nil {
				return position{}, err
			}
			if found {
				return position{base: base, chunkID: match.ChunkID, pos: int64(match.FilePos)}, nil
			}
			return positionFromRecord(dir, last)
		}

		newerFirst = first
		haveNewer = true
	}

	// Older than everything stored: attach at the first chunk of the
	// oldest segment.
	return resolveFirst(paths)
}

// positionFromRecord turns an index record into a position, locating its
// covering segment by chunk id.
func positionFromRecord(dir string, rec IndexRecord) (position, error) {
	bases, err := listBases(dir)
	if err != nil {
		return position{}, err
	}
	base, ok := segmentBaseFor(bases, rec.ChunkID)
	if !ok {
		return position{}, ErrNoIndexFile
	}
	return position{base: base, chunkID: rec.ChunkID, pos: int64(rec.FilePos)}, nil
}

// scanIndexForward iterates the records of an index file in order until
// the callback returns false.
func scanIndexForward(path string, fn func(IndexRecord) bool) error {
	f, err := os.Open(path)
	if err != nil {
		return missingFile(err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	count := indexRecordCount(info.Size())
	for n := int64(0); n < count; n++ {
		rec, err := readIndexRecordAt(f, LogHeaderSize+n*IndexRecordSize)
		if err != nil {
			return err
		}
		if !fn(rec) {
			return nil
		}
	}
	return nil
}

// scanIndexBackward iterates records newest-first and returns the first
// one matching the predicate.
func scanIndexBackward(path string, match func(IndexRecord) bool) (IndexRecord, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return IndexRecord{}, false, missingFile(err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return IndexRecord{}, false, err
	}
	count := indexRecordCount(info.Size())
	for n := count - 1; n >= 0; n-- {
		rec, err := readIndexRecordAt(f, LogHeaderSize+n*IndexRecordSize)
		if err != nil {
			return IndexRecord{}, false, err
		}
		if match(rec) {
			return rec, true, nil
		}
	}
	return IndexRecord{}, false, nil
}
