// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package chunklog

import (
	"errors"
	"path/filepath"
	"sort"
)

// Directory model: a log directory holds segment pairs whose file names
// encode the first chunk id, zero-padded so lexicographic order equals
// chunk-id order.

// listIndexPaths lists the index files of a log directory in chunk-id
// order.
func listIndexPaths(dir string) ([]string, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*"+IndexExtension))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	return paths, nil
}

// listBases lists the first chunk ids of all segment pairs, ascending.
func listBases(dir string) ([]uint64, error) {
	paths, err := listIndexPaths(dir)
	if err != nil {
		return nil, err
	}
	bases := make([]uint64, 0, len(paths))
	for _, p := range paths {
		base, err := baseFromFilename(p)
		if err != nil {
			continue
		}
		bases = append(bases, base)
	}
	return bases, nil
}

// segmentBaseFor returns the base of the segment that covers a chunk id:
// the largest base not exceeding it.
func segmentBaseFor(bases []uint64, chunkID uint64) (uint64, bool) {
	i := sort.Search(len(bases), func(i int) bool {
		return bases[i] > chunkID
	})
	if i == 0 {
		return 0, false
	}
	return bases[i-1], true
}

// logRange reads the stored chunk-id range from the directory: the first
// record of the oldest non-empty index through the last record of the
// newest. ok is false on an empty log.
func logRange(dir string) (first, last IndexRecord, ok bool, err error) {
	paths, err := listIndexPaths(dir)
	if err != nil {
		return IndexRecord{}, IndexRecord{}, false, err
	}
	if len(paths) == 0 {
		return IndexRecord{}, IndexRecord{}, false, nil
	}

	haveFirst := false
	for _, p := range paths {
		rec, err := firstIndexRecord(p)
		if errors.Is(err, errNoIndexRecords) {
			continue
		}
		if err != nil {
			return IndexRecord{}, IndexRecord{}, false, err
		}
		first = rec
		haveFirst = true
		break
	}
	if !haveFirst {
		return IndexRecord{}, IndexRecord{}, false, nil
	}

	for i := len(paths) - 1; i >= 0; i-- {
		rec, err := lastIndexRecord(paths[i])
		if errors.Is(err, errNoIndexRecords) {
			continue
		}
		if err != nil {
			return IndexRecord{}, IndexRecord{}, false, err
		}
		last = rec
		return first, last, true, nil
	}
	return IndexRecord{}, IndexRecord{}, false, nil
}
