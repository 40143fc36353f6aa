// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package chunklog implements an append-only, segmented, chunk-oriented
// log: the storage substrate of a replicated streaming message system.
//
// A log is a directory of segment pairs. The segment file holds a
// contiguous stream of chunks, each an atomic batch of records protected
// by a CRC over its data region; the index file holds one fixed-size
// record per chunk for O(1) seeks. Chunk ids are the offset of a chunk's
// first record, so ids are dense and strictly increasing, and file names
// encode the first chunk id of each segment.
//
// One writer task appends chunks, either assembled from local entries or
// accepted pre-framed from replication; any number of reader tasks stream
// chunks to sockets from their own cursors, bounded only by the shared
// chunk-id cells. Startup repairs a possibly torn tail, epoch vectors
// reconcile divergent replicas, and retention deletes whole pairs oldest
// first.
package chunklog
