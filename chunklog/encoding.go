// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package chunklog

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// Chunk header layout, offsets into the 56-byte header:
//
//	0      magic (high nibble) and version (low nibble)
//	1      chunk type
//	2:4    number of entries
//	4:8    number of records
//	8:16   timestamp, signed milliseconds
//	16:24  epoch
//	24:32  chunk id (offset of the first record)
//	32:36  crc32 of the data region
//	36:40  data size
//	40:44  trailer size
//	44     filter size
//	45:56  reserved
const (
	hdrMagicVer    = 0
	hdrType        = 1
	hdrNumEntries  = 2
	hdrNumRecords  = 4
	hdrTimestamp   = 8
	hdrEpoch       = 16
	hdrChunkID     = 24
	hdrCrc         = 32
	hdrDataSize    = 36
	hdrTrailerSize = 40
	hdrFilterSize  = 44
)

const magicVersionByte = chunkMagic<<4 | chunkVersion

// checksum computes the CRC32 protecting a chunk's data region.
func checksum(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}

// encodeHeader writes h into buf, which must hold HeaderSize bytes.
func encodeHeader(buf []byte, h Header) {
	clear(buf[:HeaderSize])
	buf[hdrMagicVer] = magicVersionByte
	buf[hdrType] = byte(h.Type)
	binary.BigEndian.PutUint16(buf[hdrNumEntries:], h.NumEntries)
	binary.BigEndian.PutUint32(buf[hdrNumRecords:], h.NumRecords)
	binary.BigEndian.PutUint64(buf[hdrTimestamp:], uint64(h.Timestamp))
	binary.BigEndian.PutUint64(buf[hdrEpoch:], h.Epoch)
	binary.BigEndian.PutUint64(buf[hdrChunkID:], h.ChunkID)
	binary.BigEndian.PutUint32(buf[hdrCrc:], h.Crc)
	binary.BigEndian.PutUint32(buf[hdrDataSize:], h.DataSize)
	binary.BigEndian.PutUint32(buf[hdrTrailerSize:], h.TrailerSize)
	buf[hdrFilterSize] = h.FilterSize
}

// parseHeader decodes a chunk header, rejecting unknown magic or version.
func parseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, &InvalidHeaderError{Bytes: b}
	}
	if b[hdrMagicVer] != magicVersionByte {
		return Header{}, &InvalidHeaderError{Bytes: b[:HeaderSize]}
	}
	typ := ChunkType(b[hdrType])
	if typ > ChunkTrackingSnapshot {
		return Header{}, &InvalidHeaderError{Bytes: b[:HeaderSize]}
	}
	return Header{
		Type:        typ,
		NumEntries:  binary.BigEndian.Uint16(b[hdrNumEntries:]),
		NumRecords:  binary.BigEndian.Uint32(b[hdrNumRecords:]),
		Timestamp:   int64(binary.BigEndian.Uint64(b[hdrTimestamp:])),
		Epoch:       binary.BigEndian.Uint64(b[hdrEpoch:]),
		ChunkID:     binary.BigEndian.Uint64(b[hdrChunkID:]),
		Crc:         binary.BigEndian.Uint32(b[hdrCrc:]),
		DataSize:    binary.BigEndian.Uint32(b[hdrDataSize:]),
		TrailerSize: binary.BigEndian.Uint32(b[hdrTrailerSize:]),
		FilterSize:  b[hdrFilterSize],
	}, nil
}

// encodeIndexRecord writes r into buf, which must hold IndexRecordSize
// bytes.
func encodeIndexRecord(buf []byte, r IndexRecord) {
	binary.BigEndian.PutUint64(buf[0:], r.ChunkID)
	binary.BigEndian.PutUint64(buf[8:], uint64(r.Timestamp))
	binary.BigEndian.PutUint64(buf[16:], r.Epoch)
	binary.BigEndian.PutUint32(buf[24:], r.FilePos)
	buf[28] = byte(r.Type)
}

// parseIndexRecord decodes one index record.
func parseIndexRecord(b []byte) IndexRecord {
	return IndexRecord{
		ChunkID:   binary.BigEndian.Uint64(b[0:]),
		Timestamp: int64(binary.BigEndian.Uint64(b[8:])),
		Epoch:     binary.BigEndian.Uint64(b[16:]),
		FilePos:   binary.BigEndian.Uint32(b[24:]),
		Type:      ChunkType(b[28]),
	}
}

// fileHeader builds the 8-byte file header for a segment or index file.
func fileHeader(tag []byte) []byte {
	h := make([]byte, LogHeaderSize)
	copy(h, tag)
	binary.BigEndian.PutUint32(h[4:], LogVersion)
	return h
}

// checkFileHeader validates a file header against the expected tag.
func checkFileHeader(b, tag []byte) error {
	if len(b) < LogHeaderSize || !bytes.Equal(b[:4], tag) {
		return fmt.Errorf("bad file header tag % x", b)
	}
	if v := binary.BigEndian.Uint32(b[4:]); v != LogVersion {
		return fmt.Errorf("unsupported format version %d", v)
	}
	return nil
}

// alignToIndexBoundary rounds a position in an index file down to a record
// boundary. Positions taken from a concurrently growing file cannot be
// trusted to sit on one.
func alignToIndexBoundary(pos int64) int64 {
	if pos <= LogHeaderSize {
		return LogHeaderSize
	}
	return pos - (pos-LogHeaderSize)%IndexRecordSize
}

// Entry framing. A simple entry is a u32 length with the top bit clear,
// followed by the body. A sub-batch entry sets the top bit of its first
// byte, packs the compression type into the next three bits, and carries
// record count, uncompressed size, and body size before the opaque body.
const subBatchEntryOverhead = 1 + 2 + 4 + 4

// appendSimpleEntry frames a simple entry onto buf.
func appendSimpleEntry(buf, body []byte) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(body)))
	return append(buf, body...)
}

// appendSubBatchEntry frames a sub-batch entry onto buf.
func appendSubBatchEntry(buf []byte, sb *SubBatch) []byte {
	buf = append(buf, 0x80|byte(sb.Compression&0x07)<<4)
	buf = binary.BigEndian.AppendUint16(buf, sb.NumRecords)
	buf = binary.BigEndian.AppendUint32(buf, sb.UncompressedSize)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(sb.Data)))
	return append(buf, sb.Data...)
}

// parseRecords splits a chunk's data region into records. Simple entries
// occupy one offset each; a sub-batch spans its record count. Sub-batch
// bodies are returned verbatim, never decompressed.
func parseRecords(data []byte, chunkID uint64) ([]Record, error) {
	var records []Record
	offset := chunkID

	for len(data) > 0 {
		if data[0]&0x80 == 0 {
			if len(data) < 4 {
				return nil, fmt.Errorf("truncated entry at offset %d", offset)
			}
			size := binary.BigEndian.Uint32(data)
			if uint32(len(data)-4) < size {
				return nil, fmt.Errorf("truncated entry at offset %d", offset)
			}
			records = append(records, Record{
				Offset: offset,
				Data:   data[4 : 4+size],
			})
			offset++
			data = data[4+size:]
			continue
		}

		if len(data) < subBatchEntryOverhead {
			return nil, fmt.Errorf("truncated sub-batch at offset %d", offset)
		}
		sb := &SubBatch{
			Compression:      CompressionType(data[0] >> 4 & 0x07),
			NumRecords:       binary.BigEndian.Uint16(data[1:]),
			UncompressedSize: binary.BigEndian.Uint32(data[3:]),
		}
		size := binary.BigEndian.Uint32(data[7:])
		if uint32(len(data)-subBatchEntryOverhead) < size {
			return nil, fmt.Errorf("truncated sub-batch at offset %d", offset)
		}
		sb.Data = data[subBatchEntryOverhead : subBatchEntryOverhead+size]
		records = append(records, Record{
			Offset:   offset,
			SubBatch: sb,
		})
		offset += uint64(sb.NumRecords)
		data = data[subBatchEntryOverhead+size:]
	}
	return records, nil
}
