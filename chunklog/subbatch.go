// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package chunklog

import (
	"encoding/binary"
	"fmt"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
)

// Sub-batch helpers for producers and consumers. The engine stores and
// streams sub-batch bodies opaquely; compression happens on either side of
// it. Inside a body, records use the simple entry framing.

// Zstd encoder/decoder for reuse.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		panic("failed to create zstd encoder: " + err.Error())
	}

	zstdDecoder, err = zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(1),
	)
	if err != nil {
		panic("failed to create zstd decoder: " + err.Error())
	}
}

// BuildSubBatch frames records into a sub-batch body and compresses it.
func BuildSubBatch(ct CompressionType, records [][]byte) (*SubBatch, error) {
	if len(records) == 0 {
		return nil, ErrEmptyWrite
	}

	size := 0
	for _, rec := range records {
		size += 4 + len(rec)
	}
	body := make([]byte, 0, size)
	for _, rec := range records {
		body = appendSimpleEntry(body, rec)
	}

	compressed, err := compress(body, ct)
	if err != nil {
		return nil, err
	}
	return &SubBatch{
		Compression:      ct,
		NumRecords:       uint16(len(records)),
		UncompressedSize: uint32(len(body)),
		Data:             compressed,
	}, nil
}

// UnpackSubBatch decompresses a sub-batch and splits it back into record
// bodies.
func UnpackSubBatch(sb *SubBatch) ([][]byte, error) {
	body, err := decompress(sb.Data, sb.Compression)
	if err != nil {
		return nil, err
	}
	if uint32(len(body)) != sb.UncompressedSize {
		return nil, fmt.Errorf("sub-batch decompressed to %d bytes, expected %d",
			len(body), sb.UncompressedSize)
	}

	records := make([][]byte, 0, sb.NumRecords)
	for len(body) > 0 {
		if len(body) < 4 {
			return nil, fmt.Errorf("truncated sub-batch record")
		}
		size := binary.BigEndian.Uint32(body)
		if uint32(len(body)-4) < size {
			return nil, fmt.Errorf("truncated sub-batch record")
		}
		records = append(records, body[4:4+size])
		body = body[4+size:]
	}
	if len(records) != int(sb.NumRecords) {
		return nil, fmt.Errorf("sub-batch holds %d records, expected %d",
			len(records), sb.NumRecords)
	}
	return records, nil
}

// compress compresses data using the specified compression type.
func compress(data []byte, ct CompressionType) ([]byte, error) {
	switch ct {
	case CompressionS2:
		return s2.Encode(nil, data), nil
	case CompressionZstd:
		return zstdEncoder.EncodeAll(data, nil), nil
	case CompressionNone:
		return data, nil
	default:
		return nil, fmt.Errorf("unsupported compression type %d", ct)
	}
}

// decompress decompresses data using the specified compression type.
func decompress(data []byte, ct CompressionType) ([]byte, error) {
	switch ct {
	case CompressionS2:
		return s2.Decode(nil, data)
	case CompressionZstd:
		return zstdDecoder.DecodeAll(data, nil)
	case CompressionNone:
		return data, nil
	default:
		return nil, fmt.Errorf("unsupported compression type %d", ct)
	}
}
