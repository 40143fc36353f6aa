// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package chunklog

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubBatch_RoundTrip(t *testing.T) {
	records := [][]byte{
		[]byte("first"),
		bytes.Repeat([]byte("payload"), 100),
		{},
	}

	for _, ct := range []CompressionType{CompressionNone, CompressionS2, CompressionZstd} {
		t.Run(ct.String(), func(t *testing.T) {
			sb, err := BuildSubBatch(ct, records)
			require.NoError(t, err)
			assert.Equal(t, uint16(3), sb.NumRecords)
			assert.Equal(t, ct, sb.Compression)

			out, err := UnpackSubBatch(sb)
			require.NoError(t, err)
			assert.Equal(t, records, out)
		})
	}
}

func TestSubBatch_CompressionShrinks(t *testing.T) {
	records := [][]byte{bytes.Repeat([]byte("abcdefgh"), 512)}

	sb, err := BuildSubBatch(CompressionZstd, records)
	require.NoError(t, err)
	assert.Less(t, len(sb.Data), int(sb.UncompressedSize))
}

func TestSubBatch_Empty(t *testing.T) {
	_, err := BuildSubBatch(CompressionNone, nil)
	assert.ErrorIs(t, err, ErrEmptyWrite)
}

func TestSubBatch_UnpackRejectsBadSize(t *testing.T) {
	sb, err := BuildSubBatch(CompressionNone, [][]byte{[]byte("x")})
	require.NoError(t, err)

	sb.UncompressedSize++
	_, err = UnpackSubBatch(sb)
	assert.Error(t, err)
}
