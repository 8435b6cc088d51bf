//go:build linux

package devmem

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChunkOffsetsUnchunkedReturnsOneSegment(t *testing.T) {
	segs, err := chunkOffsets(100, 4096, 0)
	require.NoError(t, err)
	require.Equal(t, []offsetLen{{offset: 100, length: 4096}}, segs)
}

func TestChunkOffsetsSplitsIntoCeilSegments(t *testing.T) {
	segs, err := chunkOffsets(0, 10, 4)
	require.NoError(t, err)
	require.Len(t, segs, 3)
	require.Equal(t, offsetLen{offset: 0, length: 4}, segs[0])
	require.Equal(t, offsetLen{offset: 4, length: 4}, segs[1])
	require.Equal(t, offsetLen{offset: 8, length: 2}, segs[2])
}

func TestChunkOffsetsExactMultipleHasNoRemainderSegment(t *testing.T) {
	segs, err := chunkOffsets(0, 12, 4)
	require.NoError(t, err)
	require.Len(t, segs, 3)
	for _, s := range segs {
		require.Equal(t, 4, s.length)
	}
}

func TestChunkOffsetsRejectsPayloadAboveSegmentCap(t *testing.T) {
	_, err := chunkOffsets(0, maxSegments+1, 1)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrConfiguration))
}

func TestChunkOffsetsAcceptsPayloadAtSegmentCap(t *testing.T) {
	segs, err := chunkOffsets(0, maxSegments, 1)
	require.NoError(t, err)
	require.Len(t, segs, maxSegments)
}
