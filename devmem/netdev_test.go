//go:build linux

package devmem

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultQueuesBuildsConsecutiveIDs(t *testing.T) {
	qs := DefaultQueues(3, 4)
	require.Equal(t, []QueueID{3, 4, 5, 6}, qs)
}

func TestDefaultQueuesEmptyWhenCountIsZero(t *testing.T) {
	qs := DefaultQueues(0, 0)
	require.Empty(t, qs)
}

func TestResolveQueuesUsesExplicitValuesWithoutTouchingTheNIC(t *testing.T) {
	cfg := Config{NumQueues: 2, StartQueue: 5}
	start, n, err := resolveQueues(cfg, false)
	require.NoError(t, err)
	require.Equal(t, 5, start)
	require.Equal(t, 2, n)
}

func TestResolveQueuesExplicitStartZeroIsHonored(t *testing.T) {
	cfg := Config{NumQueues: 1, StartQueue: 0}
	start, n, err := resolveQueues(cfg, false)
	require.NoError(t, err)
	require.Equal(t, 0, start)
	require.Equal(t, 1, n)
}
