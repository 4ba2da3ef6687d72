package xrpc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPartition_FirstSeenOrder(t *testing.T) {
	t.Parallel()

	calls := DecodeAll([]Event{
		ev(1, "dst_b", "f", nil),
		ev(2, "dst_a", "f", nil),
		ev(3, "dst_b", "f", nil),
		ev(4, "dst_c", "f", nil),
		ev(5, "dst_a", "f", nil),
	}, nil)

	g := Partition(calls)
	require.Equal(t, 3, g.Len())
	require.Equal(t, []string{"dst_b", "dst_a", "dst_c"}, g.Destinations())
	require.Equal(t, []int64{1, 3}, eventIDs(g.Calls("dst_b")))
	require.Equal(t, []int64{2, 5}, eventIDs(g.Calls("dst_a")))
	require.Equal(t, []int64{4}, eventIDs(g.Calls("dst_c")))
	require.Empty(t, g.Calls("dst_x"))
}

func TestPartition_Empty(t *testing.T) {
	t.Parallel()

	g := Partition(nil)
	require.Equal(t, 0, g.Len())
	require.Empty(t, g.Destinations())
}
