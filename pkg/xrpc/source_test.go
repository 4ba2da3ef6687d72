package xrpc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/iota-uz/xrpcd/pkg/pgq"
)

func TestFromPgq(t *testing.T) {
	t.Parallel()

	b := FromPgq(&pgq.Batch{
		ID:     3,
		TickID: 10,
		Lag:    1500 * time.Millisecond,
		Events: []pgq.Event{
			{ID: 1, Type: "xrpc", Time: t0, Extra1: strp("dst_a"), Extra2: strp("public.f"), Extra3: strp(`"user_id"=>"1"`)},
			{ID: 2, Type: "xrpc", Time: t0},
		},
	})

	require.Equal(t, int64(3), b.ID)
	require.Equal(t, int64(10), b.TickID)
	require.Equal(t, 1500*time.Millisecond, b.Lag)
	require.Len(t, b.Events, 2)

	first := b.Events[0]
	require.Equal(t, "dst_a", first.Destination)
	require.Equal(t, "public.f", first.Procedure)
	require.Equal(t, `"user_id"=>"1"`, *first.RawArgs)
	require.Equal(t, t0, first.Time)

	second := b.Events[1]
	require.Empty(t, second.Destination)
	require.Nil(t, second.RawArgs)
}
