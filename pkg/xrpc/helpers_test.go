package xrpc

import (
	"testing"
	"time"
)

func strp(s string) *string { return &s }

var t0 = time.Date(2024, 3, 1, 12, 30, 46, 0, time.UTC)

func ev(id int64, dest, proc string, args *string) Event {
	return Event{ID: id, Type: "xrpc", Destination: dest, Procedure: proc, RawArgs: args, Time: t0}
}

func decodedCall(t *testing.T, e Event) *Call {
	t.Helper()
	c := Decode(e, nil)
	if c.Args.Failed() {
		t.Fatalf("event %d: unexpected decode failure: %v", e.ID, c.Args.Err())
	}
	return c
}

func eventIDs(calls []*Call) []int64 {
	out := make([]int64, len(calls))
	for i, c := range calls {
		out[i] = c.ID
	}
	return out
}
