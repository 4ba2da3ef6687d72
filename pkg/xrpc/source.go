package xrpc

import (
	"context"

	"github.com/iota-uz/xrpcd/pkg/pgq"
)

// PgqQueue adapts a pgq consumer to Queue. ev_extra1 carries the destination,
// ev_extra2 the procedure and ev_extra3 the hstore args.
type PgqQueue struct {
	Consumer *pgq.Consumer
}

func (q PgqQueue) Register(ctx context.Context) error {
	return q.Consumer.Register(ctx)
}

func (q PgqQueue) NextBatch(ctx context.Context) (*Batch, error) {
	b, err := q.Consumer.NextBatch(ctx)
	if err != nil || b == nil {
		return nil, err
	}
	return FromPgq(b), nil
}

func (q PgqQueue) FinishBatch(ctx context.Context, batchID int64) error {
	return q.Consumer.FinishBatch(ctx, batchID)
}

func (q PgqQueue) AcquireLeader(ctx context.Context) (func(), bool, error) {
	return q.Consumer.AcquireLeader(ctx)
}

func FromPgq(b *pgq.Batch) *Batch {
	out := &Batch{
		ID:     b.ID,
		TickID: b.TickID,
		Lag:    b.Lag,
		Events: make([]Event, 0, len(b.Events)),
	}
	for _, ev := range b.Events {
		out.Events = append(out.Events, Event{
			ID:          ev.ID,
			Type:        ev.Type,
			Destination: deref(ev.Extra1),
			Procedure:   deref(ev.Extra2),
			RawArgs:     ev.Extra3,
			Time:        ev.Time,
		})
	}
	return out
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
