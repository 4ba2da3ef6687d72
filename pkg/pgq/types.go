package pgq

import "time"

// Event is one row of pgq.get_batch_events.
type Event struct {
	ID     int64
	Time   time.Time
	TxID   int64
	Retry  *int32
	Type   string
	Data   *string
	Extra1 *string
	Extra2 *string
	Extra3 *string
	Extra4 *string
}

// Batch is a delivered pgq batch. It stays active for the consumer until
// FinishBatch is called.
type Batch struct {
	ID         int64
	TickID     int64
	PrevTickID int64
	Start      time.Time
	End        time.Time
	Lag        time.Duration
	Events     []Event
}

// NewEvent is enqueued with pgq.insert_event.
type NewEvent struct {
	Type   string
	Data   string
	Extra1 *string
	Extra2 *string
	Extra3 *string
	Extra4 *string
}
