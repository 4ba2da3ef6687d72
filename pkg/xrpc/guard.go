package xrpc

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
	"github.com/pkg/errors"
)

// DefaultSchema holds the destination-side xrpc procedures and the batch marker table.
const DefaultSchema = "xrpc"

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Guard reads and writes the per-destination batch marker keyed by
// (source, queue, batch id).
type Guard struct {
	Source string
	Queue  string

	checkQuery string
	markQuery  string
}

func NewGuard(schema, source, queue string) Guard {
	if schema == "" {
		schema = DefaultSchema
	}
	schema = pq.QuoteIdentifier(schema)
	return Guard{
		Source:     source,
		Queue:      queue,
		checkQuery: fmt.Sprintf(`SELECT NOT %s.check_batch($1, $2, $3)`, schema),
		markQuery:  fmt.Sprintf(`SELECT %s.set_batch_done($1, $2, $3)`, schema),
	}
}

// IsDone reports whether the destination already applied batchID.
// check_batch registers the marker as pending when it sees the batch first.
func (g Guard) IsDone(ctx context.Context, q querier, batchID int64) (bool, error) {
	var done bool
	if err := q.QueryRowContext(ctx, g.checkQuery, g.Source, g.Queue, batchID).Scan(&done); err != nil {
		return false, errors.Wrap(err, "failed to check batch marker")
	}
	return done, nil
}

// MarkDone flips the marker for batchID to done. It must run in the same
// transaction as the batch's statements.
func (g Guard) MarkDone(ctx context.Context, q querier, batchID int64) error {
	if _, err := q.ExecContext(ctx, g.markQuery, g.Source, g.Queue, batchID); err != nil {
		return errors.Wrap(err, "failed to mark batch done")
	}
	return nil
}
