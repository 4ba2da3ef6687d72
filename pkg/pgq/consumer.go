package pgq

import (
	"context"
	"hash/fnv"
	"io"
	"math"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type ConsumerOptions struct {
	Logger *logrus.Entry
}

// Consumer reads batches of one queue as a named pgq consumer.
type Consumer struct {
	pool  *pgxpool.Pool
	queue string
	name  string
	log   *logrus.Entry

	lockKey int64
}

func NewConsumer(pool *pgxpool.Pool, queue, name string, opts ConsumerOptions) (*Consumer, error) {
	if pool == nil {
		return nil, invalidConfig("pool is required")
	}
	if strings.TrimSpace(queue) == "" {
		return nil, invalidConfig("queue is required")
	}
	if strings.TrimSpace(name) == "" {
		return nil, invalidConfig("consumer name is required")
	}
	log := opts.Logger
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = logrus.NewEntry(l)
	}
	return &Consumer{
		pool:    pool,
		queue:   queue,
		name:    name,
		log:     log.WithFields(logrus.Fields{"queue": queue, "consumer": name}),
		lockKey: advisoryLockKey("xrpc:" + queue + ":" + name),
	}, nil
}

func (c *Consumer) Queue() string { return c.queue }
func (c *Consumer) Name() string  { return c.name }

// Register subscribes the consumer. Registering twice is a no-op.
func (c *Consumer) Register(ctx context.Context) error {
	var created int
	if err := c.pool.QueryRow(ctx, `SELECT pgq.register_consumer($1, $2)`, c.queue, c.name).Scan(&created); err != nil {
		return errors.Wrap(err, "failed to register consumer")
	}
	if created == 1 {
		c.log.Info("pgq: consumer registered")
	}
	return nil
}

func (c *Consumer) Unregister(ctx context.Context) error {
	if _, err := c.pool.Exec(ctx, `SELECT pgq.unregister_consumer($1, $2)`, c.queue, c.name); err != nil {
		return errors.Wrap(err, "failed to unregister consumer")
	}
	return nil
}

// NextBatch returns the active batch or opens a new one. It returns nil when
// no tick has happened since the last finished batch.
func (c *Consumer) NextBatch(ctx context.Context) (*Batch, error) {
	var id *int64
	if err := c.pool.QueryRow(ctx, `SELECT pgq.next_batch($1, $2)`, c.queue, c.name).Scan(&id); err != nil {
		return nil, errors.Wrap(err, "failed to open next batch")
	}
	if id == nil {
		return nil, nil
	}

	b := &Batch{ID: *id}
	var (
		prevTick *int64
		start    *time.Time
		lag      float64
	)
	err := c.pool.QueryRow(ctx,
		`SELECT tick_id, prev_tick_id, batch_start, batch_end, extract(epoch FROM lag)::float8
		   FROM pgq.get_batch_info($1)`,
		b.ID,
	).Scan(&b.TickID, &prevTick, &start, &b.End, &lag)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load batch info %d", b.ID)
	}
	if prevTick != nil {
		b.PrevTickID = *prevTick
	}
	if start != nil {
		b.Start = *start
	}
	b.Lag = time.Duration(math.Round(lag * float64(time.Second)))

	events, err := c.events(ctx, b.ID)
	if err != nil {
		return nil, err
	}
	b.Events = events
	return b, nil
}

func (c *Consumer) events(ctx context.Context, batchID int64) ([]Event, error) {
	rows, err := c.pool.Query(ctx,
		`SELECT ev_id, ev_time, ev_txid, ev_retry, ev_type, ev_data,
		        ev_extra1, ev_extra2, ev_extra3, ev_extra4
		   FROM pgq.get_batch_events($1)`,
		batchID,
	)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load batch events %d", batchID)
	}
	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Event, error) {
		var (
			ev  Event
			typ *string
		)
		err := row.Scan(&ev.ID, &ev.Time, &ev.TxID, &ev.Retry, &typ, &ev.Data,
			&ev.Extra1, &ev.Extra2, &ev.Extra3, &ev.Extra4)
		if typ != nil {
			ev.Type = *typ
		}
		return ev, err
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load batch events %d", batchID)
	}
	return events, nil
}

// FinishBatch acknowledges the batch; pgq will not deliver it again.
func (c *Consumer) FinishBatch(ctx context.Context, batchID int64) error {
	if _, err := c.pool.Exec(ctx, `SELECT pgq.finish_batch($1)`, batchID); err != nil {
		return errors.Wrapf(err, "failed to finish batch %d", batchID)
	}
	return nil
}

// ForceTick asks the ticker to close the current tick on its next run.
func (c *Consumer) ForceTick(ctx context.Context) (int64, error) {
	var tick *int64
	if err := c.pool.QueryRow(ctx, `SELECT pgq.force_tick($1)`, c.queue).Scan(&tick); err != nil {
		return 0, errors.Wrap(err, "failed to force tick")
	}
	if tick == nil {
		return 0, nil
	}
	return *tick, nil
}

// Ticker runs one pgq ticker pass for the queue and returns the new tick id,
// or 0 when no tick was needed.
func (c *Consumer) Ticker(ctx context.Context) (int64, error) {
	var tick *int64
	if err := c.pool.QueryRow(ctx, `SELECT pgq.ticker($1)`, c.queue).Scan(&tick); err != nil {
		return 0, errors.Wrap(err, "failed to run ticker")
	}
	if tick == nil {
		return 0, nil
	}
	return *tick, nil
}

func (c *Consumer) InsertEvent(ctx context.Context, ev NewEvent) (int64, error) {
	if ev.Type == "" {
		return 0, invalidConfig("event type is required")
	}
	var id int64
	err := c.pool.QueryRow(ctx,
		`SELECT pgq.insert_event($1, $2, $3, $4, $5, $6, $7)`,
		c.queue, ev.Type, ev.Data, ev.Extra1, ev.Extra2, ev.Extra3, ev.Extra4,
	).Scan(&id)
	if err != nil {
		return 0, errors.Wrap(err, "failed to insert event")
	}
	return id, nil
}

// AcquireLeader takes a session advisory lock for this queue and consumer on
// a dedicated connection. When ok is true, release must be called to unlock
// and return the connection.
func (c *Consumer) AcquireLeader(ctx context.Context) (release func(), ok bool, err error) {
	conn, err := c.pool.Acquire(ctx)
	if err != nil {
		return nil, false, errors.Wrap(err, "failed to acquire leader connection")
	}
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1::bigint)`, c.lockKey).Scan(&ok); err != nil {
		conn.Release()
		return nil, false, errors.Wrap(err, "failed to try advisory lock")
	}
	if !ok {
		conn.Release()
		return nil, false, nil
	}
	release = func() {
		var unlocked bool
		if err := conn.QueryRow(context.Background(), `SELECT pg_advisory_unlock($1::bigint)`, c.lockKey).Scan(&unlocked); err != nil {
			c.log.WithError(err).Warn("pgq: advisory unlock failed")
		}
		conn.Release()
	}
	return release, true, nil
}

func advisoryLockKey(s string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return int64(h.Sum64())
}
