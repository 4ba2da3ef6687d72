package xrpc

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/iota-uz/xrpcd/pkg/xrpc"

const tickQuery = `SELECT set_config($1, $2, true)`

// TickSetting is the transaction-local setting holding the source tick id
// while a destination batch runs.
func TickSetting(schema string) string {
	if schema == "" {
		schema = DefaultSchema
	}
	return schema + ".tick_id"
}

const (
	stepConnect = "connect"
	stepBegin   = "begin"
	stepCheck   = "check"
	stepTick    = "tick"
	stepChunk   = "chunk"
	stepMark    = "mark"
	stepCommit  = "commit"
)

// DestinationState tracks one destination through a batch.
type DestinationState int

const (
	StatePending DestinationState = iota
	StateCheckingDone
	StateSkipped
	StateBuilding
	StateExecuting
	StateMarkingDone
	StateCommitted
	StateAborted
)

var stateNames = [...]string{
	StatePending:      "pending",
	StateCheckingDone: "checking_done",
	StateSkipped:      "skipped",
	StateBuilding:     "building",
	StateExecuting:    "executing",
	StateMarkingDone:  "marking_done",
	StateCommitted:    "committed",
	StateAborted:      "aborted",
}

func (s DestinationState) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown(" + strconv.Itoa(int(s)) + ")"
	}
	return stateNames[s]
}

func (s DestinationState) Terminal() bool {
	return s == StateSkipped || s == StateCommitted || s == StateAborted
}

type DestinationResult struct {
	Destination string
	State       DestinationState
	Calls       int
	Chunks      int
	// Ordered is false when sorting failed and arrival order was kept.
	Ordered bool
	Err     error
}

type BatchResult struct {
	BatchID      int64
	TickID       int64
	Destinations []DestinationResult
}

// Handled reports whether the batch may be acknowledged: every destination
// was either skipped as already applied or committed.
func (r *BatchResult) Handled() bool {
	for _, dr := range r.Destinations {
		if dr.State != StateSkipped && dr.State != StateCommitted {
			return false
		}
	}
	return true
}

// Dispatcher applies delivered batches to their destinations, one
// destination at a time.
type Dispatcher struct {
	conns   ConnSource
	opts    DispatcherOptions
	guard   Guard
	builder Builder

	m      *metrics
	tracer trace.Tracer
}

func NewDispatcher(conns ConnSource, opts DispatcherOptions) (*Dispatcher, error) {
	if conns == nil {
		return nil, invalidConfig("destination connections are required")
	}
	if opts.Source == "" {
		return nil, invalidConfig("source name is required")
	}
	if opts.Queue == "" {
		return nil, invalidConfig("queue name is required")
	}
	if opts.ChunkBytes < 0 {
		return nil, invalidConfig("chunk size must be positive, got %d", opts.ChunkBytes)
	}
	opts.setDefaults()
	if _, err := ParseConsistencyMode(string(opts.Consistency)); err != nil {
		return nil, err
	}

	return &Dispatcher{
		conns:   conns,
		opts:    opts,
		guard:   NewGuard(opts.Schema, opts.Source, opts.Queue),
		builder: NewBuilder(opts.Schema, opts.Queue, opts.ChunkBytes),
		m:       getMetrics(),
		tracer:  otel.Tracer(tracerName),
	}, nil
}

// ProcessBatch runs every destination of batch in first-seen order and stops
// at the first aborted destination. The returned error is non-nil exactly
// when the batch must not be acknowledged.
func (d *Dispatcher) ProcessBatch(ctx context.Context, batch *Batch) (*BatchResult, error) {
	if batch == nil {
		return nil, invalidConfig("batch is required")
	}

	ctx, span := d.tracer.Start(ctx, "xrpc.batch", trace.WithAttributes(
		attribute.Int64("xrpc.batch_id", batch.ID),
		attribute.Int64("xrpc.tick_id", batch.TickID),
		attribute.Int("xrpc.events", len(batch.Events)),
	))
	defer span.End()

	log := d.opts.Logger.WithFields(logrus.Fields{
		"batch_id": batch.ID,
		"tick_id":  batch.TickID,
	})
	log.WithField("events", len(batch.Events)).Debug("xrpc: process batch")

	calls := DecodeAll(batch.Events, log)
	for _, c := range calls {
		if c.Args.Failed() {
			d.m.decodeFailures.Inc()
		}
	}

	groups := Partition(calls)
	res := &BatchResult{
		BatchID:      batch.ID,
		TickID:       batch.TickID,
		Destinations: make([]DestinationResult, 0, groups.Len()),
	}
	for _, dest := range groups.Destinations() {
		res.Destinations = append(res.Destinations, DestinationResult{
			Destination: dest,
			State:       StatePending,
			Calls:       len(groups.Calls(dest)),
		})
	}

	for i := range res.Destinations {
		dr := &res.Destinations[i]
		d.dispatch(ctx, batch, dr, groups.Calls(dr.Destination), log.WithField("destination", dr.Destination))
		d.m.destinationsTotal.WithLabelValues(dr.Destination, dr.State.String()).Inc()

		if dr.State == StateAborted {
			span.RecordError(dr.Err)
			span.SetStatus(codes.Error, "destination aborted")
			return res, dr.Err
		}
	}
	return res, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, batch *Batch, dr *DestinationResult, calls []*Call, log *logrus.Entry) {
	ctx, span := d.tracer.Start(ctx, "xrpc.destination", trace.WithAttributes(
		attribute.String("xrpc.destination", dr.Destination),
		attribute.Int("xrpc.calls", len(calls)),
	))
	defer span.End()

	log.WithField("calls", len(calls)).Debug("xrpc: dispatch destination")

	err := ctx.Err()
	if err == nil {
		err = d.run(ctx, batch, dr, calls, log)
	}
	if err != nil {
		dr.State = StateAborted
		dr.Err = err
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.WithError(err).Error("xrpc: destination batch aborted")
		return
	}
	span.SetAttributes(
		attribute.String("xrpc.state", dr.State.String()),
		attribute.Int("xrpc.chunks", dr.Chunks),
	)
}

func (d *Dispatcher) run(ctx context.Context, batch *Batch, dr *DestinationResult, calls []*Call, log *logrus.Entry) error {
	conn, err := d.conns.Conn(ctx, dr.Destination)
	if err != nil {
		return execErr(dr, batch, stepConnect, 0, err)
	}
	defer func() { _ = conn.Close() }()

	if d.opts.Consistency == ConsistencyAtomic {
		return d.runAtomic(ctx, conn, batch, dr, calls, log)
	}
	return d.runSplit(ctx, conn, batch, dr, calls, log)
}

// runSplit commits the marker check before doing any work, then executes and
// marks done in a second transaction.
func (d *Dispatcher) runSplit(ctx context.Context, conn *sql.Conn, batch *Batch, dr *DestinationResult, calls []*Call, log *logrus.Entry) error {
	var done bool
	err := d.gated(func() error {
		tx, err := begin(ctx, conn)
		if err != nil {
			return execErr(dr, batch, stepBegin, 0, err)
		}
		defer tx.rollback()

		done, err = d.checkDone(tx, batch, dr, log)
		if err != nil {
			return err
		}
		if err := tx.commit(); err != nil {
			return execErr(dr, batch, stepCommit, 0, err)
		}
		if done {
			d.skip(batch, dr, log)
		}
		return nil
	})
	if err != nil || done {
		return err
	}

	chunks, err := d.build(batch, dr, calls, log)
	if err != nil {
		return err
	}

	tx, err := begin(ctx, conn)
	if err != nil {
		return execErr(dr, batch, stepBegin, 0, err)
	}
	defer tx.rollback()

	if err := d.execute(ctx, tx, batch, dr, chunks, log); err != nil {
		return err
	}
	return d.markDone(tx, batch, dr, log)
}

// runAtomic checks, executes and marks done inside one transaction.
func (d *Dispatcher) runAtomic(ctx context.Context, conn *sql.Conn, batch *Batch, dr *DestinationResult, calls []*Call, log *logrus.Entry) error {
	tx, err := begin(ctx, conn)
	if err != nil {
		return execErr(dr, batch, stepBegin, 0, err)
	}
	defer tx.rollback()

	var done bool
	err = d.gated(func() error {
		done, err = d.checkDone(tx, batch, dr, log)
		if err != nil || !done {
			return err
		}
		if err := tx.commit(); err != nil {
			return execErr(dr, batch, stepCommit, 0, err)
		}
		d.skip(batch, dr, log)
		return nil
	})
	if err != nil || done {
		return err
	}

	chunks, err := d.build(batch, dr, calls, log)
	if err != nil {
		return err
	}
	if err := d.execute(ctx, tx, batch, dr, chunks, log); err != nil {
		return err
	}
	return d.markDone(tx, batch, dr, log)
}

func (d *Dispatcher) checkDone(tx *txWrap, batch *Batch, dr *DestinationResult, log *logrus.Entry) (bool, error) {
	dr.State = StateCheckingDone
	done, err := d.guard.IsDone(tx.ctx, tx.tx, batch.ID)
	if err != nil {
		return false, execErr(dr, batch, stepCheck, 0, err)
	}
	log.WithField("done", done).Debug("xrpc: batch marker checked")
	return done, nil
}

func (d *Dispatcher) skip(batch *Batch, dr *DestinationResult, log *logrus.Entry) {
	dr.State = StateSkipped
	log.Warnf("xrpc: skip processed batch %d (tick %d) for %s", batch.ID, batch.TickID, dr.Destination)
}

func (d *Dispatcher) build(batch *Batch, dr *DestinationResult, calls []*Call, log *logrus.Entry) ([]Chunk, error) {
	dr.State = StateBuilding

	ordered, err := Order(calls, d.opts.SortFields)
	if err != nil {
		log.WithError(err).Warn("xrpc: cannot sort calls, keeping arrival order")
		d.m.orderingFallbacks.WithLabelValues(dr.Destination).Inc()
		ordered = calls
	} else {
		dr.Ordered = true
	}

	chunks, err := d.builder.Build(batch.ID, ordered)
	if err != nil {
		return nil, err
	}
	return chunks, nil
}

func (d *Dispatcher) execute(ctx context.Context, tx *txWrap, batch *Batch, dr *DestinationResult, chunks []Chunk, log *logrus.Entry) error {
	dr.State = StateExecuting

	if _, err := tx.tx.ExecContext(tx.ctx, tickQuery, TickSetting(d.opts.Schema), strconv.FormatInt(batch.TickID, 10)); err != nil {
		return execErr(dr, batch, stepTick, 0, err)
	}

	executed := 0
	for i, ch := range chunks {
		// A started chunk always runs to completion; a new one never starts
		// once the caller is cancelled.
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("xrpc: destination %q stopped before chunk %d: %w", dr.Destination, i, err)
		}

		start := time.Now()
		if _, err := tx.tx.ExecContext(tx.ctx, ch.SQL()); err != nil {
			return execErr(dr, batch, stepChunk, i, err)
		}
		executed += len(ch.Statements)
		dr.Chunks++
		d.m.chunksTotal.WithLabelValues(dr.Destination).Inc()

		log.WithFields(logrus.Fields{
			"chunk":       i,
			"calls_done":  executed,
			"calls":       dr.Calls,
			"chunk_bytes": ch.Size,
			"duration":    time.Since(start),
		}).Info("xrpc: chunk executed")
	}
	d.m.callsTotal.WithLabelValues(dr.Destination).Add(float64(executed))
	return nil
}

func (d *Dispatcher) markDone(tx *txWrap, batch *Batch, dr *DestinationResult, log *logrus.Entry) error {
	dr.State = StateMarkingDone
	return d.gated(func() error {
		if err := d.guard.MarkDone(tx.ctx, tx.tx, batch.ID); err != nil {
			return execErr(dr, batch, stepMark, 0, err)
		}
		if err := tx.commit(); err != nil {
			return execErr(dr, batch, stepCommit, 0, err)
		}
		dr.State = StateCommitted
		log.WithFields(logrus.Fields{
			"source": d.opts.Source,
			"queue":  d.opts.Queue,
			"chunks": dr.Chunks,
		}).Debug("xrpc: batch marked done")
		return nil
	})
}

// gated runs fn inside a log gate scope.
func (d *Dispatcher) gated(fn func() error) error {
	scope := d.opts.Gate.Acquire()
	defer func() { _ = scope.Release() }()
	return fn()
}

func execErr(dr *DestinationResult, batch *Batch, step string, chunk int, err error) error {
	return &ExecutionError{Destination: dr.Destination, BatchID: batch.ID, Step: step, Chunk: chunk, Err: err}
}

// txWrap binds a destination transaction to a context that survives
// cancellation of the dispatch context, so a running statement and the
// transaction around it resolve normally.
type txWrap struct {
	tx  *sql.Tx
	ctx context.Context
}

func begin(ctx context.Context, conn *sql.Conn) (*txWrap, error) {
	txCtx := context.WithoutCancel(ctx)
	tx, err := conn.BeginTx(txCtx, nil)
	if err != nil {
		return nil, err
	}
	return &txWrap{tx: tx, ctx: txCtx}, nil
}

func (t *txWrap) commit() error {
	return t.tx.Commit()
}

func (t *txWrap) rollback() {
	_ = t.tx.Rollback()
}
