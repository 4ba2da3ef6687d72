package xrpc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Queue delivers batches for one consumer. An unfinished batch is delivered
// again by the next NextBatch call.
type Queue interface {
	Register(ctx context.Context) error
	NextBatch(ctx context.Context) (*Batch, error)
	FinishBatch(ctx context.Context, batchID int64) error
}

// Leader is implemented by queues that can elect a single active player.
type Leader interface {
	AcquireLeader(ctx context.Context) (release func(), ok bool, err error)
}

type Processor interface {
	ProcessBatch(ctx context.Context, batch *Batch) (*BatchResult, error)
}

// Resetter drops cached destination connections.
type Resetter interface {
	Reset() error
}

// Player polls a Queue and hands each batch to a Processor, acknowledging it
// only when every destination was applied or skipped.
type Player struct {
	queue     Queue
	processor Processor
	conns     Resetter
	opts      PlayerOptions
	retry     retryPolicy

	m *metrics
}

func NewPlayer(queue Queue, processor Processor, conns Resetter, opts PlayerOptions) (*Player, error) {
	if queue == nil {
		return nil, invalidConfig("queue is required")
	}
	if processor == nil {
		return nil, invalidConfig("processor is required")
	}
	if opts.LoopDelay < 0 || opts.MaxBackoff < 0 || opts.JitterMax < 0 {
		return nil, invalidConfig("delays must not be negative")
	}
	opts.setDefaults()

	return &Player{
		queue:     queue,
		processor: processor,
		conns:     conns,
		opts:      opts,
		retry:     newRetryPolicy(opts),
		m:         getMetrics(),
	}, nil
}

// Run blocks until ctx is cancelled, or after one batch when Once is set.
func (p *Player) Run(ctx context.Context) error {
	if ctx == nil {
		return invalidConfig("ctx is required")
	}

	if p.opts.SingleActive {
		leader, ok := p.queue.(Leader)
		if !ok {
			return invalidConfig("queue does not support single-active mode")
		}
		release, err := p.waitLeader(ctx, leader)
		if err != nil {
			return err
		}
		defer release()
	}

	if err := p.queue.Register(ctx); err != nil {
		return fmt.Errorf("xrpc: register consumer: %w", err)
	}
	return p.runLoop(ctx)
}

func (p *Player) waitLeader(ctx context.Context, leader Leader) (func(), error) {
	for {
		release, ok, err := leader.AcquireLeader(ctx)
		switch {
		case err != nil:
			p.opts.Logger.WithError(err).Warn("xrpc: failed to attempt leader lock")
		case ok:
			p.opts.Logger.Info("xrpc: player became leader")
			return release, nil
		default:
			p.opts.Logger.Debug("xrpc: another player is active")
		}
		if err := sleep(ctx, p.opts.LoopDelay); err != nil {
			return nil, err
		}
	}
}

func (p *Player) runLoop(ctx context.Context) error {
	failures := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		processed, err := p.processOnce(ctx)
		if err != nil {
			if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
				return ctx.Err()
			}
			failures++
			delay := p.retry.delay(failures)
			p.opts.Logger.WithError(err).WithFields(logrus.Fields{
				"failures": failures,
				"retry_in": delay,
			}).Error("xrpc: batch failed")
			p.reset()

			if p.opts.Once {
				return err
			}
			if err := sleep(ctx, delay); err != nil {
				return err
			}
			continue
		}
		failures = 0

		if p.opts.Once {
			return nil
		}
		if !processed {
			if err := sleep(ctx, p.opts.LoopDelay); err != nil {
				return err
			}
		}
	}
}

// processOnce reports whether a batch was delivered.
func (p *Player) processOnce(ctx context.Context) (bool, error) {
	batch, err := p.queue.NextBatch(ctx)
	if err != nil {
		return false, fmt.Errorf("xrpc: next batch: %w", err)
	}
	if batch == nil {
		return false, nil
	}
	p.m.batchLag.Set(batch.Lag.Seconds())

	log := p.opts.Logger.WithFields(logrus.Fields{
		"batch_id": batch.ID,
		"tick_id":  batch.TickID,
	})

	start := time.Now()
	res, err := p.processor.ProcessBatch(ctx, batch)
	if err == nil && res != nil && !res.Handled() {
		err = fmt.Errorf("xrpc: batch %d left unapplied destinations", batch.ID)
	}
	if err != nil {
		p.record("failure", start)
		return true, err
	}

	// The batch is applied everywhere; acknowledge it even when shutting down.
	if err := p.queue.FinishBatch(context.WithoutCancel(ctx), batch.ID); err != nil {
		p.record("failure", start)
		return true, fmt.Errorf("xrpc: finish batch %d: %w", batch.ID, err)
	}
	p.record("success", start)

	fields := logrus.Fields{
		"events":   len(batch.Events),
		"duration": time.Since(start),
	}
	if res != nil {
		fields["destinations"] = len(res.Destinations)
	}
	log.WithFields(fields).Debug("xrpc: batch finished")
	return true, nil
}

func (p *Player) record(result string, start time.Time) {
	p.m.batchesTotal.WithLabelValues(result).Inc()
	p.m.batchDuration.WithLabelValues(result).Observe(time.Since(start).Seconds())
}

func (p *Player) reset() {
	if p.conns == nil {
		return
	}
	if err := p.conns.Reset(); err != nil {
		p.opts.Logger.WithError(err).Warn("xrpc: failed to reset destination connections")
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
