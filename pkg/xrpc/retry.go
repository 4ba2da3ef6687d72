package xrpc

import (
	"math/rand"
	"time"
)

// retryPolicy spaces out polls after failed batches. The first retry waits
// one loop delay and every further consecutive failure doubles the wait up
// to ceiling. Jitter is added on top so parallel players drift apart.
type retryPolicy struct {
	floor   time.Duration
	ceiling time.Duration
	jitter  time.Duration
	rand    *rand.Rand
}

func newRetryPolicy(opts PlayerOptions) retryPolicy {
	return retryPolicy{
		floor:   opts.LoopDelay,
		ceiling: opts.MaxBackoff,
		jitter:  opts.JitterMax,
		rand:    opts.Rand,
	}
}

// base is the un-jittered wait after failures consecutive failed batches.
func (p retryPolicy) base(failures int) time.Duration {
	if failures <= 0 {
		return p.floor
	}
	d := p.floor
	for i := 1; i < failures; i++ {
		if d >= p.ceiling/2 {
			return max(p.ceiling, p.floor)
		}
		d *= 2
	}
	return min(max(d, p.floor), max(p.ceiling, p.floor))
}

func (p retryPolicy) delay(failures int) time.Duration {
	d := p.base(failures)
	if p.jitter > 0 && p.rand != nil {
		d += time.Duration(p.rand.Int63n(int64(p.jitter) + 1)) //nolint:gosec
	}
	return d
}
