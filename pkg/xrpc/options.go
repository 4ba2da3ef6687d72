package xrpc

import (
	"io"
	"math/rand"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/iota-uz/xrpcd/pkg/logging"
)

// ConsistencyMode decides how the batch marker check relates to the work.
type ConsistencyMode string

const (
	// ConsistencySplit commits the "already done?" check on its own and then
	// runs statements and the done-mark in a second transaction. A crash
	// between the two replays the destination batch, so invoked procedures
	// must tolerate replays.
	ConsistencySplit ConsistencyMode = "split"
	// ConsistencyAtomic runs check, statements and done-mark in one transaction.
	ConsistencyAtomic ConsistencyMode = "atomic"
)

func ParseConsistencyMode(s string) (ConsistencyMode, error) {
	switch mode := ConsistencyMode(strings.ToLower(strings.TrimSpace(s))); mode {
	case "":
		return ConsistencySplit, nil
	case ConsistencySplit, ConsistencyAtomic:
		return mode, nil
	default:
		return "", invalidConfig("unknown consistency mode %q (expected split|atomic)", s)
	}
}

type DispatcherOptions struct {
	// Source names this database in destination batch markers.
	Source string
	Queue  string
	// Schema holds the destination-side xrpc procedures.
	Schema      string
	SortFields  []string
	ChunkBytes  int
	Consistency ConsistencyMode

	// Gate groups destination status lines in interactive runs; nil disables it.
	Gate   *logging.Gate
	Logger *logrus.Entry
}

func (o *DispatcherOptions) setDefaults() {
	if o.Schema == "" {
		o.Schema = DefaultSchema
	}
	if o.SortFields == nil {
		o.SortFields = DefaultSortFields
	}
	if o.ChunkBytes == 0 {
		o.ChunkBytes = DefaultChunkBytes
	}
	if o.Consistency == "" {
		o.Consistency = ConsistencySplit
	}
	if o.Logger == nil {
		o.Logger = discardLogger()
	}
}

type PlayerOptions struct {
	LoopDelay  time.Duration
	MaxBackoff time.Duration
	JitterMax  time.Duration
	// SingleActive makes the player wait for the queue leader lock before polling.
	SingleActive bool
	// Once stops the player after a single poll, delivered batch or not.
	Once bool

	Logger *logrus.Entry

	Rand *rand.Rand
}

func (o *PlayerOptions) setDefaults() {
	if o.LoopDelay == 0 {
		o.LoopDelay = 1 * time.Second
	}
	if o.MaxBackoff == 0 {
		o.MaxBackoff = 60 * time.Second
	}
	if o.JitterMax == 0 {
		o.JitterMax = 200 * time.Millisecond
	}
	if o.Logger == nil {
		o.Logger = discardLogger()
	}
	if o.Rand == nil {
		o.Rand = rand.New(rand.NewSource(time.Now().UnixNano())) //nolint:gosec
	}
}

func discardLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}
