package logging

import (
	"errors"
	"slices"

	"github.com/sirupsen/logrus"
)

const (
	// GateCapacity is how many entries a gated sink holds before flushing.
	GateCapacity = 100
	// GateFlushLevel and anything more severe go straight through a gated sink.
	GateFlushLevel = logrus.FatalLevel
)

// Gate keeps a short critical section's log lines together on file sinks.
// While a Scope is held, every sink that is neither error-only nor the
// terminal is replaced by a bounded buffer; releasing the scope flushes the
// buffers in order and puts the original sinks back. A daemon Gate, or a
// nil one, does nothing.
type Gate struct {
	router *Router
	daemon bool
}

func NewGate(router *Router, daemon bool) *Gate {
	return &Gate{router: router, daemon: daemon}
}

// Scope is a held gate. Release is idempotent.
type Scope struct {
	router  *Router
	buffers []*bufferSink
}

// Acquire opens a buffered scope. Callers defer Release.
func (g *Gate) Acquire() *Scope {
	if g == nil || g.router == nil || g.daemon {
		return &Scope{}
	}

	r := g.router
	r.mu.Lock()
	defer r.mu.Unlock()

	s := &Scope{router: r}
	for i, sink := range r.sinks {
		if !gated(sink) {
			continue
		}
		buf := newBufferSink(sink, GateCapacity, GateFlushLevel)
		r.sinks[i] = buf
		s.buffers = append(s.buffers, buf)
	}
	return s
}

// Release flushes buffered entries to their sinks and restores them.
func (s *Scope) Release() error {
	if s == nil || s.router == nil {
		return nil
	}
	r := s.router
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for _, buf := range s.buffers {
		if err := buf.flush(); err != nil {
			errs = append(errs, err)
		}
		if i := slices.Index(r.sinks, Sink(buf)); i >= 0 {
			r.sinks[i] = buf.target
		}
	}
	s.router = nil
	s.buffers = nil
	return errors.Join(errs...)
}

func gated(s Sink) bool {
	switch s.Kind() {
	case SinkBuffer, SinkTerminal:
		return false
	}
	return !errorOnly(s)
}

func errorOnly(s Sink) bool {
	for _, l := range s.Levels() {
		if l > logrus.ErrorLevel {
			return false
		}
	}
	return true
}

type bufferSink struct {
	target     Sink
	capacity   int
	flushLevel logrus.Level
	entries    []*logrus.Entry
}

func newBufferSink(target Sink, capacity int, flushLevel logrus.Level) *bufferSink {
	return &bufferSink{
		target:     target,
		capacity:   capacity,
		flushLevel: flushLevel,
		entries:    make([]*logrus.Entry, 0, capacity),
	}
}

func (b *bufferSink) Name() string           { return b.target.Name() }
func (b *bufferSink) Kind() SinkKind         { return SinkBuffer }
func (b *bufferSink) Levels() []logrus.Level { return b.target.Levels() }

func (b *bufferSink) Fire(entry *logrus.Entry) error {
	b.entries = append(b.entries, snapshot(entry))
	if len(b.entries) >= b.capacity || entry.Level <= b.flushLevel {
		return b.flush()
	}
	return nil
}

func (b *bufferSink) flush() error {
	var errs []error
	for _, e := range b.entries {
		if err := b.target.Fire(e); err != nil {
			errs = append(errs, err)
		}
	}
	clear(b.entries)
	b.entries = b.entries[:0]
	return errors.Join(errs...)
}

// snapshot copies an entry so it outlives logrus' reuse of the original.
func snapshot(e *logrus.Entry) *logrus.Entry {
	cp := e.Dup()
	cp.Level = e.Level
	cp.Message = e.Message
	cp.Caller = e.Caller
	return cp
}
