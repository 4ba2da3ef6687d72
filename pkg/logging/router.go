package logging

import (
	"errors"
	"io"
	"slices"
	"sync"

	"github.com/sirupsen/logrus"
)

type SinkKind int

const (
	// SinkTerminal writes to the controlling terminal (stderr).
	SinkTerminal SinkKind = iota
	SinkFile
	SinkBuffer
)

// Sink receives log entries from a Router.
type Sink interface {
	logrus.Hook
	Name() string
	Kind() SinkKind
}

// WriterSink formats entries onto an io.Writer.
type WriterSink struct {
	name      string
	kind      SinkKind
	out       io.Writer
	formatter logrus.Formatter
	levels    []logrus.Level

	mu sync.Mutex
}

// NewWriterSink accepts entries at minLevel and every more severe level.
func NewWriterSink(name string, kind SinkKind, out io.Writer, formatter logrus.Formatter, minLevel logrus.Level) *WriterSink {
	if formatter == nil {
		formatter = &logrus.TextFormatter{FullTimestamp: true}
	}
	levels := make([]logrus.Level, 0, len(logrus.AllLevels))
	for _, l := range logrus.AllLevels {
		if l <= minLevel {
			levels = append(levels, l)
		}
	}
	return &WriterSink{name: name, kind: kind, out: out, formatter: formatter, levels: levels}
}

func (s *WriterSink) Name() string           { return s.name }
func (s *WriterSink) Kind() SinkKind         { return s.kind }
func (s *WriterSink) Levels() []logrus.Level { return s.levels }

func (s *WriterSink) Fire(entry *logrus.Entry) error {
	b, err := s.formatter.Format(entry)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.out.Write(b)
	return err
}

func (s *WriterSink) Close() error {
	if c, ok := s.out.(io.Closer); ok && s.kind == SinkFile {
		return c.Close()
	}
	return nil
}

// Router is the single logrus hook of a logger; it dispatches each entry to
// the attached sinks and lets a Gate swap sinks in and out.
type Router struct {
	mu    sync.Mutex
	sinks []Sink
}

func NewRouter(sinks ...Sink) *Router {
	return &Router{sinks: sinks}
}

func (r *Router) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (r *Router) Fire(entry *logrus.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for _, s := range r.sinks {
		if !slices.Contains(s.Levels(), entry.Level) {
			continue
		}
		if err := s.Fire(entry); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Router) Attach(s Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks = append(r.sinks, s)
}

func (r *Router) Sinks() []Sink {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.sinks)
}

func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for _, s := range r.sinks {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
