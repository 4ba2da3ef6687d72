package xrpc

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Event is one queued remote call as delivered by the queue.
type Event struct {
	ID          int64
	Type        string
	Destination string
	Procedure   string
	// RawArgs is the hstore text of the call arguments; nil when the
	// producer enqueued no arguments.
	RawArgs *string
	Time    time.Time
}

// Batch is the unit the queue delivers and acknowledges as a whole.
type Batch struct {
	ID     int64
	TickID int64
	Lag    time.Duration
	Events []Event
}

// Args is either a decoded argument mapping or a decode failure.
// The zero value is a failure with no recorded cause.
type Args struct {
	values map[string]*string
	err    error
}

func Decoded(values map[string]*string) Args {
	if values == nil {
		values = map[string]*string{}
	}
	return Args{values: values}
}

func DecodeFailed(err error) Args {
	if err == nil {
		err = ErrDecodeFailed
	}
	return Args{err: err}
}

func (a Args) Failed() bool {
	return a.values == nil
}

func (a Args) Err() error {
	if a.Failed() {
		if a.err == nil {
			return ErrDecodeFailed
		}
		return a.err
	}
	return nil
}

func (a Args) Len() int {
	return len(a.values)
}

// Lookup returns the value stored under key. A present key may still hold
// SQL NULL, reported as a nil value with ok == true.
func (a Args) Lookup(key string) (value *string, ok bool) {
	value, ok = a.values[key]
	return value, ok
}

func (a Args) String() string {
	if a.Failed() {
		return "<failed>"
	}
	keys := make([]string, 0, len(a.values))
	for k := range a.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		if v := a.values[k]; v != nil {
			parts = append(parts, fmt.Sprintf("%s=%s", k, *v))
		} else {
			parts = append(parts, k+"=NULL")
		}
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// Call is an Event with its decoded arguments. Calls live for one dispatch pass.
type Call struct {
	Event
	Args Args
}

func (c *Call) String() string {
	raw := "NULL"
	if c.RawArgs != nil {
		raw = clipPayload(*c.RawArgs)
	}
	return fmt.Sprintf("<id=%d type=%s db=%s func=[%s] args=[%s] time=[%s] args_obj=[%s]>",
		c.ID, c.Type, c.Destination, c.Procedure, raw, c.Time.Format(time.RFC3339Nano), c.Args)
}

// payloadLogLimit bounds raw hstore payloads quoted in log lines.
const payloadLogLimit = 1024

// clipPayload shortens raw args for logging, cutting on a rune boundary.
func clipPayload(raw string) string {
	if len(raw) <= payloadLogLimit {
		return raw
	}
	cut := 0
	for i := range raw {
		if i > payloadLogLimit {
			break
		}
		cut = i
	}
	return raw[:cut] + fmt.Sprintf("...(%d bytes)", len(raw))
}
