package xrpc

import (
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/sirupsen/logrus"
)

// Decode turns a queued event into a Call. It never fails: a malformed hstore
// payload is logged and recorded as a failed Args, and the builder rejects
// the call later.
func Decode(ev Event, log *logrus.Entry) *Call {
	if ev.RawArgs == nil || strings.TrimSpace(*ev.RawArgs) == "" {
		return &Call{Event: ev, Args: Decoded(nil)}
	}

	var h pgtype.Hstore
	if err := h.Scan(*ev.RawArgs); err != nil {
		if log != nil {
			log.WithError(err).WithFields(logrus.Fields{
				"event_id": ev.ID,
				"args":     clipPayload(*ev.RawArgs),
			}).Error("xrpc: cannot parse call args")
		}
		return &Call{Event: ev, Args: DecodeFailed(fmt.Errorf("%w: event %d: %w", ErrDecodeFailed, ev.ID, err))}
	}
	return &Call{Event: ev, Args: Decoded(map[string]*string(h))}
}

// DecodeAll decodes events in batch order.
func DecodeAll(events []Event, log *logrus.Entry) []*Call {
	calls := make([]*Call, 0, len(events))
	for _, ev := range events {
		calls = append(calls, Decode(ev, log))
	}
	return calls
}
