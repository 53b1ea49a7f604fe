package history

import (
	"context"
	"log/slog"
	"time"
)

// EventType defines the kind of supervision event.
type EventType string

const (
	EventStart     EventType = "start"
	EventStop      EventType = "stop"
	EventKill      EventType = "kill"
	EventStale     EventType = "stale"
	EventClaimLost EventType = "claim_lost"
)

// Event records one supervision transition of a slot.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Slot       string    `json:"slot"`
	PID        int       `json:"pid"`
	Endpoint   string    `json:"endpoint,omitempty"`
	Detail     string    `json:"detail,omitempty"`
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Recorder fans events out to a sink and never fails the caller: history
// is an audit trail, not part of supervision.
type Recorder struct {
	sink Sink
	log  *slog.Logger
	now  func() time.Time
}

// NewRecorder wraps sink; a nil sink makes Record a no-op.
func NewRecorder(sink Sink, log *slog.Logger) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{sink: sink, log: log, now: time.Now}
}

// Record stamps e with the current time when unset and sends it.
func (r *Recorder) Record(ctx context.Context, e Event) {
	if r == nil || r.sink == nil {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = r.now().UTC()
	}
	if err := r.sink.Send(ctx, e); err != nil {
		r.log.Warn("history sink failed", "event", e.Type, "slot", e.Slot, "error", err)
	}
}

// Close closes the sink when it supports it.
func (r *Recorder) Close() error {
	if r == nil || r.sink == nil {
		return nil
	}
	if c, ok := r.sink.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
