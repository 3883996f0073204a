package history

import (
	"context"
	"log/slog"
	"time"
)

// EventType defines the kind of worker lifecycle event.
type EventType string

const (
	EventSpawn   EventType = "spawn"   // a new worker announced its port
	EventReuse   EventType = "reuse"   // a live recorded worker was handed out
	EventReclaim EventType = "reclaim" // a stale lock record was discarded
	EventExit    EventType = "exit"    // a worker spawned by this host exited
	EventRelease EventType = "release" // a worker was asked to stop
)

// Event is one lifecycle fact exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	InstallDir string    `json:"install_dir"`
	PID        int       `json:"pid"`
	Port       int       `json:"port,omitempty"`
	ExitCode   *int      `json:"exit_code,omitempty"`
	Detail     string    `json:"detail,omitempty"`
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// sendTimeout bounds a single best-effort delivery.
const sendTimeout = 5 * time.Second

// Recorder fans events out to sinks. Delivery failures are logged and dropped.
type Recorder struct {
	sinks  []Sink
	logger *slog.Logger
}

func NewRecorder(l *slog.Logger, sinks ...Sink) *Recorder {
	if l == nil {
		l = slog.Default()
	}
	return &Recorder{sinks: append([]Sink(nil), sinks...), logger: l}
}

// Record stamps e (when OccurredAt is zero) and delivers it to every sink.
// A nil Recorder discards events.
func (r *Recorder) Record(e Event) {
	if r == nil || len(r.sinks) == 0 {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now()
	}
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	for _, s := range r.sinks {
		if err := s.Send(ctx, e); err != nil {
			r.logger.Warn("history sink failed", "event", e.Type, "error", err)
		}
	}
}
