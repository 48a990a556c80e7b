package progress

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// TerminalStore is the durable side of job completion. store.Store
// satisfies it.
type TerminalStore interface {
	FinishJob(ctx context.Context, id, state string, counters Snapshot, errorKind, errorMessage string, at time.Time) error
}

// JobRef identifies one job on the bus.
type JobRef struct {
	TenantID     string
	ConnectionID string
	JobID        string
}

// Tracker pairs the best-effort event stream with the durable terminal
// write: live events may be dropped, but the terminal state is persisted
// before the done event goes out and before the orchestrator returns.
type Tracker struct {
	pub   Publisher
	store TerminalStore
	log   *logrus.Logger
}

// NewTracker wires a tracker. pub may be nil for silent runs.
func NewTracker(pub Publisher, store TerminalStore, log *logrus.Logger) *Tracker {
	if pub == nil {
		pub = NopPublisher{}
	}
	if log == nil {
		log = logrus.New()
	}
	return &Tracker{pub: pub, store: store, log: log}
}

// State publishes a state transition event.
func (t *Tracker) State(ctx context.Context, ref JobRef, state string) {
	t.publish(ctx, Event{Type: EventState, State: state}, ref)
}

// Progress publishes a counter snapshot.
func (t *Tracker) Progress(ctx context.Context, ref JobRef, state string, counters Snapshot) {
	t.publish(ctx, Event{Type: EventProgress, State: state, Counters: counters}, ref)
}

// PersistTerminal writes the terminal job row, then emits the closing
// events: an error event when the job failed, always a done event. The
// store write happening first is the durability contract; a dropped event
// loses nothing a GetJob cannot recover.
func (t *Tracker) PersistTerminal(ctx context.Context, ref JobRef, state string, counters Snapshot, errorKind, errorMessage string) error {
	err := t.store.FinishJob(ctx, ref.JobID, state, counters, errorKind, errorMessage, time.Now().UTC())

	if errorKind != "" {
		t.publish(ctx, Event{
			Type:      EventError,
			State:     state,
			Counters:  counters,
			ErrorKind: errorKind,
			Error:     errorMessage,
		}, ref)
	}
	t.publish(ctx, Event{
		Type:      EventDone,
		State:     state,
		Counters:  counters,
		ErrorKind: errorKind,
		Error:     errorMessage,
	}, ref)
	return err
}

func (t *Tracker) publish(ctx context.Context, ev Event, ref JobRef) {
	ev.TenantID = ref.TenantID
	ev.ConnectionID = ref.ConnectionID
	ev.JobID = ref.JobID
	if err := t.pub.Publish(ctx, ev); err != nil {
		t.log.WithField("sync_job_id", ref.JobID).WithError(err).Warn("progress publish failed")
	}
}
