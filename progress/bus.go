// Package progress carries live sync-job telemetry from the orchestrator to
// subscribers: entity counters, an in-process fan-out bus, a Redis bridge
// for multi-node deployments, and the SSE handler the HTTP layer mounts.
package progress

import (
	"context"
	"sync"
	"time"
)

// Event types. A job stream is any number of state/progress/error events
// followed by exactly one done event.
const (
	EventState    = "state"
	EventProgress = "progress"
	EventError    = "error"
	EventDone     = "done"
)

// Event is one telemetry record for a sync job.
type Event struct {
	Type         string   `json:"type"`
	TenantID     string   `json:"tenant_id"`
	ConnectionID string   `json:"sync_connection_id"`
	JobID        string   `json:"sync_job_id"`
	State        string   `json:"state,omitempty"`
	Counters     Snapshot `json:"counters"`
	ErrorKind    string   `json:"error_kind,omitempty"`
	Error        string   `json:"error,omitempty"`

	Time time.Time `json:"time"`
}

// Publisher is the producer side of a progress stream.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// NopPublisher discards events. Used when nobody is listening.
type NopPublisher struct{}

func (NopPublisher) Publish(ctx context.Context, ev Event) error { return nil }

// MultiPublisher fans events out to several publishers, typically the
// in-process bus plus the Redis bridge. The first error wins but every
// publisher still sees the event.
type MultiPublisher []Publisher

func (m MultiPublisher) Publish(ctx context.Context, ev Event) error {
	var firstErr error
	for _, p := range m {
		if err := p.Publish(ctx, ev); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// subscriber is one fan-out target. Events are dropped rather than block the
// orchestrator when the channel is full; the next event carries cumulative
// counters so dropped ticks lose nothing durable.
type subscriber struct {
	ch    chan Event
	jobID string
}

// Bus is the in-process progress bus. One publisher per job, any number of
// subscribers per job id.
type Bus struct {
	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[*subscriber]struct{})}
}

// subscriberBuffer is the per-subscriber channel capacity.
const subscriberBuffer = 64

// Subscribe returns a channel of events for jobID and a cancel func. The
// channel closes after cancel; a done event is not a close signal by itself,
// late subscribers to finished jobs simply receive nothing.
func (b *Bus) Subscribe(jobID string) (<-chan Event, func()) {
	s := &subscriber{ch: make(chan Event, subscriberBuffer), jobID: jobID}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, s)
			b.mu.Unlock()
			close(s.ch)
		})
	}
	return s.ch, cancel
}

// Publish fans the event out to every subscriber of its job. Slow
// subscribers miss the event.
func (b *Bus) Publish(ctx context.Context, ev Event) error {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		if s.jobID != ev.JobID {
			continue
		}
		select {
		case s.ch <- ev:
		default:
		}
	}
	return nil
}
