// Package orchestrator runs sync jobs end to end: it pulls entities from a
// connector, fans them across a worker pool into the routing pipeline,
// emits live progress, and settles the job's terminal state exactly once.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"weave.evalgo.org/dag"
	"weave.evalgo.org/destination"
	"weave.evalgo.org/entity"
	"weave.evalgo.org/ledger"
	"weave.evalgo.org/progress"
	"weave.evalgo.org/source"
	"weave.evalgo.org/store"
)

// Options tunes one orchestrator instance. Zero values select defaults.
type Options struct {
	// Workers is the routing pool size.
	Workers int

	// ChannelDepth bounds the producer→worker channel. Defaults to twice
	// the worker count so the connector stays slightly ahead.
	ChannelDepth int

	// HeartbeatInterval paces progress events while the job runs.
	HeartbeatInterval time.Duration

	// DrainTimeout bounds the final flush after cancellation.
	DrainTimeout time.Duration

	// SourceRetryDelay is the pause before the single transient-source
	// retry.
	SourceRetryDelay time.Duration

	// Retry is the destination batch retry policy.
	Retry dag.RetryPolicy

	// VectorDim is the dense embedding dimension for EnsureCollection.
	VectorDim int
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.ChannelDepth <= 0 {
		o.ChannelDepth = 2 * o.Workers
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 5 * time.Second
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = 30 * time.Second
	}
	if o.SourceRetryDelay <= 0 {
		o.SourceRetryDelay = 30 * time.Second
	}
	if o.Retry.Attempts == 0 {
		o.Retry = dag.DefaultRetryPolicy()
	}
	return o
}

// Job is one run of a sync connection, fully resolved: the connector is
// instantiated and the routing graph compiled.
type Job struct {
	ID           string
	TenantID     string
	CollectionID string
	ConnectionID string

	// Namespace is the destination collection the job writes into.
	Namespace string

	Source source.Source
	Cursor string

	Routes map[string]dag.Route

	// DestinationName selects where disappearance deletes go; it is the
	// destination the routes terminate in.
	DestinationName string

	Hasher *entity.Hasher
}

// Orchestrator executes jobs against shared backends.
type Orchestrator struct {
	store        store.Store
	ledger       ledger.Ledger
	destinations map[string]destination.Destination
	tracker      *progress.Tracker
	log          *logrus.Logger
	opts         Options
}

// New wires an orchestrator.
func New(st store.Store, led ledger.Ledger, dests map[string]destination.Destination, pub progress.Publisher, log *logrus.Logger, opts Options) *Orchestrator {
	if log == nil {
		log = logrus.New()
	}
	return &Orchestrator{
		store:        st,
		ledger:       led,
		destinations: dests,
		tracker:      progress.NewTracker(pub, st, log),
		log:          log,
		opts:         opts.withDefaults(),
	}
}

type emitted struct {
	e   entity.Entity
	seq uint64
}

// Run executes the job to a terminal state. The returned error is the
// job-failing cause, already persisted; callers use it for logging only.
// Cancelling ctx cancels the job: in-flight batches flush within the drain
// timeout, disappearance deletes are skipped, state becomes cancelled.
func (o *Orchestrator) Run(ctx context.Context, job Job) error {
	now := time.Now().UTC()
	if err := o.store.MarkRunning(ctx, job.ID, now); err != nil {
		return err
	}
	ref := progress.JobRef{TenantID: job.TenantID, ConnectionID: job.ConnectionID, JobID: job.ID}
	o.tracker.State(ctx, ref, store.JobRunning)

	jlog := o.log.WithFields(logrus.Fields{
		"sync_job_id":        job.ID,
		"sync_connection_id": job.ConnectionID,
		"source":             job.Source.Name(),
	})
	jlog.Info("sync job started")

	counters := &progress.Counters{}
	router := dag.NewRouter(dag.RouterConfig{
		Routes:       job.Routes,
		Hasher:       job.Hasher,
		Ledger:       o.ledger,
		Destinations: o.destinations,
		Log:          o.log,
		Namespace:    job.Namespace,
		TenantID:     job.TenantID,
		CollectionID: job.CollectionID,
		ConnectionID: job.ConnectionID,
		JobID:        job.ID,
		SourceName:   job.Source.Name(),
		Counters:     counters,
		Retry:        o.opts.Retry,
	})

	err := o.execute(ctx, job, router, counters)
	return o.settle(ctx, job, counters, err)
}

func (o *Orchestrator) execute(ctx context.Context, job Job, router *dag.Router, counters *progress.Counters) error {
	for name, dest := range o.routeDestinations(job) {
		if err := dest.EnsureCollection(ctx, job.Namespace, o.opts.VectorDim, dest.Capabilities().SparseVectors); err != nil {
			return fmt.Errorf("ensure collection on %s: %w", name, err)
		}
	}

	ch := make(chan emitted, o.opts.ChannelDepth)
	var cursor string

	g, gctx := errgroup.WithContext(ctx)

	// Producer: one goroutine drives the connector; emit order defines
	// the per-entity sequence numbers the ledger uses to discard stale
	// writes.
	g.Go(func() error {
		defer close(ch)
		var seq uint64
		emit := func(ectx context.Context, e entity.Entity) error {
			seq++
			select {
			case ch <- emitted{e: e, seq: seq}:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		}

		c, err := job.Source.Produce(gctx, job.Cursor, emit)
		if errors.Is(err, entity.ErrSourceTransient) && gctx.Err() == nil {
			retryFrom := job.Cursor
			if c != "" {
				retryFrom = c
			}
			o.log.WithField("sync_job_id", job.ID).WithError(err).
				Warn("source hiccup, retrying once")
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-time.After(o.opts.SourceRetryDelay):
			}
			c, err = job.Source.Produce(gctx, retryFrom, emit)
		}
		if err != nil {
			return err
		}
		cursor = c
		return nil
	})

	for i := 0; i < o.opts.Workers; i++ {
		g.Go(func() error {
			for item := range ch {
				if err := router.Process(gctx, item.e, item.seq); err != nil {
					return err
				}
			}
			return nil
		})
	}

	// Heartbeat: periodic progress events until the pipeline settles.
	hbDone := make(chan struct{})
	defer close(hbDone)
	go func() {
		ticker := time.NewTicker(o.opts.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hbDone:
				return
			case <-ticker.C:
				o.tracker.Progress(context.Background(),
					progress.JobRef{TenantID: job.TenantID, ConnectionID: job.ConnectionID, JobID: job.ID},
					store.JobRunning, counters.Snapshot())
			}
		}
	}()

	runErr := g.Wait()

	// Flush in-flight batches. A cancelled job still gets its buffered
	// writes out, bounded by the drain timeout.
	flushCtx := ctx
	var cancelFlush context.CancelFunc
	if ctx.Err() != nil {
		flushCtx, cancelFlush = context.WithTimeout(context.Background(), o.opts.DrainTimeout)
		defer cancelFlush()
	}
	if ferr := router.Flush(flushCtx); ferr != nil && runErr == nil {
		runErr = ferr
	}
	if runErr != nil {
		return runErr
	}

	if err := o.deleteDisappeared(ctx, job, router.Counters()); err != nil {
		return err
	}
	if err := o.store.SaveCursor(ctx, job.ConnectionID, cursor); err != nil {
		return entity.Wrap(entity.ErrLedger, err)
	}
	return nil
}

// deleteDisappeared removes entities the source stopped emitting: children
// before parents, destination before ledger, so an interruption leaves
// re-deletable state rather than dangling points.
func (o *Orchestrator) deleteDisappeared(ctx context.Context, job Job, counters *progress.Counters) error {
	dest, ok := o.destinations[job.DestinationName]
	if !ok {
		return fmt.Errorf("%w: unknown destination %q", entity.ErrInvalidDAG, job.DestinationName)
	}

	var parents, leaves []ledger.Entry
	err := o.ledger.ListDisappeared(ctx, job.ConnectionID, job.ID, func(e ledger.Entry) error {
		if len(e.ChildEntityIDs) > 0 {
			parents = append(parents, e)
		} else {
			leaves = append(leaves, e)
		}
		return nil
	})
	if err != nil {
		return entity.Wrap(entity.ErrLedger, err)
	}

	for _, group := range [][]ledger.Entry{leaves, parents} {
		for start := 0; start < len(group); start += dest.MaxBatchSize() {
			end := start + dest.MaxBatchSize()
			if end > len(group) {
				end = len(group)
			}
			batch := group[start:end]
			ids := make([]string, len(batch))
			for i, e := range batch {
				ids[i] = destination.PointID(job.ConnectionID, e.EntityID)
			}
			if err := dest.BulkDelete(ctx, job.Namespace, ids); err != nil {
				return err
			}
			for _, e := range batch {
				if err := o.ledger.Remove(ctx, job.ConnectionID, e.EntityID); err != nil {
					return entity.Wrap(entity.ErrLedger, err)
				}
				if len(e.ChildEntityIDs) == 0 {
					counters.AddDeleted(1)
				}
			}
		}
	}
	return nil
}

// settle persists the terminal state and publishes the closing events.
func (o *Orchestrator) settle(ctx context.Context, job Job, counters *progress.Counters, runErr error) error {
	// Terminal writes must succeed even when the job context is gone.
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	state := store.JobCompleted
	var errKind, errMsg string
	switch {
	case runErr == nil:
		// completed
	case errors.Is(runErr, context.Canceled) || ctx.Err() != nil:
		state = store.JobCancelled
		runErr = context.Canceled
	default:
		state = store.JobFailed
		errKind = entity.ErrorKind(runErr)
		errMsg = runErr.Error()
	}

	ref := progress.JobRef{TenantID: job.TenantID, ConnectionID: job.ConnectionID, JobID: job.ID}
	if err := o.tracker.PersistTerminal(sctx, ref, state, counters.Snapshot(), errKind, errMsg); err != nil {
		if !errors.Is(err, store.ErrTerminal) {
			o.log.WithField("sync_job_id", job.ID).WithError(err).Error("failed to persist terminal job state")
		}
	}

	o.log.WithFields(logrus.Fields{
		"sync_job_id": job.ID,
		"state":       state,
		"counters":    counters.Snapshot(),
	}).Info("sync job finished")
	return runErr
}

func (o *Orchestrator) routeDestinations(job Job) map[string]destination.Destination {
	out := make(map[string]destination.Destination)
	for _, route := range job.Routes {
		if d, ok := o.destinations[route.Destination]; ok {
			out[route.Destination] = d
		}
	}
	return out
}
