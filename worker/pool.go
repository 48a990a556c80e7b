// Package worker runs the sync execution side of weave: a pool of
// consumers that dequeue sync jobs, build the per-connection pipeline, and
// drive the orchestrator, plus a scheduler sweep that enqueues due
// scheduled syncs and a reaper for jobs whose worker died mid-run.
package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"weave.evalgo.org/common"
	"weave.evalgo.org/dag"
	"weave.evalgo.org/destination"
	"weave.evalgo.org/entity"
	"weave.evalgo.org/orchestrator"
	"weave.evalgo.org/progress"
	"weave.evalgo.org/queue"
	"weave.evalgo.org/schedule"
	"weave.evalgo.org/source"
	"weave.evalgo.org/store"
	"weave.evalgo.org/transformer"
)

// Config configures the worker pool.
type Config struct {
	// Concurrency is how many jobs run at once.
	Concurrency int

	// PollTimeout is the blocking-dequeue window per poll.
	PollTimeout time.Duration

	// ProcessingTTL is how long a dequeued job may run before the reaper
	// declares its worker lost.
	ProcessingTTL time.Duration

	// SweepInterval is the cadence of the scheduler and reaper sweeps.
	SweepInterval time.Duration

	// DestinationName selects the destination routes point at.
	DestinationName string
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 2
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = 5 * time.Second
	}
	if c.ProcessingTTL <= 0 {
		c.ProcessingTTL = 30 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 15 * time.Second
	}
	if c.DestinationName == "" {
		c.DestinationName = "default"
	}
	return c
}

// Pool consumes sync jobs and runs them to a terminal state.
type Pool struct {
	store        store.Store
	queue        *queue.Queue
	sources      *source.Registry
	transformers *transformer.Registry
	orch         *orchestrator.Orchestrator
	log          *logrus.Logger
	cfg          Config
}

// NewPool wires a pool. The orchestrator owns terminal-state persistence;
// the pool owns queue bookkeeping around each run.
func NewPool(st store.Store, q *queue.Queue, sources *source.Registry, transformers *transformer.Registry, orch *orchestrator.Orchestrator, log *logrus.Logger, cfg Config) *Pool {
	if log == nil {
		log = logrus.New()
	}
	return &Pool{
		store:        st,
		queue:        q,
		sources:      sources,
		transformers: transformers,
		orch:         orch,
		log:          log,
		cfg:          cfg.withDefaults(),
	}
}

// Run blocks consuming and scheduling until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Concurrency; i++ {
		g.Go(func() error { return p.consume(gctx) })
	}
	g.Go(func() error { return p.sweepLoop(gctx) })
	return g.Wait()
}

func (p *Pool) consume(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		qj, err := p.queue.Dequeue(ctx, p.cfg.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.log.WithError(err).Warn("dequeue failed, backing off")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.cfg.PollTimeout):
			}
			continue
		}
		if qj == nil {
			continue
		}
		p.process(ctx, *qj)
	}
}

func (p *Pool) process(ctx context.Context, qj queue.Job) {
	jlog := p.log.WithFields(common.SyncFields(qj.TenantID, qj.ConnectionID, qj.JobID))

	if err := p.queue.MarkProcessing(ctx, qj.JobID, time.Now().Add(p.cfg.ProcessingTTL)); err != nil {
		jlog.WithError(err).Warn("failed to mark job processing")
	}

	if err := p.runJob(ctx, qj); err != nil {
		jlog.WithError(err).Error("sync job failed")
	}

	if err := p.queue.Complete(ctx, qj.JobID); err != nil {
		jlog.WithError(err).Warn("failed to complete queue entry")
	}
}

// runJob resolves the connection into a runnable pipeline and hands it to
// the orchestrator. Setup failures before the orchestrator takes over are
// persisted here so the job still reaches a terminal state.
func (p *Pool) runJob(ctx context.Context, qj queue.Job) error {
	conn, err := p.store.GetConnection(ctx, qj.ConnectionID)
	if err != nil {
		p.failJob(ctx, qj.JobID, "invalid_config", "connection no longer exists")
		return err
	}

	src, err := p.buildSource(conn)
	if err != nil {
		p.failJob(ctx, qj.JobID, entity.ErrorKind(err), err.Error())
		return err
	}
	if err := src.Validate(ctx); err != nil {
		p.failJob(ctx, qj.JobID, entity.ErrorKind(err), err.Error())
		return err
	}

	routes, err := p.routes(src)
	if err != nil {
		p.failJob(ctx, qj.JobID, entity.ErrorKind(err), err.Error())
		return err
	}

	return p.orch.Run(ctx, orchestrator.Job{
		ID:              qj.JobID,
		TenantID:        conn.TenantID,
		CollectionID:    conn.CollectionID,
		ConnectionID:    conn.ID,
		Namespace:       destination.CollectionNamespace(conn.TenantID, conn.CollectionID),
		Source:          src,
		Cursor:          conn.Cursor,
		Routes:          routes,
		DestinationName: p.cfg.DestinationName,
		Hasher:          entity.NewHasher(src.Kinds()...),
	})
}

func (p *Pool) buildSource(conn *store.SyncConnection) (source.Source, error) {
	settings := map[string]interface{}{}
	if conn.SettingsJSON != "" {
		if err := json.Unmarshal([]byte(conn.SettingsJSON), &settings); err != nil {
			return nil, entity.Wrap(entity.ErrInvalidConfig, err)
		}
	}

	cfg := source.Config{Name: conn.Name, Settings: settings}
	if v, ok := settings["cursor_field"].(string); ok {
		cfg.CursorField = v
	}
	if v, ok := settings["batch_size"].(float64); ok {
		cfg.BatchSize = int(v)
	}

	auth := source.Auth{
		URL:       settingString(settings, "url"),
		Token:     settingString(settings, "token"),
		AccessKey: settingString(settings, "access_key"),
		SecretKey: settingString(settings, "secret_key"),
		Region:    settingString(settings, "region"),
	}

	return p.sources.New(conn.SourceName, cfg, auth, p.log)
}

func settingString(settings map[string]interface{}, key string) string {
	v, _ := settings[key].(string)
	return v
}

// routes compiles the standard graph extended with the connector's own
// kinds beyond the built-in ones.
func (p *Pool) routes(src source.Source) (map[string]dag.Route, error) {
	var extra []string
	for _, ks := range src.Kinds() {
		switch ks.Name {
		case entity.KindFile, entity.KindChunk, entity.KindTabular, "doc":
		default:
			extra = append(extra, ks.Name)
		}
	}
	return dag.Default(p.cfg.DestinationName, extra...).Compile(p.transformers)
}

func (p *Pool) failJob(ctx context.Context, jobID, kind, msg string) {
	err := p.store.FinishJob(ctx, jobID, store.JobFailed, progress.Snapshot{}, kind, msg, time.Now().UTC())
	if err != nil {
		p.log.WithError(err).WithField("sync_job_id", jobID).Warn("failed to persist job failure")
	}
}

func (p *Pool) sweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		p.sweepSchedules(ctx)
		p.reapExpired(ctx)
	}
}

// sweepSchedules enqueues one job per due scheduled connection. A
// connection whose latest job is still pending or running is skipped, so
// slow syncs never stack.
func (p *Pool) sweepSchedules(ctx context.Context) {
	conns, err := p.store.ListSchedulable(ctx)
	if err != nil {
		p.log.WithError(err).Warn("scheduler sweep failed to list connections")
		return
	}

	now := time.Now().UTC()
	for _, conn := range conns {
		interval, err := schedule.Parse(conn.Schedule)
		if err != nil {
			p.log.WithError(err).WithField("sync_connection_id", conn.ID).Warn("unparseable schedule")
			continue
		}

		jobs, err := p.store.ListJobs(ctx, conn.ID, 1)
		if err != nil {
			continue
		}
		var last time.Time
		if len(jobs) > 0 {
			if !store.Terminal(jobs[0].State) {
				continue
			}
			last = jobs[0].CreatedAt
		}
		if !schedule.Due(last, interval, now) {
			continue
		}

		job := &store.SyncJob{
			ID:           uuid.NewString(),
			ConnectionID: conn.ID,
			TenantID:     conn.TenantID,
			State:        store.JobPending,
			Trigger:      store.TriggerScheduled,
		}
		if err := p.store.CreateJob(ctx, job); err != nil {
			p.log.WithError(err).WithField("sync_connection_id", conn.ID).Warn("failed to create scheduled job")
			continue
		}
		if err := p.queue.Enqueue(ctx, queue.Job{
			JobID:        job.ID,
			ConnectionID: conn.ID,
			TenantID:     conn.TenantID,
			Trigger:      store.TriggerScheduled,
		}); err != nil {
			p.log.WithError(err).WithField("sync_job_id", job.ID).Warn("failed to enqueue scheduled job")
		}
	}
}

// reapExpired fails jobs whose worker missed the processing deadline, so
// they do not read as running forever.
func (p *Pool) reapExpired(ctx context.Context) {
	ids, err := p.queue.ExpiredProcessing(ctx, time.Now())
	if err != nil {
		p.log.WithError(err).Warn("reaper failed to list expired jobs")
		return
	}
	for _, id := range ids {
		p.log.WithField("sync_job_id", id).Warn("reaping job past its processing deadline")
		p.failJob(ctx, id, "worker_lost", "processing deadline exceeded")
		if err := p.queue.Complete(ctx, id); err != nil {
			p.log.WithError(err).WithField("sync_job_id", id).Warn("failed to drop reaped queue entry")
		}
	}
}
