package dag

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"weave.evalgo.org/destination"
	"weave.evalgo.org/entity"
	"weave.evalgo.org/ledger"
	"weave.evalgo.org/progress"
	"weave.evalgo.org/transformer"
)

// RetryPolicy governs destination batch writes: Attempts tries with
// exponential backoff from BaseDelay, then one batch split, then the
// surviving failures are counted per entity.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
	Jitter    float64
}

// DefaultRetryPolicy is 3 attempts at 1s/2s/4s with ±25% jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, BaseDelay: time.Second, Jitter: 0.25}
}

// maxReentryDepth bounds transformer chains that re-enter the router with a
// new entity kind (web-fetcher style transformers).
const maxReentryDepth = 4

// Router drives entities along compiled routes: transform, decide
// insert/update/keep against the ledger, batch points toward the
// destination, and maintain parent→children bookkeeping. Safe for
// concurrent use by the orchestrator's workers.
type Router struct {
	routes map[string]Route
	hasher *entity.Hasher
	led    ledger.Ledger
	dests  map[string]destination.Destination
	log    *logrus.Logger

	namespace    string
	tenantID     string
	collectionID string
	connectionID string
	jobID        string
	sourceName   string

	counters *progress.Counters
	retry    RetryPolicy

	mu      sync.Mutex
	pending map[string][]batchItem

	// flushMu serializes flushes so destination writes stay in emit_seq
	// order per entity.
	flushMu sync.Mutex
}

type batchItem struct {
	point    destination.Point
	entityID string
	hash     []byte
	parentID string
	emitSeq  uint64
	update   bool
}

// RouterConfig collects the per-job wiring for NewRouter.
type RouterConfig struct {
	Routes       map[string]Route
	Hasher       *entity.Hasher
	Ledger       ledger.Ledger
	Destinations map[string]destination.Destination
	Log          *logrus.Logger

	Namespace    string
	TenantID     string
	CollectionID string
	ConnectionID string
	JobID        string
	SourceName   string

	Counters *progress.Counters
	Retry    RetryPolicy
}

// NewRouter builds a router for one job.
func NewRouter(cfg RouterConfig) *Router {
	if cfg.Retry.Attempts == 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	if cfg.Counters == nil {
		cfg.Counters = &progress.Counters{}
	}
	if cfg.Log == nil {
		cfg.Log = logrus.New()
	}
	return &Router{
		routes:       cfg.Routes,
		hasher:       cfg.Hasher,
		led:          cfg.Ledger,
		dests:        cfg.Destinations,
		log:          cfg.Log,
		namespace:    cfg.Namespace,
		tenantID:     cfg.TenantID,
		collectionID: cfg.CollectionID,
		connectionID: cfg.ConnectionID,
		jobID:        cfg.JobID,
		sourceName:   cfg.SourceName,
		counters:     cfg.Counters,
		retry:        cfg.Retry,
		pending:      make(map[string][]batchItem),
	}
}

// Counters exposes the job counters.
func (r *Router) Counters() *progress.Counters { return r.counters }

// Process routes one source-emitted entity to completion: through its
// transformer chain, the incremental decision, and into the destination
// batch buffer. Per-entity errors are absorbed and counted; only fatal
// errors are returned.
func (r *Router) Process(ctx context.Context, e entity.Entity, emitSeq uint64) error {
	return r.process(ctx, e, emitSeq, 0)
}

func (r *Router) process(ctx context.Context, e entity.Entity, emitSeq uint64, depth int) error {
	route, ok := r.routes[e.Kind]
	if !ok {
		r.counters.AddSkipped(1)
		r.log.WithFields(logrus.Fields{
			"entity_id": e.EntityID,
			"kind":      e.Kind,
			"reason":    "unrouted_kind",
		}).Warn("entity dead-lettered")
		return nil
	}

	srcHash, err := r.hasher.Hash(e)
	if err != nil {
		r.counters.AddFailed(1)
		r.log.WithField("entity_id", e.EntityID).WithError(err).Warn("entity rejected")
		return nil
	}

	prevHash, prevChildren, seen, err := r.led.LookupHash(ctx, r.connectionID, e.EntityID)
	if err != nil {
		return err
	}
	if seen && string(prevHash) == string(srcHash) {
		return r.keep(ctx, e, srcHash, prevChildren, emitSeq)
	}

	terminals, failed, err := r.transformChain(ctx, route, e, emitSeq, depth)
	if err != nil {
		return err
	}
	if failed {
		return nil
	}

	return r.settle(ctx, route, e, srcHash, prevChildren, seen, terminals, emitSeq)
}

// keep re-witnesses an unchanged entity and its tracked children without
// touching the destination.
func (r *Router) keep(ctx context.Context, e entity.Entity, hash []byte, children []string, emitSeq uint64) error {
	if _, err := r.led.RecordSeen(ctx, r.connectionID, r.jobID, e.EntityID, hash, e.ParentEntityID, emitSeq); err != nil {
		return err
	}
	if len(children) == 0 {
		r.counters.AddKept(1)
		return nil
	}
	for _, child := range children {
		childHash, _, ok, err := r.led.LookupHash(ctx, r.connectionID, child)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if _, err := r.led.RecordSeen(ctx, r.connectionID, r.jobID, child, childHash, e.EntityID, emitSeq); err != nil {
			return err
		}
		r.counters.AddKept(1)
	}
	return nil
}

// transformChain applies the route's transformers in order. failed reports
// a per-entity transformer error already counted; outputs whose kind left
// the chain re-enter the router.
func (r *Router) transformChain(ctx context.Context, route Route, e entity.Entity, emitSeq uint64, depth int) ([]entity.Entity, bool, error) {
	current := []entity.Entity{e}
	errored := false
	for _, t := range route.Transformers {
		md := t.Metadata()
		var next []entity.Entity
		for _, batch := range r.batches(current, md) {
			out, err := t.Transform(ctx, batch)
			if err != nil {
				if entity.IsFatal(err) && !errors.Is(err, entity.ErrInvalidEntity) {
					return nil, false, err
				}
				errored = true
				r.counters.AddFailed(uint64(len(batch)))
				r.log.WithFields(logrus.Fields{
					"transformer": md.Name,
					"entities":    len(batch),
				}).WithError(err).Warn("transformer failed, entities skipped")
				continue
			}
			next = append(next, out...)
		}

		// Outputs of an unexpected kind re-enter the router (fetcher-style
		// transformers emitting new files).
		if md.OutputKind != "" && md.OutputKind != "*" {
			kept := next[:0]
			for _, out := range next {
				if out.Kind != md.OutputKind {
					if depth+1 >= maxReentryDepth {
						r.counters.AddSkipped(1)
						continue
					}
					if err := r.process(ctx, out, emitSeq, depth+1); err != nil {
						return nil, false, err
					}
					continue
				}
				kept = append(kept, out)
			}
			next = kept
		}
		current = next
	}
	// An error that swallowed the whole fan-out must not look like a
	// legitimately empty output: settling it would delete prior children.
	if len(current) == 0 && errored {
		return nil, true, nil
	}
	return current, false, nil
}

func (r *Router) batches(in []entity.Entity, md transformer.Metadata) [][]entity.Entity {
	size := md.BatchSize
	if !md.SupportsBatch || size <= 0 {
		size = 1
	}
	var out [][]entity.Entity
	for start := 0; start < len(in); start += size {
		end := start + size
		if end > len(in) {
			end = len(in)
		}
		out = append(out, in[start:end])
	}
	return out
}

// settle applies the incremental decision to the chain's terminal entities
// and maintains parent bookkeeping for fan-out.
func (r *Router) settle(ctx context.Context, route Route, parent entity.Entity, parentHash []byte, prevChildren []string, seen bool, terminals []entity.Entity, emitSeq uint64) error {
	fanOut := len(terminals) != 1 || (len(terminals) == 1 && terminals[0].EntityID != parent.EntityID)

	newChildIDs := make([]string, 0, len(terminals))
	for _, t := range terminals {
		t.SetSystemMetadata(r.sourceName, r.connectionID, r.jobID, time.Now())

		hash := parentHash
		if t.EntityID != parent.EntityID {
			var err error
			hash, err = r.hasher.Hash(t)
			if err != nil {
				r.counters.AddFailed(1)
				continue
			}
			newChildIDs = append(newChildIDs, t.EntityID)
		}

		prev, _, known, err := r.led.LookupHash(ctx, r.connectionID, t.EntityID)
		if err != nil {
			return err
		}
		if known && string(prev) == string(hash) {
			if _, err := r.led.RecordSeen(ctx, r.connectionID, r.jobID, t.EntityID, hash, t.ParentEntityID, emitSeq); err != nil {
				return err
			}
			r.counters.AddKept(1)
			continue
		}

		if err := r.enqueue(ctx, route.Destination, batchItem{
			point:    r.point(t, hash),
			entityID: t.EntityID,
			hash:     hash,
			parentID: t.ParentEntityID,
			emitSeq:  emitSeq,
			update:   known,
		}); err != nil {
			return err
		}
	}

	if fanOut {
		// The parent itself stores no point; its ledger entry witnesses
		// presence and anchors the child set.
		if _, err := r.led.RecordSeen(ctx, r.connectionID, r.jobID, parent.EntityID, parentHash, parent.ParentEntityID, emitSeq); err != nil {
			return err
		}
		if err := r.deleteOrphans(ctx, route.Destination, prevChildren, newChildIDs); err != nil {
			return err
		}
		if err := r.led.SetChildren(ctx, r.connectionID, parent.EntityID, newChildIDs); err != nil {
			return err
		}
	}
	return nil
}

// deleteOrphans removes children present last sync but absent now.
func (r *Router) deleteOrphans(ctx context.Context, destName string, prev, now []string) error {
	current := make(map[string]bool, len(now))
	for _, id := range now {
		current[id] = true
	}
	var orphanPoints []string
	var orphanIDs []string
	for _, id := range prev {
		if !current[id] {
			orphanPoints = append(orphanPoints, destination.PointID(r.connectionID, id))
			orphanIDs = append(orphanIDs, id)
		}
	}
	if len(orphanPoints) == 0 {
		return nil
	}
	dest := r.dests[destName]
	if err := dest.BulkDelete(ctx, r.namespace, orphanPoints); err != nil {
		return err
	}
	for _, id := range orphanIDs {
		if err := r.led.Remove(ctx, r.connectionID, id); err != nil {
			return err
		}
	}
	r.counters.AddDeleted(uint64(len(orphanIDs)))
	return nil
}

func (r *Router) point(e entity.Entity, hash []byte) destination.Point {
	payload := map[string]interface{}{
		destination.FieldTenantID:       r.tenantID,
		destination.FieldCollectionID:   r.collectionID,
		destination.FieldConnectionID:   r.connectionID,
		destination.FieldEntityID:       e.EntityID,
		destination.FieldSourceName:     r.sourceName,
		destination.FieldKind:           e.Kind,
		destination.FieldEmbeddableText: e.EmbeddableText,
		destination.FieldContentHash:    fmt.Sprintf("%x", hash),
		destination.FieldSyncedAt:       e.Metadata["synced_at"],
	}
	if e.ParentEntityID != "" {
		payload[destination.FieldParentEntityID] = e.ParentEntityID
	}
	if len(e.Breadcrumbs) > 0 {
		crumbs := make([]interface{}, len(e.Breadcrumbs))
		for i, b := range e.Breadcrumbs {
			crumbs[i] = map[string]interface{}{"id": b.ID, "name": b.Name, "kind": b.Kind}
		}
		payload[destination.FieldBreadcrumbs] = crumbs
	}
	return destination.Point{
		ID:           destination.PointID(r.connectionID, e.EntityID),
		Vector:       e.Vector,
		SparseVector: e.SparseVector,
		Payload:      payload,
	}
}

// enqueue buffers an item and flushes the destination's buffer when full.
func (r *Router) enqueue(ctx context.Context, destName string, item batchItem) error {
	dest := r.dests[destName]
	r.mu.Lock()
	r.pending[destName] = append(r.pending[destName], item)
	full := len(r.pending[destName]) >= dest.MaxBatchSize()
	var batch []batchItem
	if full {
		batch = r.pending[destName]
		r.pending[destName] = nil
	}
	r.mu.Unlock()

	if full {
		return r.flushBatch(ctx, destName, batch)
	}
	return nil
}

// Flush writes out every pending batch. The orchestrator calls it after
// the workers drain and again during cancellation.
func (r *Router) Flush(ctx context.Context) error {
	r.mu.Lock()
	pending := r.pending
	r.pending = make(map[string][]batchItem)
	r.mu.Unlock()

	for destName, batch := range pending {
		if len(batch) == 0 {
			continue
		}
		if err := r.flushBatch(ctx, destName, batch); err != nil {
			return err
		}
	}
	return nil
}

// flushBatch settles a batch: the ledger compare-and-set first, so only
// the winning emission of each entity reaches the destination, then the
// upsert with retry, split-once, and per-entity failure downgrade.
func (r *Router) flushBatch(ctx context.Context, destName string, batch []batchItem) error {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	winners, err := r.witness(ctx, latestPerEntity(batch))
	if err != nil || len(winners) == 0 {
		return err
	}

	dest := r.dests[destName]
	err = r.upsertWithRetry(ctx, dest, winners)
	if err == nil {
		r.countWritten(winners)
		return nil
	}
	if entity.IsFatal(err) || ctx.Err() != nil {
		return r.disown(ctx, winners, err)
	}

	// Split once; each half gets its own retry budget.
	mid := len(winners) / 2
	for _, half := range [][]batchItem{winners[:mid], winners[mid:]} {
		if len(half) == 0 {
			continue
		}
		if herr := r.upsertWithRetry(ctx, dest, half); herr != nil {
			if entity.IsFatal(herr) || ctx.Err() != nil {
				return r.disown(ctx, half, herr)
			}
			if derr := r.disown(ctx, half, nil); derr != nil {
				return derr
			}
			r.counters.AddFailed(uint64(len(half)))
			r.log.WithFields(logrus.Fields{
				"destination": destName,
				"entities":    len(half),
			}).WithError(herr).Error("batch write abandoned after retries")
			continue
		}
		r.countWritten(half)
	}
	return nil
}

// witness commits the batch to the ledger before the destination write.
// The emit_seq compare-and-set decides which emission of an entity owns
// the write; losers are dropped here so a stale body never lands over a
// fresher one.
func (r *Router) witness(ctx context.Context, batch []batchItem) ([]batchItem, error) {
	winners := batch[:0]
	for _, item := range batch {
		applied, err := r.led.RecordSeen(ctx, r.connectionID, r.jobID, item.entityID, item.hash, item.parentID, item.emitSeq)
		if err != nil {
			return nil, err
		}
		if !applied {
			continue // late duplicate, silently discarded
		}
		winners = append(winners, item)
	}
	return winners, nil
}

// latestPerEntity keeps the highest-emit_seq item per entity so one upsert
// never carries two versions of the same point.
func latestPerEntity(batch []batchItem) []batchItem {
	idx := make(map[string]int, len(batch))
	out := make([]batchItem, 0, len(batch))
	for _, item := range batch {
		if i, ok := idx[item.entityID]; ok {
			if item.emitSeq > out[i].emitSeq {
				out[i] = item
			}
			continue
		}
		idx[item.entityID] = len(out)
		out = append(out, item)
	}
	return out
}

// disown erases the ledger records of items whose destination write did
// not land, so the next run re-inserts them instead of keeping a stale
// point. Runs detached from ctx; the records must go even when the job is
// being cancelled. Returns cause when the removals succeed.
func (r *Router) disown(ctx context.Context, batch []batchItem, cause error) error {
	ctx = context.WithoutCancel(ctx)
	for _, item := range batch {
		if err := r.led.Remove(ctx, r.connectionID, item.entityID); err != nil {
			return err
		}
	}
	return cause
}

func (r *Router) countWritten(batch []batchItem) {
	for _, item := range batch {
		if item.update {
			r.counters.AddUpdated(1)
		} else {
			r.counters.AddInserted(1)
		}
	}
}

func (r *Router) upsertWithRetry(ctx context.Context, dest destination.Destination, batch []batchItem) error {
	points := make([]destination.Point, len(batch))
	for i, item := range batch {
		points[i] = item.point
	}

	var lastErr error
	delay := r.retry.BaseDelay
	for attempt := 0; attempt < r.retry.Attempts; attempt++ {
		if attempt > 0 {
			jittered := jitter(delay, r.retry.Jitter)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(jittered):
			}
			delay *= 2
		}
		lastErr = dest.BulkUpsert(ctx, r.namespace, points)
		if lastErr == nil {
			return nil
		}
		if entity.IsFatal(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

func jitter(d time.Duration, frac float64) time.Duration {
	if frac <= 0 {
		return d
	}
	spread := float64(d) * frac
	return time.Duration(float64(d) - spread + rand.Float64()*2*spread)
}
