package progress

import "sync/atomic"

// Counters accumulates per-job entity outcomes. All methods are safe for
// concurrent use; the orchestrator snapshots them for progress events and
// terminal persistence.
type Counters struct {
	inserted atomic.Uint64
	updated  atomic.Uint64
	kept     atomic.Uint64
	skipped  atomic.Uint64
	deleted  atomic.Uint64
	failed   atomic.Uint64
}

func (c *Counters) AddInserted(n uint64) { c.inserted.Add(n) }
func (c *Counters) AddUpdated(n uint64)  { c.updated.Add(n) }
func (c *Counters) AddKept(n uint64)     { c.kept.Add(n) }
func (c *Counters) AddSkipped(n uint64)  { c.skipped.Add(n) }
func (c *Counters) AddDeleted(n uint64)  { c.deleted.Add(n) }
func (c *Counters) AddFailed(n uint64)   { c.failed.Add(n) }

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Inserted uint64 `json:"entities_inserted"`
	Updated  uint64 `json:"entities_updated"`
	Kept     uint64 `json:"entities_kept"`
	Skipped  uint64 `json:"entities_skipped"`
	Deleted  uint64 `json:"entities_deleted"`
	Failed   uint64 `json:"entities_failed"`
}

// Snapshot returns the current values.
func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		Inserted: c.inserted.Load(),
		Updated:  c.updated.Load(),
		Kept:     c.kept.Load(),
		Skipped:  c.skipped.Load(),
		Deleted:  c.deleted.Load(),
		Failed:   c.failed.Load(),
	}
}
