// Package store persists sync connections and sync jobs. The gorm/Postgres
// backend is the deployment store; the memory backend serves tests and
// embedded single-process use.
//
// Job state transitions are write-once at the terminal edge: once a job is
// completed, failed, or cancelled, further transitions are rejected so late
// goroutines cannot resurrect a finished job.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"weave.evalgo.org/progress"
)

// Job states.
const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
	JobCancelled = "cancelled"
)

// Job triggers.
const (
	TriggerManual    = "manual"
	TriggerScheduled = "scheduled"
)

// ErrNotFound is returned for unknown connection or job ids.
var ErrNotFound = errors.New("not found")

// ErrTerminal is returned when a transition targets a finished job.
var ErrTerminal = errors.New("job already in terminal state")

// Terminal reports whether state admits no further transitions.
func Terminal(state string) bool {
	return state == JobCompleted || state == JobFailed || state == JobCancelled
}

// SyncConnection is one configured source→destination link of a collection.
type SyncConnection struct {
	ID           string `gorm:"primaryKey"`
	TenantID     string `gorm:"index:idx_conn_tenant"`
	CollectionID string `gorm:"index:idx_conn_tenant"`
	Name         string
	SourceName   string

	// SettingsJSON is the connector-specific configuration, stored opaque.
	SettingsJSON string `gorm:"type:jsonb"`

	// Schedule is the sync cadence, e.g. "every 15m". Empty means manual
	// only.
	Schedule string

	// Cursor is the connector's incremental position after the last
	// successful job.
	Cursor string

	Paused    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SyncJob is one run of a connection.
type SyncJob struct {
	ID           string `gorm:"primaryKey"`
	ConnectionID string `gorm:"index"`
	TenantID     string `gorm:"index"`
	State        string
	Trigger      string

	StartedAt  *time.Time
	FinishedAt *time.Time

	EntitiesInserted uint64
	EntitiesUpdated  uint64
	EntitiesKept     uint64
	EntitiesSkipped  uint64
	EntitiesDeleted  uint64
	EntitiesFailed   uint64

	ErrorKind    string
	ErrorMessage string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ApplyCounters copies a progress snapshot onto the job row.
func (j *SyncJob) ApplyCounters(s progress.Snapshot) {
	j.EntitiesInserted = s.Inserted
	j.EntitiesUpdated = s.Updated
	j.EntitiesKept = s.Kept
	j.EntitiesSkipped = s.Skipped
	j.EntitiesDeleted = s.Deleted
	j.EntitiesFailed = s.Failed
}

// Store persists connections and jobs.
type Store interface {
	CreateConnection(ctx context.Context, c *SyncConnection) error
	GetConnection(ctx context.Context, id string) (*SyncConnection, error)
	ListConnections(ctx context.Context, tenantID string) ([]SyncConnection, error)

	// ListSchedulable returns unpaused connections with a non-empty
	// schedule across all tenants, for the scheduler sweep.
	ListSchedulable(ctx context.Context) ([]SyncConnection, error)
	SetPaused(ctx context.Context, id string, paused bool) error
	SaveCursor(ctx context.Context, id, cursor string) error
	DeleteConnection(ctx context.Context, id string) error

	CreateJob(ctx context.Context, j *SyncJob) error
	GetJob(ctx context.Context, id string) (*SyncJob, error)
	ListJobs(ctx context.Context, connectionID string, limit int) ([]SyncJob, error)

	// MarkRunning moves a pending job to running and stamps StartedAt.
	MarkRunning(ctx context.Context, id string, at time.Time) error

	// FinishJob writes the terminal state, counters, and error exactly
	// once. A second call for the same job returns ErrTerminal.
	FinishJob(ctx context.Context, id, state string, counters progress.Snapshot, errorKind, errorMessage string, at time.Time) error
}

// MemoryStore is the in-process Store.
type MemoryStore struct {
	mu    sync.RWMutex
	conns map[string]*SyncConnection
	jobs  map[string]*SyncJob
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conns: make(map[string]*SyncConnection),
		jobs:  make(map[string]*SyncJob),
	}
}

func (m *MemoryStore) CreateConnection(ctx context.Context, c *SyncConnection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.conns[c.ID]; dup {
		return fmt.Errorf("connection %s already exists", c.ID)
	}
	now := time.Now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now
	cp := *c
	m.conns[c.ID] = &cp
	return nil
}

func (m *MemoryStore) GetConnection(ctx context.Context, id string) (*SyncConnection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conns[id]
	if !ok {
		return nil, fmt.Errorf("connection %s: %w", id, ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) ListConnections(ctx context.Context, tenantID string) ([]SyncConnection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []SyncConnection
	for _, c := range m.conns {
		if c.TenantID == tenantID {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) ListSchedulable(ctx context.Context) ([]SyncConnection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []SyncConnection
	for _, c := range m.conns {
		if !c.Paused && c.Schedule != "" {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) SetPaused(ctx context.Context, id string, paused bool) error {
	return m.updateConnection(id, func(c *SyncConnection) { c.Paused = paused })
}

func (m *MemoryStore) SaveCursor(ctx context.Context, id, cursor string) error {
	return m.updateConnection(id, func(c *SyncConnection) { c.Cursor = cursor })
}

func (m *MemoryStore) updateConnection(id string, fn func(*SyncConnection)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[id]
	if !ok {
		return fmt.Errorf("connection %s: %w", id, ErrNotFound)
	}
	fn(c)
	c.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) DeleteConnection(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.conns, id)
	return nil
}

func (m *MemoryStore) CreateJob(ctx context.Context, j *SyncJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.jobs[j.ID]; dup {
		return fmt.Errorf("job %s already exists", j.ID)
	}
	if j.State == "" {
		j.State = JobPending
	}
	now := time.Now().UTC()
	j.CreatedAt, j.UpdatedAt = now, now
	cp := *j
	m.jobs[j.ID] = &cp
	return nil
}

func (m *MemoryStore) GetJob(ctx context.Context, id string) (*SyncJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	cp := *j
	return &cp, nil
}

func (m *MemoryStore) ListJobs(ctx context.Context, connectionID string, limit int) ([]SyncJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []SyncJob
	for _, j := range m.jobs {
		if j.ConnectionID == connectionID {
			out = append(out, *j)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) MarkRunning(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if Terminal(j.State) {
		return fmt.Errorf("job %s: %w", id, ErrTerminal)
	}
	j.State = JobRunning
	j.StartedAt = &at
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) FinishJob(ctx context.Context, id, state string, counters progress.Snapshot, errorKind, errorMessage string, at time.Time) error {
	if !Terminal(state) {
		return fmt.Errorf("state %q is not terminal", state)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if Terminal(j.State) {
		return fmt.Errorf("job %s: %w", id, ErrTerminal)
	}
	j.State = state
	j.ApplyCounters(counters)
	j.ErrorKind = errorKind
	j.ErrorMessage = errorMessage
	j.FinishedAt = &at
	j.UpdatedAt = time.Now().UTC()
	return nil
}
