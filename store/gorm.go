package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"weave.evalgo.org/progress"
)

// GormStore is the Postgres-backed Store.
type GormStore struct {
	db *gorm.DB
}

// OpenPostgres connects, tunes the pool, and migrates the schema.
func OpenPostgres(pgURL string) (*GormStore, error) {
	db, err := gorm.Open(postgres.Open(pgURL), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)
	return NewGormStore(db)
}

// NewGormStore wraps an existing gorm handle and migrates the schema.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&SyncConnection{}, &SyncJob{}); err != nil {
		return nil, fmt.Errorf("failed to migrate sync tables: %w", err)
	}
	return &GormStore{db: db}, nil
}

func (g *GormStore) CreateConnection(ctx context.Context, c *SyncConnection) error {
	return g.db.WithContext(ctx).Create(c).Error
}

func (g *GormStore) GetConnection(ctx context.Context, id string) (*SyncConnection, error) {
	var c SyncConnection
	err := g.db.WithContext(ctx).First(&c, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("connection %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (g *GormStore) ListConnections(ctx context.Context, tenantID string) ([]SyncConnection, error) {
	var out []SyncConnection
	err := g.db.WithContext(ctx).Where("tenant_id = ?", tenantID).Order("id").Find(&out).Error
	return out, err
}

func (g *GormStore) ListSchedulable(ctx context.Context) ([]SyncConnection, error) {
	var out []SyncConnection
	err := g.db.WithContext(ctx).
		Where("paused = ? AND schedule <> ''", false).
		Order("id").Find(&out).Error
	return out, err
}

func (g *GormStore) SetPaused(ctx context.Context, id string, paused bool) error {
	return g.connectionUpdate(ctx, id, map[string]interface{}{"paused": paused})
}

func (g *GormStore) SaveCursor(ctx context.Context, id, cursor string) error {
	return g.connectionUpdate(ctx, id, map[string]interface{}{"cursor": cursor})
}

func (g *GormStore) connectionUpdate(ctx context.Context, id string, fields map[string]interface{}) error {
	res := g.db.WithContext(ctx).Model(&SyncConnection{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("connection %s: %w", id, ErrNotFound)
	}
	return nil
}

func (g *GormStore) DeleteConnection(ctx context.Context, id string) error {
	return g.db.WithContext(ctx).Delete(&SyncConnection{}, "id = ?", id).Error
}

func (g *GormStore) CreateJob(ctx context.Context, j *SyncJob) error {
	if j.State == "" {
		j.State = JobPending
	}
	return g.db.WithContext(ctx).Create(j).Error
}

func (g *GormStore) GetJob(ctx context.Context, id string) (*SyncJob, error) {
	var j SyncJob
	err := g.db.WithContext(ctx).First(&j, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (g *GormStore) ListJobs(ctx context.Context, connectionID string, limit int) ([]SyncJob, error) {
	var out []SyncJob
	q := g.db.WithContext(ctx).Where("connection_id = ?", connectionID).Order("created_at desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&out).Error
	return out, err
}

var terminalStates = []string{JobCompleted, JobFailed, JobCancelled}

func (g *GormStore) MarkRunning(ctx context.Context, id string, at time.Time) error {
	res := g.db.WithContext(ctx).Model(&SyncJob{}).
		Where("id = ? AND state NOT IN ?", id, terminalStates).
		Updates(map[string]interface{}{"state": JobRunning, "started_at": at})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return g.missingOrTerminal(ctx, id)
	}
	return nil
}

// FinishJob relies on the state guard in the WHERE clause for the
// write-once property, so concurrent finishers race safely.
func (g *GormStore) FinishJob(ctx context.Context, id, state string, counters progress.Snapshot, errorKind, errorMessage string, at time.Time) error {
	if !Terminal(state) {
		return fmt.Errorf("state %q is not terminal", state)
	}
	res := g.db.WithContext(ctx).Model(&SyncJob{}).
		Where("id = ? AND state NOT IN ?", id, terminalStates).
		Updates(map[string]interface{}{
			"state":             state,
			"entities_inserted": counters.Inserted,
			"entities_updated":  counters.Updated,
			"entities_kept":     counters.Kept,
			"entities_skipped":  counters.Skipped,
			"entities_deleted":  counters.Deleted,
			"entities_failed":   counters.Failed,
			"error_kind":        errorKind,
			"error_message":     errorMessage,
			"finished_at":       at,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return g.missingOrTerminal(ctx, id)
	}
	return nil
}

func (g *GormStore) missingOrTerminal(ctx context.Context, id string) error {
	var count int64
	if err := g.db.WithContext(ctx).Model(&SyncJob{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return fmt.Errorf("job %s: %w", id, ErrTerminal)
}
