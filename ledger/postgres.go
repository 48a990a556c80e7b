package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"weave.evalgo.org/entity"
)

// ledgerRow is the gorm model backing PostgresLedger.
type ledgerRow struct {
	ConnectionID   string `gorm:"primaryKey;column:connection_id"`
	EntityID       string `gorm:"primaryKey;column:entity_id"`
	ContentHash    []byte `gorm:"column:content_hash;type:bytea"`
	LastSeenJobID  string `gorm:"column:last_seen_job_id;index:idx_ledger_conn_job"`
	ParentEntityID string `gorm:"column:parent_entity_id"`
	Children       []byte `gorm:"column:children;type:jsonb"`
	EmitSeq        uint64 `gorm:"column:emit_seq"`
	UpdatedAt      time.Time
}

func (ledgerRow) TableName() string { return "weave_ledger" }

// PostgresLedger stores entries relationally for deployments where several
// engine processes share one database.
type PostgresLedger struct {
	db *gorm.DB
}

// OpenPostgres opens a pooled connection and migrates the ledger table.
func OpenPostgres(dsn string) (*PostgresLedger, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, entity.Wrap(entity.ErrLedger, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, entity.Wrap(entity.ErrLedger, err)
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(50)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(&ledgerRow{}); err != nil {
		return nil, entity.Wrap(entity.ErrLedger, err)
	}
	return &PostgresLedger{db: db}, nil
}

// NewPostgresLedgerFromDB wraps an existing gorm handle (tests, shared
// pools).
func NewPostgresLedgerFromDB(db *gorm.DB) (*PostgresLedger, error) {
	if err := db.AutoMigrate(&ledgerRow{}); err != nil {
		return nil, entity.Wrap(entity.ErrLedger, err)
	}
	return &PostgresLedger{db: db}, nil
}

func (p *PostgresLedger) LookupHash(ctx context.Context, connectionID, entityID string) ([]byte, []string, bool, error) {
	var row ledgerRow
	err := p.db.WithContext(ctx).
		Where("connection_id = ? AND entity_id = ?", connectionID, entityID).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, false, nil
	}
	if err != nil {
		return nil, nil, false, entity.Wrap(entity.ErrLedger, err)
	}
	return row.ContentHash, decodeChildren(row.Children), true, nil
}

func (p *PostgresLedger) RecordSeen(ctx context.Context, connectionID, jobID, entityID string, hash []byte, parentID string, emitSeq uint64) (bool, error) {
	applied := false
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row ledgerRow
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("connection_id = ? AND entity_id = ?", connectionID, entityID).
			First(&row).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			row = ledgerRow{ConnectionID: connectionID, EntityID: entityID}
		case err != nil:
			return err
		default:
			if row.EmitSeq >= emitSeq && row.LastSeenJobID == jobID {
				return nil // stale write discarded
			}
		}

		row.ContentHash = hash
		row.LastSeenJobID = jobID
		row.ParentEntityID = parentID
		row.EmitSeq = emitSeq
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "connection_id"}, {Name: "entity_id"}},
			UpdateAll: true,
		}).Create(&row).Error; err != nil {
			return err
		}
		applied = true

		if parentID != "" {
			return p.addChildTx(tx, connectionID, parentID, entityID)
		}
		return nil
	})
	if err != nil {
		return false, entity.Wrap(entity.ErrLedger, err)
	}
	return applied, nil
}

func (p *PostgresLedger) addChildTx(tx *gorm.DB, connectionID, parentID, childID string) error {
	var parent ledgerRow
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("connection_id = ? AND entity_id = ?", connectionID, parentID).
		First(&parent).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		parent = ledgerRow{ConnectionID: connectionID, EntityID: parentID}
	} else if err != nil {
		return err
	}
	children := addChild(decodeChildren(parent.Children), childID)
	parent.Children = encodeChildren(children)
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "connection_id"}, {Name: "entity_id"}},
		UpdateAll: true,
	}).Create(&parent).Error
}

func (p *PostgresLedger) SetChildren(ctx context.Context, connectionID, entityID string, children []string) error {
	err := p.db.WithContext(ctx).Model(&ledgerRow{}).
		Where("connection_id = ? AND entity_id = ?", connectionID, entityID).
		Update("children", encodeChildren(children)).Error
	if err != nil {
		return entity.Wrap(entity.ErrLedger, err)
	}
	return nil
}

func (p *PostgresLedger) ListDisappeared(ctx context.Context, connectionID, jobID string, fn func(Entry) error) error {
	rows, err := p.db.WithContext(ctx).Model(&ledgerRow{}).
		Where("connection_id = ? AND last_seen_job_id <> ?", connectionID, jobID).
		Order("entity_id").
		Rows()
	if err != nil {
		return entity.Wrap(entity.ErrLedger, err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var row ledgerRow
		if err := p.db.ScanRows(rows, &row); err != nil {
			return entity.Wrap(entity.ErrLedger, err)
		}
		entries = append(entries, Entry{
			ConnectionID:   row.ConnectionID,
			EntityID:       row.EntityID,
			ContentHash:    row.ContentHash,
			LastSeenJobID:  row.LastSeenJobID,
			ParentEntityID: row.ParentEntityID,
			ChildEntityIDs: decodeChildren(row.Children),
			EmitSeq:        row.EmitSeq,
		})
	}
	if err := rows.Err(); err != nil {
		return entity.Wrap(entity.ErrLedger, err)
	}
	for _, e := range entries {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

func (p *PostgresLedger) Remove(ctx context.Context, connectionID, entityID string) error {
	err := p.db.WithContext(ctx).
		Where("connection_id = ? AND entity_id = ?", connectionID, entityID).
		Delete(&ledgerRow{}).Error
	if err != nil {
		return entity.Wrap(entity.ErrLedger, err)
	}
	return nil
}

func decodeChildren(raw []byte) []string {
	if len(raw) == 0 {
		return nil
	}
	var children []string
	if err := json.Unmarshal(raw, &children); err != nil {
		return nil
	}
	return children
}

func encodeChildren(children []string) []byte {
	if len(children) == 0 {
		return nil
	}
	raw, _ := json.Marshal(children)
	return raw
}
