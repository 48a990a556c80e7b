package source

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"weave.evalgo.org/entity"
)

// PostgresSource syncs rows of one table as generic tabular entities. Rows
// are not mapped to generated types; each entity carries the schema
// descriptor (table, primary key) plus the raw row, which keeps SQL sources
// free of runtime type creation.
//
// Settings: "table" (required), "primary_key" (default "id"),
// "text_columns" (columns concatenated into embeddable text). CursorField,
// when set, enables incremental pulls via `WHERE cursor_field > $cursor`.
type PostgresSource struct {
	db          *gorm.DB
	log         *logrus.Logger
	name        string
	table       string
	primaryKey  string
	textColumns []string
	cursorField string
	batch       int
}

// NewPostgresSource opens a pooled connection to the configured database.
func NewPostgresSource(cfg Config, auth Auth, log *logrus.Logger) (*PostgresSource, error) {
	table, _ := cfg.Settings["table"].(string)
	if table == "" {
		return nil, fmt.Errorf("%w: postgres source requires settings.table", entity.ErrInvalidConfig)
	}
	if strings.ContainsAny(table, `"';`) {
		return nil, fmt.Errorf("%w: invalid table name %q", entity.ErrInvalidConfig, table)
	}
	pk, _ := cfg.Settings["primary_key"].(string)
	if pk == "" {
		pk = "id"
	}

	var textCols []string
	if raw, ok := cfg.Settings["text_columns"].([]interface{}); ok {
		for _, c := range raw {
			if s, ok := c.(string); ok {
				textCols = append(textCols, s)
			}
		}
	}

	db, err := gorm.Open(postgres.Open(auth.URL), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, entity.Wrap(entity.ErrSourceAuth, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, entity.Wrap(entity.ErrSourceFatal, err)
	}
	sqlDB.SetMaxIdleConns(2)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 1000
	}

	return &PostgresSource{
		db:          db,
		log:         log,
		name:        cfg.Name,
		table:       table,
		primaryKey:  pk,
		textColumns: textCols,
		cursorField: cfg.CursorField,
		batch:       batch,
	}, nil
}

func (p *PostgresSource) Name() string             { return "postgres" }
func (p *PostgresSource) SupportsContinuous() bool { return true }

func (p *PostgresSource) Kinds() []entity.KindSpec {
	// The row itself is the content; the schema descriptor fields are
	// stable and harmless to include.
	return []entity.KindSpec{{Name: entity.KindTabular}}
}

// Validate runs a cheap existence probe against the table.
func (p *PostgresSource) Validate(ctx context.Context) error {
	var one int
	err := p.db.WithContext(ctx).Raw(fmt.Sprintf(`SELECT 1 FROM %q LIMIT 1`, p.table)).Scan(&one).Error
	if err != nil {
		return entity.Wrap(entity.ErrSourceAuth, err)
	}
	return nil
}

// Produce streams the table in primary-key order, batch by batch. With a
// cursor field configured the cursor is the highest value seen; without one
// every run is a full scan and disappearance detection handles deletes.
func (p *PostgresSource) Produce(ctx context.Context, cursor string, emit Emit) (string, error) {
	lastPK := ""
	maxCursor := cursor

	for {
		select {
		case <-ctx.Done():
			return maxCursor, ctx.Err()
		default:
		}

		rows, err := p.fetchBatch(ctx, lastPK, cursor)
		if err != nil {
			return maxCursor, entity.Wrap(entity.ErrSourceTransient, err)
		}
		if len(rows) == 0 {
			return maxCursor, nil
		}

		for _, row := range rows {
			e, ok := p.rowEntity(row)
			if !ok {
				p.log.WithField("table", p.table).Warn("row without primary key skipped")
				continue
			}
			if err := emit(ctx, e); err != nil {
				return maxCursor, err
			}
			lastPK = fmt.Sprintf("%v", row[p.primaryKey])
			if p.cursorField != "" {
				if cv := fmt.Sprintf("%v", row[p.cursorField]); cv > maxCursor {
					maxCursor = cv
				}
			}
		}
		if len(rows) < p.batch {
			return maxCursor, nil
		}
	}
}

func (p *PostgresSource) fetchBatch(ctx context.Context, afterPK, cursor string) ([]map[string]interface{}, error) {
	q := p.db.WithContext(ctx).Table(p.table).Order(p.primaryKey).Limit(p.batch)
	if afterPK != "" {
		q = q.Where(fmt.Sprintf("%q::text > ?", p.primaryKey), afterPK)
	}
	if cursor != "" && p.cursorField != "" {
		q = q.Where(fmt.Sprintf("%q::text > ?", p.cursorField), cursor)
	}
	var rows []map[string]interface{}
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (p *PostgresSource) rowEntity(row map[string]interface{}) (entity.Entity, bool) {
	pkVal, ok := row[p.primaryKey]
	if !ok || pkVal == nil {
		return entity.Entity{}, false
	}
	id := fmt.Sprintf("%s:%v", p.table, pkVal)

	text := p.embeddableText(row)
	e := entity.Entity{
		EntityID: id,
		Kind:     entity.KindTabular,
		Payload: map[string]interface{}{
			"table":       p.table,
			"primary_key": p.primaryKey,
			"row":         row,
		},
		EmbeddableText: text,
		Breadcrumbs: []entity.Breadcrumb{
			{ID: p.table, Name: p.table, Kind: "table"},
			{ID: id, Name: fmt.Sprintf("%v", pkVal), Kind: "row"},
		},
	}
	stamp(&e, p.name)
	return e, true
}

func (p *PostgresSource) embeddableText(row map[string]interface{}) string {
	cols := p.textColumns
	if len(cols) == 0 {
		cols = make([]string, 0, len(row))
		for k, v := range row {
			if _, isString := v.(string); isString && k != p.primaryKey {
				cols = append(cols, k)
			}
		}
		sort.Strings(cols)
	}
	parts := make([]string, 0, len(cols))
	for _, c := range cols {
		if v, ok := row[c]; ok && v != nil {
			parts = append(parts, fmt.Sprintf("%v", v))
		}
	}
	return strings.Join(parts, "\n")
}
