package destination

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"weave.evalgo.org/entity"
)

// PGVectorDestination stores points in Postgres with the pgvector
// extension: one table per collection, dense vectors in a vector(dim)
// column, payload as jsonb, keyword search via a generated tsvector over
// the embeddable text. Sparse vectors are not stored natively; the search
// executor fuses keyword and dense rankings client-side.
type PGVectorDestination struct {
	db        *gorm.DB
	log       *logrus.Logger
	batchSize int
}

var namespaceRe = regexp.MustCompile(`[^a-z0-9_]+`)

// NewPGVectorDestination opens a pooled connection.
func NewPGVectorDestination(dsn string, log *logrus.Logger) (*PGVectorDestination, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, entity.Wrap(entity.ErrDestinationFatal, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, entity.Wrap(entity.ErrDestinationFatal, err)
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	return &PGVectorDestination{db: db, log: log, batchSize: 500}, nil
}

func (d *PGVectorDestination) MaxBatchSize() int { return d.batchSize }

func (d *PGVectorDestination) Capabilities() Capabilities {
	return Capabilities{SparseVectors: false, NativeFusion: false}
}

func tableName(namespace string) string {
	return "weave_points_" + namespaceRe.ReplaceAllString(strings.ToLower(namespace), "_")
}

// EnsureCollection creates the extension, the collection table and its
// indexes. CREATE ... IF NOT EXISTS keeps it idempotent under concurrent
// callers.
func (d *PGVectorDestination) EnsureCollection(ctx context.Context, namespace string, vectorDim int, sparse bool) error {
	tbl := tableName(namespace)
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			point_id   uuid PRIMARY KEY,
			embedding  vector(%d),
			payload    jsonb NOT NULL DEFAULT '{}'::jsonb,
			text_query tsvector GENERATED ALWAYS AS (to_tsvector('simple', coalesce(payload->>'embeddable_text',''))) STORED,
			updated_at timestamptz NOT NULL DEFAULT now()
		)`, tbl, vectorDim),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_conn_idx ON %s ((payload->>'sync_connection_id'))`, tbl, tbl),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_payload_idx ON %s USING gin (payload)`, tbl, tbl),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_text_idx ON %s USING gin (text_query)`, tbl, tbl),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_embedding_idx ON %s USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100)`, tbl, tbl),
	}
	for _, stmt := range stmts {
		if err := d.db.WithContext(ctx).Exec(stmt).Error; err != nil {
			return entity.Wrap(entity.ErrDestinationFatal, err)
		}
	}
	return nil
}

func (d *PGVectorDestination) BulkUpsert(ctx context.Context, namespace string, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	tbl := tableName(namespace)
	return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, p := range points {
			payload, err := json.Marshal(p.Payload)
			if err != nil {
				return entity.Wrap(entity.ErrDestinationFatal, err)
			}
			err = tx.Exec(fmt.Sprintf(`
				INSERT INTO %s (point_id, embedding, payload, updated_at)
				VALUES (?, ?, ?, now())
				ON CONFLICT (point_id)
				DO UPDATE SET embedding = EXCLUDED.embedding, payload = EXCLUDED.payload, updated_at = now()
			`, tbl), p.ID, vectorLiteral(p.Vector), string(payload)).Error
			if err != nil {
				return entity.Wrap(entity.ErrDestinationTransient, err)
			}
		}
		return nil
	})
}

func (d *PGVectorDestination) BulkDelete(ctx context.Context, namespace string, pointIDs []string) error {
	if len(pointIDs) == 0 {
		return nil
	}
	tbl := tableName(namespace)
	err := d.db.WithContext(ctx).
		Exec(fmt.Sprintf(`DELETE FROM %s WHERE point_id IN ?`, tbl), pointIDs).Error
	if err != nil {
		return entity.Wrap(entity.ErrDestinationTransient, err)
	}
	return nil
}

func (d *PGVectorDestination) Search(ctx context.Context, namespace string, q Query) ([]Result, error) {
	tbl := tableName(namespace)

	where, args := filterClause(q.Filter)
	limit := q.Limit
	if limit <= 0 {
		limit = 10
	}

	var query string
	switch q.Method {
	case MethodKeyword:
		query = fmt.Sprintf(`
			SELECT point_id, ts_rank(text_query, websearch_to_tsquery('simple', ?)) AS score, payload
			FROM %s WHERE text_query @@ websearch_to_tsquery('simple', ?) %s
			ORDER BY score DESC LIMIT ? OFFSET ?`, tbl, where)
		args = append([]interface{}{q.Text, q.Text}, args...)
	default:
		// Hybrid without native fusion degrades to dense; the executor
		// issues the keyword leg separately and fuses.
		query = fmt.Sprintf(`
			SELECT point_id, 1 - (embedding <=> ?) AS score, payload
			FROM %s WHERE embedding IS NOT NULL %s
			ORDER BY embedding <=> ? LIMIT ? OFFSET ?`, tbl, where)
		lit := vectorLiteral(q.Vector)
		args = append([]interface{}{lit}, args...)
		args = append(args, lit)
	}
	args = append(args, limit+q.Offset, q.Offset)

	rows, err := d.db.WithContext(ctx).Raw(query, args...).Rows()
	if err != nil {
		return nil, entity.Wrap(entity.ErrDestinationTransient, err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var (
			id      string
			score   float32
			payload []byte
		)
		if err := rows.Scan(&id, &score, &payload); err != nil {
			return nil, entity.Wrap(entity.ErrDestinationTransient, err)
		}
		if q.ScoreThreshold > 0 && score < q.ScoreThreshold {
			continue
		}
		var fields map[string]interface{}
		if err := json.Unmarshal(payload, &fields); err != nil {
			d.log.WithField("point_id", id).Warn("undecodable payload in search result")
			fields = map[string]interface{}{}
		}
		results = append(results, Result{PointID: id, Score: score, Payload: fields})
	}
	return results, rows.Err()
}

// filterClause renders payload equality filters as jsonb lookups.
func filterClause(filter map[string]interface{}) (string, []interface{}) {
	var sb strings.Builder
	var args []interface{}
	for k, v := range filter {
		sb.WriteString(" AND payload->>'" + namespaceRe.ReplaceAllString(k, "_") + "' = ?")
		args = append(args, fmt.Sprintf("%v", v))
	}
	return sb.String(), args
}

// vectorLiteral renders a float slice in pgvector's input syntax.
func vectorLiteral(v []float32) string {
	if len(v) == 0 {
		return "[]"
	}
	parts := make([]string, len(v))
	for i, f := range v {
		parts[i] = fmt.Sprintf("%g", f)
	}
	return "[" + strings.Join(parts, ",") + "]"
}
