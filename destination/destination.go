// Package destination defines the vector-store contract the sync engine
// writes into and the search layer reads from, plus the built-in backends:
// an in-memory store for tests and embedded use, and a Postgres/pgvector
// store for deployments.
//
// All writes are idempotent on the point id, which is a deterministic
// function of (sync connection, entity id); re-running an unchanged sync
// leaves the point set byte-identical.
package destination

import (
	"context"

	"github.com/google/uuid"
)

// pointNamespace seeds the UUIDv5 derivation of point ids.
var pointNamespace = uuid.MustParse("7ee0ae0c-2b8d-45c1-9a65-8b7f3f1d4a10")

// PointID derives the destination id for an entity. Deterministic, so
// repeated upserts of the same entity overwrite rather than duplicate.
func PointID(connectionID, entityID string) string {
	return uuid.NewSHA1(pointNamespace, []byte(connectionID+"/"+entityID)).String()
}

// CollectionNamespace derives the destination namespace for a tenant's
// collection. All connections of a collection write into the same
// namespace, so searches see the merged point set.
func CollectionNamespace(tenantID, collectionID string) string {
	return tenantID + "-" + collectionID
}

// Point is the destination-side record for one entity.
type Point struct {
	ID           string                 `json:"id"`
	Vector       []float32              `json:"vector,omitempty"`
	SparseVector map[uint32]float32     `json:"sparse_vector,omitempty"`
	Payload      map[string]interface{} `json:"payload"`
}

// Payload keys the engine always sets. Destinations index these for
// filtering.
const (
	FieldTenantID       = "tenant_id"
	FieldCollectionID   = "collection_id"
	FieldConnectionID   = "sync_connection_id"
	FieldEntityID       = "entity_id"
	FieldParentEntityID = "parent_entity_id"
	FieldSourceName     = "source_name"
	FieldKind           = "kind"
	FieldEmbeddableText = "embeddable_text"
	FieldContentHash    = "content_hash"
	FieldBreadcrumbs    = "breadcrumbs"
	FieldSyncedAt       = "synced_at"
)

// SearchMethod selects which similarity signals a query uses.
type SearchMethod string

const (
	MethodNeural  SearchMethod = "neural"
	MethodKeyword SearchMethod = "keyword"
	MethodHybrid  SearchMethod = "hybrid"
)

// Query is one search request against a collection namespace.
type Query struct {
	Method SearchMethod

	// Text is the raw query text. Backends without native sparse-vector
	// support rank keyword queries on it.
	Text string

	Vector       []float32
	SparseVector map[uint32]float32

	// Filter is an equality filter over payload fields.
	Filter map[string]interface{}

	Limit          int
	Offset         int
	ScoreThreshold float32
}

// Result is one ranked hit.
type Result struct {
	PointID string                 `json:"point_id"`
	Score   float32                `json:"score"`
	Payload map[string]interface{} `json:"payload"`
}

// Capabilities describes what a backend supports natively. The search
// executor falls back to client-side reciprocal-rank fusion when
// NativeFusion is false.
type Capabilities struct {
	SparseVectors bool
	NativeFusion  bool
}

// Destination is the vector-store contract. Implementations must be safe
// for concurrent use; the orchestrator shares one client across workers.
type Destination interface {
	// EnsureCollection makes the namespace exist with the given dense
	// dimension. Idempotent and safe to call concurrently.
	EnsureCollection(ctx context.Context, namespace string, vectorDim int, sparse bool) error

	// BulkUpsert writes points, overwriting existing ids. Callers keep
	// batches within MaxBatchSize.
	BulkUpsert(ctx context.Context, namespace string, points []Point) error

	// BulkDelete removes points, tolerating ids that are already gone.
	BulkDelete(ctx context.Context, namespace string, pointIDs []string) error

	// Search returns ranked results for one query.
	Search(ctx context.Context, namespace string, q Query) ([]Result, error)

	// MaxBatchSize caps BulkUpsert/BulkDelete batch sizes.
	MaxBatchSize() int

	// Capabilities reports native support for sparse vectors and fusion.
	Capabilities() Capabilities
}
