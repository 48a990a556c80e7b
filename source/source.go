// Package source defines the connector interface for third-party systems
// and the built-in connectors (in-memory fixtures, S3-compatible object
// stores, Postgres tables, Gitea repositories).
//
// A connector produces a lazy, finite stream of entities through an emit
// callback. The engine exerts backpressure by blocking the callback; the
// connector must stop promptly when the context is cancelled and may return
// a partial cursor for resumption.
package source

import (
	"context"
	"time"

	"weave.evalgo.org/entity"
)

// Emit delivers one entity to the engine. It may block while downstream
// workers are busy; the error is non-nil only when the engine is shutting
// down, in which case the connector should return immediately.
type Emit func(ctx context.Context, e entity.Entity) error

// Config is the connection-level configuration handed to a connector
// factory. Settings are connector-specific and validated by the connector.
type Config struct {
	// Name is the user-facing name of the connection, stamped into
	// entity metadata.
	Name string

	// Settings holds connector-specific keys (bucket, table, repo, ...).
	Settings map[string]interface{}

	// CursorField names the column or attribute used for incremental
	// pulls on sources that support it.
	CursorField string

	// BatchSize caps how many records a connector fetches per page.
	BatchSize int
}

// Auth carries the decrypted credential material for one connection. Which
// fields matter depends on the connector.
type Auth struct {
	URL       string
	Token     string
	AccessKey string
	SecretKey string
	Region    string
}

// Source is the connector contract. Implementations live in this package or
// are registered by embedding applications at startup.
type Source interface {
	// Name returns the connector short name ("s3", "gitea", ...).
	Name() string

	// Kinds declares the entity kinds this connector emits, including
	// which payload fields are content-relevant for hashing.
	Kinds() []entity.KindSpec

	// SupportsContinuous reports whether the connector tolerates
	// minute-level schedules. The scheduler enforces a minimum interval
	// for connectors that do not.
	SupportsContinuous() bool

	// Validate smoke-tests the credential and configuration without
	// producing entities.
	Validate(ctx context.Context) error

	// Produce emits entities until the source is exhausted for this
	// invocation and returns the new cursor. cursor is opaque to the
	// engine; "" means a full sync. Parents must be emitted before their
	// children. On context cancellation Produce returns promptly,
	// optionally with a partial cursor.
	Produce(ctx context.Context, cursor string, emit Emit) (string, error)
}

// stamp fills the shared breadcrumb/metadata shape for a freshly produced
// entity.
func stamp(e *entity.Entity, sourceName string) {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{}, 2)
	}
	e.Metadata["source_name"] = sourceName
	e.Metadata["produced_at"] = time.Now().UTC().Format(time.RFC3339)
}
