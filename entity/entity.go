// Package entity defines the canonical representation of ingested records
// and the content-hash contract used for incremental sync.
//
// An Entity is the unit of ingestion: it carries the source-native payload,
// the textual projection used for vectorization, and the provenance trail
// (breadcrumbs) from the source root down to the record. Entities are passed
// by value through the routing pipeline; only the destination layer persists
// them.
package entity

import (
	"fmt"
	"time"
)

// Breadcrumb is one step of the ancestry path of an entity, from the source
// root down to the entity itself.
type Breadcrumb struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Kind string `json:"kind"`
}

// Entity is the unit of ingestion. EntityID is the source-native identifier
// and is stable across syncs; (connection, entity id) is globally unique per
// sync target.
type Entity struct {
	EntityID       string                 `json:"entity_id"`
	ParentEntityID string                 `json:"parent_entity_id,omitempty"`
	Kind           string                 `json:"kind"`
	Payload        map[string]interface{} `json:"payload"`
	EmbeddableText string                 `json:"embeddable_text,omitempty"`
	Vector         []float32              `json:"vector,omitempty"`
	SparseVector   map[uint32]float32     `json:"sparse_vector,omitempty"`
	ContentHash    []byte                 `json:"content_hash,omitempty"`
	Breadcrumbs    []Breadcrumb           `json:"breadcrumbs,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// Clone returns a deep copy. The router hands copies to fan-out branches so
// transformers can mutate their input freely.
func (e Entity) Clone() Entity {
	c := e
	c.Payload = cloneMap(e.Payload)
	c.Metadata = cloneMap(e.Metadata)
	if e.Vector != nil {
		c.Vector = append([]float32(nil), e.Vector...)
	}
	if e.SparseVector != nil {
		c.SparseVector = make(map[uint32]float32, len(e.SparseVector))
		for k, v := range e.SparseVector {
			c.SparseVector[k] = v
		}
	}
	if e.ContentHash != nil {
		c.ContentHash = append([]byte(nil), e.ContentHash...)
	}
	if e.Breadcrumbs != nil {
		c.Breadcrumbs = append([]Breadcrumb(nil), e.Breadcrumbs...)
	}
	return c
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		switch vv := v.(type) {
		case map[string]interface{}:
			out[k] = cloneMap(vv)
		case []interface{}:
			s := make([]interface{}, len(vv))
			for i, el := range vv {
				if em, ok := el.(map[string]interface{}); ok {
					s[i] = cloneMap(em)
				} else {
					s[i] = el
				}
			}
			out[k] = s
		default:
			out[k] = v
		}
	}
	return out
}

// SetSystemMetadata stamps the fields the engine adds to every entity before
// it reaches a destination.
func (e *Entity) SetSystemMetadata(sourceName, connectionID, jobID string, at time.Time) {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{}, 4)
	}
	e.Metadata["source_name"] = sourceName
	e.Metadata["sync_connection_id"] = connectionID
	e.Metadata["sync_job_id"] = jobID
	e.Metadata["synced_at"] = at.UTC().Format(time.RFC3339)
}

// ChildID builds the deterministic identifier for a derived entity, e.g. the
// i-th chunk of a file.
func ChildID(parentID string, index int) string {
	return fmt.Sprintf("%s#chunk-%d", parentID, index)
}

// Well-known entity kinds produced by the built-in connectors and
// transformers. Connectors may register additional kinds.
const (
	KindFile    = "file"
	KindChunk   = "chunk"
	KindTabular = "tabular.row"
)
