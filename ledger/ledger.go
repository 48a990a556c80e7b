// Package ledger tracks, per sync connection, which entities are present in
// the destination, their content hashes, and parent→children relations. It
// is the authority for the incremental-sync decision (insert, update, keep,
// delete) and for finding entities that disappeared from the source.
//
// Backends: in-memory (tests), bbolt (embedded single node), Postgres
// (shared deployments). Within one job, writes are immediately visible to
// reads from the same process; cross-process visibility inside a job is not
// required.
package ledger

import (
	"context"
	"sort"
	"sync"
)

// Entry is the durable record for one persisted entity.
type Entry struct {
	ConnectionID   string   `json:"connection_id"`
	EntityID       string   `json:"entity_id"`
	ContentHash    []byte   `json:"content_hash"`
	LastSeenJobID  string   `json:"last_seen_job_id"`
	ParentEntityID string   `json:"parent_entity_id,omitempty"`
	ChildEntityIDs []string `json:"child_entity_ids,omitempty"`
	EmitSeq        uint64   `json:"emit_seq"`
}

// Ledger is the incremental-sync store. Implementations serialize writes
// per (connection, entity) key.
type Ledger interface {
	// LookupHash returns the stored hash and known children for an
	// entity; ok is false on a miss.
	LookupHash(ctx context.Context, connectionID, entityID string) (hash []byte, children []string, ok bool, err error)

	// RecordSeen witnesses an entity for jobID. Idempotent; monotone on
	// emitSeq: a write with emitSeq lower than the stored one is
	// discarded and applied is false. A non-empty parentID also adds the
	// entity to the parent's child set.
	RecordSeen(ctx context.Context, connectionID, jobID, entityID string, hash []byte, parentID string, emitSeq uint64) (applied bool, err error)

	// SetChildren replaces the tracked child set of a parent entity.
	SetChildren(ctx context.Context, connectionID, entityID string, children []string) error

	// ListDisappeared streams entries whose LastSeenJobID differs from
	// jobID, i.e. entities the source no longer emits.
	ListDisappeared(ctx context.Context, connectionID, jobID string, fn func(Entry) error) error

	// Remove deletes the entry. Missing entries are not an error.
	Remove(ctx context.Context, connectionID, entityID string) error
}

// MemoryLedger is the in-process reference implementation.
type MemoryLedger struct {
	mu      sync.RWMutex
	entries map[string]map[string]*Entry // connection -> entity -> entry
}

// NewMemoryLedger returns an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{entries: make(map[string]map[string]*Entry)}
}

func (m *MemoryLedger) LookupHash(ctx context.Context, connectionID, entityID string) ([]byte, []string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[connectionID][entityID]
	if !ok {
		return nil, nil, false, nil
	}
	return append([]byte(nil), e.ContentHash...), append([]string(nil), e.ChildEntityIDs...), true, nil
}

func (m *MemoryLedger) RecordSeen(ctx context.Context, connectionID, jobID, entityID string, hash []byte, parentID string, emitSeq uint64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn := m.entries[connectionID]
	if conn == nil {
		conn = make(map[string]*Entry)
		m.entries[connectionID] = conn
	}

	if existing, ok := conn[entityID]; ok && existing.EmitSeq >= emitSeq && existing.LastSeenJobID == jobID {
		return false, nil
	}

	conn[entityID] = &Entry{
		ConnectionID:   connectionID,
		EntityID:       entityID,
		ContentHash:    append([]byte(nil), hash...),
		LastSeenJobID:  jobID,
		ParentEntityID: parentID,
		ChildEntityIDs: childSet(conn[entityID]),
		EmitSeq:        emitSeq,
	}

	if parentID != "" {
		parent := conn[parentID]
		if parent == nil {
			parent = &Entry{ConnectionID: connectionID, EntityID: parentID}
			conn[parentID] = parent
		}
		parent.ChildEntityIDs = addChild(parent.ChildEntityIDs, entityID)
	}
	return true, nil
}

func childSet(e *Entry) []string {
	if e == nil {
		return nil
	}
	return e.ChildEntityIDs
}

func addChild(children []string, id string) []string {
	for _, c := range children {
		if c == id {
			return children
		}
	}
	children = append(children, id)
	sort.Strings(children)
	return children
}

func (m *MemoryLedger) SetChildren(ctx context.Context, connectionID, entityID string, children []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[connectionID][entityID]; ok {
		e.ChildEntityIDs = append([]string(nil), children...)
	}
	return nil
}

func (m *MemoryLedger) ListDisappeared(ctx context.Context, connectionID, jobID string, fn func(Entry) error) error {
	m.mu.RLock()
	var disappeared []Entry
	for _, e := range m.entries[connectionID] {
		if e.LastSeenJobID != jobID {
			disappeared = append(disappeared, *e)
		}
	}
	m.mu.RUnlock()

	sort.Slice(disappeared, func(i, j int) bool { return disappeared[i].EntityID < disappeared[j].EntityID })
	for _, e := range disappeared {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryLedger) Remove(ctx context.Context, connectionID, entityID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries[connectionID], entityID)
	return nil
}
