package ledger

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"weave.evalgo.org/entity"
)

// BoltLedger persists entries in a bbolt file: one nested bucket per sync
// connection, one JSON entry per entity. Suits single-node deployments
// where the engine owns its data directory.
type BoltLedger struct {
	db *bolt.DB
}

var rootBucket = []byte("ledger")

// OpenBolt opens or creates the ledger database at path.
func OpenBolt(path string) (*BoltLedger, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, entity.Wrap(entity.ErrLedger, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(rootBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, entity.Wrap(entity.ErrLedger, err)
	}
	return &BoltLedger{db: db}, nil
}

// Close releases the underlying database file.
func (b *BoltLedger) Close() error { return b.db.Close() }

func connBucket(tx *bolt.Tx, connectionID string, create bool) (*bolt.Bucket, error) {
	root := tx.Bucket(rootBucket)
	if create {
		return root.CreateBucketIfNotExists([]byte(connectionID))
	}
	return root.Bucket([]byte(connectionID)), nil
}

func (b *BoltLedger) LookupHash(ctx context.Context, connectionID, entityID string) ([]byte, []string, bool, error) {
	var (
		hash     []byte
		children []string
		found    bool
	)
	err := b.db.View(func(tx *bolt.Tx) error {
		bkt, _ := connBucket(tx, connectionID, false)
		if bkt == nil {
			return nil
		}
		raw := bkt.Get([]byte(entityID))
		if raw == nil {
			return nil
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			return err
		}
		hash = e.ContentHash
		children = e.ChildEntityIDs
		found = true
		return nil
	})
	if err != nil {
		return nil, nil, false, entity.Wrap(entity.ErrLedger, err)
	}
	return hash, children, found, nil
}

func (b *BoltLedger) RecordSeen(ctx context.Context, connectionID, jobID, entityID string, hash []byte, parentID string, emitSeq uint64) (bool, error) {
	applied := false
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt, err := connBucket(tx, connectionID, true)
		if err != nil {
			return err
		}

		var existing Entry
		if raw := bkt.Get([]byte(entityID)); raw != nil {
			if err := json.Unmarshal(raw, &existing); err != nil {
				return err
			}
			if existing.EmitSeq >= emitSeq && existing.LastSeenJobID == jobID {
				return nil // stale write discarded
			}
		}

		e := Entry{
			ConnectionID:   connectionID,
			EntityID:       entityID,
			ContentHash:    hash,
			LastSeenJobID:  jobID,
			ParentEntityID: parentID,
			ChildEntityIDs: existing.ChildEntityIDs,
			EmitSeq:        emitSeq,
		}
		raw, err := json.Marshal(e)
		if err != nil {
			return err
		}
		if err := bkt.Put([]byte(entityID), raw); err != nil {
			return err
		}
		applied = true

		if parentID != "" {
			var parent Entry
			if praw := bkt.Get([]byte(parentID)); praw != nil {
				if err := json.Unmarshal(praw, &parent); err != nil {
					return err
				}
			} else {
				parent = Entry{ConnectionID: connectionID, EntityID: parentID}
			}
			parent.ChildEntityIDs = addChild(parent.ChildEntityIDs, entityID)
			praw, err := json.Marshal(parent)
			if err != nil {
				return err
			}
			return bkt.Put([]byte(parentID), praw)
		}
		return nil
	})
	if err != nil {
		return false, entity.Wrap(entity.ErrLedger, err)
	}
	return applied, nil
}

func (b *BoltLedger) SetChildren(ctx context.Context, connectionID, entityID string, children []string) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt, err := connBucket(tx, connectionID, true)
		if err != nil {
			return err
		}
		raw := bkt.Get([]byte(entityID))
		if raw == nil {
			return nil
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			return err
		}
		e.ChildEntityIDs = append([]string(nil), children...)
		sort.Strings(e.ChildEntityIDs)
		out, err := json.Marshal(e)
		if err != nil {
			return err
		}
		return bkt.Put([]byte(entityID), out)
	})
	if err != nil {
		return entity.Wrap(entity.ErrLedger, err)
	}
	return nil
}

func (b *BoltLedger) ListDisappeared(ctx context.Context, connectionID, jobID string, fn func(Entry) error) error {
	// Collect under the read transaction, call back outside it so fn may
	// write to the ledger.
	var disappeared []Entry
	err := b.db.View(func(tx *bolt.Tx) error {
		bkt, _ := connBucket(tx, connectionID, false)
		if bkt == nil {
			return nil
		}
		return bkt.ForEach(func(k, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			if e.LastSeenJobID != jobID {
				disappeared = append(disappeared, e)
			}
			return nil
		})
	})
	if err != nil {
		return entity.Wrap(entity.ErrLedger, err)
	}
	for _, e := range disappeared {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

func (b *BoltLedger) Remove(ctx context.Context, connectionID, entityID string) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt, _ := connBucket(tx, connectionID, false)
		if bkt == nil {
			return nil
		}
		return bkt.Delete([]byte(entityID))
	})
	if err != nil {
		return entity.Wrap(entity.ErrLedger, err)
	}
	return nil
}
