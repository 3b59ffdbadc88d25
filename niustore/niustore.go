// Package niustore persists the subset of a niu.FilterDB flagged
// Persistent across process restarts, the way pkg/storage kept active DTCs
// across restarts of the original agent.
package niustore

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/serebryakov7/isobuscore/niu"
)

const (
	dbPath    = "niu_filters.db"
	bucketKey = "persistent_filters"
)

// Record is the serializable projection of a niu.FilterEntry. Predicate
// closures cannot be serialized, so a Record stores the PGN a
// niu.BlockPGN-style predicate was built from instead; entries built from a
// custom predicate are simply not round-trippable and are skipped by Save.
type Record struct {
	PGN         uint32
	Verdict     niu.Verdict
	Direction   niu.Direction
	RateLimitMS int64
}

// OpenDB opens (or creates) the bbolt database and its bucket.
func OpenDB(path string) (*bolt.DB, error) {
	if path == "" {
		path = dbPath
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketKey))
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Save writes every Persistent FilterEntry built from niu.BlockPGN
// (identified by byPGN) to the store, replacing whatever was saved before.
func Save(db *bolt.DB, entries []niu.FilterEntry, byPGN map[int]uint32) error {
	return db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket([]byte(bucketKey)); err != nil {
			return err
		}
		b, err := tx.CreateBucket([]byte(bucketKey))
		if err != nil {
			return err
		}
		for idx, e := range entries {
			if !e.Persistent {
				continue
			}
			pgn, ok := byPGN[idx]
			if !ok {
				continue
			}
			rec := Record{PGN: pgn, Verdict: e.Verdict, Direction: e.Direction, RateLimitMS: int64(e.RateLimit / time.Millisecond)}
			data, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			key := []byte(fmt.Sprintf("%d", idx))
			if err := b.Put(key, data); err != nil {
				return err
			}
		}
		return nil
	})
}

// Load returns every persisted Record, ready to be re-applied to a fresh
// niu.FilterDB via niu.BlockPGN/Allow predicates built from rec.PGN.
func Load(db *bolt.DB) ([]Record, error) {
	var out []Record
	err := db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketKey))
		return b.ForEach(func(k, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}

// Clear removes every persisted filter record.
func Clear(db *bolt.DB) error {
	return db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket([]byte(bucketKey)); err != nil {
			return err
		}
		_, err := tx.CreateBucket([]byte(bucketKey))
		return err
	})
}
