// Package dtcstore persists a diagnostic.Protocol's previous-DTC list
// (DM2) to a bbolt database across restarts, mirroring how pkg/storage kept
// the original agent's active-DTC set durable.
package dtcstore

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/serebryakov7/isobuscore/diagnostic"
)

const (
	dbPath    = "previous_dtcs.db"
	bucketKey = "previous_dtcs"
)

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

func key(spn uint32, fmi diagnostic.FMI) []byte {
	return []byte(fmt.Sprintf("%d:%d", spn, fmi))
}

// Save replaces the stored previous-DTC set with dtcs.
func Save(db *bolt.DB, dtcs []diagnostic.DTC) error {
	return db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket([]byte(bucketKey)); err != nil {
			return err
		}
		b, err := tx.CreateBucket([]byte(bucketKey))
		if err != nil {
			return err
		}
		for _, d := range dtcs {
			data, err := json.Marshal(d)
			if err != nil {
				return err
			}
			if err := b.Put(key(d.SPN, d.FMI), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// Load returns every stored previous DTC.
func Load(db *bolt.DB) ([]diagnostic.DTC, error) {
	var out []diagnostic.DTC
	err := db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketKey))
		return b.ForEach(func(k, v []byte) error {
			var d diagnostic.DTC
			if err := json.Unmarshal(v, &d); err != nil {
				return err
			}
			out = append(out, d)
			return nil
		})
	})
	return out, err
}

// Clear empties the previous-DTC store (DM11).
func Clear(db *bolt.DB) error {
	return db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket([]byte(bucketKey)); err != nil {
			return err
		}
		_, err := tx.CreateBucket([]byte(bucketKey))
		return err
	})
}
