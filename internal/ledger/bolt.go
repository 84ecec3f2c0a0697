package ledger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"go.etcd.io/bbolt"
)

var bucketRecords = []byte("records")

// BoltStore persists records in a single bbolt file, keyed by big-endian index.
type BoltStore struct {
	db *bbolt.DB
}

// OpenBoltStore opens (or creates) the bbolt database at path.
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open bolt store %s: %w", path, err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRecords)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("create records bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// DB exposes the underlying database so other buckets can share the file.
func (s *BoltStore) DB() *bbolt.DB { return s.db }

// Close releases the database file lock.
func (s *BoltStore) Close() error { return s.db.Close() }

// Save implements Store. Writing an index that already exists is an error.
func (s *BoltStore) Save(_ context.Context, rec SealedRecord) error {
	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record %d: %w", rec.Index, err)
	}
	key := indexKey(rec.Index)
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketRecords)
		if b.Get(key) != nil {
			return fmt.Errorf("record %d already persisted", rec.Index)
		}
		return b.Put(key, value)
	})
}

// Load implements Store.
func (s *BoltStore) Load(_ context.Context) ([]SealedRecord, error) {
	var out []SealedRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketRecords)
		if b == nil {
			return errors.New("records bucket not found")
		}
		return b.ForEach(func(k, v []byte) error {
			var rec SealedRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode record %d: %w", binary.BigEndian.Uint64(k), err)
			}
			out = append(out, rec)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("load bolt records: %w", err)
	}
	return out, nil
}

func indexKey(index int) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(index))
	return key
}
