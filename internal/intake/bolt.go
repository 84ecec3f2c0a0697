package intake

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

var (
	bucketMessages = []byte("messages")
	// bucketMessagesByIndex maps big-endian block index + message id to nil,
	// so a reverse cursor walk yields newest messages first.
	bucketMessagesByIndex = []byte("messages_by_index")
)

// BoltRepository implements Repository in a bbolt file, normally the same
// one that holds the chain records.
type BoltRepository struct {
	db *bbolt.DB
}

// NewBoltRepository creates the message buckets in db if needed.
func NewBoltRepository(db *bbolt.DB) (*BoltRepository, error) {
	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketMessages, bucketMessagesByIndex} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("create message buckets: %w", err)
	}
	return &BoltRepository{db: db}, nil
}

// Create implements Repository.
func (r *BoltRepository) Create(_ context.Context, m *Message) error {
	m.ID = uuid.New()
	m.CreatedAt = time.Now().UTC()
	value, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return r.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketMessages).Put(m.ID[:], value); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		return tx.Bucket(bucketMessagesByIndex).Put(indexKey(m.BlockIndex, m.ID), nil)
	})
}

// GetByID implements Repository.
func (r *BoltRepository) GetByID(_ context.Context, id uuid.UUID) (*Message, error) {
	var m *Message
	err := r.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketMessages).Get(id[:])
		if v == nil {
			return ErrNotFound
		}
		var err error
		m, err = decodeMessage(v)
		return err
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// ListRecent implements Repository.
func (r *BoltRepository) ListRecent(_ context.Context, limit int) ([]*Message, error) {
	var out []*Message
	err := r.db.View(func(tx *bbolt.Tx) error {
		byID := tx.Bucket(bucketMessages)
		c := tx.Bucket(bucketMessagesByIndex).Cursor()
		for k, _ := c.Last(); k != nil && (limit <= 0 || len(out) < limit); k, _ = c.Prev() {
			v := byID.Get(k[8:])
			if v == nil {
				continue
			}
			m, err := decodeMessage(v)
			if err != nil {
				return err
			}
			out = append(out, m)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return out, nil
}

func decodeMessage(v []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(v, &m); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return &m, nil
}

func indexKey(blockIndex int, id uuid.UUID) []byte {
	key := make([]byte, 8+len(id))
	binary.BigEndian.PutUint64(key, uint64(blockIndex))
	copy(key[8:], id[:])
	return key
}
