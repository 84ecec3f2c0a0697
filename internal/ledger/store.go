package ledger

import "context"

// Store persists sealed records. The Ledger calls Save inside its append
// critical section, after sealing and before the record becomes visible, so
// a failed Save leaves the chain untouched.
type Store interface {
	// Save durably writes a record. Records arrive in index order.
	Save(ctx context.Context, rec SealedRecord) error

	// Load returns every persisted record ordered by index.
	Load(ctx context.Context) ([]SealedRecord, error)
}

// MemoryStore is a Store that keeps nothing. The Ledger already holds the
// chain in memory, so this is the choice for tests and ephemeral nodes.
type MemoryStore struct{}

// NewMemoryStore returns a MemoryStore.
func NewMemoryStore() MemoryStore { return MemoryStore{} }

// Save implements Store.
func (MemoryStore) Save(context.Context, SealedRecord) error { return nil }

// Load implements Store.
func (MemoryStore) Load(context.Context) ([]SealedRecord, error) { return nil, nil }
