package intake

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when a message lookup finds no matching row.
var ErrNotFound = errors.New("message not found")

// Repository stores message cross-references.
type Repository interface {
	Create(ctx context.Context, m *Message) error
	GetByID(ctx context.Context, id uuid.UUID) (*Message, error)
	ListRecent(ctx context.Context, limit int) ([]*Message, error)
}

// PostgresRepository implements Repository against the messages table.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Create inserts m, assigning ID and CreatedAt.
func (r *PostgresRepository) Create(ctx context.Context, m *Message) error {
	m.ID = uuid.New()
	m.CreatedAt = time.Now().UTC()

	q := `
		INSERT INTO messages (id, sender, content, block_hash, block_index, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	if _, err := r.db.Exec(ctx, q,
		m.ID, m.Sender, m.Content, m.BlockHash, m.BlockIndex, m.Verified, m.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// GetByID retrieves a message by its UUID.
func (r *PostgresRepository) GetByID(ctx context.Context, id uuid.UUID) (*Message, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, sender, content, block_hash, block_index, verified, created_at
		FROM messages WHERE id = $1`, id)

	var m Message
	if err := row.Scan(&m.ID, &m.Sender, &m.Content, &m.BlockHash, &m.BlockIndex, &m.Verified, &m.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get message: %w", err)
	}
	return &m, nil
}

// ListRecent returns up to limit messages, newest block first.
func (r *PostgresRepository) ListRecent(ctx context.Context, limit int) ([]*Message, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, sender, content, block_hash, block_index, verified, created_at
		FROM messages ORDER BY block_index DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Sender, &m.Content, &m.BlockHash, &m.BlockIndex, &m.Verified, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// MemoryRepository is an in-process Repository for tests and single-node use.
type MemoryRepository struct {
	mu   sync.RWMutex
	byID map[uuid.UUID]*Message
}

// NewMemoryRepository creates an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{byID: make(map[uuid.UUID]*Message)}
}

// Create implements Repository.
func (r *MemoryRepository) Create(_ context.Context, m *Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m.ID = uuid.New()
	m.CreatedAt = time.Now().UTC()
	cp := *m
	r.byID[m.ID] = &cp
	return nil
}

// GetByID implements Repository.
func (r *MemoryRepository) GetByID(_ context.Context, id uuid.UUID) (*Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m
	return &cp, nil
}

// ListRecent implements Repository.
func (r *MemoryRepository) ListRecent(_ context.Context, limit int) ([]*Message, error) {
	r.mu.RLock()
	out := make([]*Message, 0, len(r.byID))
	for _, m := range r.byID {
		cp := *m
		out = append(out, &cp)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].BlockIndex > out[j].BlockIndex })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
