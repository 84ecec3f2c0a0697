package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// PostgresStore persists records to the chain_records table.
//
// Payloads are stored as TEXT rather than JSONB and timestamps as Unix
// nanoseconds, because both must round-trip byte-exactly for hashes to verify.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore creates a PostgresStore backed by the given connection pool.
func NewPostgresStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, logger: logger}
}

// Save implements Store. The primary key on idx rejects a second writer that
// sealed against the same tail.
func (s *PostgresStore) Save(ctx context.Context, rec SealedRecord) error {
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO chain_records (idx, created_at_ns, payload, prev_hash, nonce, difficulty, hash)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.Index, rec.CreatedAt.UnixNano(), string(rec.Payload),
		rec.PreviousHash, int64(rec.Nonce), rec.Difficulty, rec.Hash,
	); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("record %d already persisted: %w", rec.Index, err)
		}
		return fmt.Errorf("insert chain record %d: %w", rec.Index, err)
	}

	s.logger.Debug("chain record persisted",
		zap.Int("idx", rec.Index),
		zap.String("hash", rec.Hash),
	)
	return nil
}

// Load implements Store. O(n) in chain length.
func (s *PostgresStore) Load(ctx context.Context) ([]SealedRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT idx, created_at_ns, payload, prev_hash, nonce, difficulty, hash
		 FROM chain_records ORDER BY idx ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("query chain records: %w", err)
	}
	defer rows.Close()

	var out []SealedRecord
	for rows.Next() {
		var (
			rec       SealedRecord
			createdNs int64
			payload   string
			nonce     int64
		)
		if err := rows.Scan(
			&rec.Index, &createdNs, &payload,
			&rec.PreviousHash, &nonce, &rec.Difficulty, &rec.Hash,
		); err != nil {
			return nil, fmt.Errorf("scan chain record: %w", err)
		}
		rec.CreatedAt = time.Unix(0, createdNs).UTC()
		rec.Payload = []byte(payload)
		rec.Nonce = uint64(nonce)
		out = append(out, rec)
	}
	return out, rows.Err()
}
