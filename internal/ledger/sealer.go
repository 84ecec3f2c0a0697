package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// cancelCheckInterval is how many nonces are tried between context checks.
const cancelCheckInterval = 1 << 12

// Candidate is a record waiting for a nonce.
type Candidate struct {
	Index        int
	PreviousHash string
	CreatedAt    time.Time
	Payload      json.RawMessage
}

// SealStats describes the work spent on one seal.
type SealStats struct {
	Attempts uint64
	Duration time.Duration
}

// Miner produces a sealed record for a candidate at a given difficulty.
// Both Sealer and SealPool implement it.
type Miner interface {
	Seal(ctx context.Context, c Candidate, difficulty int) (SealedRecord, SealStats, error)
}

// Sealer runs the proof-of-work search inline on the calling goroutine.
type Sealer struct {
	maxIterations uint64
	logger        *zap.Logger
}

// NewSealer creates a Sealer. maxIterations bounds the number of nonces tried
// per seal; 0 means the search is bounded only by the caller's context.
func NewSealer(maxIterations uint64, logger *zap.Logger) *Sealer {
	return &Sealer{maxIterations: maxIterations, logger: logger}
}

// Seal implements Miner. Nonces are tried from 0 upward until the digest has
// at least difficulty leading zero hex digits. With difficulty 0 the first
// attempt always succeeds.
func (s *Sealer) Seal(ctx context.Context, c Candidate, difficulty int) (SealedRecord, SealStats, error) {
	if difficulty < 0 || difficulty > MaxDifficulty {
		return SealedRecord{}, SealStats{}, fmt.Errorf("%w: %d (max %d)", ErrInvalidDifficulty, difficulty, MaxDifficulty)
	}

	start := time.Now()
	prefix := []byte(sealPrefix(c.Index, c.PreviousHash, c.CreatedAt, c.Payload))
	buf := make([]byte, len(prefix), len(prefix)+20)
	copy(buf, prefix)

	var nonce uint64
	for {
		if nonce%cancelCheckInterval == 0 && nonce > 0 {
			if err := ctx.Err(); err != nil {
				return SealedRecord{}, SealStats{Attempts: nonce, Duration: time.Since(start)},
					fmt.Errorf("%w after %d attempts: %v", ErrSealAborted, nonce, err)
			}
		}
		if s.maxIterations > 0 && nonce >= s.maxIterations {
			return SealedRecord{}, SealStats{Attempts: nonce, Duration: time.Since(start)},
				fmt.Errorf("%w: iteration budget of %d exhausted", ErrSealAborted, s.maxIterations)
		}

		sum := sha256.Sum256(strconv.AppendUint(buf, nonce, 10))
		if leadingZeroNibbles(sum[:], difficulty) {
			rec := SealedRecord{
				Index:        c.Index,
				CreatedAt:    c.CreatedAt,
				Payload:      c.Payload,
				PreviousHash: c.PreviousHash,
				Nonce:        nonce,
				Difficulty:   difficulty,
				Hash:         hex.EncodeToString(sum[:]),
			}
			stats := SealStats{Attempts: nonce + 1, Duration: time.Since(start)}
			s.logger.Debug("record sealed",
				zap.Int("index", rec.Index),
				zap.Uint64("nonce", nonce),
				zap.Int("difficulty", difficulty),
				zap.Duration("took", stats.Duration),
			)
			return rec, stats, nil
		}
		nonce++
	}
}

// leadingZeroNibbles reports whether the first n hex digits of sum are zero.
func leadingZeroNibbles(sum []byte, n int) bool {
	full := n / 2
	for i := 0; i < full; i++ {
		if sum[i] != 0 {
			return false
		}
	}
	if n%2 == 1 {
		return sum[full]>>4 == 0
	}
	return true
}
