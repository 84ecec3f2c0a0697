package ledger

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// GenesisPrevHash is the sentinel PreviousHash of the genesis record.
const GenesisPrevHash = "0"

// MaxDifficulty bounds the number of leading zero hex digits a seal may
// require. Expected work is 16^difficulty hash attempts.
const MaxDifficulty = 8

// SealedRecord is a single immutable link in the chain.
type SealedRecord struct {
	Index        int             `json:"index"`
	CreatedAt    time.Time       `json:"created_at"`
	Payload      json.RawMessage `json:"payload"`
	PreviousHash string          `json:"previous_hash"`
	Nonce        uint64          `json:"nonce"`
	Difficulty   int             `json:"difficulty"` // target in force at seal time; not hashed
	Hash         string          `json:"hash"`
}

// Clone returns a deep copy of r so callers cannot alias ledger-owned bytes.
func (r SealedRecord) Clone() SealedRecord {
	cp := r
	if r.Payload != nil {
		cp.Payload = append(json.RawMessage(nil), r.Payload...)
	}
	return cp
}

// ComputeHash recomputes the digest of r from its hashed fields.
func (r *SealedRecord) ComputeHash() string {
	return hashFields(r.Index, r.PreviousHash, r.CreatedAt, r.Payload, r.Nonce)
}

// MeetsTarget reports whether hash has at least difficulty leading '0' hex digits.
func MeetsTarget(hash string, difficulty int) bool {
	if difficulty <= 0 {
		return true
	}
	if len(hash) < difficulty {
		return false
	}
	for i := 0; i < difficulty; i++ {
		if hash[i] != '0' {
			return false
		}
	}
	return true
}

// hashFields computes the canonical SHA-256 digest of a record tuple.
func hashFields(index int, prevHash string, createdAt time.Time, payload []byte, nonce uint64) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d|%s|%s|%s|%d",
		index, prevHash, createdAt.UTC().Format(time.RFC3339Nano), payload, nonce,
	)
	return hex.EncodeToString(h.Sum(nil))
}

// sealPrefix precomputes the nonce-independent part of the hashed string.
func sealPrefix(index int, prevHash string, createdAt time.Time, payload []byte) string {
	var b strings.Builder
	b.WriteString(strconv.Itoa(index))
	b.WriteByte('|')
	b.WriteString(prevHash)
	b.WriteByte('|')
	b.WriteString(createdAt.UTC().Format(time.RFC3339Nano))
	b.WriteByte('|')
	b.Write(payload)
	b.WriteByte('|')
	return b.String()
}

// CanonicalPayload serializes payload into the compact JSON form that is hashed.
// Raw JSON inputs are compacted; everything else goes through json.Marshal.
func CanonicalPayload(payload any) (json.RawMessage, error) {
	var raw []byte
	switch p := payload.(type) {
	case json.RawMessage:
		raw = p
	case []byte:
		raw = p
	default:
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		return b, nil
	}

	if !json.Valid(raw) {
		return nil, fmt.Errorf("%w: not valid JSON", ErrInvalidPayload)
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	// Match json.Marshal's HTML escaping so the stored bytes survive being
	// re-encoded as a json.RawMessage field.
	var out bytes.Buffer
	json.HTMLEscape(&out, buf.Bytes())
	return out.Bytes(), nil
}
