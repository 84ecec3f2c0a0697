package ledger

import (
	"fmt"
	"time"
)

// ViolationKind classifies a broken chain invariant.
type ViolationKind string

const (
	ViolationBadGenesis       ViolationKind = "bad_genesis"
	ViolationIndexGap         ViolationKind = "index_gap"
	ViolationHashMismatch     ViolationKind = "hash_mismatch"
	ViolationBrokenLink       ViolationKind = "broken_link"
	ViolationInsufficientWork ViolationKind = "insufficient_work"
)

// Violation is one broken invariant at one record.
type Violation struct {
	Index  int           `json:"index"`
	Kind   ViolationKind `json:"kind"`
	Detail string        `json:"detail"`
}

// Report is the outcome of a full chain walk.
type Report struct {
	Length     int         `json:"length"`
	Valid      bool        `json:"valid"`
	Violations []Violation `json:"violations"`
	CheckedAt  time.Time   `json:"checked_at"`
}

// Err returns nil for a valid report, otherwise an error wrapping
// ErrChainCorrupted that names the first violation.
func (r Report) Err() error {
	if r.Valid {
		return nil
	}
	first := r.Violations[0]
	return fmt.Errorf("%w: %d violation(s), first at index %d: %s",
		ErrChainCorrupted, len(r.Violations), first.Index, first.Kind)
}

// ViolatedIndices returns the distinct record indices named in the report,
// in the order they were found.
func (r Report) ViolatedIndices() []int {
	seen := make(map[int]bool, len(r.Violations))
	var out []int
	for _, v := range r.Violations {
		if !seen[v.Index] {
			seen[v.Index] = true
			out = append(out, v.Index)
		}
	}
	return out
}

// ValidateChain checks every invariant on records and collects all
// violations rather than stopping at the first. It never modifies records.
//
// Position i is used as the expected index, so a record whose stored Index
// disagrees with its position is reported as an index gap.
//
// Difficulty is not covered by the hash, so a rewritten record can declare any
// value. minDifficulty is the lowest difficulty the caller accepts for a
// non-genesis record; a record declaring less is reported as insufficient work.
func ValidateChain(records []SealedRecord, minDifficulty int) Report {
	rep := Report{
		Length:     len(records),
		Violations: []Violation{},
		CheckedAt:  time.Now().UTC(),
	}
	add := func(i int, kind ViolationKind, format string, args ...any) {
		rep.Violations = append(rep.Violations, Violation{
			Index:  i,
			Kind:   kind,
			Detail: fmt.Sprintf(format, args...),
		})
	}

	for i := range records {
		curr := &records[i]

		if curr.Index != i {
			add(i, ViolationIndexGap, "stored index %d at position %d", curr.Index, i)
		}
		if got := curr.ComputeHash(); got != curr.Hash {
			add(i, ViolationHashMismatch, "stored %s, computed %s", curr.Hash, got)
		}

		if i == 0 {
			if curr.PreviousHash != GenesisPrevHash {
				add(i, ViolationBadGenesis, "genesis previous hash %q, want %q", curr.PreviousHash, GenesisPrevHash)
			}
			continue
		}

		if prev := &records[i-1]; curr.PreviousHash != prev.Hash {
			add(i, ViolationBrokenLink, "previous hash %s does not match record %d hash %s", curr.PreviousHash, i-1, prev.Hash)
		}
		switch {
		case curr.Difficulty < minDifficulty:
			add(i, ViolationInsufficientWork, "declared difficulty %d below floor %d", curr.Difficulty, minDifficulty)
		case curr.Difficulty < 0 || curr.Difficulty > MaxDifficulty || !MeetsTarget(curr.Hash, curr.Difficulty):
			add(i, ViolationInsufficientWork, "hash %s does not meet difficulty %d", curr.Hash, curr.Difficulty)
		}
	}

	rep.Valid = len(rep.Violations) == 0
	return rep
}
