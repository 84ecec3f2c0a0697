package ledger

import "errors"

var (
	// ErrAlreadyInitialized is returned by Initialize or Restore on a ledger
	// that already holds a genesis record.
	ErrAlreadyInitialized = errors.New("ledger already initialized")

	// ErrEmptyLedger is returned when an operation needs a genesis record that
	// does not exist yet.
	ErrEmptyLedger = errors.New("ledger is empty")

	// ErrInvalidPayload is returned when a payload cannot be serialized.
	ErrInvalidPayload = errors.New("invalid payload")

	// ErrChainCorrupted is returned when validation finds broken invariants.
	ErrChainCorrupted = errors.New("chain corrupted")

	// ErrSealAborted is returned when the proof-of-work search is cancelled or
	// exhausts its iteration budget.
	ErrSealAborted = errors.New("seal aborted")

	// ErrInvalidDifficulty is returned for a difficulty outside [0, MaxDifficulty].
	ErrInvalidDifficulty = errors.New("invalid difficulty")

	// ErrAppendContention is returned in optimistic mode when the tail kept
	// moving for every retry.
	ErrAppendContention = errors.New("append contention: tail advanced on every attempt")

	// ErrNotFound is returned when a record index is out of range.
	ErrNotFound = errors.New("record not found")
)
