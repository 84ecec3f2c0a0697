// Package ledger implements the append-only, proof-of-work sealed record chain
// that orders chat messages.
//
// The chain begins with a genesis record at index 0 whose PreviousHash is
// GenesisPrevHash ("0"). Every later record stores the hash of its
// predecessor and a nonce such that its own hash carries at least Difficulty
// leading zero hex digits. The genesis record is hashed but not sealed.
//
// Hashes are SHA-256 over the pipe-joined tuple
//
//	index|previousHash|createdAt(RFC3339Nano, UTC)|payload(compact JSON)|nonce
//
// so any implementation that reproduces that string can verify the chain.
//
// Persistence is pluggable through Store:
//   - MemoryStore: no durability, for tests and throwaway nodes.
//   - BoltStore: embedded single-file store for single-node deployments.
//   - PostgresStore: durable, shared with the message cross-reference tables.
package ledger
