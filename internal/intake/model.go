package intake

import (
	"time"

	"github.com/google/uuid"
)

// MaxContentLength bounds a single chat message in bytes.
const MaxContentLength = 4000

// Payload is what gets sealed into the chain for one chat message.
// Timestamp is Unix milliseconds at submission.
type Payload struct {
	Sender    string `json:"sender"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

// Message is the durable cross-reference between a chat message and the
// record that sealed it.
type Message struct {
	ID         uuid.UUID `json:"id"          db:"id"`
	Sender     string    `json:"sender"      db:"sender"`
	Content    string    `json:"content"     db:"content"`
	BlockHash  string    `json:"block_hash"  db:"block_hash"`
	BlockIndex int       `json:"block_index" db:"block_index"`
	Verified   bool      `json:"verified"    db:"verified"`
	CreatedAt  time.Time `json:"created_at"  db:"created_at"`
}

// SubmitRequest is the HTTP body for posting a message.
type SubmitRequest struct {
	Content string `json:"content" binding:"required,max=4000"`
}

// VerifyResult reports whether a stored message still matches the chain.
type VerifyResult struct {
	MessageID  uuid.UUID `json:"message_id"`
	BlockIndex int       `json:"block_index"`
	Verified   bool      `json:"verified"`
	Reason     string    `json:"reason,omitempty"`
}
