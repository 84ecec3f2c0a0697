package relay

import (
	"time"

	"github.com/google/uuid"
	"github.com/jmerrifield20/chainchat/internal/ledger"
)

// EventRecordSealed is the only event type relayed.
const EventRecordSealed = "record.sealed"

// Header names set on every delivery.
const (
	HeaderSignature = "X-Chainchat-Signature"
	HeaderDelivery  = "X-Chainchat-Delivery"
)

// Event is the JSON body POSTed to each relay target.
type Event struct {
	ID        uuid.UUID           `json:"id"`
	Type      string              `json:"type"`
	Timestamp time.Time           `json:"timestamp"`
	PeerCount int                 `json:"peer_count"`
	Record    ledger.SealedRecord `json:"record"`
}

// Delivery describes one attempt to POST an event to one target.
type Delivery struct {
	EventID    uuid.UUID `json:"event_id"`
	URL        string    `json:"url"`
	Attempt    int       `json:"attempt"`
	StatusCode int       `json:"status_code"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
}
