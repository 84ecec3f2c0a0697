// Package intake turns chat submissions into sealed chain records and keeps
// the message ↔ record cross-reference.
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jmerrifield20/chainchat/internal/ledger"
	"go.uber.org/zap"
)

// ErrInvalidMessage is returned for empty or oversized submissions.
var ErrInvalidMessage = errors.New("invalid message")

// Appender seals a payload into the chain. Implemented by *ledger.Ledger.
type Appender interface {
	Append(ctx context.Context, payload any) (ledger.SealedRecord, error)
}

// ChainReader looks up and validates committed records. Implemented by
// *ledger.Ledger.
type ChainReader interface {
	Get(index int) (ledger.SealedRecord, error)
	Validate() (ledger.Report, error)
}

// Broadcaster raises the record-broadcast notification. Implemented by
// *peers.Registry.
type Broadcaster interface {
	Broadcast(rec ledger.SealedRecord)
}

// AbortRecorder is an optional callback invoked when sealing gives up.
type AbortRecorder func()

// Service accepts chat messages from authenticated senders.
type Service struct {
	chain     Appender
	reader    ChainReader
	repo      Repository
	broadcast Broadcaster
	onAbort   AbortRecorder
	now       func() time.Time
	logger    *zap.Logger
}

// NewService creates a new intake Service.
func NewService(chain Appender, reader ChainReader, repo Repository, broadcast Broadcaster, logger *zap.Logger) *Service {
	return &Service{
		chain:     chain,
		reader:    reader,
		repo:      repo,
		broadcast: broadcast,
		now:       time.Now,
		logger:    logger,
	}
}

// SetAbortRecorder configures the seal-abort callback.
func (s *Service) SetAbortRecorder(fn AbortRecorder) {
	s.onAbort = fn
}

// Submit seals {sender, content, timestamp} into the chain, stores the
// cross-reference and broadcasts the record.
//
// The record is broadcast even if storing the cross-reference fails, since it
// is already committed; the error is still returned to the caller.
func (s *Service) Submit(ctx context.Context, sender, content string) (*Message, ledger.SealedRecord, error) {
	content = strings.TrimSpace(content)
	switch {
	case sender == "":
		return nil, ledger.SealedRecord{}, fmt.Errorf("%w: sender required", ErrInvalidMessage)
	case content == "":
		return nil, ledger.SealedRecord{}, fmt.Errorf("%w: content required", ErrInvalidMessage)
	case len(content) > MaxContentLength:
		return nil, ledger.SealedRecord{}, fmt.Errorf("%w: content exceeds %d bytes", ErrInvalidMessage, MaxContentLength)
	case !utf8.ValidString(content):
		return nil, ledger.SealedRecord{}, fmt.Errorf("%w: content is not valid UTF-8", ErrInvalidMessage)
	}

	rec, err := s.chain.Append(ctx, Payload{
		Sender:    sender,
		Content:   content,
		Timestamp: s.now().UnixMilli(),
	})
	if err != nil {
		if errors.Is(err, ledger.ErrSealAborted) && s.onAbort != nil {
			s.onAbort()
		}
		return nil, ledger.SealedRecord{}, fmt.Errorf("append message: %w", err)
	}

	msg := &Message{
		Sender:     sender,
		Content:    content,
		BlockHash:  rec.Hash,
		BlockIndex: rec.Index,
		Verified:   true,
	}
	storeErr := s.repo.Create(ctx, msg)

	s.broadcast.Broadcast(rec)

	if storeErr != nil {
		s.logger.Error("message sealed but cross-reference not stored",
			zap.Int("block_index", rec.Index),
			zap.String("block_hash", rec.Hash),
			zap.Error(storeErr),
		)
		return nil, rec, fmt.Errorf("store message: %w", storeErr)
	}

	s.logger.Info("message sealed",
		zap.String("message_id", msg.ID.String()),
		zap.String("sender", sender),
		zap.Int("block_index", rec.Index),
	)
	return msg, rec, nil
}

// Recent returns up to limit stored messages, newest first.
func (s *Service) Recent(ctx context.Context, limit int) ([]*Message, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return s.repo.ListRecent(ctx, limit)
}

// Verify checks that the stored message still matches the record it
// references and that the record belongs to a valid chain: same hash, a hash
// that recomputes, a link to the record before it, the same sender and
// content inside the sealed payload, and no chain violation at or before the
// record's index.
func (s *Service) Verify(ctx context.Context, id uuid.UUID) (*VerifyResult, error) {
	msg, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	res := &VerifyResult{MessageID: msg.ID, BlockIndex: msg.BlockIndex}
	rec, err := s.reader.Get(msg.BlockIndex)
	if err != nil {
		res.Reason = "referenced record does not exist"
		return res, nil
	}

	var p Payload
	switch {
	case rec.Hash != msg.BlockHash:
		res.Reason = "record hash differs from stored reference"
	case rec.ComputeHash() != rec.Hash:
		res.Reason = "record hash does not recompute"
	case !s.linked(rec):
		res.Reason = "record does not link to its predecessor"
	case json.Unmarshal(rec.Payload, &p) != nil:
		res.Reason = "record payload is not a chat message"
	case p.Sender != msg.Sender || p.Content != msg.Content:
		res.Reason = "sealed payload differs from stored message"
	default:
		res.Reason = s.chainViolation(rec.Index)
		res.Verified = res.Reason == ""
	}
	return res, nil
}

func (s *Service) linked(rec ledger.SealedRecord) bool {
	if rec.Index == 0 {
		return rec.PreviousHash == ledger.GenesisPrevHash
	}
	prev, err := s.reader.Get(rec.Index - 1)
	return err == nil && prev.Hash == rec.PreviousHash
}

// chainViolation returns a reason when the chain up to and including index is
// not valid, or "" when it is.
func (s *Service) chainViolation(index int) string {
	rep, err := s.reader.Validate()
	if err != nil {
		s.logger.Warn("chain validation unavailable", zap.Error(err))
		return "chain could not be validated"
	}
	for _, v := range rep.Violations {
		if v.Index <= index {
			return fmt.Sprintf("chain invalid at index %d: %s", v.Index, v.Kind)
		}
	}
	return ""
}
