package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// AppendMode selects how concurrent appends are kept from sealing against
// the same tail.
type AppendMode string

const (
	// AppendSerial holds an append lock from tail read through linking.
	AppendSerial AppendMode = "serial"
	// AppendOptimistic seals without a lock and retries if the tail moved.
	AppendOptimistic AppendMode = "optimistic"
)

// ParseAppendMode converts a config string into an AppendMode.
func ParseAppendMode(s string) (AppendMode, error) {
	switch m := AppendMode(strings.ToLower(strings.TrimSpace(s))); m {
	case AppendSerial, AppendOptimistic:
		return m, nil
	case "":
		return AppendSerial, nil
	default:
		return "", fmt.Errorf("unknown append mode %q", s)
	}
}

// errTailMoved signals an optimistic append lost the race for the tail.
var errTailMoved = errors.New("tail advanced during seal")

// AppendHook observes every committed record. It runs after the ledger locks
// are released and must not block.
type AppendHook func(rec SealedRecord, stats SealStats)

// Options configures a Ledger. Zero values select the defaults noted per field.
type Options struct {
	Difficulty       int           // default 0
	Mode             AppendMode    // default AppendSerial
	MaxAppendRetries int           // optimistic mode only; default 16
	SealTimeout      time.Duration // 0 disables the per-append deadline
	Miner            Miner         // default: inline Sealer with no iteration budget
	Store            Store         // default: MemoryStore
	OnAppend         AppendHook
	Now              func() time.Time
}

// DefaultGenesisPayload is sealed into the genesis record when Initialize is
// given a nil payload.
type DefaultGenesisPayload struct {
	Sender    string `json:"sender"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

// Ledger owns the authoritative record sequence. Records are only created
// through Initialize, Restore and Append and are never modified afterwards.
//
// Two locks are used: appendMu serialises whole appends in serial mode, and
// mu guards the record slice. mu is held for writing only while a sealed
// record is checked, persisted and linked, so readers never wait on mining.
type Ledger struct {
	appendMu sync.Mutex

	mu         sync.RWMutex
	records    []SealedRecord
	difficulty int
	// floor is the lowest difficulty this ledger has been configured with; stored
	// records declaring less are rejected by Validate and Restore.
	floor int

	mode        AppendMode
	maxRetries  int
	sealTimeout time.Duration
	miner       Miner
	store       Store
	onAppend    AppendHook
	now         func() time.Time
	logger      *zap.Logger
}

// New creates an uninitialized Ledger. Call Initialize or Restore before use.
func New(opts Options, logger *zap.Logger) (*Ledger, error) {
	if opts.Difficulty < 0 || opts.Difficulty > MaxDifficulty {
		return nil, fmt.Errorf("%w: %d (max %d)", ErrInvalidDifficulty, opts.Difficulty, MaxDifficulty)
	}
	if opts.Mode == "" {
		opts.Mode = AppendSerial
	}
	if opts.Mode != AppendSerial && opts.Mode != AppendOptimistic {
		return nil, fmt.Errorf("unknown append mode %q", opts.Mode)
	}
	if opts.MaxAppendRetries <= 0 {
		opts.MaxAppendRetries = 16
	}
	if opts.Miner == nil {
		opts.Miner = NewSealer(0, logger)
	}
	if opts.Store == nil {
		opts.Store = NewMemoryStore()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Ledger{
		difficulty:  opts.Difficulty,
		floor:       opts.Difficulty,
		mode:        opts.Mode,
		maxRetries:  opts.MaxAppendRetries,
		sealTimeout: opts.SealTimeout,
		miner:       opts.Miner,
		store:       opts.Store,
		onAppend:    opts.OnAppend,
		now:         opts.Now,
		logger:      logger,
	}, nil
}

// Initialize creates and stores the genesis record. A nil payload selects
// DefaultGenesisPayload. The genesis record is hashed but not sealed.
func (l *Ledger) Initialize(ctx context.Context, payload any) (SealedRecord, error) {
	l.appendMu.Lock()
	defer l.appendMu.Unlock()

	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.records) > 0 {
		return SealedRecord{}, ErrAlreadyInitialized
	}

	now := l.now().UTC()
	if payload == nil {
		payload = DefaultGenesisPayload{
			Sender:    "System",
			Content:   "Genesis Block",
			Timestamp: now.UnixMilli(),
		}
	}
	data, err := CanonicalPayload(payload)
	if err != nil {
		return SealedRecord{}, err
	}

	genesis := SealedRecord{
		Index:        0,
		CreatedAt:    now,
		Payload:      data,
		PreviousHash: GenesisPrevHash,
	}
	genesis.Hash = genesis.ComputeHash()

	if err := l.store.Save(ctx, genesis); err != nil {
		return SealedRecord{}, fmt.Errorf("persist genesis: %w", err)
	}
	l.records = append(l.records, genesis)

	l.logger.Info("ledger initialized", zap.String("genesis_hash", genesis.Hash))
	return genesis.Clone(), nil
}

// Restore loads a previously persisted chain from the Store. It returns the
// number of records loaded; 0 means the Store was empty and the ledger is
// still uninitialized. A chain that fails validation is refused.
func (l *Ledger) Restore(ctx context.Context) (int, error) {
	l.appendMu.Lock()
	defer l.appendMu.Unlock()

	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.records) > 0 {
		return 0, ErrAlreadyInitialized
	}

	records, err := l.store.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("load chain: %w", err)
	}
	if len(records) == 0 {
		return 0, nil
	}
	if rep := ValidateChain(records, l.floor); !rep.Valid {
		for _, v := range rep.Violations {
			l.logger.Error("persisted chain violation",
				zap.Int("index", v.Index),
				zap.String("kind", string(v.Kind)),
				zap.String("detail", v.Detail),
			)
		}
		return 0, fmt.Errorf("restore: %w", rep.Err())
	}

	l.records = records
	tail := records[len(records)-1]
	l.logger.Info("ledger restored",
		zap.Int("records", len(records)),
		zap.String("tail_hash", tail.Hash),
	)
	return len(records), nil
}

// Open restores a persisted chain, or initializes a fresh one when the Store
// is empty.
func (l *Ledger) Open(ctx context.Context, genesisPayload any) error {
	n, err := l.Restore(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	_, err = l.Initialize(ctx, genesisPayload)
	return err
}

// Append seals payload against the current tail and links it. The returned
// record's index equals the chain length before the call. On any failure
// nothing is appended and the caller decides whether to resubmit.
func (l *Ledger) Append(ctx context.Context, payload any) (SealedRecord, error) {
	data, err := CanonicalPayload(payload)
	if err != nil {
		return SealedRecord{}, err
	}

	if l.sealTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.sealTimeout)
		defer cancel()
	}

	if l.mode == AppendSerial {
		l.appendMu.Lock()
		defer l.appendMu.Unlock()
		return l.appendOnce(ctx, data)
	}

	for attempt := 1; attempt <= l.maxRetries; attempt++ {
		rec, err := l.appendOnce(ctx, data)
		if !errors.Is(err, errTailMoved) {
			return rec, err
		}
		l.logger.Debug("append retry: tail moved", zap.Int("attempt", attempt))
	}
	return SealedRecord{}, fmt.Errorf("%w (%d attempts)", ErrAppendContention, l.maxRetries)
}

func (l *Ledger) appendOnce(ctx context.Context, data []byte) (SealedRecord, error) {
	l.mu.RLock()
	if len(l.records) == 0 {
		l.mu.RUnlock()
		return SealedRecord{}, ErrEmptyLedger
	}
	tail := l.records[len(l.records)-1]
	difficulty := l.difficulty
	l.mu.RUnlock()

	candidate := Candidate{
		Index:        tail.Index + 1,
		PreviousHash: tail.Hash,
		CreatedAt:    l.now().UTC(),
		Payload:      data,
	}

	rec, stats, err := l.miner.Seal(ctx, candidate, difficulty)
	if err != nil {
		if errors.Is(err, ErrSealAborted) {
			l.logger.Warn("seal aborted",
				zap.Int("index", candidate.Index),
				zap.Int("difficulty", difficulty),
				zap.Uint64("attempts", stats.Attempts),
				zap.Error(err),
			)
		}
		return SealedRecord{}, err
	}

	l.mu.Lock()
	current := l.records[len(l.records)-1]
	if current.Hash != rec.PreviousHash {
		l.mu.Unlock()
		return SealedRecord{}, errTailMoved
	}
	if err := l.store.Save(ctx, rec); err != nil {
		l.mu.Unlock()
		return SealedRecord{}, fmt.Errorf("persist record %d: %w", rec.Index, err)
	}
	l.records = append(l.records, rec)
	l.mu.Unlock()

	l.logger.Debug("record appended",
		zap.Int("index", rec.Index),
		zap.String("hash", rec.Hash),
		zap.Uint64("attempts", stats.Attempts),
	)
	if l.onAppend != nil {
		l.onAppend(rec.Clone(), stats)
	}
	return rec.Clone(), nil
}

// Tail returns the most recently appended record.
func (l *Ledger) Tail() (SealedRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.records) == 0 {
		return SealedRecord{}, ErrEmptyLedger
	}
	return l.records[len(l.records)-1].Clone(), nil
}

// Get returns the record at the given zero-based index.
func (l *Ledger) Get(index int) (SealedRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if index < 0 || index >= len(l.records) {
		return SealedRecord{}, fmt.Errorf("%w: index %d out of range", ErrNotFound, index)
	}
	return l.records[index].Clone(), nil
}

// Len returns the number of records including genesis.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

// Snapshot returns a deep copy of the chain at call time. Later appends do
// not affect a returned snapshot, and mutating it does not affect the ledger.
func (l *Ledger) Snapshot() []SealedRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]SealedRecord, len(l.records))
	for i, r := range l.records {
		out[i] = r.Clone()
	}
	return out
}

// Validate walks the committed chain and reports every violation. It works on
// a copy taken under the read lock, so it sees only fully linked records and
// does not hold up appends while hashing.
func (l *Ledger) Validate() (Report, error) {
	l.mu.RLock()
	if len(l.records) == 0 {
		l.mu.RUnlock()
		return Report{}, ErrEmptyLedger
	}
	records := l.records[:len(l.records):len(l.records)]
	floor := l.floor
	l.mu.RUnlock()

	return ValidateChain(records, floor), nil
}

// Difficulty returns the difficulty applied to the next append.
func (l *Ledger) Difficulty() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.difficulty
}

// MinDifficulty returns the validation floor: the lowest difficulty this
// ledger has been configured with.
func (l *Ledger) MinDifficulty() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.floor
}

// SetDifficulty changes the difficulty for subsequent appends. Records
// already sealed keep the difficulty they were sealed at. Lowering the
// difficulty also lowers the validation floor; raising it does not.
func (l *Ledger) SetDifficulty(d int) error {
	if d < 0 || d > MaxDifficulty {
		return fmt.Errorf("%w: %d (max %d)", ErrInvalidDifficulty, d, MaxDifficulty)
	}
	l.mu.Lock()
	l.difficulty = d
	if d < l.floor {
		l.floor = d
	}
	l.mu.Unlock()
	l.logger.Info("difficulty changed", zap.Int("difficulty", d))
	return nil
}

// Mode returns the configured append mode.
func (l *Ledger) Mode() AppendMode { return l.mode }
