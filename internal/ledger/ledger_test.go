package ledger_test

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/jmerrifield20/chainchat/internal/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var ctx = context.Background()

type chatPayload struct {
	Sender  string `json:"sender"`
	Content string `json:"content"`
}

func newLedger(t *testing.T, opts ledger.Options) *ledger.Ledger {
	t.Helper()
	l, err := ledger.New(opts, zap.NewNop())
	require.NoError(t, err)
	_, err = l.Initialize(ctx, nil)
	require.NoError(t, err)
	return l
}

func TestInitialize_genesisInvariant(t *testing.T) {
	l := newLedger(t, ledger.Options{Difficulty: 2})

	genesis, err := l.Get(0)
	require.NoError(t, err)
	assert.Equal(t, 0, genesis.Index)
	assert.Equal(t, ledger.GenesisPrevHash, genesis.PreviousHash)
	assert.Equal(t, genesis.ComputeHash(), genesis.Hash)
	assert.Zero(t, genesis.Nonce)

	var payload ledger.DefaultGenesisPayload
	require.NoError(t, json.Unmarshal(genesis.Payload, &payload))
	assert.Equal(t, "System", payload.Sender)
	assert.Equal(t, "Genesis Block", payload.Content)
	assert.Equal(t, genesis.CreatedAt.UnixMilli(), payload.Timestamp)

	rep, err := l.Validate()
	require.NoError(t, err)
	assert.True(t, rep.Valid)
	assert.Empty(t, rep.Violations)
	assert.Equal(t, 1, rep.Length)
}

func TestInitialize_customGenesisPayload(t *testing.T) {
	l, err := ledger.New(ledger.Options{}, zap.NewNop())
	require.NoError(t, err)

	genesis, err := l.Initialize(ctx, map[string]string{"room": "global"})
	require.NoError(t, err)
	assert.Equal(t, `{"room":"global"}`, string(genesis.Payload))
}

func TestInitialize_twiceRejected(t *testing.T) {
	l := newLedger(t, ledger.Options{})

	_, err := l.Initialize(ctx, nil)
	assert.ErrorIs(t, err, ledger.ErrAlreadyInitialized)
	assert.Equal(t, 1, l.Len())
}

func TestAppend_beforeInitialize(t *testing.T) {
	l, err := ledger.New(ledger.Options{}, zap.NewNop())
	require.NoError(t, err)

	_, err = l.Append(ctx, chatPayload{Sender: "alice", Content: "hi"})
	assert.ErrorIs(t, err, ledger.ErrEmptyLedger)

	_, err = l.Tail()
	assert.ErrorIs(t, err, ledger.ErrEmptyLedger)

	_, err = l.Validate()
	assert.ErrorIs(t, err, ledger.ErrEmptyLedger)
}

func TestAppend_endToEnd(t *testing.T) {
	l := newLedger(t, ledger.Options{Difficulty: 2})
	genesis, err := l.Tail()
	require.NoError(t, err)

	rec, err := l.Append(ctx, chatPayload{Sender: "alice", Content: "hi"})
	require.NoError(t, err)

	assert.Equal(t, 1, rec.Index)
	assert.Equal(t, genesis.Hash, rec.PreviousHash)
	assert.Equal(t, "00", rec.Hash[:2])
	assert.Equal(t, 2, rec.Difficulty)
	assert.Equal(t, `{"sender":"alice","content":"hi"}`, string(rec.Payload))

	tail, err := l.Tail()
	require.NoError(t, err)
	assert.Equal(t, rec, tail)

	rep, err := l.Validate()
	require.NoError(t, err)
	assert.True(t, rep.Valid, "violations: %+v", rep.Violations)
}

func TestAppend_chainLinkageAndWork(t *testing.T) {
	l := newLedger(t, ledger.Options{Difficulty: 1})
	for i := 0; i < 5; i++ {
		_, err := l.Append(ctx, chatPayload{Sender: "bob", Content: "msg"})
		require.NoError(t, err)
	}
	require.NoError(t, l.SetDifficulty(2))
	for i := 0; i < 3; i++ {
		_, err := l.Append(ctx, chatPayload{Sender: "bob", Content: "msg"})
		require.NoError(t, err)
	}

	chain := l.Snapshot()
	require.Len(t, chain, 9)
	for i := 1; i < len(chain); i++ {
		assert.Equal(t, i, chain[i].Index)
		assert.Equal(t, chain[i-1].Hash, chain[i].PreviousHash, "link at %d", i)
		assert.Equal(t, chain[i].ComputeHash(), chain[i].Hash, "hash at %d", i)
		assert.True(t, ledger.MeetsTarget(chain[i].Hash, chain[i].Difficulty), "work at %d", i)
	}
	assert.Equal(t, 1, chain[5].Difficulty)
	assert.Equal(t, 2, chain[6].Difficulty)
}

func TestAppend_difficultyZeroUsesNonceZero(t *testing.T) {
	var (
		mu       sync.Mutex
		attempts []uint64
	)
	l := newLedger(t, ledger.Options{
		Difficulty: 0,
		OnAppend: func(_ ledger.SealedRecord, s ledger.SealStats) {
			mu.Lock()
			attempts = append(attempts, s.Attempts)
			mu.Unlock()
		},
	})

	for i := 0; i < 10; i++ {
		rec, err := l.Append(ctx, i)
		require.NoError(t, err)
		assert.Zero(t, rec.Nonce)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, attempts, 10)
	for _, a := range attempts {
		assert.Equal(t, uint64(1), a)
	}
}

func TestAppend_invalidPayload(t *testing.T) {
	l := newLedger(t, ledger.Options{})

	_, err := l.Append(ctx, make(chan int))
	assert.ErrorIs(t, err, ledger.ErrInvalidPayload)

	_, err = l.Append(ctx, []byte("{not json"))
	assert.ErrorIs(t, err, ledger.ErrInvalidPayload)

	assert.Equal(t, 1, l.Len())
}

func TestAppend_rawPayloadIsCompacted(t *testing.T) {
	l := newLedger(t, ledger.Options{})

	rec, err := l.Append(ctx, []byte(`{ "sender" : "alice",  "content": "hi" }`))
	require.NoError(t, err)
	assert.Equal(t, `{"sender":"alice","content":"hi"}`, string(rec.Payload))
}

func TestAppend_recordSurvivesJSONRoundTrip(t *testing.T) {
	l := newLedger(t, ledger.Options{Difficulty: 1})

	for _, p := range []any{
		[]byte(`{"content":"<b>tom & jerry</b>"}`),
		chatPayload{Sender: "alice", Content: "a < b && c > d"},
	} {
		rec, err := l.Append(ctx, p)
		require.NoError(t, err)

		wire, err := json.Marshal(rec)
		require.NoError(t, err)
		var back ledger.SealedRecord
		require.NoError(t, json.Unmarshal(wire, &back))
		assert.Equal(t, rec.Hash, back.ComputeHash())
	}
}

func TestAppend_sealAbortedByIterationBudget(t *testing.T) {
	l := newLedger(t, ledger.Options{
		Difficulty: ledger.MaxDifficulty,
		Miner:      ledger.NewSealer(16, zap.NewNop()),
	})

	_, err := l.Append(ctx, chatPayload{Sender: "alice", Content: "hi"})
	assert.ErrorIs(t, err, ledger.ErrSealAborted)
	assert.Equal(t, 1, l.Len())
}

func TestAppend_sealAbortedByContext(t *testing.T) {
	l := newLedger(t, ledger.Options{Difficulty: ledger.MaxDifficulty})

	cctx, cancel := context.WithCancel(ctx)
	cancel()

	_, err := l.Append(cctx, chatPayload{Sender: "alice", Content: "hi"})
	assert.ErrorIs(t, err, ledger.ErrSealAborted)
	assert.Equal(t, 1, l.Len())
}

type failingStore struct {
	ledger.MemoryStore
	fail bool
}

func (s *failingStore) Save(ctx context.Context, rec ledger.SealedRecord) error {
	if s.fail {
		return errors.New("disk full")
	}
	return nil
}

func TestAppend_storeFailureLeavesChainUntouched(t *testing.T) {
	store := &failingStore{}
	l := newLedger(t, ledger.Options{Store: store})

	store.fail = true
	_, err := l.Append(ctx, chatPayload{Sender: "alice", Content: "hi"})
	require.Error(t, err)
	assert.Equal(t, 1, l.Len())

	store.fail = false
	rec, err := l.Append(ctx, chatPayload{Sender: "alice", Content: "hi"})
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Index)
}

func TestSnapshot_isStable(t *testing.T) {
	l := newLedger(t, ledger.Options{})
	_, err := l.Append(ctx, "one")
	require.NoError(t, err)

	snap := l.Snapshot()
	require.Len(t, snap, 2)

	_, err = l.Append(ctx, "two")
	require.NoError(t, err)
	assert.Len(t, snap, 2)

	snap[1].Payload[1] = 'X'
	snap[1].Hash = "tampered"

	rep, err := l.Validate()
	require.NoError(t, err)
	assert.True(t, rep.Valid)
	rec, err := l.Get(1)
	require.NoError(t, err)
	assert.Equal(t, `"one"`, string(rec.Payload))
}

func TestGet_outOfRange(t *testing.T) {
	l := newLedger(t, ledger.Options{})
	_, err := l.Get(5)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	_, err = l.Get(-1)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestSetDifficulty_bounds(t *testing.T) {
	l := newLedger(t, ledger.Options{})
	assert.ErrorIs(t, l.SetDifficulty(-1), ledger.ErrInvalidDifficulty)
	assert.ErrorIs(t, l.SetDifficulty(ledger.MaxDifficulty+1), ledger.ErrInvalidDifficulty)
	assert.NoError(t, l.SetDifficulty(ledger.MaxDifficulty))
	assert.Equal(t, ledger.MaxDifficulty, l.Difficulty())

	_, err := ledger.New(ledger.Options{Difficulty: 9}, zap.NewNop())
	assert.ErrorIs(t, err, ledger.ErrInvalidDifficulty)
}

func TestParseAppendMode(t *testing.T) {
	m, err := ledger.ParseAppendMode("Optimistic")
	require.NoError(t, err)
	assert.Equal(t, ledger.AppendOptimistic, m)

	m, err = ledger.ParseAppendMode("")
	require.NoError(t, err)
	assert.Equal(t, ledger.AppendSerial, m)

	_, err = ledger.ParseAppendMode("parallel")
	assert.Error(t, err)
}

func TestAppend_concurrent(t *testing.T) {
	pool := ledger.NewSealPool(ledger.NewSealer(0, zap.NewNop()), 4, zap.NewNop())
	defer pool.Close()

	cases := []struct {
		name string
		opts ledger.Options
	}{
		{"serial", ledger.Options{Difficulty: 1, Mode: ledger.AppendSerial}},
		{"optimistic", ledger.Options{Difficulty: 1, Mode: ledger.AppendOptimistic, MaxAppendRetries: 1000}},
		{"serial with pool", ledger.Options{Difficulty: 1, Miner: pool}},
		{"optimistic with pool", ledger.Options{Difficulty: 1, Mode: ledger.AppendOptimistic, MaxAppendRetries: 1000, Miner: pool}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			l := newLedger(t, tc.opts)
			_, err := l.Append(ctx, "warmup")
			require.NoError(t, err)
			oldLen := l.Len()

			const n = 40
			var wg sync.WaitGroup
			indices := make([]int, n)
			errs := make([]error, n)
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					rec, err := l.Append(ctx, chatPayload{Sender: "user", Content: "concurrent"})
					indices[i], errs[i] = rec.Index, err
				}(i)
			}
			wg.Wait()

			for _, err := range errs {
				require.NoError(t, err)
			}
			sort.Ints(indices)
			for i, idx := range indices {
				assert.Equal(t, oldLen+i, idx)
			}
			assert.Equal(t, oldLen+n, l.Len())

			rep, err := l.Validate()
			require.NoError(t, err)
			assert.True(t, rep.Valid, "violations: %+v", rep.Violations)
		})
	}
}

func TestRestore_fromBoltStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chain.db")
	store, err := ledger.OpenBoltStore(path)
	require.NoError(t, err)

	l := newLedger(t, ledger.Options{Difficulty: 1, Store: store})
	for i := 0; i < 3; i++ {
		_, err := l.Append(ctx, chatPayload{Sender: "alice", Content: "persist me"})
		require.NoError(t, err)
	}
	want := l.Snapshot()
	require.NoError(t, store.Close())

	store, err = ledger.OpenBoltStore(path)
	require.NoError(t, err)
	defer store.Close()

	restored, err := ledger.New(ledger.Options{Difficulty: 1, Store: store}, zap.NewNop())
	require.NoError(t, err)
	n, err := restored.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	got := restored.Snapshot()
	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, want[i].Hash, got[i].Hash)
		assert.True(t, want[i].CreatedAt.Equal(got[i].CreatedAt))
	}

	_, err = restored.Initialize(ctx, nil)
	assert.ErrorIs(t, err, ledger.ErrAlreadyInitialized)

	rec, err := restored.Append(ctx, chatPayload{Sender: "bob", Content: "after restart"})
	require.NoError(t, err)
	assert.Equal(t, 4, rec.Index)
	assert.Equal(t, want[3].Hash, rec.PreviousHash)
}

func TestRestore_refusesZeroWorkRewrite(t *testing.T) {
	l := newLedger(t, ledger.Options{Difficulty: 3})
	for i := 0; i < 3; i++ {
		_, err := l.Append(ctx, chatPayload{Sender: "alice", Content: "real work"})
		require.NoError(t, err)
	}

	forged := l.Snapshot()
	for i := 1; i < len(forged); i++ {
		forged[i].Payload = json.RawMessage(`{"sender":"mallory","content":"forged"}`)
		forged[i].Difficulty = 0
		forged[i].Nonce = 0
		forged[i].PreviousHash = forged[i-1].Hash
		forged[i].Hash = forged[i].ComputeHash()
	}
	assert.False(t, ledger.ValidateChain(forged, 3).Valid)

	store, err := ledger.OpenBoltStore(filepath.Join(t.TempDir(), "forged.db"))
	require.NoError(t, err)
	defer store.Close()
	for _, rec := range forged {
		require.NoError(t, store.Save(ctx, rec))
	}

	restored, err := ledger.New(ledger.Options{Difficulty: 3, Store: store}, zap.NewNop())
	require.NoError(t, err)
	n, err := restored.Restore(ctx)
	assert.ErrorIs(t, err, ledger.ErrChainCorrupted)
	assert.Zero(t, n)
	assert.Zero(t, restored.Len())
}

func TestOpen_emptyStoreInitializes(t *testing.T) {
	l, err := ledger.New(ledger.Options{}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, l.Open(ctx, nil))
	assert.Equal(t, 1, l.Len())
}
