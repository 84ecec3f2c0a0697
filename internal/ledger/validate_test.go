package ledger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func buildChain(t *testing.T, n, difficulty int) *Ledger {
	t.Helper()
	l, err := New(Options{Difficulty: difficulty}, zap.NewNop())
	require.NoError(t, err)
	_, err = l.Initialize(context.Background(), nil)
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		_, err := l.Append(context.Background(), map[string]any{"sender": "alice", "content": "hello", "seq": i})
		require.NoError(t, err)
	}
	return l
}

func kindsAt(rep Report, index int) []ViolationKind {
	var out []ViolationKind
	for _, v := range rep.Violations {
		if v.Index == index {
			out = append(out, v.Kind)
		}
	}
	return out
}

func TestValidate_tamperedPayloadDetected(t *testing.T) {
	for target := 0; target < 5; target++ {
		l := buildChain(t, 5, 1)

		l.records[target].Payload[len(l.records[target].Payload)-2] ^= 0x01

		rep, err := l.Validate()
		require.NoError(t, err)
		assert.False(t, rep.Valid)
		assert.Contains(t, kindsAt(rep, target), ViolationHashMismatch, "target %d", target)
		assert.ErrorIs(t, rep.Err(), ErrChainCorrupted)
	}
}

func TestValidate_tamperedFieldsDetected(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(r *SealedRecord)
	}{
		{"nonce", func(r *SealedRecord) { r.Nonce++ }},
		{"created_at", func(r *SealedRecord) { r.CreatedAt = r.CreatedAt.Add(1) }},
		{"previous_hash", func(r *SealedRecord) { r.PreviousHash = "ff" + r.PreviousHash[2:] }},
		{"index", func(r *SealedRecord) { r.Index = 42 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			l := buildChain(t, 4, 1)
			tc.mutate(&l.records[2])

			rep, err := l.Validate()
			require.NoError(t, err)
			assert.False(t, rep.Valid)
			assert.Contains(t, rep.ViolatedIndices(), 2)
		})
	}
}

func TestValidate_rehashedRecordBreaksNextLink(t *testing.T) {
	l := buildChain(t, 4, 0)

	l.records[1].Payload = []byte(`{"sender":"mallory","content":"forged"}`)
	l.records[1].Hash = l.records[1].ComputeHash()

	rep, err := l.Validate()
	require.NoError(t, err)
	assert.False(t, rep.Valid)
	assert.Equal(t, []ViolationKind{ViolationBrokenLink}, kindsAt(rep, 2))
	assert.Empty(t, kindsAt(rep, 1))
}

func TestValidate_insufficientWork(t *testing.T) {
	l := buildChain(t, 2, 0)

	// Claim more work than was done; a 4-zero prefix at difficulty 0 is vanishingly unlikely.
	l.records[1].Difficulty = 4

	rep, err := l.Validate()
	require.NoError(t, err)
	assert.Equal(t, []ViolationKind{ViolationInsufficientWork}, kindsAt(rep, 1))
}

func TestValidate_badGenesis(t *testing.T) {
	l := buildChain(t, 1, 0)
	l.records[0].PreviousHash = "1"

	rep, err := l.Validate()
	require.NoError(t, err)
	assert.Contains(t, kindsAt(rep, 0), ViolationBadGenesis)
}

func TestValidate_reportsAllViolations(t *testing.T) {
	l := buildChain(t, 6, 0)
	l.records[1].Nonce = 99
	l.records[4].Nonce = 99

	rep, err := l.Validate()
	require.NoError(t, err)
	assert.Equal(t, []int{1, 4}, rep.ViolatedIndices())
}

func TestValidateChain_doesNotMutate(t *testing.T) {
	l := buildChain(t, 3, 1)
	before := l.Snapshot()
	_ = ValidateChain(l.records, 1)
	assert.Equal(t, before, l.Snapshot())
}

// zeroWorkRewrite replaces every non-genesis record with a forged payload,
// declares difficulty 0 and relinks the chain so every hash recomputes.
func zeroWorkRewrite(records []SealedRecord) []SealedRecord {
	out := make([]SealedRecord, len(records))
	for i, r := range records {
		out[i] = r.Clone()
		if i == 0 {
			continue
		}
		out[i].Payload = []byte(`{"sender":"mallory","content":"forged"}`)
		out[i].Difficulty = 0
		out[i].Nonce = 0
		out[i].PreviousHash = out[i-1].Hash
		out[i].Hash = out[i].ComputeHash()
	}
	return out
}

func TestValidate_zeroWorkRewriteBelowFloor(t *testing.T) {
	l := buildChain(t, 3, 2)
	l.records = zeroWorkRewrite(l.records)

	rep, err := l.Validate()
	require.NoError(t, err)
	assert.False(t, rep.Valid)
	assert.Equal(t, []int{1, 2, 3}, rep.ViolatedIndices())
	for i := 1; i <= 3; i++ {
		assert.Equal(t, []ViolationKind{ViolationInsufficientWork}, kindsAt(rep, i), "index %d", i)
	}

	// Without a floor the rewrite is internally consistent.
	assert.True(t, ValidateChain(l.records, 0).Valid)
}

func TestSetDifficulty_floorTracksLowestValue(t *testing.T) {
	l := buildChain(t, 0, 2)
	assert.Equal(t, 2, l.MinDifficulty())

	require.NoError(t, l.SetDifficulty(3))
	assert.Equal(t, 2, l.MinDifficulty())

	require.NoError(t, l.SetDifficulty(1))
	assert.Equal(t, 1, l.MinDifficulty())

	_, err := l.Append(context.Background(), "sealed at one")
	require.NoError(t, err)
	rep, err := l.Validate()
	require.NoError(t, err)
	assert.True(t, rep.Valid, "violations: %+v", rep.Violations)
}
