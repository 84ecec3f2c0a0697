package intake_test

import (
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/jmerrifield20/chainchat/internal/intake"
	"github.com/jmerrifield20/chainchat/internal/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func openBolt(t *testing.T, path string) (*ledger.Ledger, *intake.Service, func()) {
	t.Helper()
	store, err := ledger.OpenBoltStore(path)
	require.NoError(t, err)
	repo, err := intake.NewBoltRepository(store.DB())
	require.NoError(t, err)

	chain, err := ledger.New(ledger.Options{Difficulty: 1, Store: store}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, chain.Open(ctx, nil))

	svc := intake.NewService(chain, chain, repo, &broadcastSpy{}, zap.NewNop())
	return chain, svc, func() { require.NoError(t, store.Close()) }
}

func TestBoltRepository_survivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chainchat.db")

	_, svc, closeDB := openBolt(t, path)
	var ids []uuid.UUID
	for _, content := range []string{"one", "two", "three"} {
		msg, _, err := svc.Submit(ctx, "alice", content)
		require.NoError(t, err)
		ids = append(ids, msg.ID)
	}
	closeDB()

	chain, svc, closeDB := openBolt(t, path)
	defer closeDB()
	assert.Equal(t, 4, chain.Len())

	recent, err := svc.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "three", recent[0].Content)
	assert.Equal(t, "two", recent[1].Content)

	for _, id := range ids {
		res, err := svc.Verify(ctx, id)
		require.NoError(t, err)
		assert.True(t, res.Verified, res.Reason)
	}

	_, err = svc.Verify(ctx, uuid.New())
	assert.ErrorIs(t, err, intake.ErrNotFound)
}
