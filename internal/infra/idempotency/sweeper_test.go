package idempotency_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/boddenberg/tradeflow-bfa-go/internal/domain"
	"github.com/boddenberg/tradeflow-bfa-go/internal/infra/idempotency"
	"github.com/boddenberg/tradeflow-bfa-go/internal/infra/memory"
)

func projectsAt(statuses map[string]domain.Status) *memory.Store {
	store := memory.NewStore()
	for id, s := range statuses {
		store.PutProject(domain.Project{ID: id, UserID: "user-1", Status: s})
	}
	return store
}

func TestSweeper_PurgesOnlyOldCompletedTokens(t *testing.T) {
	ctx := context.Background()
	store := setupTestSQLite(t)

	old := time.Now().Add(-48 * time.Hour)
	fresh := time.Now()

	seed := map[domain.GateKey]domain.GateToken{
		{ProjectID: "old-done", Gate: domain.GateProjectApproval}:   {Timestamp: old, State: domain.GateStateCompleted},
		{ProjectID: "old-sent", Gate: domain.GateProjectApproval}:   {Timestamp: old, State: domain.GateStateSent},
		{ProjectID: "fresh-done", Gate: domain.GateProjectApproval}: {Timestamp: fresh, State: domain.GateStateCompleted},
	}
	for k, tok := range seed {
		require.NoError(t, store.Set(ctx, k, tok))
	}
	projects := projectsAt(map[string]domain.Status{
		"old-done":   domain.StatusInWork,
		"old-sent":   domain.StatusInWork,
		"fresh-done": domain.StatusInWork,
	})

	sweeper, err := idempotency.NewSweeper("@daily", 24*time.Hour, store, projects, zap.NewNop())
	require.NoError(t, err)

	assert.Equal(t, int64(1), sweeper.RunOnce(ctx))

	for k := range seed {
		tok, err := store.Get(ctx, k)
		require.NoError(t, err)
		if k.ProjectID == "old-done" {
			assert.Nil(t, tok)
		} else {
			assert.NotNil(t, tok, k.ProjectID)
		}
	}
}

func TestSweeper_KeepsTokensOfProjectsStillAtTheGate(t *testing.T) {
	ctx := context.Background()
	store := setupTestSQLite(t)
	old := domain.GateToken{Timestamp: time.Now().Add(-48 * time.Hour), State: domain.GateStateCompleted}

	keys := map[string]domain.GateKey{
		"waiting":   {ProjectID: "waiting", Gate: domain.GateProjectApproval},
		"moved-on":  {ProjectID: "moved-on", Gate: domain.GateProjectApproval},
		"completed": {ProjectID: "completed", Gate: domain.GateManagerReceipt},
		"deleted":   {ProjectID: "deleted", Gate: domain.GateReceiptReview},
	}
	for _, k := range keys {
		require.NoError(t, store.Set(ctx, k, old))
	}
	projects := projectsAt(map[string]domain.Status{
		"waiting":   domain.StatusWaitingApproval,
		"moved-on":  domain.StatusWaitingReceipt,
		"completed": domain.StatusCompleted,
	})

	sweeper, err := idempotency.NewSweeper("@daily", 0, store, projects, zap.NewNop())
	require.NoError(t, err)

	assert.Equal(t, int64(3), sweeper.RunOnce(ctx))

	tok, err := store.Get(ctx, keys["waiting"])
	require.NoError(t, err)
	assert.NotNil(t, tok, "a project still awaiting the decision keeps its token")
	for _, name := range []string{"moved-on", "completed", "deleted"} {
		tok, err := store.Get(ctx, keys[name])
		require.NoError(t, err)
		assert.Nil(t, tok, name)
	}
}

type failingStatusReader struct{}

func (failingStatusReader) GetProjectStatus(context.Context, string) (domain.Status, error) {
	return "", errors.New("connection refused")
}

func TestSweeper_StatusReadFailureKeepsToken(t *testing.T) {
	ctx := context.Background()
	store := idempotency.NewMemory()
	key := domain.GateKey{ProjectID: "p", Gate: domain.GateProjectApproval}
	require.NoError(t, store.Set(ctx, key, domain.GateToken{Timestamp: time.Now().Add(-time.Hour), State: domain.GateStateCompleted}))

	sweeper, err := idempotency.NewSweeper("@daily", time.Minute, store, failingStatusReader{}, zap.NewNop())
	require.NoError(t, err)

	assert.Equal(t, int64(0), sweeper.RunOnce(ctx))
	tok, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.NotNil(t, tok)
}

func TestSweeper_MemoryPurger(t *testing.T) {
	ctx := context.Background()
	store := idempotency.NewMemory()
	key := domain.GateKey{ProjectID: "p", Gate: domain.GateReceiptReview}
	require.NoError(t, store.Set(ctx, key, domain.GateToken{Timestamp: time.Now().Add(-time.Hour), State: domain.GateStateCompleted}))

	projects := projectsAt(map[string]domain.Status{"p": domain.StatusReceiptApproved})
	sweeper, err := idempotency.NewSweeper("@every 1h", time.Minute, store, projects, zap.NewNop())
	require.NoError(t, err)
	sweeper.Start()
	defer sweeper.Stop()

	assert.Equal(t, int64(1), sweeper.RunOnce(ctx))
}

func TestNewSweeper_RejectsBadSchedule(t *testing.T) {
	_, err := idempotency.NewSweeper("not a schedule", time.Hour, idempotency.NewMemory(), memory.NewStore(), zap.NewNop())
	assert.Error(t, err)
}
