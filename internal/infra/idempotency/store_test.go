package idempotency_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boddenberg/tradeflow-bfa-go/internal/domain"
	"github.com/boddenberg/tradeflow-bfa-go/internal/infra/idempotency"
	"github.com/boddenberg/tradeflow-bfa-go/internal/port"
)

func setupTestRedis(t *testing.T) (*idempotency.Redis, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	require.NoError(t, client.Ping(context.Background()).Err())

	store := idempotency.NewRedis(client, time.Hour)
	t.Cleanup(func() { store.Close() })
	return store, mr
}

func setupTestSQLite(t *testing.T) *idempotency.SQLite {
	store, err := idempotency.OpenSQLite(filepath.Join(t.TempDir(), "tokens", "idempotency.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func stores(t *testing.T) map[string]port.IdempotencyStore {
	redisStore, _ := setupTestRedis(t)
	return map[string]port.IdempotencyStore{
		"memory": idempotency.NewMemory(),
		"sqlite": setupTestSQLite(t),
		"redis":  redisStore,
	}
}

func TestStore_Contract(t *testing.T) {
	ctx := context.Background()
	key := domain.GateKey{ProjectID: "p-1", Gate: domain.GateProjectApproval}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			tok, err := store.Get(ctx, key)
			require.NoError(t, err)
			assert.Nil(t, tok, "absent key must read as nil")

			ok, err := store.SetIfAbsent(ctx, key, domain.GateToken{Timestamp: now, State: domain.GateStateSent})
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = store.SetIfAbsent(ctx, key, domain.GateToken{Timestamp: now.Add(time.Minute), State: domain.GateStateSent})
			require.NoError(t, err)
			assert.False(t, ok, "second SetIfAbsent must lose")

			tok, err = store.Get(ctx, key)
			require.NoError(t, err)
			require.NotNil(t, tok)
			assert.Equal(t, domain.GateStateSent, tok.State)
			assert.True(t, tok.Timestamp.Equal(now))

			require.NoError(t, store.Set(ctx, key, domain.GateToken{Timestamp: now, State: domain.GateStateCompleted}))
			tok, err = store.Get(ctx, key)
			require.NoError(t, err)
			assert.Equal(t, domain.GateStateCompleted, tok.State)

			other := domain.GateKey{ProjectID: "p-1", Gate: domain.GateReceiptReview}
			tok, err = store.Get(ctx, other)
			require.NoError(t, err)
			assert.Nil(t, tok, "gates are keyed independently")

			require.NoError(t, store.Delete(ctx, key))
			tok, err = store.Get(ctx, key)
			require.NoError(t, err)
			assert.Nil(t, tok)
		})
	}
}

func TestStore_SetIfAbsentHasOneWinner(t *testing.T) {
	ctx := context.Background()
	key := domain.GateKey{ProjectID: "p-race", Gate: domain.GateManagerReceipt}

	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			var (
				wg   sync.WaitGroup
				mu   sync.Mutex
				wins int
			)
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					ok, err := store.SetIfAbsent(ctx, key, domain.GateToken{Timestamp: time.Now(), State: domain.GateStateSent})
					assert.NoError(t, err)
					if ok {
						mu.Lock()
						wins++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, 1, wins)
		})
	}
}

func TestRedis_TokensExpire(t *testing.T) {
	ctx := context.Background()
	store, mr := setupTestRedis(t)
	key := domain.GateKey{ProjectID: "p-ttl", Gate: domain.GateProjectApproval}

	ok, err := store.SetIfAbsent(ctx, key, domain.GateToken{Timestamp: time.Now(), State: domain.GateStateCompleted})
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, mr.Exists("tradeflow:gate:p-ttl:project_approval"))

	mr.FastForward(2 * time.Hour)

	tok, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, tok)
}

func TestSQLite_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "idempotency.db")
	key := domain.GateKey{ProjectID: "p-durable", Gate: domain.GateReceiptReview}

	first, err := idempotency.OpenSQLite(path)
	require.NoError(t, err)
	_, err = first.SetIfAbsent(ctx, key, domain.GateToken{Timestamp: time.Now(), State: domain.GateStateSent})
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := idempotency.OpenSQLite(path)
	require.NoError(t, err)
	defer second.Close()

	tok, err := second.Get(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, tok)
	assert.Equal(t, domain.GateStateSent, tok.State)
}
