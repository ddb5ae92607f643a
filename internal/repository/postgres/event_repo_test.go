package postgres

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CaioWing/Watchtower/internal/domain"
	"github.com/CaioWing/Watchtower/internal/eventhash"
)

// testPool connects to WATCHTOWER_TEST_DSN, skipping when it is unset.
func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("WATCHTOWER_TEST_DSN")
	if dsn == "" {
		t.Skip("WATCHTOWER_TEST_DSN not set")
	}
	require.NoError(t, RunMigrations(dsn))

	pool, err := pgxpool.New(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func chainEvent(t *testing.T, tenant, requestID string, ts time.Time) *domain.ActivityEvent {
	t.Helper()
	e := &domain.ActivityEvent{
		Timestamp:  ts,
		ActorRole:  domain.RoleSystem,
		Verb:       domain.VerbUpdate,
		TargetType: "Order",
		TargetID:   requestID,
		Source:     domain.SourceAPI,
		RequestID:  requestID,
		TenantID:   tenant,
	}
	hash, err := eventhash.Hash(e)
	require.NoError(t, err)
	e.Hash = hash
	return e
}

func TestEventRepo_ConcurrentAppendsKeepOneChain(t *testing.T) {
	pool := testPool(t)
	repo := NewEventRepo(pool)
	ctx := context.Background()

	tenant := "chain-" + uuid.NewString()
	ts := time.Now().UTC().Truncate(time.Second)

	const writers, perWriter = 10, 10
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_, created, err := repo.Append(ctx, chainEvent(t, tenant, fmt.Sprintf("w%d-%d", w, i), ts))
				assert.NoError(t, err)
				assert.True(t, created)
			}
		}(w)
	}
	wg.Wait()

	rows, err := pool.Query(ctx,
		`SELECT hash, prev_hash FROM activity_events WHERE tenant_id = $1 ORDER BY seq`, tenant)
	require.NoError(t, err)
	defer rows.Close()

	var hashes []string
	var prevs []*string
	for rows.Next() {
		var hash string
		var prev *string
		require.NoError(t, rows.Scan(&hash, &prev))
		hashes = append(hashes, hash)
		prevs = append(prevs, prev)
	}
	require.NoError(t, rows.Err())
	require.Len(t, hashes, writers*perWriter)

	assert.Nil(t, prevs[0])
	seen := map[string]bool{}
	for i := 1; i < len(hashes); i++ {
		require.NotNil(t, prevs[i], "event %d has no prev_hash", i)
		assert.Equal(t, hashes[i-1], *prevs[i], "event %d does not link to its predecessor", i)
		assert.False(t, seen[*prevs[i]], "chain forks at event %d", i)
		seen[*prevs[i]] = true
	}
}

func TestEventRepo_AppendIsIdempotentPerRequestID(t *testing.T) {
	pool := testPool(t)
	repo := NewEventRepo(pool)
	ctx := context.Background()

	tenant := "idem-" + uuid.NewString()
	first, created, err := repo.Append(ctx, chainEvent(t, tenant, "req-1", time.Now().UTC()))
	require.NoError(t, err)
	require.True(t, created)

	again, created, err := repo.Append(ctx, chainEvent(t, tenant, "req-1", time.Now().UTC()))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)
}
