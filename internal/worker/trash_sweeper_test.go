package worker

import (
	"context"
	"testing"
	"time"

	"CloudVault/internal/repo"
	"CloudVault/internal/service"
	"CloudVault/internal/task"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type batchPurger struct {
	remaining int
	calls     int
}

func (p *batchPurger) PurgeExpired(_ context.Context, limit int) (int, error) {
	p.calls++
	n := limit
	if p.remaining < n {
		n = p.remaining
	}
	p.remaining -= n
	return n, nil
}

func newRedisLock(t *testing.T, key string) (*repo.RedisLock, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return repo.NewRedisLock(rdb, key, time.Minute), rdb
}

func TestSweepOncePurgesInBatches(t *testing.T) {
	lock, _ := newRedisLock(t, "lock:trash-sweep")
	purger := &batchPurger{remaining: 25}
	sweeper := NewTrashSweeper(purger, lock, time.Hour, 10, zap.NewNop())

	n, err := sweeper.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 25, n)
	assert.Equal(t, 3, purger.calls)
}

func TestSweepOnceSkipsWhenLockHeld(t *testing.T) {
	lock, rdb := newRedisLock(t, "lock:trash-sweep")
	other := repo.NewRedisLock(rdb, "lock:trash-sweep", time.Minute)
	require.NoError(t, other.Lock(context.Background()))

	purger := &batchPurger{remaining: 5}
	n, err := NewTrashSweeper(purger, lock, time.Hour, 10, zap.NewNop()).SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, purger.calls)

	require.NoError(t, other.Unlock(context.Background()))
	n, err = NewTrashSweeper(purger, lock, time.Hour, 10, zap.NewNop()).SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}

func TestSweeperPurgesExpiredTrash(t *testing.T) {
	h := newHarness(t, 10*mb)
	ctx := context.Background()
	rec := h.upload(t, "old.txt", "text/plain", []byte("old"))
	_, err := h.worker(nil, nil, testConfig()).Process(ctx, task.NewJob(rec.ID))
	require.NoError(t, err)
	_, err = h.fileSvc.Trash(ctx, service.Actor{UserID: owner}, rec.ID)
	require.NoError(t, err)

	lock, _ := newRedisLock(t, "lock:trash-sweep")
	sweeper := NewTrashSweeper(h.fileSvc, lock, time.Hour, 10, zap.NewNop())

	// retention is an hour; nothing is old enough yet
	n, err := sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, h.objects.Len())
}
