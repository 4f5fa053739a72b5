package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"CloudVault/internal/apperr"
	"CloudVault/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuotaStoreConcurrentReserve(t *testing.T) {
	ctx := context.Background()
	store := NewQuotaStore()
	require.NoError(t, store.CreateUser(ctx, &model.User{ID: 1, QuotaBytes: 100}))

	var ok int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := store.Reserve(ctx, 1, "f", 7)
			if err != nil {
				assert.ErrorIs(t, err, apperr.ErrQuotaExceeded)
				return
			}
			atomic.AddInt32(&ok, 1)
			_, err = store.Commit(ctx, res.ID)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(14), ok)
	usage, err := store.Usage(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(98), usage.UsedBytes+usage.ReservedBytes)
}

func TestQuotaStoreFinalizeOnce(t *testing.T) {
	ctx := context.Background()
	store := NewQuotaStore()
	require.NoError(t, store.CreateUser(ctx, &model.User{ID: 1, QuotaBytes: 100}))

	res, err := store.Reserve(ctx, 1, "f", 40)
	require.NoError(t, err)
	_, err = store.Adjust(ctx, res.ID, 70)
	require.NoError(t, err)
	_, err = store.Adjust(ctx, res.ID, 101)
	assert.ErrorIs(t, err, apperr.ErrQuotaExceeded)

	_, err = store.Release(ctx, res.ID)
	require.NoError(t, err)
	_, err = store.Release(ctx, res.ID)
	assert.ErrorIs(t, err, apperr.ErrAlreadyFinalized)
	_, err = store.Refund(ctx, res.ID)
	assert.ErrorIs(t, err, apperr.ErrAlreadyFinalized)

	usage, err := store.Usage(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, model.QuotaUsage{UserID: 1, QuotaBytes: 100}, usage)
}

func TestFileStoreCompareAndSet(t *testing.T) {
	ctx := context.Background()
	store := NewFileStore()
	rec := &model.FileRecord{ID: "f1", OwnerID: 1, Status: model.StatusPending, StorageKey: "k1"}
	require.NoError(t, store.Create(ctx, rec))
	assert.Error(t, store.Create(ctx, &model.FileRecord{ID: "f2", StorageKey: "k1"}))

	next, err := store.CompareAndSet(ctx, rec, model.StatusScanning, model.FileUpdate{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), next.Version)

	_, err = store.CompareAndSet(ctx, rec, model.StatusScanning, model.FileUpdate{})
	assert.ErrorIs(t, err, apperr.ErrConflict)
	_, err = store.CompareAndSet(ctx, next, model.StatusPending, model.FileUpdate{})
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
}

func TestShareStoreIncrement(t *testing.T) {
	ctx := context.Background()
	store := NewShareStore()
	max := int64(3)
	file := "f1"
	require.NoError(t, store.Create(ctx, &model.ShareLink{Token: "t", FileID: &file, MaxAccessCount: &max}))

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.Increment(ctx, "t", time.Now())
			assert.NoError(t, err)
			if ok {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(3), wins)
}
