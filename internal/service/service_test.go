package service

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"CloudVault/internal/audit"
	"CloudVault/internal/metrics"
	"CloudVault/internal/repo/memory"
	"CloudVault/internal/storage"
	"CloudVault/internal/task"
	"CloudVault/model"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	mb        = int64(1 << 20)
	alice     = uint64(1)
	bob       = uint64(2)
	retention = 7 * 24 * time.Hour
)

type mapCache struct {
	mu       sync.Mutex
	views    map[string][]byte
	expiries map[string]time.Time
}

func newMapCache() *mapCache {
	return &mapCache{views: make(map[string][]byte), expiries: make(map[string]time.Time)}
}

func (c *mapCache) GetView(_ context.Context, token string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.views[token], nil
}

func (c *mapCache) SetView(_ context.Context, token string, data []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.views[token] = data
	return nil
}

func (c *mapCache) DeleteViews(_ context.Context, tokens ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range tokens {
		delete(c.views, t)
	}
	return nil
}

func (c *mapCache) ScheduleExpiry(_ context.Context, token string, at time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expiries[token] = at
	return nil
}

func (c *mapCache) cached(token string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.views[token]
	return ok
}

type harness struct {
	quotaStore *memory.QuotaStore
	files      *memory.FileStore
	folders    *memory.FolderStore
	shares     *memory.ShareStore
	cache      *mapCache
	objects    *storage.MemoryStore
	queue      *task.MemoryQueue
	audit      *audit.Recorder
	metrics    *metrics.Metrics

	ledger   *QuotaLedger
	fileSvc  *FileService
	shareSvc *ShareService

	clock time.Time
}

func newHarness(t *testing.T, quota int64) *harness {
	t.Helper()
	h := &harness{
		quotaStore: memory.NewQuotaStore(),
		files:      memory.NewFileStore(),
		folders:    memory.NewFolderStore(),
		shares:     memory.NewShareStore(),
		cache:      newMapCache(),
		objects:    storage.NewMemoryStore(),
		queue:      task.NewMemoryQueue(64),
		audit:      &audit.Recorder{},
		metrics:    metrics.New(prometheus.NewRegistry()),
		clock:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	t.Cleanup(h.queue.Close)
	ctx := context.Background()
	for _, id := range []uint64{alice, bob} {
		require.NoError(t, h.quotaStore.CreateUser(ctx, &model.User{ID: id, UserName: "user", Email: "user@example.com", QuotaBytes: quota}))
	}

	log := zap.NewNop()
	h.ledger = NewQuotaLedger(h.quotaStore, h.audit, h.metrics, log)
	h.fileSvc = NewFileService(FileDeps{
		Files:   h.files,
		Folders: h.folders,
		Shares:  h.shares,
		Cache:   h.cache,
		Quota:   h.ledger,
		Objects: h.objects,
		Queue:   h.queue,
		Audit:   h.audit,
		Log:     log,
	}, FileOptions{TrashRetention: retention, PresignTTL: time.Hour})
	h.shareSvc = NewShareService(ShareDeps{
		Shares:  h.shares,
		Files:   h.files,
		Folders: h.folders,
		Cache:   h.cache,
		Objects: h.objects,
		Audit:   h.audit,
		Metrics: h.metrics,
		Log:     log,
	}, ShareOptions{CacheTTL: 5 * time.Minute, TokenRetries: 3, PresignTTL: time.Hour})
	now := func() time.Time { return h.clock }
	h.fileSvc.now = now
	h.shareSvc.now = now
	return h
}

func (h *harness) advance(d time.Duration) {
	h.clock = h.clock.Add(d)
}

func (h *harness) upload(t *testing.T, owner uint64, folderID *string, name string, size int64) *model.FileRecord {
	t.Helper()
	rec, err := h.fileSvc.FinalizeUpload(context.Background(), Actor{UserID: owner}, UploadInput{
		FolderID: folderID,
		Name:     name,
		MimeType: "text/plain",
		Size:     size,
		Body:     bytes.NewReader(make([]byte, size)),
	})
	require.NoError(t, err)
	return rec
}

// readyFile uploads a file and drives it through a clean scan the way the
// worker would.
func (h *harness) readyFile(t *testing.T, owner uint64, folderID *string, name string, size int64) *model.FileRecord {
	t.Helper()
	ctx := context.Background()
	rec := h.upload(t, owner, folderID, name, size)
	rec, err := h.files.CompareAndSet(ctx, rec, model.StatusScanning, model.FileUpdate{})
	require.NoError(t, err)
	rec, err = h.files.CompareAndSet(ctx, rec, model.StatusReady, model.FileUpdate{})
	require.NoError(t, err)
	_, err = h.ledger.Commit(ctx, rec.ReservationID)
	require.NoError(t, err)
	return rec
}

func (h *harness) usage(t *testing.T, userID uint64) model.QuotaUsage {
	t.Helper()
	u, err := h.ledger.Usage(context.Background(), userID)
	require.NoError(t, err)
	return u
}
