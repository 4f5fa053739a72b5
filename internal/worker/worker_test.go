package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"sync/atomic"
	"testing"
	"time"

	"CloudVault/internal/apperr"
	"CloudVault/internal/audit"
	"CloudVault/internal/derive"
	"CloudVault/internal/repo/memory"
	"CloudVault/internal/scanner"
	"CloudVault/internal/service"
	"CloudVault/internal/storage"
	"CloudVault/internal/task"
	"CloudVault/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	mb    = int64(1 << 20)
	owner = uint64(7)
)

type scanFunc func(ctx context.Context, key string) (scanner.Verdict, error)

func (f scanFunc) Scan(ctx context.Context, key string) (scanner.Verdict, error) { return f(ctx, key) }

type stubDeriver struct {
	calls  atomic.Int32
	derive func(ctx context.Context) (derive.Metadata, error)
}

func (d *stubDeriver) Supports(string) bool { return true }

func (d *stubDeriver) Derive(ctx context.Context, _, _ string) (derive.Metadata, error) {
	d.calls.Add(1)
	return d.derive(ctx)
}

type harness struct {
	quota   *memory.QuotaStore
	files   *memory.FileStore
	objects *storage.MemoryStore
	queue   *task.MemoryQueue
	audit   *audit.Recorder
	ledger  *service.QuotaLedger
	fileSvc *service.FileService
}

func newHarness(t *testing.T, quota int64) *harness {
	t.Helper()
	h := &harness{
		quota:   memory.NewQuotaStore(),
		files:   memory.NewFileStore(),
		objects: storage.NewMemoryStore(),
		queue:   task.NewMemoryQueue(64),
		audit:   &audit.Recorder{},
	}
	t.Cleanup(h.queue.Close)
	require.NoError(t, h.quota.CreateUser(context.Background(), &model.User{ID: owner, UserName: "owner", QuotaBytes: quota}))
	log := zap.NewNop()
	h.ledger = service.NewQuotaLedger(h.quota, h.audit, nil, log)
	h.fileSvc = service.NewFileService(service.FileDeps{
		Files:   h.files,
		Folders: memory.NewFolderStore(),
		Shares:  memory.NewShareStore(),
		Quota:   h.ledger,
		Objects: h.objects,
		Queue:   h.queue,
		Audit:   h.audit,
		Log:     log,
	}, service.FileOptions{TrashRetention: time.Hour, PresignTTL: time.Minute})
	return h
}

func testConfig() Config {
	return Config{
		Concurrency:   2,
		Burst:         1,
		RetryMax:      3,
		RetryDelays:   []time.Duration{time.Millisecond},
		LeaseTTL:      time.Minute,
		ScanTimeout:   time.Second,
		DeriveTimeout: time.Second,
	}
}

func (h *harness) worker(scan scanner.Scanner, d derive.Deriver, cfg Config) *Worker {
	if scan == nil {
		scan = scanner.NewSignatureScanner(h.objects)
	}
	if d == nil {
		d = derive.NewContentDeriver(h.objects)
	}
	return New(Deps{
		Files:   h.files,
		Ledger:  h.ledger,
		Queue:   h.queue,
		Objects: h.objects,
		Scanner: scan,
		Deriver: d,
		Audit:   h.audit,
		Log:     zap.NewNop(),
	}, cfg)
}

func (h *harness) upload(t *testing.T, name, mime string, body []byte) *model.FileRecord {
	t.Helper()
	rec, err := h.fileSvc.FinalizeUpload(context.Background(), service.Actor{UserID: owner}, service.UploadInput{
		Name:     name,
		MimeType: mime,
		Size:     int64(len(body)),
		Body:     bytes.NewReader(body),
	})
	require.NoError(t, err)
	return rec
}

// start runs w until the returned stop is called.
func start(t *testing.T, w *Worker) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	return func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("worker did not stop")
		}
	}
}

func (h *harness) waitStatus(t *testing.T, id string, want model.FileStatus) *model.FileRecord {
	t.Helper()
	var rec *model.FileRecord
	require.Eventually(t, func() bool {
		got, err := h.files.Get(context.Background(), id)
		if err != nil {
			return false
		}
		rec = got
		return got.Status == want
	}, 5*time.Second, 5*time.Millisecond, "file %s never reached %s", id, want)
	return rec
}

func (h *harness) usage(t *testing.T) model.QuotaUsage {
	t.Helper()
	u, err := h.ledger.Usage(context.Background(), owner)
	require.NoError(t, err)
	return u
}

func TestCleanUploadBecomesReady(t *testing.T) {
	h := newHarness(t, 10*mb)
	rec := h.upload(t, "notes.txt", "text/plain", make([]byte, 5*mb))

	stop := start(t, h.worker(nil, nil, testConfig()))
	defer stop()

	ready := h.waitStatus(t, rec.ID, model.StatusReady)
	assert.Equal(t, 1, ready.Attempts)
	assert.Nil(t, ready.LeaseUntil)
	assert.Empty(t, ready.ErrorReason)
	assert.Equal(t, 5*mb, ready.SizeBytes)

	require.Eventually(t, func() bool { return h.audit.Count(audit.FileReady) == 1 }, time.Second, 5*time.Millisecond)
	u := h.usage(t)
	assert.Equal(t, 5*mb, u.UsedBytes)
	assert.Zero(t, u.ReservedBytes)
}

func TestMaliciousUploadIsInfected(t *testing.T) {
	h := newHarness(t, 10*mb)
	rec := h.upload(t, "eicar.com", "application/octet-stream", []byte("header "+scanner.EICAR+" trailer"))

	stop := start(t, h.worker(nil, nil, testConfig()))
	defer stop()

	infected := h.waitStatus(t, rec.ID, model.StatusInfected)
	assert.Equal(t, reasonInfected, infected.ErrorReason)
	assert.False(t, infected.Status.Downloadable())

	require.Eventually(t, func() bool { return h.audit.Count(audit.FileInfected) == 1 }, time.Second, 5*time.Millisecond)
	u := h.usage(t)
	assert.Zero(t, u.UsedBytes)
	assert.Zero(t, u.ReservedBytes)
	assert.Zero(t, h.audit.Count(audit.FileReady))
}

func TestDerivationTimeoutExhaustsRetries(t *testing.T) {
	h := newHarness(t, 10*mb)
	rec := h.upload(t, "slow.png", "image/png", []byte("not really a png"))

	d := &stubDeriver{derive: func(ctx context.Context) (derive.Metadata, error) {
		<-ctx.Done()
		return derive.Metadata{}, fmt.Errorf("%w: %v", apperr.ErrDerivationFailed, ctx.Err())
	}}
	cfg := testConfig()
	cfg.RetryMax = 2
	cfg.DeriveTimeout = 20 * time.Millisecond

	stop := start(t, h.worker(nil, d, cfg))
	defer stop()

	failed := h.waitStatus(t, rec.ID, model.StatusError)
	assert.Equal(t, reasonRetriesExhausted, failed.ErrorReason)
	assert.Equal(t, 2, failed.Attempts)
	assert.EqualValues(t, 2, d.calls.Load())

	require.Eventually(t, func() bool { return len(h.queue.DeadLetters()) == 1 }, time.Second, 5*time.Millisecond)
	dl := h.queue.DeadLetters()[0]
	assert.Equal(t, rec.ID, dl.FileID)
	assert.Contains(t, dl.Error, apperr.ErrRetriesExhausted.Error())

	u := h.usage(t)
	assert.Zero(t, u.UsedBytes)
	assert.Zero(t, u.ReservedBytes)
	res, err := h.quota.Get(context.Background(), rec.ReservationID)
	require.NoError(t, err)
	assert.Equal(t, model.ReservationReleased, res.State)
}

func TestImageDerivationStoresMetadata(t *testing.T) {
	h := newHarness(t, 10*mb)
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 4, 3))))
	rec := h.upload(t, "pixel.png", "image/png", buf.Bytes())

	stop := start(t, h.worker(nil, nil, testConfig()))
	defer stop()

	ready := h.waitStatus(t, rec.ID, model.StatusReady)
	assert.Equal(t, 4, ready.Width)
	assert.Equal(t, 3, ready.Height)
	assert.Equal(t, "image/png", ready.DetectedType)
	assert.Len(t, ready.Checksum, 64)
}

func TestRedeliveryAfterTerminalIsNoop(t *testing.T) {
	h := newHarness(t, 10*mb)
	ctx := context.Background()
	rec := h.upload(t, "a.txt", "text/plain", make([]byte, mb))
	w := h.worker(nil, nil, testConfig())

	outcome, err := w.Process(ctx, task.NewJob(rec.ID))
	require.NoError(t, err)
	require.Equal(t, outcomeReady, outcome)
	before := h.usage(t)
	events := len(h.audit.Events())
	done, err := h.files.Get(ctx, rec.ID)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		outcome, err := w.Process(ctx, task.NewJob(rec.ID))
		require.NoError(t, err)
		assert.Equal(t, outcomeSkipped, outcome)
	}

	assert.Equal(t, before, h.usage(t))
	assert.Len(t, h.audit.Events(), events)
	after, err := h.files.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, done.Version, after.Version)
}

func TestRedeliveryRepairsCrashedFinalize(t *testing.T) {
	h := newHarness(t, 10*mb)
	ctx := context.Background()
	rec := h.upload(t, "a.txt", "text/plain", make([]byte, mb))

	// status reached ready but the process died before the ledger commit
	rec, err := h.files.CompareAndSet(ctx, rec, model.StatusScanning, model.FileUpdate{})
	require.NoError(t, err)
	_, err = h.files.CompareAndSet(ctx, rec, model.StatusReady, model.FileUpdate{})
	require.NoError(t, err)
	require.Equal(t, mb, h.usage(t).ReservedBytes)

	w := h.worker(nil, nil, testConfig())
	outcome, err := w.Process(ctx, task.NewJob(rec.ID))
	require.NoError(t, err)
	assert.Equal(t, outcomeSkipped, outcome)
	assert.Equal(t, 1, h.audit.Count(audit.FileReady))
	u := h.usage(t)
	assert.Equal(t, mb, u.UsedBytes)
	assert.Zero(t, u.ReservedBytes)

	_, err = w.Process(ctx, task.NewJob(rec.ID))
	require.NoError(t, err)
	assert.Equal(t, 1, h.audit.Count(audit.FileReady))
}

func TestTrashedMidFlightReleasesReservation(t *testing.T) {
	h := newHarness(t, 10*mb)
	ctx := context.Background()
	rec := h.upload(t, "doomed.txt", "text/plain", make([]byte, 2*mb))

	scan := scanFunc(func(ctx context.Context, _ string) (scanner.Verdict, error) {
		_, err := h.fileSvc.Trash(ctx, service.Actor{UserID: owner}, rec.ID)
		return scanner.Clean, err
	})
	w := h.worker(scan, nil, testConfig())

	outcome, err := w.Process(ctx, task.NewJob(rec.ID))
	require.NoError(t, err)
	assert.Equal(t, outcomeCancelled, outcome)

	got, err := h.files.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusTrashed, got.Status)
	assert.Equal(t, model.StatusScanning, got.PreviousStatus)
	u := h.usage(t)
	assert.Zero(t, u.UsedBytes)
	assert.Zero(t, u.ReservedBytes)
	assert.Zero(t, h.audit.Count(audit.FileReady))

	outcome, err = w.Process(ctx, task.NewJob(rec.ID))
	require.NoError(t, err)
	assert.Equal(t, outcomeSkipped, outcome)
}

func TestLiveLeaseDefersJob(t *testing.T) {
	h := newHarness(t, 10*mb)
	ctx := context.Background()
	rec := h.upload(t, "busy.txt", "text/plain", []byte("x"))
	until := time.Now().Add(time.Minute)
	attempts := 1
	claimed, err := h.files.CompareAndSet(ctx, rec, model.StatusScanning, model.FileUpdate{Attempts: &attempts, LeaseUntil: leasePtr(&until)})
	require.NoError(t, err)

	w := h.worker(nil, nil, testConfig())
	outcome, err := w.Process(ctx, task.NewJob(rec.ID))
	require.NoError(t, err)
	assert.Equal(t, outcomeDeferred, outcome)

	got, err := h.files.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, claimed.Version, got.Version)
	assert.Equal(t, 1, got.Attempts)
}

func TestExpiredLeaseIsReclaimed(t *testing.T) {
	h := newHarness(t, 10*mb)
	ctx := context.Background()
	rec := h.upload(t, "stale.txt", "text/plain", []byte("x"))
	until := time.Now().Add(-time.Second)
	attempts := 1
	_, err := h.files.CompareAndSet(ctx, rec, model.StatusScanning, model.FileUpdate{Attempts: &attempts, LeaseUntil: leasePtr(&until)})
	require.NoError(t, err)

	w := h.worker(nil, nil, testConfig())
	outcome, err := w.Process(ctx, task.NewJob(rec.ID))
	require.NoError(t, err)
	assert.Equal(t, outcomeReady, outcome)

	got, err := h.files.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Attempts)
}

func TestObservedSizeReconciliation(t *testing.T) {
	ctx := context.Background()

	t.Run("shrink", func(t *testing.T) {
		h := newHarness(t, 10*mb)
		rec := h.upload(t, "s.txt", "text/plain", make([]byte, 4*mb))
		require.NoError(t, h.objects.PutObject(ctx, rec.StorageKey, bytes.NewReader(make([]byte, mb)), mb, storage.PutOptions{}))

		outcome, err := h.worker(nil, nil, testConfig()).Process(ctx, task.NewJob(rec.ID))
		require.NoError(t, err)
		assert.Equal(t, outcomeReady, outcome)
		got, err := h.files.Get(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, mb, got.SizeBytes)
		assert.Equal(t, mb, h.usage(t).UsedBytes)
	})

	t.Run("growth beyond quota", func(t *testing.T) {
		h := newHarness(t, 10*mb)
		rec := h.upload(t, "g.txt", "text/plain", make([]byte, 4*mb))
		require.NoError(t, h.objects.PutObject(ctx, rec.StorageKey, bytes.NewReader(make([]byte, 11*mb)), 11*mb, storage.PutOptions{}))

		outcome, err := h.worker(nil, nil, testConfig()).Process(ctx, task.NewJob(rec.ID))
		require.NoError(t, err)
		assert.Equal(t, outcomeFailed, outcome)
		got, err := h.files.Get(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusError, got.Status)
		assert.Equal(t, reasonQuotaExceeded, got.ErrorReason)
		u := h.usage(t)
		assert.Zero(t, u.UsedBytes)
		assert.Zero(t, u.ReservedBytes)
		assert.Empty(t, h.queue.DeadLetters())
	})
}

func TestMissingObjectFailsWithoutRetry(t *testing.T) {
	h := newHarness(t, 10*mb)
	ctx := context.Background()
	rec := h.upload(t, "lost.txt", "text/plain", []byte("bytes"))
	require.NoError(t, h.objects.RemoveObject(ctx, rec.StorageKey))

	outcome, err := h.worker(nil, nil, testConfig()).Process(ctx, task.NewJob(rec.ID))
	require.NoError(t, err)
	assert.Equal(t, outcomeFailed, outcome)
	got, err := h.files.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, reasonObjectMissing, got.ErrorReason)
	assert.Equal(t, 1, got.Attempts)
}

func TestRecoverableScanFailureRetries(t *testing.T) {
	h := newHarness(t, 10*mb)
	var calls atomic.Int32
	scan := scanFunc(func(context.Context, string) (scanner.Verdict, error) {
		if calls.Add(1) == 1 {
			return scanner.Clean, fmt.Errorf("%w: connection reset", apperr.ErrScanFailed)
		}
		return scanner.Clean, nil
	})
	rec := h.upload(t, "flaky.txt", "text/plain", []byte("data"))

	stop := start(t, h.worker(scan, nil, testConfig()))
	defer stop()

	ready := h.waitStatus(t, rec.ID, model.StatusReady)
	assert.Equal(t, 2, ready.Attempts)
	assert.EqualValues(t, 2, calls.Load())
	assert.Empty(t, h.queue.DeadLetters())
}

func TestInvalidMessageIsAcked(t *testing.T) {
	h := newHarness(t, 10*mb)
	require.NoError(t, h.queue.PublishRaw(context.Background(), []byte("{not json")))

	stop := start(t, h.worker(nil, nil, testConfig()))
	defer stop()

	require.Eventually(t, func() bool {
		acks, _ := h.queue.Settled()
		return acks == 1
	}, time.Second, 5*time.Millisecond)
}

func TestRecoverable(t *testing.T) {
	assert.True(t, recoverable(fmt.Errorf("%w: x", apperr.ErrScanFailed)))
	assert.True(t, recoverable(fmt.Errorf("%w: x", apperr.ErrDerivationFailed)))
	assert.True(t, recoverable(context.DeadlineExceeded))
	assert.True(t, recoverable(fmt.Errorf("%w: stat", errTransient)))
	assert.False(t, recoverable(fmt.Errorf("%w: %w", apperr.ErrScanFailed, storage.ErrObjectNotFound)))
	assert.False(t, recoverable(errors.New("boom")))
}
