package service

import (
	"bytes"
	"context"
	"testing"
	"time"

	"CloudVault/internal/apperr"
	"CloudVault/internal/audit"
	"CloudVault/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFinalizeUploadCreatesPendingRecordAndJob(t *testing.T) {
	h := newHarness(t, 10*mb)

	rec := h.upload(t, alice, nil, "report.txt", 5*mb)

	assert.Equal(t, model.StatusPending, rec.Status)
	assert.EqualValues(t, 1, rec.Version)
	assert.NotEmpty(t, rec.StorageKey)
	assert.NotEmpty(t, rec.ReservationID)
	assert.Equal(t, 1, h.objects.Len())

	jobs := h.queue.Published()
	require.Len(t, jobs, 1)
	assert.Equal(t, rec.ID, jobs[0].FileID)

	u := h.usage(t, alice)
	assert.Equal(t, 5*mb, u.ReservedBytes)
	assert.Zero(t, u.UsedBytes)
}

func TestFinalizeUploadOverQuota(t *testing.T) {
	h := newHarness(t, 10*mb)

	_, err := h.fileSvc.FinalizeUpload(context.Background(), Actor{UserID: alice}, UploadInput{
		Name: "big.bin",
		Size: 11 * mb,
		Body: bytes.NewReader(make([]byte, 11*mb)),
	})
	assert.ErrorIs(t, err, apperr.ErrQuotaExceeded)
	assert.Zero(t, h.objects.Len())
	assert.Empty(t, h.queue.Published())
	assert.Zero(t, h.usage(t, alice).ReservedBytes)
}

func TestFinalizeUploadRejectsForeignFolder(t *testing.T) {
	h := newHarness(t, 10*mb)
	folder, err := h.fileSvc.CreateFolder(context.Background(), Actor{UserID: bob}, nil, "bob")
	require.NoError(t, err)

	_, err = h.fileSvc.FinalizeUpload(context.Background(), Actor{UserID: alice}, UploadInput{
		FolderID: &folder.ID,
		Name:     "x",
		Size:     1,
		Body:     bytes.NewReader([]byte{1}),
	})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	assert.Zero(t, h.usage(t, alice).ReservedBytes)
}

func TestStatusHidesOtherUsersFiles(t *testing.T) {
	h := newHarness(t, 10*mb)
	rec := h.upload(t, alice, nil, "a.txt", 10)
	ctx := context.Background()

	_, err := h.fileSvc.Status(ctx, Actor{UserID: bob}, rec.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	got, err := h.fileSvc.Status(ctx, Actor{UserID: bob, Admin: true}, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
}

func TestDownloadURLOnlyForReadyFiles(t *testing.T) {
	h := newHarness(t, 10*mb)
	ctx := context.Background()

	pending := h.upload(t, alice, nil, "p.txt", 10)
	_, err := h.fileSvc.DownloadURL(ctx, Actor{UserID: alice}, pending.ID)
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	ready := h.readyFile(t, alice, nil, "r.txt", 10)
	url, err := h.fileSvc.DownloadURL(ctx, Actor{UserID: alice}, ready.ID)
	require.NoError(t, err)
	assert.Contains(t, url, "filename=r.txt")
}

func TestTrashReadyRefundsAndRestoreRecharges(t *testing.T) {
	h := newHarness(t, 10*mb)
	ctx := context.Background()
	me := Actor{UserID: alice}
	rec := h.readyFile(t, alice, nil, "doc.txt", 5*mb)
	assert.Equal(t, 5*mb, h.usage(t, alice).UsedBytes)

	trashed, err := h.fileSvc.Trash(ctx, me, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusTrashed, trashed.Status)
	assert.Equal(t, model.StatusReady, trashed.PreviousStatus)
	assert.Zero(t, h.usage(t, alice).UsedBytes)

	bin, err := h.fileSvc.ListTrash(ctx, me)
	require.NoError(t, err)
	require.Len(t, bin, 1)
	assert.Equal(t, rec.ID, bin[0].ID)

	_, err = h.fileSvc.Trash(ctx, me, rec.ID)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

	restored, err := h.fileSvc.Restore(ctx, me, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusReady, restored.Status)
	assert.Empty(t, restored.PreviousStatus)
	assert.Nil(t, restored.TrashedAt)
	assert.Greater(t, restored.Version, trashed.Version)

	u := h.usage(t, alice)
	assert.Equal(t, 5*mb, u.UsedBytes)
	assert.Zero(t, u.ReservedBytes)
	assert.Equal(t, 1, h.audit.Count(audit.FileTrashed))
	assert.Equal(t, 1, h.audit.Count(audit.FileRestored))
}

// racingFiles runs after on every successful compare-and-set, standing in for
// a redelivered job that settles the record before the caller does.
type racingFiles struct {
	FileStore
	after func(rec *model.FileRecord)
}

func (f *racingFiles) CompareAndSet(ctx context.Context, cur *model.FileRecord, to model.FileStatus, upd model.FileUpdate) (*model.FileRecord, error) {
	rec, err := f.FileStore.CompareAndSet(ctx, cur, to, upd)
	if err == nil && f.after != nil {
		f.after(rec)
	}
	return rec, err
}

func TestRestoreToleratesConcurrentSettle(t *testing.T) {
	h := newHarness(t, 10*mb)
	ctx := context.Background()
	me := Actor{UserID: alice}
	rec := h.readyFile(t, alice, nil, "doc.txt", 5*mb)
	_, err := h.fileSvc.Trash(ctx, me, rec.ID)
	require.NoError(t, err)

	h.fileSvc.files = &racingFiles{FileStore: h.files, after: func(r *model.FileRecord) {
		if r.Status == model.StatusReady {
			_, err := h.ledger.CommitHeld(ctx, r.ReservationID)
			require.NoError(t, err)
		}
	}}

	restored, err := h.fileSvc.Restore(ctx, me, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusReady, restored.Status)
	u := h.usage(t, alice)
	assert.Equal(t, 5*mb, u.UsedBytes)
	assert.Zero(t, u.ReservedBytes)
	assert.Equal(t, 1, h.audit.Count(audit.FileRestored))
}

func TestRestoreBlockedByQuota(t *testing.T) {
	h := newHarness(t, 10*mb)
	ctx := context.Background()
	me := Actor{UserID: alice}
	rec := h.readyFile(t, alice, nil, "old.bin", 5*mb)

	_, err := h.fileSvc.Trash(ctx, me, rec.ID)
	require.NoError(t, err)
	h.readyFile(t, alice, nil, "new.bin", 8*mb)

	_, err = h.fileSvc.Restore(ctx, me, rec.ID)
	assert.ErrorIs(t, err, apperr.ErrQuotaExceeded)

	got, err := h.files.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusTrashed, got.Status)
	assert.Equal(t, 8*mb, h.usage(t, alice).UsedBytes)
}

func TestTrashInFlightReleasesHoldAndRestoreRequeues(t *testing.T) {
	h := newHarness(t, 10*mb)
	ctx := context.Background()
	me := Actor{UserID: alice}
	rec := h.upload(t, alice, nil, "in-flight.txt", 3*mb)
	scanning, err := h.files.CompareAndSet(ctx, rec, model.StatusScanning, model.FileUpdate{})
	require.NoError(t, err)

	trashed, err := h.fileSvc.Trash(ctx, me, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusScanning, trashed.PreviousStatus)
	assert.Zero(t, h.usage(t, alice).ReservedBytes)

	res, err := h.quotaStore.Get(ctx, scanning.ReservationID)
	require.NoError(t, err)
	assert.Equal(t, model.ReservationReleased, res.State)

	restored, err := h.fileSvc.Restore(ctx, me, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, restored.Status)
	assert.Zero(t, restored.Attempts)
	assert.NotEqual(t, scanning.ReservationID, restored.ReservationID)
	assert.Equal(t, 3*mb, h.usage(t, alice).ReservedBytes)
	assert.Len(t, h.queue.Published(), 2)
}

func TestRestoreAfterRetention(t *testing.T) {
	h := newHarness(t, 10*mb)
	ctx := context.Background()
	me := Actor{UserID: alice}
	rec := h.readyFile(t, alice, nil, "gone.txt", mb)

	_, err := h.fileSvc.Trash(ctx, me, rec.ID)
	require.NoError(t, err)
	h.advance(retention + time.Minute)

	_, err = h.fileSvc.Restore(ctx, me, rec.ID)
	assert.ErrorIs(t, err, apperr.ErrRetentionElapsed)
}

func TestRestoreErrorFileKeepsLedger(t *testing.T) {
	h := newHarness(t, 10*mb)
	ctx := context.Background()
	me := Actor{UserID: alice}
	rec := h.upload(t, alice, nil, "bad.txt", mb)
	failed, err := h.files.CompareAndSet(ctx, rec, model.StatusError, model.FileUpdate{ErrorReason: strPtr("retries_exhausted")})
	require.NoError(t, err)
	_, err = h.ledger.Release(ctx, failed.ReservationID)
	require.NoError(t, err)

	_, err = h.fileSvc.Trash(ctx, me, rec.ID)
	require.NoError(t, err)
	restored, err := h.fileSvc.Restore(ctx, me, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusError, restored.Status)
	assert.Equal(t, "retries_exhausted", restored.ErrorReason)

	u := h.usage(t, alice)
	assert.Zero(t, u.UsedBytes)
	assert.Zero(t, u.ReservedBytes)
}

func TestPurgeCascadesLinks(t *testing.T) {
	h := newHarness(t, 10*mb)
	ctx := context.Background()
	me := Actor{UserID: alice}
	rec := h.readyFile(t, alice, nil, "shared.txt", mb)

	link, err := h.shareSvc.Issue(ctx, me, ShareTarget{FileID: &rec.ID}, IssueOptions{})
	require.NoError(t, err)
	_, err = h.shareSvc.Resolve(ctx, link.Token)
	require.NoError(t, err)

	assert.ErrorIs(t, h.fileSvc.Purge(ctx, me, rec.ID), apperr.ErrInvalidTransition)

	_, err = h.fileSvc.Trash(ctx, me, rec.ID)
	require.NoError(t, err)
	assert.False(t, h.cache.cached(link.Token))
	require.NoError(t, h.fileSvc.Purge(ctx, me, rec.ID))

	_, err = h.files.Get(ctx, rec.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = h.shares.Get(ctx, link.Token)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	assert.Zero(t, h.objects.Len())
	assert.Zero(t, h.usage(t, alice).UsedBytes)
	assert.Equal(t, 1, h.audit.Count(audit.FilePurged))
}

func TestPurgeExpired(t *testing.T) {
	h := newHarness(t, 10*mb)
	ctx := context.Background()
	me := Actor{UserID: alice}

	old := h.readyFile(t, alice, nil, "old.txt", mb)
	_, err := h.fileSvc.Trash(ctx, me, old.ID)
	require.NoError(t, err)
	h.advance(retention + time.Hour)

	recent := h.readyFile(t, alice, nil, "recent.txt", mb)
	_, err = h.fileSvc.Trash(ctx, me, recent.ID)
	require.NoError(t, err)

	n, err := h.fileSvc.PurgeExpired(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = h.files.Get(ctx, old.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = h.files.Get(ctx, recent.ID)
	assert.NoError(t, err)
}

func TestFoldersAndListing(t *testing.T) {
	h := newHarness(t, 10*mb)
	ctx := context.Background()
	me := Actor{UserID: alice}

	docs, err := h.fileSvc.CreateFolder(ctx, me, nil, "docs")
	require.NoError(t, err)
	_, err = h.fileSvc.CreateFolder(ctx, me, &docs.ID, "2026")
	require.NoError(t, err)
	_, err = h.fileSvc.CreateFolder(ctx, me, nil, "a/b")
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)

	h.upload(t, alice, &docs.ID, "inside.txt", 10)
	h.upload(t, alice, nil, "top.txt", 10)

	folders, files, err := h.fileSvc.List(ctx, me, &docs.ID)
	require.NoError(t, err)
	require.Len(t, folders, 1)
	assert.Equal(t, "2026", folders[0].Name)
	require.Len(t, files, 1)
	assert.Equal(t, "inside.txt", files[0].Name)

	require.NoError(t, h.fileSvc.TrashFolder(ctx, me, docs.ID))
	_, _, err = h.fileSvc.List(ctx, me, &docs.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	require.NoError(t, h.fileSvc.RestoreFolder(ctx, me, docs.ID))
	_, _, err = h.fileSvc.List(ctx, me, &docs.ID)
	assert.NoError(t, err)
}
