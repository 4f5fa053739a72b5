package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"
	"time"

	"CloudVault/internal/apperr"
	"CloudVault/internal/audit"
	"CloudVault/internal/storage"
	"CloudVault/internal/task"
	"CloudVault/model"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// casRetries bounds how often trash re-reads a record the worker moved underneath it.
const casRetries = 3

// FileOptions tunes the file lifecycle.
type FileOptions struct {
	TrashRetention time.Duration
	PresignTTL     time.Duration
}

// FileService runs the owner-facing side of the file lifecycle: upload
// finalization, status, folders, trash, restore and purge.
type FileService struct {
	files   FileStore
	folders FolderStore
	shares  ShareStore
	cache   ShareCache
	quota   *QuotaLedger
	objects storage.Store
	queue   task.Queue
	audit   audit.Sink
	log     *zap.Logger
	opts    FileOptions
	now     func() time.Time
}

type FileDeps struct {
	Files   FileStore
	Folders FolderStore
	Shares  ShareStore
	Cache   ShareCache
	Quota   *QuotaLedger
	Objects storage.Store
	Queue   task.Queue
	Audit   audit.Sink
	Log     *zap.Logger
}

func NewFileService(deps FileDeps, opts FileOptions) *FileService {
	return &FileService{
		files:   deps.Files,
		folders: deps.Folders,
		shares:  deps.Shares,
		cache:   deps.Cache,
		quota:   deps.Quota,
		objects: deps.Objects,
		queue:   deps.Queue,
		audit:   deps.Audit,
		log:     deps.Log.Named("file"),
		opts:    opts,
		now:     time.Now,
	}
}

// UploadInput describes a finished client upload.
type UploadInput struct {
	FolderID *string
	Name     string
	MimeType string
	Size     int64
	Body     io.Reader
}

// FinalizeUpload reserves quota, stores the bytes, creates the pending record
// and enqueues its processing job.
func (s *FileService) FinalizeUpload(ctx context.Context, actor Actor, in UploadInput) (*model.FileRecord, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" || in.Size < 0 || in.Body == nil {
		return nil, fmt.Errorf("%w: upload needs a name, a size and a body", apperr.ErrInvalidArgument)
	}
	if in.FolderID != nil {
		if _, err := s.liveFolder(ctx, actor, *in.FolderID); err != nil {
			return nil, err
		}
	}
	mime := in.MimeType
	if mime == "" {
		mime = "application/octet-stream"
	}

	fileID := uuid.NewString()
	res, err := s.quota.Reserve(ctx, actor.UserID, fileID, in.Size)
	if err != nil {
		return nil, err
	}
	log := s.log.With(zap.String("file_id", fileID), zap.Uint64("owner_id", actor.UserID))

	key := path.Join("files", strconv.FormatUint(actor.UserID, 10), fileID)
	if err := s.objects.PutObject(ctx, key, in.Body, in.Size, storage.PutOptions{ContentType: mime}); err != nil {
		s.releaseQuietly(ctx, log, res.ID)
		return nil, fmt.Errorf("store object: %w", err)
	}

	rec := &model.FileRecord{
		ID:            fileID,
		OwnerID:       actor.UserID,
		FolderID:      in.FolderID,
		Name:          name,
		MimeType:      mime,
		SizeBytes:     in.Size,
		Status:        model.StatusPending,
		StorageKey:    key,
		ReservationID: res.ID,
		Version:       1,
	}
	if err := s.files.Create(ctx, rec); err != nil {
		if rmErr := s.objects.RemoveObject(ctx, key); rmErr != nil {
			log.Warn("remove orphan object failed", zap.Error(rmErr))
		}
		s.releaseQuietly(ctx, log, res.ID)
		return nil, fmt.Errorf("create file record: %w", err)
	}

	if err := s.queue.Publish(ctx, task.NewJob(fileID)); err != nil {
		log.Error("enqueue processing job failed", zap.Error(err))
		failed, casErr := s.files.CompareAndSet(ctx, rec, model.StatusError, model.FileUpdate{ErrorReason: strPtr("enqueue_failed")})
		if casErr == nil {
			rec = failed
			s.releaseQuietly(ctx, log, res.ID)
		}
		return rec, fmt.Errorf("enqueue processing job: %w", err)
	}
	log.Info("upload finalized", zap.Int64("size", in.Size), zap.String("mime", mime))
	return rec, nil
}

// Status returns the record for its owner or an administrator.
func (s *FileService) Status(ctx context.Context, actor Actor, fileID string) (*model.FileRecord, error) {
	return s.owned(ctx, actor, fileID)
}

// DownloadURL presigns a download of a ready file for its owner.
func (s *FileService) DownloadURL(ctx context.Context, actor Actor, fileID string) (string, error) {
	rec, err := s.owned(ctx, actor, fileID)
	if err != nil {
		return "", err
	}
	if !rec.Status.Downloadable() {
		return "", fmt.Errorf("%w: file is %s", apperr.ErrForbidden, rec.Status)
	}
	return s.objects.PresignedGetObject(ctx, rec.StorageKey, s.opts.PresignTTL, rec.Name)
}

// Trash moves a file to the recycle bin and returns its bytes to the owner.
// A ready file is refunded; an in-flight file has its hold released and the
// worker drops the job when it next looks at the record.
func (s *FileService) Trash(ctx context.Context, actor Actor, fileID string) (*model.FileRecord, error) {
	var (
		rec  *model.FileRecord
		prev model.FileStatus
		err  error
	)
	for i := 0; i < casRetries; i++ {
		var cur *model.FileRecord
		cur, err = s.owned(ctx, actor, fileID)
		if err != nil {
			return nil, err
		}
		prev = cur.Status
		at := s.now()
		rec, err = s.files.CompareAndSet(ctx, cur, model.StatusTrashed, model.FileUpdate{
			PreviousStatus: &prev,
			TrashedAt:      timePtr(&at),
			LeaseUntil:     timePtr(nil),
		})
		if !errors.Is(err, apperr.ErrConflict) {
			break
		}
	}
	if err != nil {
		return nil, err
	}
	log := s.log.With(zap.String("file_id", fileID))

	switch {
	case prev == model.StatusReady:
		if _, err := s.quota.RefundCommitted(ctx, rec.ReservationID); err != nil {
			log.Error("refund on trash failed", zap.Error(err))
		}
	case prev.InFlight():
		if _, err := s.quota.ReleaseHeld(ctx, rec.ReservationID); err != nil {
			log.Error("release on trash failed", zap.Error(err))
		}
	}
	s.invalidateFileLinks(ctx, log, fileID)
	s.record(ctx, s.fileEvent(&actor, audit.FileTrashed, rec, map[string]string{"previous_status": prev.String()}))
	log.Info("file trashed", zap.String("previous_status", prev.String()))
	return rec, nil
}

// Restore returns a trashed file to its previous status within the retention
// window. Ready files are charged again; files trashed in flight go back to
// pending with a fresh hold and a new job.
func (s *FileService) Restore(ctx context.Context, actor Actor, fileID string) (*model.FileRecord, error) {
	cur, err := s.owned(ctx, actor, fileID)
	if err != nil {
		return nil, err
	}
	if cur.Status != model.StatusTrashed {
		return nil, fmt.Errorf("%w: %s -> restore", apperr.ErrInvalidTransition, cur.Status)
	}
	if s.retentionElapsed(cur) {
		return nil, fmt.Errorf("%w: trashed at %s", apperr.ErrRetentionElapsed, cur.TrashedAt.Format(time.RFC3339))
	}
	log := s.log.With(zap.String("file_id", fileID))
	target := model.RestoreTarget(cur.PreviousStatus)

	upd := model.FileUpdate{
		PreviousStatus: statusPtr(""),
		TrashedAt:      timePtr(nil),
	}
	var res *model.QuotaReservation
	if target == model.StatusReady || target == model.StatusPending {
		res, err = s.quota.Reserve(ctx, cur.OwnerID, cur.ID, cur.SizeBytes)
		if err != nil {
			return nil, err
		}
		upd.ReservationID = &res.ID
	}
	if target == model.StatusPending {
		attempts := 0
		upd.Attempts = &attempts
		upd.ErrorReason = strPtr("")
		upd.LeaseUntil = timePtr(nil)
	}

	rec, err := s.files.CompareAndSet(ctx, cur, target, upd)
	if err != nil {
		if res != nil {
			s.releaseQuietly(ctx, log, res.ID)
		}
		return nil, err
	}

	switch target {
	case model.StatusReady:
		if _, err := s.quota.CommitHeld(ctx, res.ID); err != nil {
			log.Error("commit on restore failed", zap.Error(err))
			return rec, err
		}
	case model.StatusPending:
		if err := s.queue.Publish(ctx, task.NewJob(rec.ID)); err != nil {
			log.Error("enqueue restored file failed", zap.Error(err))
			return rec, fmt.Errorf("enqueue processing job: %w", err)
		}
	}
	s.record(ctx, s.fileEvent(&actor, audit.FileRestored, rec, map[string]string{"status": target.String()}))
	log.Info("file restored", zap.String("status", target.String()))
	return rec, nil
}

// Purge permanently deletes a trashed file, its object and its share links.
func (s *FileService) Purge(ctx context.Context, actor Actor, fileID string) error {
	rec, err := s.owned(ctx, actor, fileID)
	if err != nil {
		return err
	}
	return s.purge(ctx, &actor, rec)
}

// PurgeExpired deletes up to limit files whose retention window has passed.
// It returns how many were purged.
func (s *FileService) PurgeExpired(ctx context.Context, limit int) (int, error) {
	cutoff := s.now().Add(-s.opts.TrashRetention)
	recs, err := s.files.ListTrashedBefore(ctx, cutoff, limit)
	if err != nil {
		return 0, err
	}
	purged := 0
	for i := range recs {
		if err := s.purge(ctx, nil, &recs[i]); err != nil {
			if errors.Is(err, apperr.ErrConflict) {
				continue
			}
			return purged, err
		}
		purged++
	}
	return purged, nil
}

func (s *FileService) purge(ctx context.Context, actor *Actor, rec *model.FileRecord) error {
	if rec.Status != model.StatusTrashed {
		return fmt.Errorf("%w: %s -> purge", apperr.ErrInvalidTransition, rec.Status)
	}
	log := s.log.With(zap.String("file_id", rec.ID))
	if err := s.files.Delete(ctx, rec.ID, rec.Version); err != nil {
		return err
	}
	if err := s.objects.RemoveObject(ctx, rec.StorageKey); err != nil && !errors.Is(err, storage.ErrObjectNotFound) {
		log.Error("remove object failed", zap.String("storage_key", rec.StorageKey), zap.Error(err))
	}
	tokens, err := s.shares.DeleteForFile(ctx, rec.ID)
	if err != nil {
		log.Error("delete share links failed", zap.Error(err))
	}
	s.dropViews(ctx, log, tokens)

	s.record(ctx, s.fileEvent(actor, audit.FilePurged, rec, nil))
	log.Info("file purged")
	return nil
}

// ListTrash returns the actor's trashed files, newest first.
func (s *FileService) ListTrash(ctx context.Context, actor Actor) ([]model.FileRecord, error) {
	return s.files.ListTrashed(ctx, actor.UserID)
}

// List returns the live folders and files directly under folderID (root when nil).
func (s *FileService) List(ctx context.Context, actor Actor, folderID *string) ([]model.Folder, []model.FileRecord, error) {
	if folderID != nil {
		if _, err := s.liveFolder(ctx, actor, *folderID); err != nil {
			return nil, nil, err
		}
	}
	folders, err := s.folders.Children(ctx, actor.UserID, folderID)
	if err != nil {
		return nil, nil, err
	}
	files, err := s.files.ListByFolder(ctx, actor.UserID, folderID)
	if err != nil {
		return nil, nil, err
	}
	return folders, files, nil
}

// CreateFolder creates a folder under parentID (root when nil).
func (s *FileService) CreateFolder(ctx context.Context, actor Actor, parentID *string, name string) (*model.Folder, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.ContainsAny(name, "/\\") {
		return nil, fmt.Errorf("%w: folder name %q", apperr.ErrInvalidArgument, name)
	}
	if parentID != nil {
		if _, err := s.liveFolder(ctx, actor, *parentID); err != nil {
			return nil, err
		}
	}
	folder := &model.Folder{
		ID:       uuid.NewString(),
		OwnerID:  actor.UserID,
		ParentID: parentID,
		Name:     name,
	}
	if err := s.folders.Create(ctx, folder); err != nil {
		return nil, err
	}
	return folder, nil
}

// TrashFolder hides a folder; links to it and to anything below it stop
// resolving.
func (s *FileService) TrashFolder(ctx context.Context, actor Actor, folderID string) error {
	folder, err := s.liveFolder(ctx, actor, folderID)
	if err != nil {
		return err
	}
	at := s.now()
	if err := s.folders.SetTrashed(ctx, folder.ID, &at); err != nil {
		return err
	}
	log := s.log.With(zap.String("folder_id", folderID))
	tokens, err := s.subtreeLinkTokens(ctx, folder)
	if err != nil {
		log.Warn("collect subtree share links failed", zap.Error(err))
	}
	s.dropViews(ctx, log, tokens)
	return nil
}

// subtreeLinkTokens lists the tokens of links to root, its live sub-folders
// and the live files below them.
func (s *FileService) subtreeLinkTokens(ctx context.Context, root *model.Folder) ([]string, error) {
	var tokens []string
	seen := map[string]bool{}
	queue := []string{root.ID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seen[id] {
			continue
		}
		seen[id] = true

		links, err := s.shares.ListForFolder(ctx, id)
		if err != nil {
			return tokens, err
		}
		for _, l := range links {
			tokens = append(tokens, l.Token)
		}
		files, err := s.files.ListByFolder(ctx, root.OwnerID, &id)
		if err != nil {
			return tokens, err
		}
		for _, f := range files {
			links, err := s.shares.ListForFile(ctx, f.ID)
			if err != nil {
				return tokens, err
			}
			for _, l := range links {
				tokens = append(tokens, l.Token)
			}
		}
		children, err := s.folders.Children(ctx, root.OwnerID, &id)
		if err != nil {
			return tokens, err
		}
		for _, c := range children {
			queue = append(queue, c.ID)
		}
	}
	return tokens, nil
}

// RestoreFolder brings a trashed folder back.
func (s *FileService) RestoreFolder(ctx context.Context, actor Actor, folderID string) error {
	folder, err := s.folders.Get(ctx, folderID)
	if err != nil {
		return err
	}
	if !actor.Manages(folder.OwnerID) {
		return fmt.Errorf("%w: folder %s", apperr.ErrNotFound, folderID)
	}
	if folder.TrashedAt == nil {
		return nil
	}
	return s.folders.SetTrashed(ctx, folder.ID, nil)
}

// owned loads fileID for an actor allowed to manage it. Records of other
// users are reported as missing.
func (s *FileService) owned(ctx context.Context, actor Actor, fileID string) (*model.FileRecord, error) {
	rec, err := s.files.Get(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if !actor.Manages(rec.OwnerID) {
		return nil, fmt.Errorf("%w: file %s", apperr.ErrNotFound, fileID)
	}
	return rec, nil
}

func (s *FileService) liveFolder(ctx context.Context, actor Actor, folderID string) (*model.Folder, error) {
	folder, err := s.folders.Get(ctx, folderID)
	if err != nil {
		return nil, err
	}
	if !actor.Manages(folder.OwnerID) || folder.TrashedAt != nil {
		return nil, fmt.Errorf("%w: folder %s", apperr.ErrNotFound, folderID)
	}
	return folder, nil
}

func (s *FileService) retentionElapsed(rec *model.FileRecord) bool {
	if s.opts.TrashRetention <= 0 || rec.TrashedAt == nil {
		return false
	}
	return s.now().Sub(*rec.TrashedAt) > s.opts.TrashRetention
}

func (s *FileService) invalidateFileLinks(ctx context.Context, log *zap.Logger, fileID string) {
	links, err := s.shares.ListForFile(ctx, fileID)
	if err != nil {
		log.Warn("list share links failed", zap.Error(err))
		return
	}
	tokens := make([]string, 0, len(links))
	for _, l := range links {
		tokens = append(tokens, l.Token)
	}
	s.dropViews(ctx, log, tokens)
}

func (s *FileService) dropViews(ctx context.Context, log *zap.Logger, tokens []string) {
	if s.cache == nil || len(tokens) == 0 {
		return
	}
	if err := s.cache.DeleteViews(ctx, tokens...); err != nil {
		log.Warn("invalidate share cache failed", zap.Error(err))
	}
}

func (s *FileService) releaseQuietly(ctx context.Context, log *zap.Logger, reservationID string) {
	if _, err := s.quota.ReleaseHeld(ctx, reservationID); err != nil {
		log.Error("release reservation failed", zap.String("reservation_id", reservationID), zap.Error(err))
	}
}

func (s *FileService) fileEvent(actor *Actor, action string, rec *model.FileRecord, details map[string]string) audit.Event {
	var actorID *uint64
	if actor != nil {
		actorID = audit.Actor(actor.UserID)
	}
	return audit.Event{
		Actor:        actorID,
		Action:       action,
		ResourceType: audit.ResourceFile,
		ResourceID:   rec.ID,
		OwnerID:      rec.OwnerID,
		Details:      details,
		At:           s.now(),
	}
}

func (s *FileService) record(ctx context.Context, e audit.Event) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, e); err != nil {
		s.log.Warn("audit record failed", zap.String("action", e.Action), zap.Error(err))
	}
}

func statusPtr(st model.FileStatus) *model.FileStatus { return &st }
