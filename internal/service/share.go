package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"CloudVault/internal/apperr"
	"CloudVault/internal/audit"
	"CloudVault/internal/metrics"
	"CloudVault/internal/storage"
	"CloudVault/model"
	"CloudVault/utils"

	"go.uber.org/zap"
)

// maxFolderDepth stops a parent walk on a corrupt (cyclic) folder index.
const maxFolderDepth = 64

const (
	TargetFile   = "file"
	TargetFolder = "folder"
)

// ShareOptions tunes the share-link engine.
type ShareOptions struct {
	CacheTTL     time.Duration
	TokenRetries int
	PresignTTL   time.Duration
}

// ShareTarget names exactly one file or one folder.
type ShareTarget struct {
	FileID   *string
	FolderID *string
}

func (t ShareTarget) valid() bool {
	return (t.FileID == nil) != (t.FolderID == nil)
}

// IssueOptions are the optional restrictions of a new link.
type IssueOptions struct {
	Password       string
	Role           model.ShareRole
	ExpiresAt      *time.Time
	MaxAccessCount *int64
}

// ShareView is the public snapshot of a link, as cached.
type ShareView struct {
	Token          string          `json:"token"`
	TargetType     string          `json:"target_type"`
	TargetID       string          `json:"target_id"`
	Name           string          `json:"name"`
	Role           model.ShareRole `json:"role"`
	HasPassword    bool            `json:"has_password"`
	ExpiresAt      *time.Time      `json:"expires_at,omitempty"`
	MaxAccessCount *int64          `json:"max_access_count,omitempty"`
	Expired        bool            `json:"expired"`
}

// Grant is what a successful redemption hands out.
type Grant struct {
	Token         string          `json:"token"`
	TargetType    string          `json:"target_type"`
	FileID        string          `json:"file_id,omitempty"`
	FolderID      string          `json:"folder_id,omitempty"`
	Role          model.ShareRole `json:"role"`
	AllowDownload bool            `json:"allow_download"`
	DownloadURL   string          `json:"download_url,omitempty"`
}

// ShareService issues, resolves, redeems and revokes share links.
type ShareService struct {
	shares  ShareStore
	files   FileStore
	folders FolderStore
	cache   ShareCache
	objects storage.Store
	audit   audit.Sink
	metrics *metrics.Metrics
	log     *zap.Logger
	opts    ShareOptions
	now     func() time.Time
}

type ShareDeps struct {
	Shares  ShareStore
	Files   FileStore
	Folders FolderStore
	Cache   ShareCache
	Objects storage.Store
	Audit   audit.Sink
	Metrics *metrics.Metrics
	Log     *zap.Logger
}

func NewShareService(deps ShareDeps, opts ShareOptions) *ShareService {
	if opts.TokenRetries <= 0 {
		opts.TokenRetries = 5
	}
	return &ShareService{
		shares:  deps.Shares,
		files:   deps.Files,
		folders: deps.Folders,
		cache:   deps.Cache,
		objects: deps.Objects,
		audit:   deps.Audit,
		metrics: deps.Metrics,
		log:     deps.Log.Named("share"),
		opts:    opts,
		now:     time.Now,
	}
}

// Issue creates a link to a live target owned by the actor.
func (s *ShareService) Issue(ctx context.Context, actor Actor, target ShareTarget, opts IssueOptions) (*model.ShareLink, error) {
	if !target.valid() {
		return nil, apperr.ErrInvalidTarget
	}
	if err := s.checkOwnedTarget(ctx, actor, target, true); err != nil {
		return nil, err
	}
	role := opts.Role
	if role == "" {
		role = model.RoleViewer
	}
	if !role.Valid() {
		return nil, fmt.Errorf("%w: role %q", apperr.ErrInvalidArgument, role)
	}
	now := s.now()
	if opts.ExpiresAt != nil && !opts.ExpiresAt.After(now) {
		return nil, fmt.Errorf("%w: expiry is not in the future", apperr.ErrInvalidArgument)
	}
	if opts.MaxAccessCount != nil && *opts.MaxAccessCount < 1 {
		return nil, fmt.Errorf("%w: max access count must be positive", apperr.ErrInvalidArgument)
	}

	link := &model.ShareLink{
		FileID:         target.FileID,
		FolderID:       target.FolderID,
		Role:           role,
		ExpiresAt:      opts.ExpiresAt,
		MaxAccessCount: opts.MaxAccessCount,
		CreatedByID:    actor.UserID,
		CreatedAt:      now,
		Status:         model.ShareActive,
	}
	if opts.Password != "" {
		hash, err := utils.HashPassword(opts.Password)
		if err != nil {
			return nil, fmt.Errorf("hash share password: %w", err)
		}
		link.PasswordHash = hash
	}
	if err := s.insertWithFreshToken(ctx, link); err != nil {
		return nil, err
	}
	log := s.log.With(zap.String("token", tokenPrefix(link.Token)))
	if link.ExpiresAt != nil && s.cache != nil {
		if err := s.cache.ScheduleExpiry(ctx, link.Token, *link.ExpiresAt); err != nil {
			log.Warn("schedule share expiry failed", zap.Error(err))
		}
	}
	s.record(ctx, audit.Event{
		Actor:        audit.Actor(actor.UserID),
		Action:       audit.ShareIssued,
		ResourceType: audit.ResourceShare,
		ResourceID:   link.Token,
		OwnerID:      actor.UserID,
		Details:      map[string]string{"target_type": targetType(link), "target_id": targetID(link)},
		At:           now,
	})
	log.Info("share link issued", zap.String("target_type", targetType(link)))
	return link, nil
}

func (s *ShareService) insertWithFreshToken(ctx context.Context, link *model.ShareLink) error {
	for i := 0; i < s.opts.TokenRetries; i++ {
		token := utils.NewShareToken()
		taken, err := s.shares.Exists(ctx, token)
		if err != nil {
			return err
		}
		if taken {
			continue
		}
		link.Token = token
		if err := s.shares.Create(ctx, link); err != nil {
			if taken, existsErr := s.shares.Exists(ctx, token); existsErr == nil && taken {
				continue
			}
			return err
		}
		return nil
	}
	return fmt.Errorf("share token collision after %d attempts", s.opts.TokenRetries)
}

// Resolve looks a link up by token. Revoked links and links whose target is
// gone or trashed are reported as not found.
func (s *ShareService) Resolve(ctx context.Context, token string) (*ShareView, error) {
	log := s.log.With(zap.String("token", tokenPrefix(token)))
	if view := s.cachedView(ctx, log, token); view != nil {
		view.Expired = view.ExpiresAt != nil && view.ExpiresAt.Before(s.now())
		return view, nil
	}
	link, file, folder, err := s.loadLive(ctx, token)
	if err != nil {
		return nil, err
	}
	view := &ShareView{
		Token:          link.Token,
		TargetType:     targetType(link),
		TargetID:       targetID(link),
		Role:           link.Role,
		HasPassword:    link.HasPassword(),
		ExpiresAt:      link.ExpiresAt,
		MaxAccessCount: link.MaxAccessCount,
	}
	if file != nil {
		view.Name = file.Name
	} else {
		view.Name = folder.Name
	}
	s.storeView(ctx, log, view)
	view.Expired = link.ExpiredAt(s.now())
	return view, nil
}

func (s *ShareService) cachedView(ctx context.Context, log *zap.Logger, token string) *ShareView {
	if s.cache == nil {
		return nil
	}
	data, err := s.cache.GetView(ctx, token)
	if err != nil {
		log.Warn("read share cache failed", zap.Error(err))
		return nil
	}
	if data == nil {
		return nil
	}
	var view ShareView
	if err := json.Unmarshal(data, &view); err != nil {
		log.Warn("decode cached share view failed", zap.Error(err))
		return nil
	}
	return &view
}

func (s *ShareService) storeView(ctx context.Context, log *zap.Logger, view *ShareView) {
	if s.cache == nil {
		return
	}
	ttl := s.opts.CacheTTL
	if view.ExpiresAt != nil {
		if left := view.ExpiresAt.Sub(s.now()); left < ttl {
			ttl = left
		}
	}
	if ttl <= 0 {
		return
	}
	data, err := json.Marshal(view)
	if err != nil {
		return
	}
	if err := s.cache.SetView(ctx, view.Token, data, ttl); err != nil {
		log.Warn("write share cache failed", zap.Error(err))
	}
}

// Redeem checks existence, expiry, access count and password in that order,
// then counts the access in one guarded update.
func (s *ShareService) Redeem(ctx context.Context, token, password string) (*Grant, error) {
	grant, err := s.redeem(ctx, token, password)
	result := "ok"
	if err != nil {
		result = apperr.CodeOf(err).Reason
	}
	s.metrics.ShareRedeemed(result)
	return grant, err
}

func (s *ShareService) redeem(ctx context.Context, token, password string) (*Grant, error) {
	link, file, _, err := s.loadLive(ctx, token)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if err := denial(link, now); err != nil {
		return nil, err
	}
	if link.HasPassword() && !utils.CheckPassword(password, link.PasswordHash) {
		return nil, apperr.Deny(apperr.ErrBadPassword)
	}

	ok, err := s.shares.Increment(ctx, token, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, s.explainRejected(ctx, token, now)
	}

	log := s.log.With(zap.String("token", tokenPrefix(token)))
	grant := &Grant{
		Token:      link.Token,
		TargetType: targetType(link),
		Role:       link.Role,
	}
	if file != nil {
		grant.FileID = file.ID
		grant.AllowDownload = file.Status.Downloadable()
		if grant.AllowDownload {
			url, err := s.objects.PresignedGetObject(ctx, file.StorageKey, s.opts.PresignTTL, file.Name)
			if err != nil {
				log.Warn("presign shared download failed", zap.Error(err))
			} else {
				grant.DownloadURL = url
			}
		}
	} else {
		grant.FolderID = *link.FolderID
		grant.AllowDownload = true
	}
	s.record(ctx, audit.Event{
		Action:       audit.ShareRedeemed,
		ResourceType: audit.ResourceShare,
		ResourceID:   link.Token,
		OwnerID:      link.CreatedByID,
		Details:      map[string]string{"target_type": grant.TargetType, "target_id": targetID(link)},
		At:           now,
	})
	return grant, nil
}

// explainRejected re-reads a link whose guarded increment matched no row.
func (s *ShareService) explainRejected(ctx context.Context, token string, now time.Time) error {
	link, err := s.shares.Get(ctx, token)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return apperr.Deny(apperr.ErrNotFound)
		}
		return err
	}
	if link.RevokedAt != nil {
		return apperr.Deny(apperr.ErrNotFound)
	}
	if err := denial(link, now); err != nil {
		return err
	}
	return apperr.Deny(apperr.ErrLimitReached)
}

// AuthorizeSubtreeFile grants a download of fileID through a folder link when
// the file lives below the linked folder and is ready. The link must be
// unexpired and below its access limit; the download itself is not counted.
func (s *ShareService) AuthorizeSubtreeFile(ctx context.Context, token, password, fileID string) (*Grant, error) {
	link, _, folder, err := s.loadLive(ctx, token)
	if err != nil {
		return nil, err
	}
	if folder == nil {
		return nil, fmt.Errorf("%w: not a folder link", apperr.ErrInvalidTarget)
	}
	if err := denial(link, s.now()); err != nil {
		return nil, err
	}
	if link.HasPassword() && !utils.CheckPassword(password, link.PasswordHash) {
		return nil, apperr.Deny(apperr.ErrBadPassword)
	}

	file, err := s.files.Get(ctx, fileID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, apperr.Deny(apperr.ErrNotFound)
		}
		return nil, err
	}
	if file.Status == model.StatusTrashed || file.OwnerID != folder.OwnerID {
		return nil, apperr.Deny(apperr.ErrNotFound)
	}
	inside, err := s.withinFolder(ctx, file.FolderID, folder.ID)
	if err != nil {
		return nil, err
	}
	if !inside {
		return nil, apperr.Deny(apperr.ErrNotFound)
	}
	if !file.Status.Downloadable() {
		return nil, fmt.Errorf("%w: file is %s", apperr.ErrForbidden, file.Status)
	}
	url, err := s.objects.PresignedGetObject(ctx, file.StorageKey, s.opts.PresignTTL, file.Name)
	if err != nil {
		return nil, err
	}
	return &Grant{
		Token:         link.Token,
		TargetType:    TargetFolder,
		FileID:        file.ID,
		FolderID:      folder.ID,
		Role:          link.Role,
		AllowDownload: true,
		DownloadURL:   url,
	}, nil
}

// withinFolder walks the parent index from start up to the root. A trashed
// folder on the way cuts the subtree off.
func (s *ShareService) withinFolder(ctx context.Context, start *string, rootID string) (bool, error) {
	cur := start
	for depth := 0; cur != nil && depth < maxFolderDepth; depth++ {
		if *cur == rootID {
			return true, nil
		}
		f, err := s.folders.Get(ctx, *cur)
		if err != nil {
			if errors.Is(err, apperr.ErrNotFound) {
				return false, nil
			}
			return false, err
		}
		if f.TrashedAt != nil {
			return false, nil
		}
		cur = f.ParentID
	}
	return false, nil
}

// Revoke disables a link. Only its creator, the target owner or an
// administrator may revoke it.
func (s *ShareService) Revoke(ctx context.Context, actor Actor, token string) error {
	link, err := s.shares.Get(ctx, token)
	if err != nil {
		return err
	}
	owner, err := s.targetOwner(ctx, link)
	if err != nil {
		return err
	}
	if !actor.Admin && actor.UserID != link.CreatedByID && actor.UserID != owner {
		return fmt.Errorf("%w: not the creator or owner of this link", apperr.ErrForbidden)
	}
	if link.RevokedAt != nil {
		return nil
	}
	now := s.now()
	if err := s.shares.Revoke(ctx, token, now); err != nil {
		return err
	}
	log := s.log.With(zap.String("token", tokenPrefix(token)))
	if s.cache != nil {
		if err := s.cache.DeleteViews(ctx, token); err != nil {
			log.Warn("invalidate share cache failed", zap.Error(err))
		}
	}
	s.record(ctx, audit.Event{
		Actor:        audit.Actor(actor.UserID),
		Action:       audit.ShareRevoked,
		ResourceType: audit.ResourceShare,
		ResourceID:   token,
		OwnerID:      owner,
		At:           now,
	})
	log.Info("share link revoked")
	return nil
}

// ListForTarget returns the links of a target the actor owns.
func (s *ShareService) ListForTarget(ctx context.Context, actor Actor, target ShareTarget) ([]model.ShareLink, error) {
	if !target.valid() {
		return nil, apperr.ErrInvalidTarget
	}
	if err := s.checkOwnedTarget(ctx, actor, target, false); err != nil {
		return nil, err
	}
	if target.FileID != nil {
		return s.shares.ListForFile(ctx, *target.FileID)
	}
	return s.shares.ListForFolder(ctx, *target.FolderID)
}

// OnExpired is called by the expiry listener when a link's expiry marker lapses.
func (s *ShareService) OnExpired(ctx context.Context, token string) {
	log := s.log.With(zap.String("token", tokenPrefix(token)))
	if err := s.shares.MarkExpired(ctx, token); err != nil {
		log.Error("mark share expired failed", zap.Error(err))
		return
	}
	if s.cache != nil {
		if err := s.cache.DeleteViews(ctx, token); err != nil {
			log.Warn("invalidate share cache failed", zap.Error(err))
		}
	}
	log.Info("share link expired")
}

// loadLive returns the link and its target. Missing and revoked links, missing
// or trashed targets and targets below a trashed folder all deny with ErrNotFound.
func (s *ShareService) loadLive(ctx context.Context, token string) (*model.ShareLink, *model.FileRecord, *model.Folder, error) {
	notFound := apperr.Deny(apperr.ErrNotFound)
	link, err := s.shares.Get(ctx, token)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, nil, nil, notFound
		}
		return nil, nil, nil, err
	}
	if link.RevokedAt != nil {
		return nil, nil, nil, notFound
	}
	if link.FileID != nil {
		file, err := s.files.Get(ctx, *link.FileID)
		if err != nil {
			if errors.Is(err, apperr.ErrNotFound) {
				return nil, nil, nil, notFound
			}
			return nil, nil, nil, err
		}
		if file.Status == model.StatusTrashed {
			return nil, nil, nil, notFound
		}
		live, err := s.ancestorsLive(ctx, file.FolderID)
		if err != nil {
			return nil, nil, nil, err
		}
		if !live {
			return nil, nil, nil, notFound
		}
		return link, file, nil, nil
	}
	if link.FolderID == nil {
		return nil, nil, nil, notFound
	}
	folder, err := s.folders.Get(ctx, *link.FolderID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, nil, nil, notFound
		}
		return nil, nil, nil, err
	}
	if folder.TrashedAt != nil {
		return nil, nil, nil, notFound
	}
	live, err := s.ancestorsLive(ctx, folder.ParentID)
	if err != nil {
		return nil, nil, nil, err
	}
	if !live {
		return nil, nil, nil, notFound
	}
	return link, nil, folder, nil
}

// ancestorsLive reports whether every folder from start up to the root exists
// and is not trashed.
func (s *ShareService) ancestorsLive(ctx context.Context, start *string) (bool, error) {
	cur := start
	for depth := 0; cur != nil; depth++ {
		if depth >= maxFolderDepth {
			return false, nil
		}
		f, err := s.folders.Get(ctx, *cur)
		if err != nil {
			if errors.Is(err, apperr.ErrNotFound) {
				return false, nil
			}
			return false, err
		}
		if f.TrashedAt != nil {
			return false, nil
		}
		cur = f.ParentID
	}
	return true, nil
}

// checkOwnedTarget verifies the actor manages the target. live additionally
// requires that it is not trashed.
func (s *ShareService) checkOwnedTarget(ctx context.Context, actor Actor, target ShareTarget, live bool) error {
	if target.FileID != nil {
		file, err := s.files.Get(ctx, *target.FileID)
		if err != nil {
			return err
		}
		if !actor.Manages(file.OwnerID) || (live && file.Status == model.StatusTrashed) {
			return fmt.Errorf("%w: file %s", apperr.ErrNotFound, file.ID)
		}
		return nil
	}
	folder, err := s.folders.Get(ctx, *target.FolderID)
	if err != nil {
		return err
	}
	if !actor.Manages(folder.OwnerID) || (live && folder.TrashedAt != nil) {
		return fmt.Errorf("%w: folder %s", apperr.ErrNotFound, folder.ID)
	}
	return nil
}

// targetOwner returns the owner of the link target, or 0 when it is gone.
func (s *ShareService) targetOwner(ctx context.Context, link *model.ShareLink) (uint64, error) {
	if link.FileID != nil {
		file, err := s.files.Get(ctx, *link.FileID)
		if errors.Is(err, apperr.ErrNotFound) {
			return 0, nil
		}
		if err != nil {
			return 0, err
		}
		return file.OwnerID, nil
	}
	if link.FolderID == nil {
		return 0, nil
	}
	folder, err := s.folders.Get(ctx, *link.FolderID)
	if errors.Is(err, apperr.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return folder.OwnerID, nil
}

func (s *ShareService) record(ctx context.Context, e audit.Event) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, e); err != nil {
		s.log.Warn("audit record failed", zap.String("action", e.Action), zap.Error(err))
	}
}

// denial reports the expiry or count denial of link at now, in that order.
func denial(link *model.ShareLink, now time.Time) error {
	if link.ExpiredAt(now) {
		return apperr.Deny(apperr.ErrExpired)
	}
	if link.Exhausted() {
		return apperr.Deny(apperr.ErrLimitReached)
	}
	return nil
}

func targetType(link *model.ShareLink) string {
	if link.FileID != nil {
		return TargetFile
	}
	return TargetFolder
}

func targetID(link *model.ShareLink) string {
	if link.FileID != nil {
		return *link.FileID
	}
	if link.FolderID != nil {
		return *link.FolderID
	}
	return ""
}

func tokenPrefix(token string) string {
	if len(token) > 8 {
		return token[:8]
	}
	return token
}
