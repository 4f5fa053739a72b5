// Package service holds the quota ledger, the file lifecycle operations and the
// share-link engine. Stores and collaborators are passed in at construction.
package service

import (
	"context"
	"time"

	"CloudVault/model"
)

// QuotaStore persists the per-user ledger and its reservations.
type QuotaStore interface {
	User(ctx context.Context, userID uint64) (*model.User, error)
	EnsureUser(ctx context.Context, user *model.User) error
	Reserve(ctx context.Context, userID uint64, fileID string, bytes int64) (*model.QuotaReservation, error)
	Commit(ctx context.Context, reservationID string) (*model.QuotaReservation, error)
	Release(ctx context.Context, reservationID string) (*model.QuotaReservation, error)
	Refund(ctx context.Context, reservationID string) (*model.QuotaReservation, error)
	Adjust(ctx context.Context, reservationID string, newBytes int64) (*model.QuotaReservation, error)
	Get(ctx context.Context, reservationID string) (*model.QuotaReservation, error)
	Usage(ctx context.Context, userID uint64) (model.QuotaUsage, error)
	SetQuota(ctx context.Context, userID uint64, quotaBytes int64) error
}

// FileStore persists FileRecords. CompareAndSet is the only way to change status.
type FileStore interface {
	Create(ctx context.Context, rec *model.FileRecord) error
	Get(ctx context.Context, id string) (*model.FileRecord, error)
	CompareAndSet(ctx context.Context, cur *model.FileRecord, to model.FileStatus, upd model.FileUpdate) (*model.FileRecord, error)
	ListByFolder(ctx context.Context, ownerID uint64, folderID *string) ([]model.FileRecord, error)
	ListTrashed(ctx context.Context, ownerID uint64) ([]model.FileRecord, error)
	ListTrashedBefore(ctx context.Context, cutoff time.Time, limit int) ([]model.FileRecord, error)
	Delete(ctx context.Context, id string, version int64) error
}

type FolderStore interface {
	Create(ctx context.Context, folder *model.Folder) error
	Get(ctx context.Context, id string) (*model.Folder, error)
	Children(ctx context.Context, ownerID uint64, parentID *string) ([]model.Folder, error)
	SetTrashed(ctx context.Context, id string, at *time.Time) error
}

type ShareStore interface {
	Create(ctx context.Context, link *model.ShareLink) error
	Get(ctx context.Context, token string) (*model.ShareLink, error)
	Exists(ctx context.Context, token string) (bool, error)
	Increment(ctx context.Context, token string, now time.Time) (bool, error)
	Revoke(ctx context.Context, token string, at time.Time) error
	MarkExpired(ctx context.Context, token string) error
	ListForFile(ctx context.Context, fileID string) ([]model.ShareLink, error)
	ListForFolder(ctx context.Context, folderID string) ([]model.ShareLink, error)
	DeleteForFile(ctx context.Context, fileID string) ([]string, error)
}

// ShareCache holds resolved share snapshots and expiry markers.
type ShareCache interface {
	GetView(ctx context.Context, token string) ([]byte, error)
	SetView(ctx context.Context, token string, data []byte, ttl time.Duration) error
	DeleteViews(ctx context.Context, tokens ...string) error
	ScheduleExpiry(ctx context.Context, token string, at time.Time) error
}

// Actor is the authenticated caller of an owner-facing operation.
type Actor struct {
	UserID uint64
	Admin  bool
}

// Manages reports whether the actor may act on resources of ownerID.
func (a Actor) Manages(ownerID uint64) bool {
	return a.Admin || a.UserID == ownerID
}

func strPtr(s string) *string { return &s }

func timePtr(t *time.Time) **time.Time { return &t }
