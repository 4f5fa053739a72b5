package model

import "time"

// ShareRole is the capability a share link grants.
type ShareRole string

const (
	RoleViewer ShareRole = "viewer"
	RoleEditor ShareRole = "editor"
)

// Valid reports whether r is a known role.
func (r ShareRole) Valid() bool {
	return r == RoleViewer || r == RoleEditor
}

// Share link bookkeeping status. Redemption re-checks ExpiresAt regardless.
const (
	ShareActive  = 0
	ShareExpired = 1
)

// ShareLink is an anonymous capability to one file or one folder subtree.
type ShareLink struct {
	Token string `gorm:"primaryKey;size:64" json:"token"`

	FileID   *string `gorm:"column:file_id;size:36;index" json:"file_id,omitempty"`
	FolderID *string `gorm:"column:folder_id;size:36;index" json:"folder_id,omitempty"`

	PasswordHash string    `gorm:"column:password_hash;size:128;not null;default:''" json:"-"`
	Role         ShareRole `gorm:"column:role;type:varchar(16);not null" json:"role"`

	ExpiresAt      *time.Time `gorm:"column:expires_at" json:"expires_at,omitempty"`
	MaxAccessCount *int64     `gorm:"column:max_access_count" json:"max_access_count,omitempty"`
	AccessCount    int64      `gorm:"column:access_count;not null;default:0" json:"access_count"`

	CreatedByID uint64     `gorm:"column:created_by_id;not null;index" json:"created_by_id"`
	CreatedAt   time.Time  `json:"created_at"`
	RevokedAt   *time.Time `gorm:"column:revoked_at" json:"revoked_at,omitempty"`
	Status      int        `gorm:"column:status;not null;default:0" json:"status"` // 0 active 1 expired
}

// TableName returns the database table name.
func (ShareLink) TableName() string {
	return "share_link"
}

// HasPassword reports whether redemption needs a password.
func (s *ShareLink) HasPassword() bool {
	return s.PasswordHash != ""
}

// ExpiredAt reports whether the link's expiry is strictly before now.
func (s *ShareLink) ExpiredAt(now time.Time) bool {
	return s.ExpiresAt != nil && s.ExpiresAt.Before(now)
}

// Exhausted reports whether the access limit has been reached.
func (s *ShareLink) Exhausted() bool {
	return s.MaxAccessCount != nil && s.AccessCount >= *s.MaxAccessCount
}
