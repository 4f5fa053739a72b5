package model

import (
	"time"

	"gorm.io/gorm"
)

// User carries the per-user quota ledger columns.
type User struct {
	ID uint64 `gorm:"primaryKey"`

	UserName string `gorm:"column:user_name;type:varchar(50);not null;unique"`

	Email string `gorm:"column:email;type:varchar(255);not null;default:''"`

	IsActive bool `gorm:"column:is_active;not null;default:false"`
	IsAdmin  bool `gorm:"column:is_admin;not null;default:false"`

	QuotaBytes    int64 `gorm:"column:quota_bytes;not null;default:0"` // 容量上限
	UsedBytes     int64 `gorm:"column:used_bytes;not null;default:0"`
	ReservedBytes int64 `gorm:"column:reserved_bytes;not null;default:0"`

	CreatedAt time.Time
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

// TableName returns the database table name.
func (User) TableName() string {
	return "user_db"
}

// QuotaUsage is a snapshot of one user's ledger entry.
type QuotaUsage struct {
	UserID        uint64 `json:"user_id"`
	QuotaBytes    int64  `json:"quota_bytes"`
	UsedBytes     int64  `json:"used_bytes"`
	ReservedBytes int64  `json:"reserved_bytes"`
}

// Available returns the bytes still reservable.
func (q QuotaUsage) Available() int64 {
	free := q.QuotaBytes - q.UsedBytes - q.ReservedBytes
	if free < 0 {
		return 0
	}
	return free
}
