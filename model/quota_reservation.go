package model

import "time"

// ReservationState is the lifecycle of a quota hold.
type ReservationState string

const (
	ReservationHeld      ReservationState = "held"
	ReservationCommitted ReservationState = "committed"
	ReservationReleased  ReservationState = "released"
	ReservationRefunded  ReservationState = "refunded"
)

// QuotaReservation is a provisional hold against a user's quota.
type QuotaReservation struct {
	ID string `gorm:"primaryKey;size:36" json:"id"`

	UserID uint64 `gorm:"column:user_id;not null;index" json:"user_id"`
	FileID string `gorm:"column:file_id;size:36;index" json:"file_id"`

	Bytes int64            `gorm:"column:bytes;not null" json:"bytes"`
	State ReservationState `gorm:"column:state;type:varchar(16);not null;index" json:"state"`

	CreatedAt   time.Time  `json:"created_at"`
	FinalizedAt *time.Time `gorm:"column:finalized_at" json:"finalized_at,omitempty"`
}

// TableName returns the database table name.
func (QuotaReservation) TableName() string {
	return "quota_reservation"
}
