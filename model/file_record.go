package model

import "time"

// FileRecord is one stored file and its processing state.
type FileRecord struct {
	ID string `gorm:"primaryKey;size:36" json:"id"`

	OwnerID  uint64  `gorm:"column:owner_id;not null;index" json:"owner_id"`
	FolderID *string `gorm:"column:folder_id;size:36;index" json:"folder_id,omitempty"`

	Name      string `gorm:"column:name;size:255;not null" json:"name"`
	MimeType  string `gorm:"column:mime_type;size:127;not null;default:''" json:"mime_type"`
	SizeBytes int64  `gorm:"column:size_bytes;not null;default:0" json:"size_bytes"`

	Status         FileStatus `gorm:"column:status;type:varchar(16);not null;index" json:"status"`
	PreviousStatus FileStatus `gorm:"column:previous_status;type:varchar(16);not null;default:''" json:"previous_status,omitempty"`
	ErrorReason    string     `gorm:"column:error_reason;size:64;not null;default:''" json:"error_reason,omitempty"`

	StorageKey    string `gorm:"column:storage_key;size:255;not null;uniqueIndex" json:"-"`
	ReservationID string `gorm:"column:reservation_id;size:36;not null;default:''" json:"-"`

	Version    int64      `gorm:"column:version;not null;default:1" json:"version"`
	Attempts   int        `gorm:"column:attempts;not null;default:0" json:"attempts"`
	LeaseUntil *time.Time `gorm:"column:lease_until" json:"-"`

	Checksum     string `gorm:"column:checksum;size:64;not null;default:''" json:"checksum,omitempty"`
	DetectedType string `gorm:"column:detected_type;size:127;not null;default:''" json:"detected_type,omitempty"`
	Width        int    `gorm:"column:width;not null;default:0" json:"width,omitempty"`
	Height       int    `gorm:"column:height;not null;default:0" json:"height,omitempty"`

	TrashedAt *time.Time `gorm:"column:trashed_at;index" json:"trashed_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// TableName returns the database table name.
func (FileRecord) TableName() string {
	return "file_record"
}

// LeaseHeld reports whether another claim still owns the record at now.
func (f *FileRecord) LeaseHeld(now time.Time) bool {
	return f.LeaseUntil != nil && now.Before(*f.LeaseUntil)
}

// FileUpdate lists the columns a compare-and-set transition may write besides
// status and version. Nil fields are left untouched.
type FileUpdate struct {
	PreviousStatus *FileStatus
	ErrorReason    *string
	SizeBytes      *int64
	ReservationID  *string
	Attempts       *int
	LeaseUntil     **time.Time
	TrashedAt      **time.Time
	Checksum       *string
	DetectedType   *string
	Width          *int
	Height         *int
}

// Apply writes the non-nil fields of u onto f.
func (u FileUpdate) Apply(f *FileRecord) {
	if u.PreviousStatus != nil {
		f.PreviousStatus = *u.PreviousStatus
	}
	if u.ErrorReason != nil {
		f.ErrorReason = *u.ErrorReason
	}
	if u.SizeBytes != nil {
		f.SizeBytes = *u.SizeBytes
	}
	if u.ReservationID != nil {
		f.ReservationID = *u.ReservationID
	}
	if u.Attempts != nil {
		f.Attempts = *u.Attempts
	}
	if u.LeaseUntil != nil {
		f.LeaseUntil = *u.LeaseUntil
	}
	if u.TrashedAt != nil {
		f.TrashedAt = *u.TrashedAt
	}
	if u.Checksum != nil {
		f.Checksum = *u.Checksum
	}
	if u.DetectedType != nil {
		f.DetectedType = *u.DetectedType
	}
	if u.Width != nil {
		f.Width = *u.Width
	}
	if u.Height != nil {
		f.Height = *u.Height
	}
}

// Columns returns u as a column map for an UPDATE statement.
func (u FileUpdate) Columns() map[string]interface{} {
	cols := make(map[string]interface{})
	if u.PreviousStatus != nil {
		cols["previous_status"] = *u.PreviousStatus
	}
	if u.ErrorReason != nil {
		cols["error_reason"] = *u.ErrorReason
	}
	if u.SizeBytes != nil {
		cols["size_bytes"] = *u.SizeBytes
	}
	if u.ReservationID != nil {
		cols["reservation_id"] = *u.ReservationID
	}
	if u.Attempts != nil {
		cols["attempts"] = *u.Attempts
	}
	if u.LeaseUntil != nil {
		cols["lease_until"] = *u.LeaseUntil
	}
	if u.TrashedAt != nil {
		cols["trashed_at"] = *u.TrashedAt
	}
	if u.Checksum != nil {
		cols["checksum"] = *u.Checksum
	}
	if u.DetectedType != nil {
		cols["detected_type"] = *u.DetectedType
	}
	if u.Width != nil {
		cols["width"] = *u.Width
	}
	if u.Height != nil {
		cols["height"] = *u.Height
	}
	return cols
}
