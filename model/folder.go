package model

import "time"

// Folder is a node of a user's directory tree. Children point at their parent
// through ParentID; traversal is a query on that index.
type Folder struct {
	ID string `gorm:"primaryKey;size:36" json:"id"`

	OwnerID  uint64  `gorm:"column:owner_id;not null;index" json:"owner_id"`
	ParentID *string `gorm:"column:parent_id;size:36;index" json:"parent_id,omitempty"`
	Name     string  `gorm:"column:name;size:255;not null" json:"name"`

	TrashedAt *time.Time `gorm:"column:trashed_at;index" json:"trashed_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// TableName returns the database table name.
func (Folder) TableName() string {
	return "folder"
}
