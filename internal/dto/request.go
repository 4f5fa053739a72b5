package dto

import "time"

// UploadForm is the multipart form of an upload; the body is the "file" part.
type UploadForm struct {
	FolderID string `form:"folder_id"`
	Name     string `form:"name"`
	MimeType string `form:"mime_type"`
}

type CreateFolderRequest struct {
	ParentID *string `json:"parent_id"`
	Name     string  `json:"name" binding:"required,max=255"`
}

type IssueShareRequest struct {
	FileID         *string    `json:"file_id"`
	FolderID       *string    `json:"folder_id"`
	Password       string     `json:"password" binding:"max=72"`
	Role           string     `json:"role"`
	ExpiresAt      *time.Time `json:"expires_at"`
	MaxAccessCount *int64     `json:"max_access_count"`
}

type RedeemShareRequest struct {
	Password string `json:"password"`
}

type SubtreeFileRequest struct {
	Password string `json:"password"`
	FileID   string `json:"file_id" binding:"required"`
}

type SetQuotaRequest struct {
	QuotaBytes *int64 `json:"quota_bytes" binding:"required,gte=0"`
}
