package dto

import (
	"time"

	"CloudVault/model"
)

// FileResponse is what a client sees of a FileRecord.
type FileResponse struct {
	ID           string           `json:"id"`
	FolderID     *string          `json:"folder_id,omitempty"`
	Name         string           `json:"name"`
	MimeType     string           `json:"mime_type"`
	SizeBytes    int64            `json:"size_bytes"`
	Status       model.FileStatus `json:"status"`
	ErrorReason  string           `json:"error_reason,omitempty"`
	Downloadable bool             `json:"downloadable"`
	Checksum     string           `json:"checksum,omitempty"`
	DetectedType string           `json:"detected_type,omitempty"`
	Width        int              `json:"width,omitempty"`
	Height       int              `json:"height,omitempty"`
	Version      int64            `json:"version"`
	TrashedAt    *time.Time       `json:"trashed_at,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
}

func NewFileResponse(rec *model.FileRecord) FileResponse {
	return FileResponse{
		ID:           rec.ID,
		FolderID:     rec.FolderID,
		Name:         rec.Name,
		MimeType:     rec.MimeType,
		SizeBytes:    rec.SizeBytes,
		Status:       rec.Status,
		ErrorReason:  rec.ErrorReason,
		Downloadable: rec.Status == model.StatusReady,
		Checksum:     rec.Checksum,
		DetectedType: rec.DetectedType,
		Width:        rec.Width,
		Height:       rec.Height,
		Version:      rec.Version,
		TrashedAt:    rec.TrashedAt,
		CreatedAt:    rec.CreatedAt,
	}
}

func NewFileResponses(recs []model.FileRecord) []FileResponse {
	out := make([]FileResponse, 0, len(recs))
	for i := range recs {
		out = append(out, NewFileResponse(&recs[i]))
	}
	return out
}

type ListResponse struct {
	Folders []model.Folder `json:"folders"`
	Files   []FileResponse `json:"files"`
}

type DownloadURLResponse struct {
	URL string `json:"url"`
}

// ShareLinkResponse is the owner's view of a link; the password hash never leaves.
type ShareLinkResponse struct {
	Token          string          `json:"token"`
	FileID         *string         `json:"file_id,omitempty"`
	FolderID       *string         `json:"folder_id,omitempty"`
	Role           model.ShareRole `json:"role"`
	HasPassword    bool            `json:"has_password"`
	ExpiresAt      *time.Time      `json:"expires_at,omitempty"`
	MaxAccessCount *int64          `json:"max_access_count,omitempty"`
	AccessCount    int64           `json:"access_count"`
	Revoked        bool            `json:"revoked"`
	CreatedAt      time.Time       `json:"created_at"`
}

func NewShareLinkResponse(link *model.ShareLink) ShareLinkResponse {
	return ShareLinkResponse{
		Token:          link.Token,
		FileID:         link.FileID,
		FolderID:       link.FolderID,
		Role:           link.Role,
		HasPassword:    link.HasPassword(),
		ExpiresAt:      link.ExpiresAt,
		MaxAccessCount: link.MaxAccessCount,
		AccessCount:    link.AccessCount,
		Revoked:        link.RevokedAt != nil,
		CreatedAt:      link.CreatedAt,
	}
}
