package handler

import (
	"fmt"
	"mime"
	"net/http"
	"path"

	"CloudVault/internal/dto"
	"CloudVault/internal/service"
	"CloudVault/utils"

	"github.com/gin-gonic/gin"
)

// FileHandler serves uploads, status queries, folders and the recycle bin.
type FileHandler struct {
	files *service.FileService
}

func NewFileHandler(files *service.FileService) *FileHandler {
	return &FileHandler{files: files}
}

// Upload stores the "file" part and queues it for processing. The response
// carries the record in pending.
func (h *FileHandler) Upload(c *gin.Context) {
	var form dto.UploadForm
	if err := c.ShouldBind(&form); err != nil {
		utils.BadRequest(c, err)
		return
	}
	header, err := c.FormFile("file")
	if err != nil {
		utils.BadRequest(c, err)
		return
	}
	body, err := header.Open()
	if err != nil {
		utils.Fail(c, fmt.Errorf("open upload: %w", err))
		return
	}
	defer body.Close()

	name := form.Name
	if name == "" {
		name = header.Filename
	}
	name = utils.CleanFileName(name)
	mimeType := form.MimeType
	if mimeType == "" {
		mimeType = header.Header.Get("Content-Type")
	}
	if mimeType == "" {
		mimeType = mime.TypeByExtension(path.Ext(name))
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	rec, err := h.files.FinalizeUpload(c.Request.Context(), actorOf(c), service.UploadInput{
		FolderID: optionalID(form.FolderID),
		Name:     name,
		MimeType: mimeType,
		Size:     header.Size,
		Body:     body,
	})
	if err != nil {
		utils.Fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"code": 0, "msg": "ok", "data": dto.NewFileResponse(rec)})
}

func (h *FileHandler) Status(c *gin.Context) {
	rec, err := h.files.Status(c.Request.Context(), actorOf(c), c.Param("id"))
	if err != nil {
		utils.Fail(c, err)
		return
	}
	utils.Success(c, dto.NewFileResponse(rec))
}

// DownloadURL returns a short-lived presigned URL for a ready file.
func (h *FileHandler) DownloadURL(c *gin.Context) {
	url, err := h.files.DownloadURL(c.Request.Context(), actorOf(c), c.Param("id"))
	if err != nil {
		utils.Fail(c, err)
		return
	}
	utils.Success(c, dto.DownloadURLResponse{URL: url})
}

// List returns the live folders and files under folder_id, or the root.
func (h *FileHandler) List(c *gin.Context) {
	folders, files, err := h.files.List(c.Request.Context(), actorOf(c), optionalID(c.Query("folder_id")))
	if err != nil {
		utils.Fail(c, err)
		return
	}
	utils.Success(c, dto.ListResponse{Folders: folders, Files: dto.NewFileResponses(files)})
}

func (h *FileHandler) CreateFolder(c *gin.Context) {
	var req dto.CreateFolderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.BadRequest(c, err)
		return
	}
	folder, err := h.files.CreateFolder(c.Request.Context(), actorOf(c), req.ParentID, req.Name)
	if err != nil {
		utils.Fail(c, err)
		return
	}
	utils.Created(c, folder)
}

func (h *FileHandler) TrashFolder(c *gin.Context) {
	if err := h.files.TrashFolder(c.Request.Context(), actorOf(c), c.Param("id")); err != nil {
		utils.Fail(c, err)
		return
	}
	utils.Success(c, nil)
}

func (h *FileHandler) RestoreFolder(c *gin.Context) {
	if err := h.files.RestoreFolder(c.Request.Context(), actorOf(c), c.Param("id")); err != nil {
		utils.Fail(c, err)
		return
	}
	utils.Success(c, nil)
}
