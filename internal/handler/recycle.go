package handler

import (
	"CloudVault/internal/dto"
	"CloudVault/utils"

	"github.com/gin-gonic/gin"
)

// ListTrash 查看回收站列表
func (h *FileHandler) ListTrash(c *gin.Context) {
	files, err := h.files.ListTrash(c.Request.Context(), actorOf(c))
	if err != nil {
		utils.Fail(c, err)
		return
	}
	utils.Success(c, dto.NewFileResponses(files))
}

// Trash 移入回收站
func (h *FileHandler) Trash(c *gin.Context) {
	rec, err := h.files.Trash(c.Request.Context(), actorOf(c), c.Param("id"))
	if err != nil {
		utils.Fail(c, err)
		return
	}
	utils.Success(c, dto.NewFileResponse(rec))
}

// Restore 恢复文件
func (h *FileHandler) Restore(c *gin.Context) {
	rec, err := h.files.Restore(c.Request.Context(), actorOf(c), c.Param("id"))
	if err != nil {
		utils.Fail(c, err)
		return
	}
	utils.Success(c, dto.NewFileResponse(rec))
}

// Purge 彻底删除文件
func (h *FileHandler) Purge(c *gin.Context) {
	if err := h.files.Purge(c.Request.Context(), actorOf(c), c.Param("id")); err != nil {
		utils.Fail(c, err)
		return
	}
	utils.Success(c, nil)
}
