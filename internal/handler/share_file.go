package handler

import (
	"CloudVault/internal/dto"
	"CloudVault/internal/service"
	"CloudVault/model"
	"CloudVault/utils"

	"github.com/gin-gonic/gin"
)

// ShareHandler serves link management for owners and the anonymous
// resolve/redeem endpoints.
type ShareHandler struct {
	shares *service.ShareService
}

func NewShareHandler(shares *service.ShareService) *ShareHandler {
	return &ShareHandler{shares: shares}
}

// Issue creates a share link for a file or folder the caller owns.
func (h *ShareHandler) Issue(c *gin.Context) {
	var req dto.IssueShareRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.BadRequest(c, err)
		return
	}
	link, err := h.shares.Issue(c.Request.Context(), actorOf(c),
		service.ShareTarget{FileID: req.FileID, FolderID: req.FolderID},
		service.IssueOptions{
			Password:       req.Password,
			Role:           model.ShareRole(req.Role),
			ExpiresAt:      req.ExpiresAt,
			MaxAccessCount: req.MaxAccessCount,
		})
	if err != nil {
		utils.Fail(c, err)
		return
	}
	utils.Created(c, dto.NewShareLinkResponse(link))
}

func (h *ShareHandler) Resolve(c *gin.Context) {
	view, err := h.shares.Resolve(c.Request.Context(), c.Param("token"))
	if err != nil {
		utils.Fail(c, err)
		return
	}
	utils.Success(c, view)
}

// Redeem counts one access and returns what the link grants.
func (h *ShareHandler) Redeem(c *gin.Context) {
	var req dto.RedeemShareRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			utils.BadRequest(c, err)
			return
		}
	}
	grant, err := h.shares.Redeem(c.Request.Context(), c.Param("token"), req.Password)
	if err != nil {
		utils.Fail(c, err)
		return
	}
	utils.Success(c, grant)
}

// SubtreeFile authorizes a download of one file below a shared folder.
func (h *ShareHandler) SubtreeFile(c *gin.Context) {
	var req dto.SubtreeFileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.BadRequest(c, err)
		return
	}
	grant, err := h.shares.AuthorizeSubtreeFile(c.Request.Context(), c.Param("token"), req.Password, req.FileID)
	if err != nil {
		utils.Fail(c, err)
		return
	}
	utils.Success(c, grant)
}

func (h *ShareHandler) Revoke(c *gin.Context) {
	if err := h.shares.Revoke(c.Request.Context(), actorOf(c), c.Param("token")); err != nil {
		utils.Fail(c, err)
		return
	}
	utils.Success(c, nil)
}

func (h *ShareHandler) ListForFile(c *gin.Context) {
	id := c.Param("id")
	h.list(c, service.ShareTarget{FileID: &id})
}

func (h *ShareHandler) ListForFolder(c *gin.Context) {
	id := c.Param("id")
	h.list(c, service.ShareTarget{FolderID: &id})
}

func (h *ShareHandler) list(c *gin.Context, target service.ShareTarget) {
	links, err := h.shares.ListForTarget(c.Request.Context(), actorOf(c), target)
	if err != nil {
		utils.Fail(c, err)
		return
	}
	out := make([]dto.ShareLinkResponse, 0, len(links))
	for i := range links {
		out = append(out, dto.NewShareLinkResponse(&links[i]))
	}
	utils.Success(c, out)
}
