package handler

import (
	"strconv"

	"CloudVault/internal/apperr"
	"CloudVault/internal/dto"
	"CloudVault/internal/service"
	"CloudVault/utils"

	"github.com/gin-gonic/gin"
)

type QuotaHandler struct {
	ledger *service.QuotaLedger
}

func NewQuotaHandler(ledger *service.QuotaLedger) *QuotaHandler {
	return &QuotaHandler{ledger: ledger}
}

// Usage returns the caller's quota, used and reserved bytes.
func (h *QuotaHandler) Usage(c *gin.Context) {
	usage, err := h.ledger.Usage(c.Request.Context(), actorOf(c).UserID)
	if err != nil {
		utils.Fail(c, err)
		return
	}
	utils.Success(c, gin.H{
		"user_id":         usage.UserID,
		"quota_bytes":     usage.QuotaBytes,
		"used_bytes":      usage.UsedBytes,
		"reserved_bytes":  usage.ReservedBytes,
		"available_bytes": usage.Available(),
	})
}

// SetQuota changes another user's quota. Administrators only.
func (h *QuotaHandler) SetQuota(c *gin.Context) {
	userID, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		utils.Fail(c, apperr.ErrInvalidArgument)
		return
	}
	var req dto.SetQuotaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.BadRequest(c, err)
		return
	}
	usage, err := h.ledger.SetQuota(c.Request.Context(), actorOf(c), userID, *req.QuotaBytes)
	if err != nil {
		utils.Fail(c, err)
		return
	}
	utils.Success(c, usage)
}
