package handler

import (
	"context"
	"sync"

	"CloudVault/utils"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// AccountProvisioner creates the ledger entry of a user seen for the first time.
type AccountProvisioner interface {
	EnsureAccount(ctx context.Context, userID uint64, name, email string, quotaBytes int64) error
}

// ProvisionAccounts makes sure every authenticated caller has a quota entry.
// Users already provisioned by this process are not looked up again.
func ProvisionAccounts(p AccountProvisioner, defaultQuota int64, log *zap.Logger) gin.HandlerFunc {
	var seen sync.Map
	return func(c *gin.Context) {
		userID := c.GetUint64(utils.CtxUserID)
		if _, ok := seen.Load(userID); !ok {
			err := p.EnsureAccount(c.Request.Context(), userID, c.GetString(utils.CtxUsername), c.GetString(utils.CtxEmail), defaultQuota)
			if err != nil {
				log.Error("provision account failed", zap.Uint64("user_id", userID), zap.Error(err))
				utils.Fail(c, err)
				return
			}
			seen.Store(userID, struct{}{})
		}
		c.Next()
	}
}
