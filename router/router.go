package router

import (
	"net/http"

	"CloudVault/internal/handler"
	"CloudVault/internal/logger"
	"CloudVault/internal/metrics"
	"CloudVault/utils"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Deps carries everything the routes need.
type Deps struct {
	Files        *handler.FileHandler
	Shares       *handler.ShareHandler
	Quota        *handler.QuotaHandler
	JWT          *utils.JWT
	Provisioner  handler.AccountProvisioner
	DefaultQuota int64
	CORSOrigins  []string
	Metrics      *metrics.Metrics
	Log          *zap.Logger
}

// InitRouter builds API routes.
func InitRouter(d Deps) *gin.Engine {
	r := gin.New()
	r.Use(logger.GinRecovery(d.Log), logger.GinLogger(d.Log), d.Metrics.GinMiddleware(), utils.CORSMiddleware(d.CORSOrigins))
	r.MaxMultipartMemory = 32 << 20

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	if d.Metrics != nil {
		r.GET("/metrics", gin.WrapH(d.Metrics.Handler()))
	}

	api := r.Group("/api")
	{
		// anonymous share access
		s := api.Group("/s/:token")
		{
			s.GET("", d.Shares.Resolve)
			s.POST("/redeem", d.Shares.Redeem)
			s.POST("/file", d.Shares.SubtreeFile)
		}

		auth := api.Group("")
		auth.Use(utils.AuthMiddleware(d.JWT), handler.ProvisionAccounts(d.Provisioner, d.DefaultQuota, d.Log))

		file := auth.Group("/files")
		{
			file.GET("", d.Files.List)
			file.POST("", d.Files.Upload)
			file.GET("/:id", d.Files.Status)
			file.GET("/:id/download", d.Files.DownloadURL)
			file.POST("/:id/trash", d.Files.Trash)
			file.POST("/:id/restore", d.Files.Restore)
			file.DELETE("/:id", d.Files.Purge)
			file.GET("/:id/shares", d.Shares.ListForFile)
		}

		folder := auth.Group("/folders")
		{
			folder.POST("", d.Files.CreateFolder)
			folder.POST("/:id/trash", d.Files.TrashFolder)
			folder.POST("/:id/restore", d.Files.RestoreFolder)
			folder.GET("/:id/shares", d.Shares.ListForFolder)
		}

		auth.GET("/trash", d.Files.ListTrash)

		share := auth.Group("/shares")
		{
			share.POST("", d.Shares.Issue)
			share.DELETE("/:token", d.Shares.Revoke)
		}

		auth.GET("/quota", d.Quota.Usage)
		auth.PUT("/admin/users/:id/quota", d.Quota.SetQuota)
	}
	return r
}
