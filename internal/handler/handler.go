// Package handler binds HTTP requests to the file, share and quota services.
package handler

import (
	"strings"

	"CloudVault/internal/service"
	"CloudVault/utils"

	"github.com/gin-gonic/gin"
)

func actorOf(c *gin.Context) service.Actor {
	return service.Actor{
		UserID: c.GetUint64(utils.CtxUserID),
		Admin:  c.GetBool(utils.CtxIsAdmin),
	}
}

// optionalID turns an empty query or form value into nil.
func optionalID(raw string) *string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	return &raw
}
