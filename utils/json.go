package utils

import (
	"errors"
	"net/http"

	"CloudVault/internal/apperr"

	"github.com/gin-gonic/gin"
)

// Success writes a success JSON response.
func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{
		"code": 0,
		"msg":  "ok",
		"data": data,
	})
}

// Created writes a 201 JSON response.
func Created(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, gin.H{
		"code": 0,
		"msg":  "ok",
		"data": data,
	})
}

// Fail writes an error JSON response with the status and reason code of err.
// Internal errors are reported without their message.
func Fail(c *gin.Context, err error) {
	code := apperr.CodeOf(err)
	msg := err.Error()
	if code.Status == http.StatusInternalServerError {
		_ = c.Error(err)
		msg = "internal error"
	}
	var denied *apperr.Denied
	if errors.As(err, &denied) {
		msg = denied.Reason.Error()
	}
	c.AbortWithStatusJSON(code.Status, gin.H{
		"code":   -1,
		"reason": code.Reason,
		"msg":    msg,
	})
}

// BadRequest reports a request that failed binding.
func BadRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
		"code":   -1,
		"reason": "invalid_argument",
		"msg":    "invalid request: " + err.Error(),
	})
}
