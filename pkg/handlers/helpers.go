package handlers

import (
	"errors"
	"net/http"

	"care-transitions-api/pkg/models"

	"github.com/gin-gonic/gin"
)

// respondError maps the error taxonomy onto HTTP statuses and emits the
// stable code/category plus a readable detail. Internal stack detail is
// logged elsewhere, never returned.
func respondError(c *gin.Context, err error) {
	var appErr *models.Error
	if !errors.As(err, &appErr) {
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   "internal error",
			"details": err.Error(),
		})
		return
	}
	status := http.StatusInternalServerError
	switch appErr.Category {
	case models.CategoryValidation:
		status = http.StatusBadRequest
	case models.CategoryNotFound:
		status = http.StatusNotFound
	case models.CategoryConflict:
		status = http.StatusConflict
	case models.CategoryTransient:
		status = http.StatusBadGateway
	case models.CategoryConfig:
		status = http.StatusInternalServerError
	}
	c.JSON(status, gin.H{
		"success":  false,
		"error":    appErr.Code,
		"category": appErr.Category,
		"details":  appErr.Detail,
	})
}

func respondOK(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    data,
	})
}
