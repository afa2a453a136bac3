package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"photoingest/internal/models"
)

// statusFor maps an error kind to a response status. Storage failures are
// reported with storageStatus, which differs between finalize and the rest.
func statusFor(err error, storageStatus int) int {
	switch {
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrVersionConflict), errors.Is(err, models.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, models.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, models.ErrStorage):
		return storageStatus
	default:
		return http.StatusInternalServerError
	}
}

func kindOf(err error) string {
	switch {
	case errors.Is(err, models.ErrValidation):
		return "validation"
	case errors.Is(err, models.ErrForbidden):
		return "forbidden"
	case errors.Is(err, models.ErrNotFound):
		return "not_found"
	case errors.Is(err, models.ErrVersionConflict):
		return "version_conflict"
	case errors.Is(err, models.ErrConflict):
		return "conflict"
	case errors.Is(err, models.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, models.ErrStorage):
		return "storage"
	default:
		return "internal"
	}
}

func (s *Server) fail(c *gin.Context, err error, storageStatus int) {
	status := statusFor(err, storageStatus)
	_ = c.Error(err)

	body := gin.H{"error": kindOf(err)}
	if status == http.StatusInternalServerError {
		body["message"] = "internal error"
	} else {
		body["message"] = err.Error()
	}
	var fe *models.FieldError
	if errors.As(err, &fe) {
		body["field"] = fe.Field
		body["message"] = fe.Reason
	}
	c.AbortWithStatusJSON(status, body)
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "validation", "message": msg})
}
