package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/butlerfleet/butlerd/pkg/models"
	"github.com/butlerfleet/butlerd/pkg/services"
)

// statusForClass is the single error-class → HTTP translation.
func statusForClass(class models.ErrorClass) int {
	switch class {
	case models.ErrClassValidation:
		return http.StatusUnprocessableEntity
	case models.ErrClassNotFound:
		return http.StatusNotFound
	case models.ErrClassConflict:
		return http.StatusConflict
	case models.ErrClassOverloadRejected:
		return http.StatusTooManyRequests
	case models.ErrClassTargetUnavailable:
		return http.StatusServiceUnavailable
	case models.ErrClassTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// writeError translates service and fault errors exactly once, at this
// edge. Overload and availability rejections carry Retry-After.
func writeError(c *gin.Context, err error) {
	var validErr *services.ValidationError
	if errors.As(err, &validErr) {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"status": "error", "error_class": models.ErrClassValidation, "error": validErr.Error(),
		})
		return
	}
	if errors.Is(err, services.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"status": "error", "error_class": models.ErrClassNotFound, "error": "resource not found",
		})
		return
	}
	if errors.Is(err, services.ErrConcurrentModification) {
		c.JSON(http.StatusConflict, gin.H{
			"status": "error", "error_class": models.ErrClassConflict, "error": err.Error(),
		})
		return
	}

	class := models.ClassOf(err)
	status := statusForClass(class)
	if retryAfter := models.RetryAfterOf(err); retryAfter > 0 &&
		(status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable) {
		seconds := int(retryAfter.Seconds())
		if seconds < 1 {
			seconds = 1
		}
		c.Header("Retry-After", strconv.Itoa(seconds))
	}
	if status == http.StatusInternalServerError {
		slog.Error("unhandled API error", "error", err)
	}
	c.JSON(status, gin.H{"status": "error", "error_class": class, "error": err.Error()})
}
