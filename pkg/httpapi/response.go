package httpapi

import (
	"errors"
	"log/slog"
	"net/http"

	"export-service/pkg/export"

	"github.com/gin-gonic/gin"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
	JobID   string `json:"job_id,omitempty"`
}

// statusOf maps domain errors to HTTP status codes and client-facing messages.
func statusOf(err error) (int, string) {
	switch {
	case errors.Is(err, export.ErrInvalidEntity),
		errors.Is(err, export.ErrInvalidHeader),
		errors.Is(err, export.ErrMissingSelection),
		errors.Is(err, export.ErrInvalidRequest):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, export.ErrMissingUserID):
		return http.StatusUnauthorized, export.ErrMissingUserID.Error()
	case errors.Is(err, export.ErrJobNotFound), errors.Is(err, export.ErrNotOwned):
		// One body for both so other users' job ids cannot be discovered.
		return http.StatusNotFound, export.ErrJobNotFound.Error()
	case errors.Is(err, export.ErrJobNotReady):
		return http.StatusConflict, export.ErrJobNotReady.Error()
	case errors.Is(err, export.ErrTokenInvalid):
		return http.StatusNotFound, "invalid or expired link"
	case errors.Is(err, export.ErrQueueFull):
		return http.StatusServiceUnavailable, export.ErrQueueFull.Error()
	case errors.Is(err, export.ErrExportFailed):
		return http.StatusInternalServerError, export.ErrExportFailed.Error()
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}

func fail(c *gin.Context, logger *slog.Logger, err error) {
	failJob(c, logger, err, "")
}

func failJob(c *gin.Context, logger *slog.Logger, err error, jobID string) {
	status, msg := statusOf(err)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "method", c.Request.Method, "path", c.FullPath(), "job_id", jobID, "error", err)
	}
	c.AbortWithStatusJSON(status, ErrorResponse{Status: status, Message: msg, JobID: jobID})
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{Status: http.StatusBadRequest, Message: msg})
}
