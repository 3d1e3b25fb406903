package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/drovergrid/drover/pkg/errdefs"
	"github.com/drovergrid/drover/pkg/log"
)

// errorResponse is the body of every non-2xx response.
type errorResponse struct {
	Error         string            `json:"error"`
	Fields        map[string]string `json:"fields,omitempty"`
	CorrelationID string            `json:"correlationId,omitempty"`
}

// writeError maps an error kind to its HTTP status. This is the only
// place that mapping exists; handlers hand errors straight through.
// Internal errors are logged with the correlation id and answered with
// a generic message so nothing internal leaks.
func writeError(c *gin.Context, err error) {
	correlationID := c.GetString(correlationIDKey)

	if verr, ok := errdefs.AsValidation(err); ok {
		c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse{
			Error:         "validation failed",
			Fields:        verr.Fields,
			CorrelationID: correlationID,
		})
		return
	}

	var status int
	message := err.Error()
	switch {
	case errdefs.IsInvalidArgument(err), errdefs.IsInvalidTransition(err):
		status = http.StatusBadRequest
	case errdefs.IsUnauthorized(err):
		status = http.StatusUnauthorized
		message = "unauthorized"
	case errdefs.IsForbidden(err), errdefs.IsNotOwner(err):
		status = http.StatusForbidden
	case errdefs.IsNotFound(err):
		status = http.StatusNotFound
	case errdefs.IsConflict(err), errdefs.IsConcurrency(err):
		status = http.StatusConflict
	case errdefs.IsTimeout(err):
		status = http.StatusGatewayTimeout
	default:
		status = http.StatusInternalServerError
		message = "internal error"
		logger := log.WithComponent("api")
		logger.Error().
			Err(err).
			Str("correlation_id", correlationID).
			Str("path", c.Request.URL.Path).
			Msg("request failed")
	}

	c.AbortWithStatusJSON(status, errorResponse{
		Error:         message,
		CorrelationID: correlationID,
	})
}
