package api

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/drovergrid/drover/pkg/auth"
	"github.com/drovergrid/drover/pkg/errdefs"
	"github.com/drovergrid/drover/pkg/metrics"
)

// Context keys for values the middleware chain stores per request.
const (
	correlationIDKey = "correlationId"
	claimsKey        = "authClaims"
)

// correlationMiddleware tags every request with an id, honoring one
// the caller already supplied so traces can span services.
func correlationMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Correlation-Id")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(correlationIDKey, id)
		c.Header("X-Correlation-Id", id)
		c.Next()
	}
}

// requestLogger emits one structured line per request after it
// completes. Server faults log at error, client faults at warn.
func requestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		var evt *zerolog.Event
		switch {
		case status >= 500:
			evt = logger.Error()
		case status >= 400:
			evt = logger.Warn()
		default:
			evt = logger.Info()
		}
		evt.
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Str("correlation_id", c.GetString(correlationIDKey)).
			Msg("request")
	}
}

// metricsMiddleware counts and times requests by route template, so
// /api/tasks/17 and /api/tasks/42 land in the same series.
func metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := metrics.NewTimer()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		metrics.APIRequestsTotal.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		timer.ObserveDurationVec(metrics.APIRequestDuration, c.Request.Method, path)
	}
}

// timeoutMiddleware puts a deadline on the request context. Store
// operations notice it and surface ErrTimeout, which maps to 504. The
// event stream is exempt: it lives as long as the subscriber.
func timeoutMiddleware(d time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), d)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// authMiddleware verifies the bearer token and stores its claims for
// handlers. Tokens ride the Authorization header, or the token query
// parameter for websocket dials that cannot set headers.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			writeError(c, fmt.Errorf("missing bearer token: %w", errdefs.ErrUnauthorized))
			return
		}
		claims, err := s.tokens.Verify(token)
		if err != nil {
			writeError(c, err)
			return
		}
		c.Set(claimsKey, claims)
		c.Next()
	}
}

// requireAdmin gates administrative endpoints on the token role.
func requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := claimsFrom(c)
		if claims == nil || claims.Role != auth.RoleAdmin {
			writeError(c, fmt.Errorf("admin role required: %w", errdefs.ErrForbidden))
			return
		}
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return c.Query("token")
}

func claimsFrom(c *gin.Context) *auth.Claims {
	v, ok := c.Get(claimsKey)
	if !ok {
		return nil
	}
	claims, _ := v.(*auth.Claims)
	return claims
}

// requireActor checks that the token subject is the node the request
// acts for. Admin tokens act for anyone. The check runs before any
// lookup so a foreign caller learns nothing about what exists.
func requireActor(c *gin.Context, nodeID string) bool {
	claims := claimsFrom(c)
	if claims == nil {
		writeError(c, fmt.Errorf("missing claims: %w", errdefs.ErrUnauthorized))
		return false
	}
	if claims.Role == auth.RoleAdmin || claims.NodeID == nodeID {
		return true
	}
	writeError(c, fmt.Errorf("token subject %s may not act for node %s: %w",
		claims.NodeID, nodeID, errdefs.ErrForbidden))
	return false
}
