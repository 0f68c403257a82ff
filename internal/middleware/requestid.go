// Package middleware provides the Gin middleware chain: request IDs, metrics,
// security headers, rate limiting, JWT auth for the admin surface, tenant
// resolution, and audit logging. Everything here is registered in
// internal/api/router.go ahead of the route handlers.
package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	// RequestIDHeader propagates the request identifier to and from clients.
	RequestIDHeader = "X-Request-ID"

	// RequestIDKey is the gin.Context key the request ID is stored under.
	RequestIDKey = "request_id"
)

// RequestID ensures every request carries a unique identifier: an inbound
// X-Request-ID is reused, otherwise a UUID v4 is generated. The value is
// stored in the context and echoed back in the response header so clients
// can correlate with server-side log entries.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}
		c.Set(RequestIDKey, id)
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}
