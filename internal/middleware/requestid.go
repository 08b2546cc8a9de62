package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	// RequestIDHeader propagates the request identifier between the producing
	// application, the audit API and its logs.
	RequestIDHeader = "X-Request-ID"

	// RequestIDKey is the gin.Context key the identifier is stored under.
	RequestIDKey = "request_id"

	// maxRequestIDLen caps inbound identifiers so an arbitrary header value
	// cannot be copied into every log record of the request.
	maxRequestIDLen = 128
)

// RequestIDMiddleware tags each request with an identifier so an ingest call
// can be matched to the log records it produced. An inbound X-Request-ID from
// the producing service is reused, which lets its own trace ID flow through
// to the audit side; missing or oversized values are replaced with a fresh
// UUID. The identifier is stored under RequestIDKey and echoed in the
// response header.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" || len(id) > maxRequestIDLen {
			id = uuid.New().String()
		}
		c.Set(RequestIDKey, id)
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}
