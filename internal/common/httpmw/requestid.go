package httpmw

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// requestIDHeader carries the id to and from clients.
const requestIDHeader = "X-Request-ID"

// requestIDKey is the gin context key the id is stored under.
const requestIDKey = "request_id"

// RequestID tags each request with an id, honoring one supplied by the
// client, and echoes it on the response.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

// RequestIDFrom returns the request's id, or "" outside the middleware.
func RequestIDFrom(c *gin.Context) string {
	return c.GetString(requestIDKey)
}
