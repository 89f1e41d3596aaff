package httpapi

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"yall.in"
)

const requestIDHeader = "X-Request-Id"

// requestLogger tags every request with an ID, puts a logger carrying it in
// the request's context, and logs the outcome once the request is served.
func requestLogger(base *yall.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Header(requestIDHeader, id)

		log := base.WithField("http.request_id", id)
		log = log.WithField("http.method", c.Request.Method)
		log = log.WithField("http.path", c.Request.URL.Path)
		c.Request = c.Request.WithContext(yall.InContext(c.Request.Context(), log))

		c.Next()

		log = log.WithField("http.status", c.Writer.Status())
		log = log.WithField("http.duration", time.Since(start).String())
		if err := c.Errors.Last(); err != nil {
			log.WithError(err.Err).Error("[httpapi] request failed")
			return
		}
		log.Debug("[httpapi] request served")
	}
}
