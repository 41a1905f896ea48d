package middleware

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"cardspace_rt/server/common/log"
	"cardspace_rt/server/common/transport/httpresp"
)

// RequestLog writes one line per request in the service log format.
func RequestLog(service string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		outcome := "ok"
		if status >= 500 {
			outcome = "failed"
		}
		log.Infof("event=%s_http action=%s status=%s path=%s code=%d latency_ms=%d remote=%s",
			service, c.Request.Method, outcome, c.FullPath(), status, time.Since(start).Milliseconds(), c.ClientIP())
	}
}

// Recover turns a handler panic into a 500 and logs it with the stack.
func Recover(service string) gin.HandlerFunc {
	return gin.CustomRecoveryWithWriter(io.Discard, func(c *gin.Context, err any) {
		log.Exceptionf("event=%s_http action=recover status=failed path=%s error=%v", service, c.FullPath(), err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, httpresp.NewErrorResponse(httpresp.ErrInternal))
	})
}
