package middleware

import (
	"health-program-service/utils"

	"github.com/gin-gonic/gin"
)

// ErrorHandler forwards handler-reported errors to Sentry with the
// request they occurred on.
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) > 0 {
			for _, ginErr := range c.Errors {
				utils.CaptureError(ginErr.Err, map[string]interface{}{
					"endpoint": c.Request.URL.Path,
					"method":   c.Request.Method,
					"status":   c.Writer.Status(),
				})
			}
		}
	}
}
