package middleware

import (
	"fmt"

	"github.com/gin-gonic/gin"
)

// AccessLog gin 访问日志，带上登录用户
func AccessLog(skipPaths ...string) gin.HandlerFunc {
	return gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: skipPaths,
		Formatter: func(p gin.LogFormatterParams) string {
			user := "-"
			if id, ok := p.Keys[ContextKeyUserID].(string); ok && id != "" {
				user = id
			}
			return fmt.Sprintf("[GIN] %s | %3d | %13v | %15s | %s | %7s %s\n",
				p.TimeStamp.Format("2006/01/02 - 15:04:05"),
				p.StatusCode,
				p.Latency,
				p.ClientIP,
				user,
				p.Method,
				p.Path,
			)
		},
	})
}
