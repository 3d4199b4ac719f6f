package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const corsMaxAge = "86400"

// CORSHeaders 所有响应（含流式和 OPTIONS 预检）使用同一组跨域头
func CORSHeaders() http.Header {
	h := http.Header{}
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With")
	h.Set("Access-Control-Max-Age", corsMaxAge)
	return h
}

// CORS 写入跨域头，预检请求直接返回 204
func CORS() gin.HandlerFunc {
	headers := CORSHeaders()
	return func(c *gin.Context) {
		for k, vs := range headers {
			for _, v := range vs {
				c.Writer.Header().Set(k, v)
			}
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
