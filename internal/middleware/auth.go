package middleware

import (
	"errors"
	"net/http"
	"strings"

	"aigateway/internal/service"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

const (
	ContextKeyUserID   = "user_id"
	ContextKeyUserType = "user_type"
)

// TokenValidator JWT 校验，由 service.JWTService 实现
type TokenValidator interface {
	ValidateToken(token string) (*service.JWTClaims, error)
}

// OptionalJWT 无 Authorization 头视为匿名；头存在但无效返回 401
func OptionalJWT(validator TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.Next()
			return
		}
		if !authenticate(c, validator, authHeader) {
			return
		}
		c.Next()
	}
}

// RequireJWT 必须携带有效 token
func RequireJWT(validator TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing Authorization header"})
			return
		}
		if !authenticate(c, validator, authHeader) {
			return
		}
		c.Next()
	}
}

func authenticate(c *gin.Context, validator TokenValidator, authHeader string) bool {
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "malformed Authorization header"})
		return false
	}

	claims, err := validator.ValidateToken(strings.TrimSpace(parts[1]))
	if err != nil {
		msg := "invalid token"
		if errors.Is(err, service.ErrExpiredToken) {
			msg = "token expired"
		}
		log.Debugf("auth: rejected token from %s: %v", c.ClientIP(), err)
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": msg})
		return false
	}

	c.Set(ContextKeyUserID, claims.UserID)
	c.Set(ContextKeyUserType, claims.UserType)
	return true
}

func GetUserID(c *gin.Context) string {
	return c.GetString(ContextKeyUserID)
}

func GetUserType(c *gin.Context) string {
	return c.GetString(ContextKeyUserType)
}
