package service

import (
	"errors"
	"slices"
	"time"

	"aigateway/internal/config"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken    = errors.New("invalid token")
	ErrExpiredToken    = errors.New("token expired")
	ErrInvalidIssuer   = errors.New("invalid token issuer")
	ErrInvalidAudience = errors.New("invalid token audience")
)

// DefaultUserType 未携带类型的令牌按普通用户处理
const DefaultUserType = "regular"

// JWTClaims 身份提供方签发的令牌声明
type JWTClaims struct {
	UserID   string `json:"user_id"`
	UserType string `json:"user_type"`
	jwt.RegisteredClaims
}

type JWTService struct {
	secret   []byte
	issuer   string
	audience string
}

// NewJWTService 使用全局配置创建
func NewJWTService() *JWTService {
	cfg := config.Get()
	return NewJWTServiceWith(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTAudience)
}

func NewJWTServiceWith(secret, issuer, audience string) *JWTService {
	return &JWTService{secret: []byte(secret), issuer: issuer, audience: audience}
}

// GenerateToken 签发令牌，供 CLI 和测试使用
func (s *JWTService) GenerateToken(userID, userType string, ttl time.Duration) (string, error) {
	if userType == "" {
		userType = DefaultUserType
	}
	now := time.Now()
	claims := JWTClaims{
		UserID:   userID,
		UserType: userType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    s.issuer,
			Audience:  jwt.ClaimStrings{s.audience},
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

func (s *JWTService) ValidateToken(tokenString string) (*JWTClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*JWTClaims)
	if !ok || !token.Valid || claims.UserID == "" {
		return nil, ErrInvalidToken
	}
	if claims.Issuer != s.issuer {
		return nil, ErrInvalidIssuer
	}
	if !slices.Contains(claims.Audience, s.audience) {
		return nil, ErrInvalidAudience
	}
	if claims.UserType == "" {
		claims.UserType = DefaultUserType
	}
	return claims, nil
}
