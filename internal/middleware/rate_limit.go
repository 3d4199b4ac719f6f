package middleware

import (
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"aigateway/internal/entitlement"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter 按 IP 的令牌桶，挡住每日上限之前的突发请求
type RateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rate     rate.Limit
	burst    int
	idle     time.Duration
}

func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		visitors: make(map[string]*visitor),
		rate:     rate.Limit(rps),
		burst:    burst,
		idle:     10 * time.Minute,
	}
}

func (rl *RateLimiter) getLimiter(key string, now time.Time) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	v, ok := rl.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.visitors[key] = v
	}
	v.lastSeen = now
	return v.limiter
}

// Cleanup 移除长时间未出现的 IP
func (rl *RateLimiter) Cleanup(now time.Time) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	for key, v := range rl.visitors {
		if now.Sub(v.lastSeen) > rl.idle {
			delete(rl.visitors, key)
			removed++
		}
	}
	return removed
}

func (rl *RateLimiter) RateLimitByIP() gin.HandlerFunc {
	return func(c *gin.Context) {
		if rl.rate <= 0 {
			c.Next()
			return
		}
		limiter := rl.getLimiter(c.ClientIP(), time.Now())
		if !limiter.Allow() {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

// DailyLimit 登录用户按用户类型、匿名请求按 IP 计入滚动窗口
func DailyLimit(svc *entitlement.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		subj := entitlement.IPSubject(c.ClientIP())
		if userID := GetUserID(c); userID != "" {
			subj = entitlement.UserSubject(userID, GetUserType(c))
		}

		d, err := svc.Allow(c.Request.Context(), subj)
		if err != nil {
			if errors.Is(err, entitlement.ErrRateLimitExceeded) {
				c.Header("X-RateLimit-Limit", strconv.FormatInt(d.Limit, 10))
				c.Header("X-RateLimit-Remaining", "0")
				c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
					"error":   "rate limit exceeded",
					"details": "daily request limit of " + strconv.FormatInt(d.Limit, 10) + " reached",
				})
				return
			}
			log.Errorf("ratelimit: entitlement check for %s failed: %v", subj.Key, err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "rate limit check failed"})
			return
		}
		if d.Limit > 0 {
			c.Header("X-RateLimit-Limit", strconv.FormatInt(d.Limit, 10))
			c.Header("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
		}
		c.Next()
	}
}
