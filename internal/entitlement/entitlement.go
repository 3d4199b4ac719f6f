// Package entitlement enforces per-user-type and anonymous request caps over a
// rolling window.
package entitlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

var ErrRateLimitExceeded = errors.New("rate limit exceeded")

// Subject 计数主体：登录用户按 ID，匿名请求按 IP
type Subject struct {
	Key      string
	UserType string
}

func UserSubject(userID, userType string) Subject {
	return Subject{Key: "user:" + userID, UserType: userType}
}

func IPSubject(ip string) Subject {
	return Subject{Key: "ip:" + ip}
}

func (s Subject) Anonymous() bool {
	return s.UserType == ""
}

// Store 滚动窗口计数；未达上限时记录本次请求
type Store interface {
	Hit(ctx context.Context, key string, limit int64, window time.Duration, now time.Time) (count int64, allowed bool, err error)
}

// Limits 每日上限；0 表示不限制
type Limits struct {
	Anonymous       int64
	PerUserType     map[string]int64
	DefaultUserType string
}

// Decision 一次检查的结果
type Decision struct {
	Limit     int64
	Count     int64
	Remaining int64
	Window    time.Duration
}

type Service struct {
	store  Store
	limits Limits
	window time.Duration
	now    func() time.Time
}

func NewService(store Store, limits Limits, window time.Duration) *Service {
	if window <= 0 {
		window = 24 * time.Hour
	}
	if limits.DefaultUserType == "" {
		limits.DefaultUserType = "regular"
	}
	return &Service{store: store, limits: limits, window: window, now: time.Now}
}

// LimitFor 未配置的用户类型使用默认类型的上限
func (s *Service) LimitFor(subj Subject) int64 {
	if subj.Anonymous() {
		return s.limits.Anonymous
	}
	if limit, ok := s.limits.PerUserType[subj.UserType]; ok {
		return limit
	}
	return s.limits.PerUserType[s.limits.DefaultUserType]
}

// Allow 达到上限返回 ErrRateLimitExceeded，否则计入本次请求
func (s *Service) Allow(ctx context.Context, subj Subject) (*Decision, error) {
	limit := s.LimitFor(subj)
	d := &Decision{Limit: limit, Window: s.window}
	if limit <= 0 {
		return d, nil
	}

	count, allowed, err := s.store.Hit(ctx, subj.Key, limit, s.window, s.now())
	if err != nil {
		return nil, fmt.Errorf("entitlement: hit %s: %w", subj.Key, err)
	}
	d.Count = count
	d.Remaining = max(limit-count, 0)
	if !allowed {
		log.Infof("entitlement: %s reached %d requests per %s", subj.Key, limit, s.window)
		return d, ErrRateLimitExceeded
	}
	return d, nil
}
