package entitlement

import (
	"context"
	"time"

	"aigateway/internal/repository"

	log "github.com/sirupsen/logrus"
)

// SQLiteStore 基于 rate_limit_hits 表
type SQLiteStore struct {
	repo *repository.RateLimitRepository
}

func NewSQLiteStore(repo *repository.RateLimitRepository) *SQLiteStore {
	return &SQLiteStore{repo: repo}
}

func (s *SQLiteStore) Hit(ctx context.Context, key string, limit int64, window time.Duration, now time.Time) (int64, bool, error) {
	return s.repo.HitIfBelow(ctx, key, limit, window, now)
}

// Prune 清理窗口之外的记录，由定时任务调用
func (s *SQLiteStore) Prune(ctx context.Context, window time.Duration, now time.Time) {
	n, err := s.repo.Prune(ctx, now.Add(-window))
	if err != nil {
		log.Warnf("entitlement: prune rate limit hits: %v", err)
		return
	}
	if n > 0 {
		log.Debugf("entitlement: pruned %d rate limit hits", n)
	}
}
