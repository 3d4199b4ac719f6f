package repository

import (
	"context"
	"database/sql"
	"time"
)

// RateLimitRepository 滚动窗口请求计数
type RateLimitRepository struct {
	db *sql.DB
}

func NewRateLimitRepository(db *sql.DB) *RateLimitRepository {
	return &RateLimitRepository{db: db}
}

// HitIfBelow 在同一事务内统计窗口内次数，未达上限时记录本次请求
func (r *RateLimitRepository) HitIfBelow(ctx context.Context, subject string, limit int64, window time.Duration, now time.Time) (int64, bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, err
	}
	defer tx.Rollback()

	since := now.Add(-window).UnixMilli()
	var count int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM rate_limit_hits WHERE subject = ? AND created_at > ?`,
		subject, since,
	).Scan(&count); err != nil {
		return 0, false, err
	}
	if count >= limit {
		return count, false, nil
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO rate_limit_hits (subject, created_at) VALUES (?, ?)`,
		subject, now.UnixMilli(),
	); err != nil {
		return 0, false, err
	}
	if err := tx.Commit(); err != nil {
		return 0, false, err
	}
	return count + 1, true, nil
}

// Prune 删除窗口外的记录
func (r *RateLimitRepository) Prune(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM rate_limit_hits WHERE created_at <= ?`, before.UnixMilli())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
