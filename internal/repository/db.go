package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

var (
	ErrBalanceNotFound     = errors.New("credit balance not found")
	ErrInsufficientBalance = errors.New("insufficient credit balance")
	ErrAdjustmentExists    = errors.New("adjustment already posted for event")
)

// DBTX 同时由 *sql.DB 和 *sql.Tx 实现
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
