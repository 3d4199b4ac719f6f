package repository

import (
	"context"
	"database/sql"
	"time"

	"aigateway/internal/model"
)

type CreditBalanceRepositoryInterface interface {
	Get(ctx context.Context, userID string) (*model.CreditBalance, error)
	Create(ctx context.Context, balance *model.CreditBalance) error
	Deduct(ctx context.Context, userID string, credits int64) error
	DeductUpTo(ctx context.Context, userID string, credits int64) (int64, error)
	Grant(ctx context.Context, userID string, credits int64) error
	ListExpired(ctx context.Context, now time.Time) ([]*model.CreditBalance, error)
	ResetPeriod(ctx context.Context, prev *model.CreditBalance, next *model.CreditBalance) (bool, error)
}

var _ CreditBalanceRepositoryInterface = (*CreditBalanceRepository)(nil)

type CreditBalanceRepository struct {
	db DBTX
}

func NewCreditBalanceRepository(db DBTX) *CreditBalanceRepository {
	return &CreditBalanceRepository{db: db}
}

func (r *CreditBalanceRepository) WithTx(tx *sql.Tx) *CreditBalanceRepository {
	return &CreditBalanceRepository{db: tx}
}

const creditBalanceColumns = `user_id, user_type, credits_total, credits_used, credits_remaining,
	rollover_credits, period_start, period_end, updated_at`

func (r *CreditBalanceRepository) Get(ctx context.Context, userID string) (*model.CreditBalance, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+creditBalanceColumns+` FROM credit_balances WHERE user_id = ?`, userID)
	b, err := scanCreditBalance(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return b, err
}

// Create 已存在时不覆盖
func (r *CreditBalanceRepository) Create(ctx context.Context, b *model.CreditBalance) error {
	b.UpdatedAt = time.Now().UTC()
	b.CreditsRemaining = b.CreditsTotal - b.CreditsUsed
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO credit_balances (`+creditBalanceColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_id) DO NOTHING`,
		b.UserID, b.UserType, b.CreditsTotal, b.CreditsUsed, b.CreditsRemaining,
		b.RolloverCredits, toMillis(b.PeriodStart), toMillis(b.PeriodEnd), toMillis(b.UpdatedAt),
	)
	return err
}

// Deduct 原子条件扣减：余额不足时不写入并返回 ErrInsufficientBalance
func (r *CreditBalanceRepository) Deduct(ctx context.Context, userID string, credits int64) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE credit_balances
		 SET credits_used = credits_used + ?, credits_remaining = credits_remaining - ?, updated_at = ?
		 WHERE user_id = ? AND credits_remaining >= ?`,
		credits, credits, time.Now().UnixMilli(), userID, credits,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 1 {
		return nil
	}
	return r.missOrInsufficient(ctx, userID)
}

// DeductUpTo 最多扣减 credits，余额不足时扣到零；返回实际扣减量
func (r *CreditBalanceRepository) DeductUpTo(ctx context.Context, userID string, credits int64) (int64, error) {
	if credits <= 0 {
		return 0, nil
	}
	for attempt := 0; attempt < 5; attempt++ {
		var remaining int64
		err := r.db.QueryRowContext(ctx, `SELECT credits_remaining FROM credit_balances WHERE user_id = ?`, userID).Scan(&remaining)
		if err == sql.ErrNoRows {
			return 0, ErrBalanceNotFound
		}
		if err != nil {
			return 0, err
		}

		take := min(credits, remaining)
		if take == 0 {
			return 0, nil
		}
		result, err := r.db.ExecContext(ctx,
			`UPDATE credit_balances
			 SET credits_used = credits_used + ?, credits_remaining = credits_remaining - ?, updated_at = ?
			 WHERE user_id = ? AND credits_remaining = ?`,
			take, take, time.Now().UnixMilli(), userID, remaining,
		)
		if err != nil {
			return 0, err
		}
		if rows, _ := result.RowsAffected(); rows == 1 {
			return take, nil
		}
	}
	return 0, ErrInsufficientBalance
}

func (r *CreditBalanceRepository) Grant(ctx context.Context, userID string, credits int64) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE credit_balances
		 SET credits_total = credits_total + ?, credits_remaining = credits_remaining + ?, updated_at = ?
		 WHERE user_id = ?`,
		credits, credits, time.Now().UnixMilli(), userID,
	)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrBalanceNotFound
	}
	return nil
}

func (r *CreditBalanceRepository) ListExpired(ctx context.Context, now time.Time) ([]*model.CreditBalance, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+creditBalanceColumns+` FROM credit_balances WHERE period_end <= ? ORDER BY period_end`,
		now.UnixMilli(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.CreditBalance
	for rows.Next() {
		b, err := scanCreditBalance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// ResetPeriod 以旧周期结束时间做 CAS，避免并发重置重复发放
func (r *CreditBalanceRepository) ResetPeriod(ctx context.Context, prev *model.CreditBalance, next *model.CreditBalance) (bool, error) {
	next.UpdatedAt = time.Now().UTC()
	result, err := r.db.ExecContext(ctx,
		`UPDATE credit_balances
		 SET credits_total = ?, credits_used = 0, credits_remaining = ?, rollover_credits = ?,
		     period_start = ?, period_end = ?, updated_at = ?
		 WHERE user_id = ? AND period_end = ?`,
		next.CreditsTotal, next.CreditsTotal, next.RolloverCredits,
		toMillis(next.PeriodStart), toMillis(next.PeriodEnd), toMillis(next.UpdatedAt),
		prev.UserID, toMillis(prev.PeriodEnd),
	)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	return rows == 1, err
}

func (r *CreditBalanceRepository) missOrInsufficient(ctx context.Context, userID string) error {
	var exists int
	err := r.db.QueryRowContext(ctx, `SELECT 1 FROM credit_balances WHERE user_id = ?`, userID).Scan(&exists)
	if err == sql.ErrNoRows {
		return ErrBalanceNotFound
	}
	if err != nil {
		return err
	}
	return ErrInsufficientBalance
}

func scanCreditBalance(s rowScanner) (*model.CreditBalance, error) {
	b := &model.CreditBalance{}
	var periodStart, periodEnd, updatedAt int64
	err := s.Scan(&b.UserID, &b.UserType, &b.CreditsTotal, &b.CreditsUsed, &b.CreditsRemaining,
		&b.RolloverCredits, &periodStart, &periodEnd, &updatedAt)
	if err != nil {
		return nil, err
	}
	b.PeriodStart = fromMillis(periodStart)
	b.PeriodEnd = fromMillis(periodEnd)
	b.UpdatedAt = fromMillis(updatedAt)
	return b, nil
}
