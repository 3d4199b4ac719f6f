package billing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"aigateway/internal/model"
	"aigateway/internal/repository"

	log "github.com/sirupsen/logrus"
)

// LedgerOptions 账本参数
type LedgerOptions struct {
	Estimate         Estimate
	NoiseFloorTokens int64
	PlanCredits      map[string]int64
	DefaultUserType  string
}

// Ledger 预付积分账本：扣费、预估扣费和流式对账
type Ledger struct {
	db       *sql.DB
	events   *repository.UsageEventRepository
	balances *repository.CreditBalanceRepository
	calc     *Calculator
	opts     LedgerOptions
	now      func() time.Time
}

// NewLedger 创建账本
func NewLedger(db *sql.DB, calc *Calculator, opts LedgerOptions) *Ledger {
	if opts.DefaultUserType == "" {
		opts.DefaultUserType = "regular"
	}
	return &Ledger{
		db:       db,
		events:   repository.NewUsageEventRepository(db),
		balances: repository.NewCreditBalanceRepository(db),
		calc:     calc,
		opts:     opts,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (l *Ledger) Calculator() *Calculator {
	return l.calc
}

// EnsureBalance 首次使用时按用户类型发放当期计划积分
func (l *Ledger) EnsureBalance(ctx context.Context, userID, userType string) (*model.CreditBalance, error) {
	b, err := l.balances.Get(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("billing: get balance: %w", err)
	}
	if b != nil {
		return b, nil
	}

	if userType == "" {
		userType = l.opts.DefaultUserType
	}
	start, end := PeriodBounds(l.now())
	b = &model.CreditBalance{
		UserID:       userID,
		UserType:     userType,
		CreditsTotal: l.opts.PlanCredits[userType],
		PeriodStart:  start,
		PeriodEnd:    end,
	}
	if err := l.balances.Create(ctx, b); err != nil {
		return nil, fmt.Errorf("billing: create balance: %w", err)
	}
	log.Infof("ledger: opened balance for %s (%s) with %d credits", userID, userType, b.CreditsTotal)

	// 并发创建时以库中记录为准
	b, err = l.balances.Get(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("billing: get balance: %w", err)
	}
	return b, nil
}

// CheckBalance 请求前的余额预检；实际扣减仍由条件更新保证不透支
func (l *Ledger) CheckBalance(ctx context.Context, userID, userType string) (*model.CreditBalance, error) {
	b, err := l.EnsureBalance(ctx, userID, userType)
	if err != nil {
		return nil, err
	}
	if b.CreditsRemaining < l.calc.Pricing().MinCreditsPerEvent {
		return b, ErrInsufficientCredits
	}
	return b, nil
}

// ChargeUsage 写入用量事件并原子扣减积分，二者在同一事务内
func (l *Ledger) ChargeUsage(ctx context.Context, userID string, eventType model.EventType, inputTokens, outputTokens int64, modelID string, meta model.UsageMeta) (*model.UsageEvent, error) {
	return l.charge(ctx, userID, eventType, inputTokens, outputTokens, modelID, meta, model.UsageStatusCharged)
}

// ChargeEstimate 流式请求在首字节之前按固定预估扣费
func (l *Ledger) ChargeEstimate(ctx context.Context, userID string, eventType model.EventType, modelID string, meta model.UsageMeta) (*model.UsageEvent, error) {
	est := l.opts.Estimate
	return l.charge(ctx, userID, eventType, est.InputTokens, est.OutputTokens, modelID, meta, model.UsageStatusEstimated)
}

func (l *Ledger) charge(ctx context.Context, userID string, eventType model.EventType, inputTokens, outputTokens int64, modelID string, meta model.UsageMeta, status model.UsageStatus) (*model.UsageEvent, error) {
	cost := l.calc.Calculate(eventType, inputTokens, outputTokens)
	event := &model.UsageEvent{
		UserID:          userID,
		EventType:       eventType,
		ProjectID:       meta.ProjectID,
		ChatID:          meta.ChatID,
		MessageID:       meta.MessageID,
		RequestID:       meta.RequestID,
		InputTokens:     inputTokens,
		OutputTokens:    outputTokens,
		TotalTokens:     inputTokens + outputTokens,
		InputCostCents:  cost.InputCostCents,
		OutputCostCents: cost.OutputCostCents,
		TotalCostCents:  cost.TotalCostCents,
		CreditsDeducted: cost.Credits,
		CreditsDelta:    cost.Credits,
		Model:           modelID,
		Status:          status,
		CreatedAt:       l.now(),
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("billing: begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := l.events.WithTx(tx).Create(ctx, event); err != nil {
		return nil, fmt.Errorf("billing: insert usage event: %w", err)
	}
	if err := l.balances.WithTx(tx).Deduct(ctx, userID, cost.Credits); err != nil {
		if errors.Is(err, repository.ErrInsufficientBalance) || errors.Is(err, repository.ErrBalanceNotFound) {
			return nil, fmt.Errorf("billing: deduct %d credits for %s: %w", cost.Credits, userID, ErrInsufficientCredits)
		}
		return nil, fmt.Errorf("billing: deduct credits: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("billing: commit: %w", err)
	}

	log.Infof("ledger: charged %s %d credits (%s, %s, in=%d out=%d)",
		userID, cost.Credits, eventType, status, inputTokens, outputTokens)
	return event, nil
}

// Reconcile 用权威用量修正预估扣费。差值在噪声阈值内不调整；
// 积分差为负时只记录不退款。同一原始事件最多一条调整记录。
func (l *Ledger) Reconcile(ctx context.Context, original *model.UsageEvent, actual Usage) (ReconcileOutcome, *model.UsageEvent, error) {
	existing, err := l.events.GetAdjustmentFor(ctx, original.ID)
	if err != nil {
		return "", nil, fmt.Errorf("billing: lookup adjustment: %w", err)
	}
	if existing != nil {
		return OutcomeAlreadyReconciled, existing, nil
	}

	delta := actual.Total() - original.TotalTokens
	if abs(delta) <= l.opts.NoiseFloorTokens {
		log.Debugf("ledger: event %s within noise floor (delta=%d)", original.ID, delta)
		return OutcomeSkipped, nil, nil
	}

	actualCost := l.calc.Calculate(original.EventType, actual.InputTokens, actual.OutputTokens)
	estimateCost := l.calc.Calculate(original.EventType, original.InputTokens, original.OutputTokens)
	creditsDelta := actualCost.Credits - estimateCost.Credits

	adjustment := &model.UsageEvent{
		UserID:          original.UserID,
		EventType:       model.EventAdjustment,
		ProjectID:       original.ProjectID,
		ChatID:          original.ChatID,
		MessageID:       original.MessageID,
		RequestID:       original.RequestID,
		InputTokens:     actual.InputTokens - original.InputTokens,
		OutputTokens:    actual.OutputTokens - original.OutputTokens,
		TotalTokens:     delta,
		InputCostCents:  actualCost.InputCostCents - estimateCost.InputCostCents,
		OutputCostCents: actualCost.OutputCostCents - estimateCost.OutputCostCents,
		TotalCostCents:  actualCost.TotalCostCents - estimateCost.TotalCostCents,
		CreditsDelta:    creditsDelta,
		Model:           original.Model,
		Status:          model.UsageStatusAdjusted,
		AdjustsEventID:  original.ID,
		CreatedAt:       l.now(),
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return "", nil, fmt.Errorf("billing: begin tx: %w", err)
	}
	defer tx.Rollback()

	if creditsDelta > 0 {
		taken, err := l.balances.WithTx(tx).DeductUpTo(ctx, original.UserID, creditsDelta)
		if err != nil {
			return "", nil, fmt.Errorf("billing: deduct adjustment: %w", err)
		}
		adjustment.CreditsDeducted = taken
		if taken < creditsDelta {
			log.Warnf("ledger: adjustment for %s capped at %d of %d credits", original.ID, taken, creditsDelta)
		}
	}

	if err := l.events.WithTx(tx).Create(ctx, adjustment); err != nil {
		if errors.Is(err, repository.ErrAdjustmentExists) {
			return OutcomeAlreadyReconciled, nil, nil
		}
		return "", nil, fmt.Errorf("billing: insert adjustment: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", nil, fmt.Errorf("billing: commit: %w", err)
	}

	log.Infof("ledger: reconciled %s delta=%d tokens, %d credits (deducted %d)",
		original.ID, delta, creditsDelta, adjustment.CreditsDeducted)
	return OutcomeReconciled, adjustment, nil
}

// Grant 充值或赠送积分，由购买流程调用
func (l *Ledger) Grant(ctx context.Context, userID, userType string, credits int64) (*model.CreditBalance, error) {
	if credits <= 0 {
		return nil, fmt.Errorf("billing: grant must be positive, got %d", credits)
	}
	if _, err := l.EnsureBalance(ctx, userID, userType); err != nil {
		return nil, err
	}
	if err := l.balances.Grant(ctx, userID, credits); err != nil {
		return nil, fmt.Errorf("billing: grant: %w", err)
	}
	return l.Balance(ctx, userID)
}

func (l *Ledger) Balance(ctx context.Context, userID string) (*model.CreditBalance, error) {
	b, err := l.balances.Get(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("billing: get balance: %w", err)
	}
	return b, nil
}

func (l *Ledger) Event(ctx context.Context, id string) (*model.UsageEvent, error) {
	return l.events.GetByID(ctx, id)
}

func (l *Ledger) Events(ctx context.Context, userID string, limit, offset int) ([]*model.UsageEvent, int64, error) {
	events, err := l.events.ListByUserID(ctx, userID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("billing: list events: %w", err)
	}
	total, err := l.events.CountByUserID(ctx, userID)
	if err != nil {
		return nil, 0, fmt.Errorf("billing: count events: %w", err)
	}
	return events, total, nil
}

// PeriodBounds 返回 t 所在自然月的起止时间（UTC）
func PeriodBounds(t time.Time) (time.Time, time.Time) {
	t = t.UTC()
	start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
