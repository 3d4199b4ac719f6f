package billing

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"aigateway/internal/model"
	"aigateway/internal/repository"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
)

// PeriodResetter 计费周期结束时发放新一期积分并结转剩余额度
type PeriodResetter struct {
	balances    *repository.CreditBalanceRepository
	planCredits map[string]int64
	maxRollover int64
	cron        *cron.Cron
}

// NewPeriodResetter 创建周期重置器
func NewPeriodResetter(db *sql.DB, planCredits map[string]int64, maxRollover int64) *PeriodResetter {
	return &PeriodResetter{
		balances:    repository.NewCreditBalanceRepository(db),
		planCredits: planCredits,
		maxRollover: maxRollover,
	}
}

// RunOnce 重置所有已到期的余额，返回重置数量
func (p *PeriodResetter) RunOnce(ctx context.Context, now time.Time) (int, error) {
	expired, err := p.balances.ListExpired(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("billing: list expired balances: %w", err)
	}

	reset := 0
	for _, prev := range expired {
		next := p.nextPeriod(prev, now)
		applied, err := p.balances.ResetPeriod(ctx, prev, next)
		if err != nil {
			return reset, fmt.Errorf("billing: reset %s: %w", prev.UserID, err)
		}
		if applied {
			reset++
			log.Infof("ledger: reset period for %s: %d plan + %d rollover",
				prev.UserID, next.CreditsTotal-next.RolloverCredits, next.RolloverCredits)
		}
	}
	return reset, nil
}

func (p *PeriodResetter) nextPeriod(prev *model.CreditBalance, now time.Time) *model.CreditBalance {
	rollover := min(prev.CreditsRemaining, p.maxRollover)
	start, end := PeriodBounds(now)
	// 周期恰好在 now 结束时从下一期开始
	if !end.After(now) {
		start, end = end, end.AddDate(0, 1, 0)
	}
	return &model.CreditBalance{
		UserID:          prev.UserID,
		UserType:        prev.UserType,
		CreditsTotal:    p.planCredits[prev.UserType] + rollover,
		RolloverCredits: rollover,
		PeriodStart:     start,
		PeriodEnd:       end,
	}
}

// Start 按 cron 表达式定时执行
func (p *PeriodResetter) Start(spec string) error {
	p.cron = cron.New()
	_, err := p.cron.AddFunc(spec, func() {
		if _, err := p.RunOnce(context.Background(), time.Now().UTC()); err != nil {
			log.Errorf("ledger: period reset failed: %v", err)
		}
	})
	if err != nil {
		return fmt.Errorf("billing: invalid reset schedule %q: %w", spec, err)
	}
	p.cron.Start()
	log.Infof("ledger: period reset scheduled (%s)", spec)
	return nil
}

// Stop 等待正在执行的任务结束
func (p *PeriodResetter) Stop() {
	if p.cron != nil {
		<-p.cron.Stop().Done()
	}
}
