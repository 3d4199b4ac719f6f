package billing

import "errors"

var (
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrReportUnavailable   = errors.New("usage report not available")
)

// Usage token 使用量
type Usage struct {
	InputTokens  int64 `json:"inputTokens"`
	OutputTokens int64 `json:"outputTokens"`
}

func (u Usage) Total() int64 {
	return u.InputTokens + u.OutputTokens
}

// Estimate 流式请求开始前预扣的 token 数
type Estimate struct {
	InputTokens  int64
	OutputTokens int64
}

// ReconcileOutcome 对账结果
type ReconcileOutcome string

const (
	OutcomeReconciled        ReconcileOutcome = "reconciled"
	OutcomeSkipped           ReconcileOutcome = "skipped"
	OutcomeAlreadyReconciled ReconcileOutcome = "already_reconciled"
)
