package model

import "time"

// ReconcileState 对账任务状态
type ReconcileState string

const (
	ReconcilePending    ReconcileState = "pending"
	ReconcileReconciled ReconcileState = "reconciled"
	ReconcileSkipped    ReconcileState = "skipped"
	ReconcileAbandoned  ReconcileState = "abandoned"
)

// ReconcileJob 流式请求的延迟对账任务
type ReconcileJob struct {
	ID                   string
	EventID              string
	UserID               string
	ProjectID            string
	RequestID            string
	GenerationID         string
	Model                string
	EstimateInputTokens  int64
	EstimateOutputTokens int64
	State                ReconcileState
	Attempts             int
	RunAt                time.Time
	LastError            string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}
