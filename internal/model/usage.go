package model

import "time"

// EventType 计费事件类型
type EventType string

const (
	EventGenerateText   EventType = "generate_text"
	EventGenerateObject EventType = "generate_object"
	EventStreamText     EventType = "stream_text"
	EventStreamObject   EventType = "stream_object"
	EventGenerateImage  EventType = "generate_image"
	EventGenerateSpeech EventType = "generate_speech"
	EventTranscribe     EventType = "transcribe"
	EventAdjustment     EventType = "reconciliation_adjustment"
)

// Chargeable 可计费事件至少扣除 MIN_CREDITS_PER_EVENT
func (t EventType) Chargeable() bool {
	return t != EventAdjustment && t != ""
}

// UsageStatus 用量事件状态
type UsageStatus string

const (
	UsageStatusCharged   UsageStatus = "charged"
	UsageStatusEstimated UsageStatus = "estimated"
	UsageStatusAdjusted  UsageStatus = "adjusted"
)

// UsageEvent 不可变的用量记录
type UsageEvent struct {
	ID              string      `json:"id"`
	UserID          string      `json:"userId"`
	EventType       EventType   `json:"eventType"`
	ProjectID       string      `json:"projectId,omitempty"`
	ChatID          string      `json:"chatId,omitempty"`
	MessageID       string      `json:"messageId,omitempty"`
	RequestID       string      `json:"requestId,omitempty"`
	InputTokens     int64       `json:"inputTokens"`
	OutputTokens    int64       `json:"outputTokens"`
	TotalTokens     int64       `json:"totalTokens"`
	InputCostCents  int64       `json:"inputCostCents"`
	OutputCostCents int64       `json:"outputCostCents"`
	TotalCostCents  int64       `json:"totalCostCents"`
	CreditsDeducted int64       `json:"creditsDeducted"`
	CreditsDelta    int64       `json:"creditsDelta"`
	Model           string      `json:"model"`
	Status          UsageStatus `json:"status"`
	AdjustsEventID  string      `json:"adjustsEventId,omitempty"`
	CreatedAt       time.Time   `json:"createdAt"`
}

// CreditBalance 用户积分余额，CreditsRemaining = CreditsTotal - CreditsUsed
type CreditBalance struct {
	UserID           string    `json:"userId"`
	UserType         string    `json:"userType"`
	CreditsTotal     int64     `json:"creditsTotal"`
	CreditsUsed      int64     `json:"creditsUsed"`
	CreditsRemaining int64     `json:"creditsRemaining"`
	RolloverCredits  int64     `json:"rolloverCredits"`
	PeriodStart      time.Time `json:"periodStart"`
	PeriodEnd        time.Time `json:"periodEnd"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// UsageMeta 请求上下文里与计费相关的标识
type UsageMeta struct {
	ProjectID string
	ChatID    string
	MessageID string
	RequestID string
}
