package model

import "time"

const (
	ProjectKindOpenAI  = "openai"
	ProjectKindGateway = "gateway"
)

// Project 一组后端凭证与回退模型列表
type Project struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Kind            string    `json:"kind"`
	BaseURL         string    `json:"baseUrl"`
	APIKeyEncrypted string    `json:"-"`
	FallbackModels  []string  `json:"fallbackModels"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}
