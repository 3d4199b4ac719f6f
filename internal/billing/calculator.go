package billing

import (
	"aigateway/internal/model"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

var tokensPerMillion = decimal.NewFromInt(1_000_000)

// Pricing 固定费率：每百万 token 的美分价格与积分换算
type Pricing struct {
	PriceInCentsPerMTok  int64
	PriceOutCentsPerMTok int64
	CentsPerCredit       int64
	MinCreditsPerEvent   int64
}

// Cost 单次调用的成本与积分
type Cost struct {
	InputCostCents  int64
	OutputCostCents int64
	TotalCostCents  int64
	Credits         int64
}

// Calculator 成本计算器
type Calculator struct {
	pricing Pricing
}

// NewCalculator 创建成本计算器
func NewCalculator(pricing Pricing) *Calculator {
	if pricing.CentsPerCredit <= 0 {
		pricing.CentsPerCredit = 1
	}
	return &Calculator{pricing: pricing}
}

func (c *Calculator) Pricing() Pricing {
	return c.pricing
}

// Calculate 按 ceil(tokens/1e6*price) 分别计算输入输出美分，再换算积分；
// 可计费事件至少扣 MinCreditsPerEvent
func (c *Calculator) Calculate(eventType model.EventType, inputTokens, outputTokens int64) Cost {
	inputTokens = max(inputTokens, 0)
	outputTokens = max(outputTokens, 0)

	cost := Cost{
		InputCostCents:  centsFor(inputTokens, c.pricing.PriceInCentsPerMTok),
		OutputCostCents: centsFor(outputTokens, c.pricing.PriceOutCentsPerMTok),
	}
	cost.TotalCostCents = cost.InputCostCents + cost.OutputCostCents
	cost.Credits = decimal.NewFromInt(cost.TotalCostCents).
		Div(decimal.NewFromInt(c.pricing.CentsPerCredit)).
		Ceil().
		IntPart()

	if eventType.Chargeable() && cost.Credits < c.pricing.MinCreditsPerEvent {
		cost.Credits = c.pricing.MinCreditsPerEvent
	}

	log.Debugf("billing: %s in=%d out=%d -> %d cents, %d credits",
		eventType, inputTokens, outputTokens, cost.TotalCostCents, cost.Credits)
	return cost
}

func centsFor(tokens, pricePerMTok int64) int64 {
	if tokens == 0 || pricePerMTok == 0 {
		return 0
	}
	return decimal.NewFromInt(tokens).
		Mul(decimal.NewFromInt(pricePerMTok)).
		Div(tokensPerMillion).
		Ceil().
		IntPart()
}
