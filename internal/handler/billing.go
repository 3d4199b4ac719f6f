package handler

import (
	"net/http"
	"strconv"

	"aigateway/internal/billing"
	"aigateway/internal/middleware"
	"aigateway/internal/model"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

const (
	defaultUsageLimit = 50
	maxUsageLimit     = 500
)

type BillingHandler struct {
	ledger *billing.Ledger
}

func NewBillingHandler(ledger *billing.Ledger) *BillingHandler {
	return &BillingHandler{ledger: ledger}
}

// GetBalance GET /api/billing/balance，首次访问时按用户类型开户
func (h *BillingHandler) GetBalance(c *gin.Context) {
	userID := middleware.GetUserID(c)
	if userID == "" {
		writeError(c, http.StatusUnauthorized, "unauthorized", "")
		return
	}

	b, err := h.ledger.EnsureBalance(c.Request.Context(), userID, middleware.GetUserType(c))
	if err != nil {
		log.Errorf("billing: balance for %s: %v", userID, err)
		writeError(c, http.StatusInternalServerError, "failed to load balance", "")
		return
	}

	pricing := h.ledger.Calculator().Pricing()
	c.JSON(http.StatusOK, gin.H{
		"balance":            b,
		"minCreditsPerEvent": pricing.MinCreditsPerEvent,
		"centsPerCredit":     pricing.CentsPerCredit,
	})
}

// ListUsage GET /api/billing/usage?limit=&offset=
func (h *BillingHandler) ListUsage(c *gin.Context) {
	userID := middleware.GetUserID(c)
	if userID == "" {
		writeError(c, http.StatusUnauthorized, "unauthorized", "")
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultUsageLimit)))
	if limit <= 0 {
		limit = defaultUsageLimit
	}
	limit = min(limit, maxUsageLimit)
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	offset = max(offset, 0)

	events, total, err := h.ledger.Events(c.Request.Context(), userID, limit, offset)
	if err != nil {
		log.Errorf("billing: usage for %s: %v", userID, err)
		writeError(c, http.StatusInternalServerError, "failed to load usage", "")
		return
	}
	if events == nil {
		events = []*model.UsageEvent{}
	}

	c.JSON(http.StatusOK, gin.H{
		"items":  events,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}
