package handler

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

type SystemHandler struct {
	db      *sql.DB
	started time.Time
}

func NewSystemHandler(db *sql.DB) *SystemHandler {
	return &SystemHandler{db: db, started: time.Now()}
}

// Healthz GET /healthz，数据库不可用时返回 503
func (h *SystemHandler) Healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := h.db.PingContext(ctx); err != nil {
		log.Warnf("health: database ping failed: %v", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "database": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": time.Since(h.started).Round(time.Second).String(),
	})
}
