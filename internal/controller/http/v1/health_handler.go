package v1

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// HealthHandler reports liveness of the gateway's backing services.
type HealthHandler struct {
	db     *gorm.DB
	redis  *redis.Client
	rabbit *amqp.Connection
}

func NewHealthHandler(r *gin.Engine, db *gorm.DB, rdb *redis.Client, rabbit *amqp.Connection) {
	h := &HealthHandler{db: db, redis: rdb, rabbit: rabbit}
	r.GET("/healthz", h.check)
}

func (h *HealthHandler) check(c *gin.Context) {
	ctx := c.Request.Context()
	checks := gin.H{}
	healthy := true

	if sqlDB, err := h.db.DB(); err != nil || sqlDB.PingContext(ctx) != nil {
		checks["postgres"] = "down"
		healthy = false
	} else {
		checks["postgres"] = "up"
	}

	if err := h.redis.Ping(ctx).Err(); err != nil {
		checks["redis"] = "down"
		healthy = false
	} else {
		checks["redis"] = "up"
	}

	if h.rabbit == nil || h.rabbit.IsClosed() {
		checks["rabbitmq"] = "down"
		healthy = false
	} else {
		checks["rabbitmq"] = "up"
	}

	status := http.StatusOK
	overall := "ok"
	if !healthy {
		status = http.StatusServiceUnavailable
		overall = "degraded"
	}
	c.JSON(status, gin.H{
		"status": overall,
		"checks": checks,
		"time":   time.Now().UTC(),
	})
}
