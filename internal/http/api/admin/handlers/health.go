package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// HealthHandler serves health check endpoints.
type HealthHandler struct {
	db              *gorm.DB
	gatewayEnabled  bool
	redisConfigured bool
}

// NewHealthHandler constructs a HealthHandler.
func NewHealthHandler(db *gorm.DB, gatewayEnabled, redisConfigured bool) *HealthHandler {
	return &HealthHandler{db: db, gatewayEnabled: gatewayEnabled, redisConfigured: redisConfigured}
}

// Healthz checks database connectivity. The gateway flag is informational;
// without credentials checkout answers 503 but callbacks and sweeps still run.
func (h *HealthHandler) Healthz(c *gin.Context) {
	sqlDB, err := h.db.DB()
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false})
		return
	}
	if errPing := sqlDB.PingContext(c.Request.Context()); errPing != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"ok":      true,
		"gateway": h.gatewayEnabled,
		"redis":   h.redisConfigured,
	})
}
