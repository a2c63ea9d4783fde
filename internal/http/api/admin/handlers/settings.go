package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/MarketEMI/internal/settings"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// maxSettingBytes bounds a single setting value.
const maxSettingBytes = 64 << 10

// SettingsHandler reads and writes DB-backed runtime policy.
type SettingsHandler struct {
	db *gorm.DB
}

// NewSettingsHandler constructs a SettingsHandler.
func NewSettingsHandler(db *gorm.DB) *SettingsHandler {
	return &SettingsHandler{db: db}
}

// List returns every known key with its stored value, or null when unset.
func (h *SettingsHandler) List(c *gin.Context) {
	out := make([]gin.H, 0, len(settings.KnownKeys))
	for _, key := range settings.KnownKeys {
		var value any
		if raw, ok := settings.DBConfigValue(key); ok && len(raw) > 0 {
			value = json.RawMessage(raw)
		}
		out = append(out, gin.H{"key": key, "value": value})
	}
	c.JSON(http.StatusOK, gin.H{
		"settings":   out,
		"updated_at": settings.DBConfigUpdatedAt(),
	})
}

// Put stores the raw JSON body as the value of :key and refreshes the snapshot
// workers read from.
func (h *SettingsHandler) Put(c *gin.Context) {
	key := strings.TrimSpace(c.Param("key"))
	if !settings.IsKnownKey(key) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown setting key", "field": "key"})
		return
	}
	raw, errRead := io.ReadAll(io.LimitReader(c.Request.Body, maxSettingBytes+1))
	if errRead != nil || len(raw) > maxSettingBytes {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	if !json.Valid(raw) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	if errSave := settings.Save(c.Request.Context(), h.db, key, json.RawMessage(raw)); errSave != nil {
		log.WithError(errSave).WithField("key", key).Error("save setting failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "save setting failed"})
		return
	}
	log.WithFields(log.Fields{"key": key, "admin": reviewerName(c)}).Info("setting updated")
	c.JSON(http.StatusOK, gin.H{"key": key, "value": json.RawMessage(raw)})
}
