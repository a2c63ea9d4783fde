package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	apihttp "github.com/router-for-me/MarketEMI/internal/http"
	"github.com/router-for-me/MarketEMI/internal/models"
	"gorm.io/gorm"
)

// RecordHandler exposes the shopper's EMI records and schedules.
type RecordHandler struct {
	db *gorm.DB
}

// NewRecordHandler constructs a RecordHandler.
func NewRecordHandler(db *gorm.DB) *RecordHandler {
	return &RecordHandler{db: db}
}

// List returns the user's records without installment rows.
func (h *RecordHandler) List(c *gin.Context) {
	userID := getUserID(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	var q pageQuery
	if errBind := c.ShouldBindQuery(&q); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid query"})
		return
	}
	q.normalize()

	query := h.db.WithContext(c.Request.Context()).Model(&models.EMIRecord{}).Where("user_id = ?", userID)
	if q.Status != "" {
		query = query.Where("status = ?", q.Status)
	}
	var total int64
	if errCount := query.Count(&total).Error; errCount != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "count failed"})
		return
	}
	var rows []models.EMIRecord
	if errFind := query.Order("created_at DESC, id DESC").Offset(q.offset()).Limit(q.Limit).Find(&rows).Error; errFind != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list records failed"})
		return
	}

	out := make([]gin.H, 0, len(rows))
	for _, row := range rows {
		out = append(out, apihttp.RecordView(row))
	}
	c.JSON(http.StatusOK, gin.H{
		"records": out,
		"total":   total,
		"page":    q.Page,
		"limit":   q.Limit,
	})
}

// Get returns one record with its installment schedule.
func (h *RecordHandler) Get(c *gin.Context) {
	userID := getUserID(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	id, ok := pathID(c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}

	var record models.EMIRecord
	errFind := h.db.WithContext(c.Request.Context()).
		Preload("Installments", func(db *gorm.DB) *gorm.DB { return db.Order("number ASC") }).
		Where("id = ? AND user_id = ?", id, userID).
		Take(&record).Error
	if errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load record failed"})
		return
	}
	if record.Installments == nil {
		record.Installments = []models.EMIInstallment{}
	}
	c.JSON(http.StatusOK, apihttp.RecordView(record))
}
