package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	apihttp "github.com/router-for-me/MarketEMI/internal/http"
	"github.com/router-for-me/MarketEMI/internal/models"
	"gorm.io/gorm"
)

// RecordHandler exposes EMI records to operators.
type RecordHandler struct {
	db *gorm.DB
}

// NewRecordHandler constructs a RecordHandler.
func NewRecordHandler(db *gorm.DB) *RecordHandler {
	return &RecordHandler{db: db}
}

// List returns records filtered by status and user.
func (h *RecordHandler) List(c *gin.Context) {
	var q listQuery
	if errBind := c.ShouldBindQuery(&q); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid query"})
		return
	}
	q.normalize()

	query := h.db.WithContext(c.Request.Context()).Model(&models.EMIRecord{})
	if q.Status != "" {
		query = query.Where("status = ?", q.Status)
	}
	if q.UserID > 0 {
		query = query.Where("user_id = ?", q.UserID)
	}
	var total int64
	if errCount := query.Count(&total).Error; errCount != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "count failed"})
		return
	}
	var rows []models.EMIRecord
	if errFind := query.Order("id DESC").Offset(q.offset()).Limit(q.Limit).Find(&rows).Error; errFind != nil {
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

// Get returns one record with installments and the payments made against it.
func (h *RecordHandler) Get(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	var record models.EMIRecord
	errFind := h.db.WithContext(c.Request.Context()).
		Preload("Installments", func(db *gorm.DB) *gorm.DB { return db.Order("number ASC") }).
		First(&record, id).Error
	if errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}

	var payments []models.Payment
	if errPayments := h.db.WithContext(c.Request.Context()).
		Where("order_id = ? AND (application_id = ? OR installment_id IN (?))", record.OrderID, record.ApplicationID,
			h.db.Model(&models.EMIInstallment{}).Select("id").Where("record_id = ?", record.ID)).
		Order("id ASC").Find(&payments).Error; errPayments != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}

	out := apihttp.RecordView(record)
	paymentViews := make([]gin.H, 0, len(payments))
	for _, p := range payments {
		paymentViews = append(paymentViews, apihttp.PaymentView(p))
	}
	out["payments"] = paymentViews
	c.JSON(http.StatusOK, out)
}
