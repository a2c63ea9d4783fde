package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	dbutil "github.com/router-for-me/MarketEMI/internal/db"
	apihttp "github.com/router-for-me/MarketEMI/internal/http"
	"github.com/router-for-me/MarketEMI/internal/models"
	"gorm.io/gorm"
)

// PaymentHandler lists gateway transactions for follow-up.
type PaymentHandler struct {
	db *gorm.DB
}

// NewPaymentHandler constructs a PaymentHandler.
func NewPaymentHandler(db *gorm.DB) *PaymentHandler {
	return &PaymentHandler{db: db}
}

// paymentListQuery extends listQuery with payment filters.
type paymentListQuery struct {
	listQuery
	Type      string `form:"type"`
	OrderID   uint64 `form:"order_id"`
	OlderThan string `form:"older_than"`
	Review    bool   `form:"review"`
	Issuer    string `form:"issuer"`
}

// List returns payments. older_than (a Go duration such as 30m or 2h) finds
// stale PENDING sessions whose callbacks never arrived; review=true lists
// completed payments flagged for manual follow-up; issuer matches the card
// issuer the gateway reported.
func (h *PaymentHandler) List(c *gin.Context) {
	var q paymentListQuery
	if errBind := c.ShouldBindQuery(&q); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid query"})
		return
	}
	q.normalize()

	query := h.db.WithContext(c.Request.Context()).Model(&models.Payment{})
	if q.Status != "" {
		query = query.Where("status = ?", strings.ToUpper(q.Status))
	}
	if q.Type != "" {
		query = query.Where("payment_type = ?", strings.ToUpper(strings.TrimSpace(q.Type)))
	}
	if q.UserID > 0 {
		query = query.Where("user_id = ?", q.UserID)
	}
	if q.OrderID > 0 {
		query = query.Where("order_id = ?", q.OrderID)
	}
	if olderThan := strings.TrimSpace(q.OlderThan); olderThan != "" {
		age, errParse := time.ParseDuration(olderThan)
		if errParse != nil || age <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid older_than", "field": "older_than"})
			return
		}
		query = query.Where("created_at < ?", time.Now().UTC().Add(-age))
	}
	if q.Review {
		query = query.Where("review_note IS NOT NULL AND review_note <> ''")
	}
	if issuer := strings.TrimSpace(q.Issuer); issuer != "" {
		// card_issuer as reported in the last gateway callback.
		query = query.Where(dbutil.JSONExtractTextExpr(h.db, "gateway_payload", "card_issuer")+" = ?", issuer)
	}

	var total int64
	if errCount := query.Count(&total).Error; errCount != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "count failed"})
		return
	}
	var rows []models.Payment
	if errFind := query.Order("created_at ASC, id ASC").Offset(q.offset()).Limit(q.Limit).Find(&rows).Error; errFind != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list payments failed"})
		return
	}
	out := make([]gin.H, 0, len(rows))
	for _, row := range rows {
		out = append(out, apihttp.PaymentView(row))
	}
	c.JSON(http.StatusOK, gin.H{
		"payments": out,
		"total":    total,
		"page":     q.Page,
		"limit":    q.Limit,
	})
}

// Get returns one payment including the last gateway payload.
func (h *PaymentHandler) Get(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	var payment models.Payment
	if errFind := h.db.WithContext(c.Request.Context()).First(&payment, id).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	out := apihttp.PaymentView(payment)
	if len(payment.GatewayPayload) > 0 {
		out["gateway_payload"] = payment.GatewayPayload
	}
	out["redirect_url"] = payment.RedirectURL
	c.JSON(http.StatusOK, out)
}
