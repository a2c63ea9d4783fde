package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/MarketEMI/internal/approval"
	dbutil "github.com/router-for-me/MarketEMI/internal/db"
	apihttp "github.com/router-for-me/MarketEMI/internal/http"
	"github.com/router-for-me/MarketEMI/internal/models"
	"gorm.io/gorm"
)

// ApplicationHandler serves the review queue.
type ApplicationHandler struct {
	db       *gorm.DB
	workflow *approval.Workflow
}

// NewApplicationHandler constructs an ApplicationHandler.
func NewApplicationHandler(db *gorm.DB, workflow *approval.Workflow) *ApplicationHandler {
	return &ApplicationHandler{db: db, workflow: workflow}
}

// applicationListQuery extends listQuery with application filters.
type applicationListQuery struct {
	listQuery
	PlanID  uint64 `form:"plan_id"`
	OrderID uint64 `form:"order_id"`
	Search  string `form:"search"`
}

// List returns applications, oldest pending first when filtering by status.
// search matches the product label or the applicant's employer.
func (h *ApplicationHandler) List(c *gin.Context) {
	var q applicationListQuery
	if errBind := c.ShouldBindQuery(&q); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid query"})
		return
	}
	q.normalize()

	query := h.db.WithContext(c.Request.Context()).Model(&models.EMIApplication{})
	if q.Status != "" {
		query = query.Where("status = ?", q.Status)
	}
	if q.UserID > 0 {
		query = query.Where("user_id = ?", q.UserID)
	}
	if q.PlanID > 0 {
		query = query.Where("plan_id = ?", q.PlanID)
	}
	if q.OrderID > 0 {
		query = query.Where("order_id = ?", q.OrderID)
	}
	if search := strings.TrimSpace(q.Search); search != "" {
		pattern := dbutil.NormalizeLikePattern(h.db, "%"+search+"%")
		query = query.Where(
			"("+dbutil.CaseInsensitiveLikeExpr(h.db, "line_label")+" OR "+dbutil.CaseInsensitiveLikeExpr(h.db, "cardless_employer")+")",
			pattern, pattern,
		)
	}

	var total int64
	if errCount := query.Count(&total).Error; errCount != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "count failed"})
		return
	}
	order := "created_at DESC, id DESC"
	if q.Status == string(models.ApplicationPending) {
		order = "created_at ASC, id ASC"
	}
	var rows []models.EMIApplication
	if errFind := query.Preload("Plan").Order(order).Offset(q.offset()).Limit(q.Limit).Find(&rows).Error; errFind != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list applications failed"})
		return
	}

	out := make([]gin.H, 0, len(rows))
	for _, row := range rows {
		out = append(out, apihttp.ApplicationView(row))
	}
	c.JSON(http.StatusOK, gin.H{
		"applications": out,
		"total":        total,
		"page":         q.Page,
		"limit":        q.Limit,
	})
}

// Get returns one application with its order and record.
func (h *ApplicationHandler) Get(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	var app models.EMIApplication
	if errFind := h.db.WithContext(c.Request.Context()).Preload("Plan").Preload("Order").First(&app, id).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}

	out := apihttp.ApplicationView(app)
	if app.Order != nil {
		out["order"] = gin.H{
			"id":             app.Order.ID,
			"number":         app.Order.Number,
			"total":          app.Order.Total,
			"status":         app.Order.Status,
			"payment_status": app.Order.PaymentStatus,
			"is_emi":         app.Order.IsEMI,
		}
	}
	var record models.EMIRecord
	errRecord := h.db.WithContext(c.Request.Context()).Where("application_id = ?", app.ID).Take(&record).Error
	switch {
	case errRecord == nil:
		out["record"] = apihttp.RecordView(record)
	case !errors.Is(errRecord, gorm.ErrRecordNotFound):
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	c.JSON(http.StatusOK, out)
}

// reviewRequest defines the request body for review decisions.
type reviewRequest struct {
	Notes  string `json:"notes"`
	Reason string `json:"reason"`
}

func bindReview(c *gin.Context) (reviewRequest, bool) {
	var body reviewRequest
	if c.Request.ContentLength == 0 {
		return body, true
	}
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return body, false
	}
	return body, true
}

func transitionView(tr approval.Transition) gin.H {
	out := gin.H{
		"id":      tr.ApplicationID,
		"from":    tr.From,
		"status":  tr.To,
		"changed": tr.Changed(),
	}
	if tr.RecordID > 0 {
		out["record_id"] = tr.RecordID
	}
	return out
}

// Approve approves a pending application and creates its record.
func (h *ApplicationHandler) Approve(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	body, ok := bindReview(c)
	if !ok {
		return
	}
	tr, errApprove := h.workflow.Approve(c.Request.Context(), id, body.Notes, reviewerName(c))
	if errApprove != nil {
		apihttp.WriteError(c, errApprove, "approve failed", approval.ErrNotFound)
		return
	}
	c.JSON(http.StatusOK, transitionView(tr))
}

// Reject rejects a pending application. A reason is required.
func (h *ApplicationHandler) Reject(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	body, ok := bindReview(c)
	if !ok {
		return
	}
	tr, errReject := h.workflow.Reject(c.Request.Context(), id, body.Reason, reviewerName(c))
	if errReject != nil {
		apihttp.WriteError(c, errReject, "reject failed", approval.ErrNotFound)
		return
	}
	c.JSON(http.StatusOK, transitionView(tr))
}

// Cancel withdraws a pending application on the customer's behalf.
func (h *ApplicationHandler) Cancel(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	body, ok := bindReview(c)
	if !ok {
		return
	}
	reason := body.Reason
	if reason == "" {
		reason = "cancelled by " + reviewerName(c)
	}
	tr, errCancel := h.workflow.Cancel(c.Request.Context(), id, reason)
	if errCancel != nil {
		apihttp.WriteError(c, errCancel, "cancel failed", approval.ErrNotFound)
		return
	}
	c.JSON(http.StatusOK, transitionView(tr))
}
