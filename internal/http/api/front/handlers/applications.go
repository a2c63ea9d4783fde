package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/MarketEMI/internal/approval"
	apihttp "github.com/router-for-me/MarketEMI/internal/http"
	"github.com/router-for-me/MarketEMI/internal/models"
	"gorm.io/gorm"
)

// ApplicationHandler exposes the shopper's own EMI applications.
type ApplicationHandler struct {
	db       *gorm.DB
	workflow *approval.Workflow
}

// NewApplicationHandler constructs an ApplicationHandler.
func NewApplicationHandler(db *gorm.DB, workflow *approval.Workflow) *ApplicationHandler {
	return &ApplicationHandler{db: db, workflow: workflow}
}

// List returns the user's applications, newest first.
func (h *ApplicationHandler) List(c *gin.Context) {
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

	query := h.db.WithContext(c.Request.Context()).Model(&models.EMIApplication{}).Where("user_id = ?", userID)
	if q.Status != "" {
		query = query.Where("status = ?", q.Status)
	}
	var total int64
	if errCount := query.Count(&total).Error; errCount != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "count failed"})
		return
	}
	var rows []models.EMIApplication
	if errFind := query.Preload("Plan").Order("created_at DESC, id DESC").Offset(q.offset()).Limit(q.Limit).Find(&rows).Error; errFind != nil {
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

// Get returns one application and its record id when approved.
func (h *ApplicationHandler) Get(c *gin.Context) {
	app, ok := h.owned(c)
	if !ok {
		return
	}
	out := apihttp.ApplicationView(*app)
	var record models.EMIRecord
	errRecord := h.db.WithContext(c.Request.Context()).Select("id").Where("application_id = ?", app.ID).Take(&record).Error
	switch {
	case errRecord == nil:
		out["record_id"] = record.ID
	case !errors.Is(errRecord, gorm.ErrRecordNotFound):
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load record failed"})
		return
	}
	c.JSON(http.StatusOK, out)
}

// cancelApplicationRequest defines the request body for withdrawing an application.
type cancelApplicationRequest struct {
	Reason string `json:"reason"`
}

// Cancel withdraws a pending application.
func (h *ApplicationHandler) Cancel(c *gin.Context) {
	app, ok := h.owned(c)
	if !ok {
		return
	}
	var body cancelApplicationRequest
	if c.Request.ContentLength > 0 {
		if errBind := c.ShouldBindJSON(&body); errBind != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
			return
		}
	}
	tr, errCancel := h.workflow.Cancel(c.Request.Context(), app.ID, body.Reason)
	if errCancel != nil {
		apihttp.WriteError(c, errCancel, "cancel application failed", approval.ErrNotFound)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": tr.ApplicationID, "from": tr.From, "status": tr.To})
}

// owned loads the :id application of the current user, writing the error response otherwise.
func (h *ApplicationHandler) owned(c *gin.Context) (*models.EMIApplication, bool) {
	userID := getUserID(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return nil, false
	}
	id, ok := pathID(c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return nil, false
	}
	var app models.EMIApplication
	errFind := h.db.WithContext(c.Request.Context()).Preload("Plan").
		Where("id = ? AND user_id = ?", id, userID).Take(&app).Error
	if errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return nil, false
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load application failed"})
		return nil, false
	}
	return &app, true
}
