package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	apihttp "github.com/router-for-me/MarketEMI/internal/http"
	"github.com/router-for-me/MarketEMI/internal/models"
	"github.com/router-for-me/MarketEMI/internal/security"
	"gorm.io/gorm"
)

// AdminHandler manages admin account endpoints.
type AdminHandler struct {
	db *gorm.DB
}

// NewAdminHandler constructs an AdminHandler.
func NewAdminHandler(db *gorm.DB) *AdminHandler {
	return &AdminHandler{db: db}
}

// createAdminRequest defines the request body for admin creation.
type createAdminRequest struct {
	Username  string `json:"username"`
	Password  string `json:"password"`
	CanReview *bool  `json:"can_review"`
	CanManage bool   `json:"can_manage"`
}

// Create creates a new admin account. Reviewing is on unless disabled.
func (h *AdminHandler) Create(c *gin.Context) {
	var body createAdminRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	username := strings.TrimSpace(body.Username)
	if username == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing username"})
		return
	}
	password := strings.TrimSpace(body.Password)
	if password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing password"})
		return
	}

	hash, errHash := security.HashPassword(password)
	if errHash != nil {
		if errors.Is(errHash, security.ErrWeakPassword) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "password too short"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "hash password failed"})
		return
	}

	canReview := true
	if body.CanReview != nil {
		canReview = *body.CanReview
	}
	var exists int64
	if errCount := h.db.WithContext(c.Request.Context()).Model(&models.Admin{}).Where("username = ?", username).Count(&exists).Error; errCount != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	if exists > 0 {
		c.JSON(http.StatusConflict, gin.H{"error": "username already exists"})
		return
	}

	admin := models.Admin{
		Username:  username,
		Password:  hash,
		Active:    true,
		CanReview: canReview,
		CanManage: body.CanManage,
	}
	errCreate := h.db.WithContext(c.Request.Context()).Transaction(func(tx *gorm.DB) error {
		if errInsert := tx.Create(&admin).Error; errInsert != nil {
			return errInsert
		}
		// Zero values are skipped on insert, so a reviewer-less account is written explicitly.
		if !canReview {
			return tx.Model(&admin).Update("can_review", false).Error
		}
		return nil
	})
	if errCreate != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create admin failed"})
		return
	}
	admin.CanReview = canReview
	c.JSON(http.StatusCreated, adminView(admin))
}

// List returns all admin accounts.
func (h *AdminHandler) List(c *gin.Context) {
	q := h.db.WithContext(c.Request.Context()).Model(&models.Admin{})
	if username := strings.TrimSpace(c.Query("username")); username != "" {
		q = q.Where("LOWER(username) LIKE ?", "%"+strings.ToLower(username)+"%")
	}
	var rows []models.Admin
	if errFind := q.Order("created_at DESC").Find(&rows).Error; errFind != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list admins failed"})
		return
	}
	out := make([]gin.H, 0, len(rows))
	for _, row := range rows {
		out = append(out, adminView(row))
	}
	c.JSON(http.StatusOK, gin.H{"admins": out})
}

// updateAdminRequest defines the request body for admin updates.
type updateAdminRequest struct {
	CanReview *bool   `json:"can_review"`
	CanManage *bool   `json:"can_manage"`
	Password  *string `json:"password"`
}

// Update changes an admin's capabilities or password.
func (h *AdminHandler) Update(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	var body updateAdminRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	updates := map[string]any{"updated_at": time.Now().UTC()}
	if body.CanReview != nil {
		updates["can_review"] = *body.CanReview
	}
	if body.CanManage != nil {
		if !*body.CanManage && isSelf(c, id) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "cannot revoke your own manage role"})
			return
		}
		updates["can_manage"] = *body.CanManage
	}
	if body.Password != nil {
		hash, errHash := security.HashPassword(strings.TrimSpace(*body.Password))
		if errHash != nil {
			if errors.Is(errHash, security.ErrWeakPassword) {
				c.JSON(http.StatusBadRequest, gin.H{"error": "password too short"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "hash password failed"})
			return
		}
		updates["password"] = hash
	}

	res := h.db.WithContext(c.Request.Context()).Model(&models.Admin{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update failed"})
		return
	}
	if res.RowsAffected == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// Disable deactivates an admin account.
func (h *AdminHandler) Disable(c *gin.Context) {
	h.setActive(c, false)
}

// Enable reactivates an admin account.
func (h *AdminHandler) Enable(c *gin.Context) {
	h.setActive(c, true)
}

func (h *AdminHandler) setActive(c *gin.Context, active bool) {
	id, ok := pathID(c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	if !active && isSelf(c, id) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot disable yourself"})
		return
	}
	res := h.db.WithContext(c.Request.Context()).Model(&models.Admin{}).
		Where("id = ?", id).
		Updates(map[string]any{"active": active, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update failed"})
		return
	}
	if res.RowsAffected == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func isSelf(c *gin.Context, id uint64) bool {
	admin, ok := apihttp.CurrentAdmin(c)
	return ok && admin.ID == id
}
