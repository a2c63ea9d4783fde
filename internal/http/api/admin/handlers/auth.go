package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/MarketEMI/internal/config"
	apihttp "github.com/router-for-me/MarketEMI/internal/http"
	"github.com/router-for-me/MarketEMI/internal/http/api/admin/permissions"
	"github.com/router-for-me/MarketEMI/internal/models"
	"github.com/router-for-me/MarketEMI/internal/security"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// AuthHandler handles admin authentication endpoints.
type AuthHandler struct {
	db     *gorm.DB
	jwtCfg config.JWTConfig
}

// NewAuthHandler constructs an AuthHandler.
func NewAuthHandler(db *gorm.DB, jwtCfg config.JWTConfig) *AuthHandler {
	return &AuthHandler{db: db, jwtCfg: jwtCfg}
}

// loginRequest defines the request body for admin login.
type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Login authenticates an admin and issues a JWT scoped to its role.
func (h *AuthHandler) Login(c *gin.Context) {
	var body loginRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	username := strings.TrimSpace(body.Username)
	password := strings.TrimSpace(body.Password)
	if username == "" || password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username and password are required"})
		return
	}

	var admin models.Admin
	if errFind := h.db.WithContext(c.Request.Context()).Where("username = ?", username).First(&admin).Error; errFind != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}
	if !security.CheckPassword(admin.Password, password) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}
	if !admin.Active {
		c.JSON(http.StatusForbidden, gin.H{"error": "admin account is disabled"})
		return
	}
	role := permissions.RoleOf(admin)
	if role == "" {
		c.JSON(http.StatusForbidden, gin.H{"error": "admin has no role"})
		return
	}

	expiry := h.jwtCfg.Expiry
	if expiry <= 0 {
		expiry = config.Default().JWT.Expiry
	}
	token, errToken := security.GenerateAdminToken(h.jwtCfg.Secret, admin.ID, admin.Username, role, expiry)
	if errToken != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate token"})
		return
	}

	now := time.Now().UTC()
	if errUpdate := h.db.WithContext(c.Request.Context()).Model(&models.Admin{}).
		Where("id = ?", admin.ID).Update("last_login_at", now).Error; errUpdate != nil {
		log.WithError(errUpdate).Warn("admin login: update last_login_at")
	}

	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"expires_at": now.Add(expiry),
		"admin":      adminView(admin),
	})
}

// Me returns the authenticated admin.
func (h *AuthHandler) Me(c *gin.Context) {
	admin, ok := apihttp.CurrentAdmin(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "admin not found"})
		return
	}
	c.JSON(http.StatusOK, adminView(admin))
}

func adminView(admin models.Admin) gin.H {
	return gin.H{
		"id":            admin.ID,
		"username":      admin.Username,
		"active":        admin.Active,
		"can_review":    admin.CanReview,
		"can_manage":    admin.CanManage,
		"role":          permissions.RoleOf(admin),
		"last_login_at": admin.LastLoginAt,
		"created_at":    admin.CreatedAt,
		"updated_at":    admin.UpdatedAt,
	}
}
