package http

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/MarketEMI/internal/config"
	"github.com/router-for-me/MarketEMI/internal/models"
	"github.com/router-for-me/MarketEMI/internal/security"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Context keys set by the auth middlewares.
const (
	ContextUserID        = "userID"
	ContextAdmin         = "admin"
	ContextAdminID       = "adminID"
	ContextAdminUsername = "adminUsername"
)

// bearerToken extracts the token from an Authorization header, aborting the
// request when it is missing or malformed.
func bearerToken(c *gin.Context) (string, bool) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization header"})
		return "", false
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == authHeader {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization format"})
		return "", false
	}
	token = strings.TrimSpace(token)
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "empty token"})
		return "", false
	}
	return token, true
}

func abortTokenError(c *gin.Context, errJWT error) {
	if errors.Is(errJWT, security.ErrExpiredToken) {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "token expired"})
		return
	}
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
}

// UserAuthMiddleware validates shopper JWTs issued by the storefront. Users
// live in the storefront, so only the signed user id is trusted.
func UserAuthMiddleware(jwtCfg config.JWTConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok {
			return
		}
		claims, errJWT := security.ParseToken(jwtCfg.Secret, token)
		if errJWT != nil {
			abortTokenError(c, errJWT)
			return
		}
		c.Set(ContextUserID, claims.UserID)
		c.Next()
	}
}

// AdminAuthMiddleware validates operator JWTs and loads the admin into context.
func AdminAuthMiddleware(db *gorm.DB, jwtCfg config.JWTConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok {
			return
		}
		claims, errJWT := security.ParseAdminToken(jwtCfg.Secret, token)
		if errJWT != nil {
			abortTokenError(c, errJWT)
			return
		}

		var admin models.Admin
		if errFind := db.WithContext(c.Request.Context()).First(&admin, claims.AdminID).Error; errFind != nil {
			if !errors.Is(errFind, gorm.ErrRecordNotFound) {
				log.WithError(errFind).Error("admin auth middleware: load admin")
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "admin not found"})
			return
		}
		if !admin.Active {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin account is disabled"})
			return
		}

		c.Set(ContextAdmin, admin)
		c.Set(ContextAdminID, admin.ID)
		c.Set(ContextAdminUsername, admin.Username)
		c.Next()
	}
}

// UserID returns the authenticated shopper id, or 0.
func UserID(c *gin.Context) uint64 {
	val, exists := c.Get(ContextUserID)
	if !exists {
		return 0
	}
	switch v := val.(type) {
	case uint64:
		return v
	case int64:
		return uint64(v)
	case uint:
		return uint64(v)
	case int:
		return uint64(v)
	default:
		return 0
	}
}

// CurrentAdmin returns the admin loaded by AdminAuthMiddleware.
func CurrentAdmin(c *gin.Context) (models.Admin, bool) {
	val, exists := c.Get(ContextAdmin)
	if !exists {
		return models.Admin{}, false
	}
	admin, ok := val.(models.Admin)
	return admin, ok
}
