package admin

import (
	"net/http"

	"github.com/gin-gonic/gin"
	apihttp "github.com/router-for-me/MarketEMI/internal/http"
	"github.com/router-for-me/MarketEMI/internal/http/api/admin/permissions"
)

// adminPermissionMiddleware enforces permission checks for admin routes.
// It runs after AdminAuthMiddleware has loaded the admin.
func adminPermissionMiddleware() gin.HandlerFunc {
	permissionMap := permissions.DefinitionMap()

	return func(c *gin.Context) {
		if c.Request.Method == http.MethodOptions {
			c.Next()
			return
		}

		path := c.FullPath()
		if path == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "permission denied"})
			return
		}

		definition, ok := permissionMap[permissions.Key(c.Request.Method, path)]
		if !ok {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "permission denied"})
			return
		}

		admin, okAdmin := apihttp.CurrentAdmin(c)
		if !okAdmin {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "admin not found"})
			return
		}
		if !permissions.Allowed(admin, definition) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "permission denied"})
			return
		}

		c.Next()
	}
}
