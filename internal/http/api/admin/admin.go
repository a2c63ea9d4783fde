package admin

import (
	"github.com/gin-gonic/gin"
	"github.com/router-for-me/MarketEMI/internal/approval"
	"github.com/router-for-me/MarketEMI/internal/config"
	apihttp "github.com/router-for-me/MarketEMI/internal/http"
	"github.com/router-for-me/MarketEMI/internal/http/api/admin/handlers"
	"github.com/router-for-me/MarketEMI/internal/installment"
	"github.com/router-for-me/MarketEMI/internal/plan"
	"gorm.io/gorm"
)

// Deps are the services the admin routes call into.
type Deps struct {
	Plans        *plan.Store
	Workflow     *approval.Workflow
	Scheduler    *installment.Scheduler
	AutoApprover *approval.AutoApprover

	GatewayEnabled  bool
	RedisConfigured bool
}

// RegisterAdminRoutes registers the health check and the operator API.
func RegisterAdminRoutes(r *gin.Engine, db *gorm.DB, jwtCfg config.JWTConfig, deps Deps) {
	if r == nil || db == nil {
		return
	}

	r.GET("/healthz", handlers.NewHealthHandler(db, deps.GatewayEnabled, deps.RedisConfigured).Healthz)

	authHandler := handlers.NewAuthHandler(db, jwtCfg)
	r.POST("/v0/admin/login", authHandler.Login)

	authed := r.Group("/v0/admin")
	authed.Use(apihttp.AdminAuthMiddleware(db, jwtCfg), adminPermissionMiddleware())

	authed.GET("/me", authHandler.Me)
	authed.GET("/permissions", handlers.NewPermissionHandler().List)

	adminHandler := handlers.NewAdminHandler(db)
	authed.GET("/admins", adminHandler.List)
	authed.POST("/admins", adminHandler.Create)
	authed.PUT("/admins/:id", adminHandler.Update)
	authed.POST("/admins/:id/disable", adminHandler.Disable)
	authed.POST("/admins/:id/enable", adminHandler.Enable)

	planHandler := handlers.NewPlanHandler(db, deps.Plans)
	authed.GET("/plans", planHandler.List)
	authed.GET("/plans/:id", planHandler.Get)
	authed.POST("/plans", planHandler.Create)
	authed.PUT("/plans/:id", planHandler.Update)

	applicationHandler := handlers.NewApplicationHandler(db, deps.Workflow)
	authed.GET("/applications", applicationHandler.List)
	authed.GET("/applications/:id", applicationHandler.Get)
	authed.POST("/applications/:id/approve", applicationHandler.Approve)
	authed.POST("/applications/:id/reject", applicationHandler.Reject)
	authed.POST("/applications/:id/cancel", applicationHandler.Cancel)

	recordHandler := handlers.NewRecordHandler(db)
	authed.GET("/records", recordHandler.List)
	authed.GET("/records/:id", recordHandler.Get)

	paymentHandler := handlers.NewPaymentHandler(db)
	authed.GET("/payments", paymentHandler.List)
	authed.GET("/payments/:id", paymentHandler.Get)

	settingsHandler := handlers.NewSettingsHandler(db)
	authed.GET("/settings", settingsHandler.List)
	authed.PUT("/settings/:key", settingsHandler.Put)

	sweepHandler := handlers.NewSweepHandler(deps.Scheduler, deps.AutoApprover)
	authed.POST("/sweeps/installments", sweepHandler.Installments)
	authed.POST("/sweeps/reminders", sweepHandler.Reminders)
	authed.POST("/sweeps/approvals", sweepHandler.Approvals)
}
