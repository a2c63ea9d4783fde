package front

import (
	"github.com/gin-gonic/gin"
	"github.com/router-for-me/MarketEMI/internal/approval"
	"github.com/router-for-me/MarketEMI/internal/checkout"
	"github.com/router-for-me/MarketEMI/internal/config"
	apihttp "github.com/router-for-me/MarketEMI/internal/http"
	"github.com/router-for-me/MarketEMI/internal/http/api/front/handlers"
	"github.com/router-for-me/MarketEMI/internal/plan"
	"gorm.io/gorm"
)

// Deps are the services the shopper routes call into.
type Deps struct {
	Plans    *plan.Store
	Checkout *checkout.Service
	Workflow *approval.Workflow
	Currency string
}

// RegisterFrontRoutes registers public and authenticated shopper routes.
func RegisterFrontRoutes(r *gin.Engine, db *gorm.DB, jwtCfg config.JWTConfig, deps Deps) {
	if r == nil || db == nil {
		return
	}

	front := r.Group("/v0/front")

	front.GET("/config", handlers.NewPublicConfigHandler(deps.Currency).Get)

	planHandler := handlers.NewPlanHandler(deps.Plans, deps.Checkout)
	front.GET("/plans", planHandler.List)
	front.GET("/plans/:id/quote", planHandler.Quote)

	authed := front.Group("")
	authed.Use(apihttp.UserAuthMiddleware(jwtCfg))

	paymentHandler := handlers.NewPaymentHandler(deps.Checkout)
	authed.POST("/payments", paymentHandler.Start)

	applicationHandler := handlers.NewApplicationHandler(db, deps.Workflow)
	authed.GET("/applications", applicationHandler.List)
	authed.GET("/applications/:id", applicationHandler.Get)
	authed.POST("/applications/:id/cancel", applicationHandler.Cancel)

	recordHandler := handlers.NewRecordHandler(db)
	authed.GET("/records", recordHandler.List)
	authed.GET("/records/:id", recordHandler.Get)
}
