package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	internalsettings "github.com/router-for-me/MarketEMI/internal/settings"
)

// publicConfigResponse is the response payload for public config.
type publicConfigResponse struct {
	SiteName                string `json:"site_name"`
	Currency                string `json:"currency"`
	ReminderDaysBeforeDue   int    `json:"reminder_days_before_due"`
	CardlessAutoApproval    bool   `json:"cardless_auto_approval"`
	CardlessAutoApprovalMax string `json:"cardless_auto_approval_max_price,omitempty"`
}

// PublicConfigHandler serves storefront-facing settings.
type PublicConfigHandler struct {
	currency string
}

// NewPublicConfigHandler constructs a PublicConfigHandler.
func NewPublicConfigHandler(currency string) *PublicConfigHandler {
	return &PublicConfigHandler{currency: currency}
}

// Get returns public configuration for the storefront.
func (h *PublicConfigHandler) Get(c *gin.Context) {
	policy := internalsettings.AutoApprove()
	resp := publicConfigResponse{
		SiteName:              internalsettings.SiteName(),
		Currency:              h.currency,
		ReminderDaysBeforeDue: internalsettings.ReminderDaysBeforeDue(),
		CardlessAutoApproval:  policy.Enabled,
	}
	if policy.Enabled && policy.MaxPrice.IsPositive() {
		resp.CardlessAutoApprovalMax = policy.MaxPrice.StringFixed(2)
	}
	c.JSON(http.StatusOK, resp)
}
