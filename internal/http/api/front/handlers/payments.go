package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/MarketEMI/internal/checkout"
	"github.com/router-for-me/MarketEMI/internal/gateway"
	apihttp "github.com/router-for-me/MarketEMI/internal/http"
	"github.com/router-for-me/MarketEMI/internal/models"
)

// PaymentHandler opens gateway checkout sessions.
type PaymentHandler struct {
	checkout *checkout.Service
}

// NewPaymentHandler constructs a PaymentHandler.
func NewPaymentHandler(checkoutSvc *checkout.Service) *PaymentHandler {
	return &PaymentHandler{checkout: checkoutSvc}
}

// startPaymentRequest defines the request body for a checkout session.
type startPaymentRequest struct {
	PaymentType   string `json:"payment_type"`
	OrderID       uint64 `json:"order_id"`
	PlanID        uint64 `json:"plan_id"`
	Tenure        int    `json:"tenure"`
	BankCode      string `json:"bank_code"`
	ApplicationID uint64 `json:"application_id"`
	InstallmentID uint64 `json:"installment_id"`
}

// Start creates a PENDING payment and returns the gateway redirect. A
// declined session is answered 200 with status FAILED; an outage is 503.
func (h *PaymentHandler) Start(c *gin.Context) {
	userID := getUserID(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var body startPaymentRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	session, errStart := h.checkout.StartPayment(c.Request.Context(), checkout.Request{
		UserID:        userID,
		Type:          models.PaymentType(strings.ToUpper(strings.TrimSpace(body.PaymentType))),
		OrderID:       body.OrderID,
		PlanID:        body.PlanID,
		Tenure:        body.Tenure,
		BankCode:      body.BankCode,
		ApplicationID: body.ApplicationID,
		InstallmentID: body.InstallmentID,
	})
	if errStart != nil {
		apihttp.WriteError(c, errStart, "start payment failed", checkout.ErrNotFound)
		return
	}
	if session.Status != gateway.SessionSuccess {
		c.JSON(http.StatusOK, session)
		return
	}
	c.JSON(http.StatusCreated, session)
}
