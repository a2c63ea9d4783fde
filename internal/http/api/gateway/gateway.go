// Package gateway serves the payment gateway's browser redirects and IPN posts.
package gateway

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/MarketEMI/internal/emierr"
	apihttp "github.com/router-for-me/MarketEMI/internal/http"
	"github.com/router-for-me/MarketEMI/internal/models"
	"github.com/router-for-me/MarketEMI/internal/reconcile"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// resultPath is where redirected shoppers land on the storefront.
const resultPath = "/payments/result"

// RegisterGatewayRoutes registers the callback endpoints under /v0/payments/gateway.
func RegisterGatewayRoutes(r *gin.Engine, db *gorm.DB, engine *reconcile.Engine, publicBaseURL string) {
	if r == nil || db == nil || engine == nil {
		return
	}
	h := NewCallbackHandler(db, engine, publicBaseURL)
	group := r.Group("/v0/payments/gateway")
	group.POST("/success", h.Success)
	group.POST("/fail", h.Fail)
	group.POST("/cancel", h.Cancel)
	group.POST("/ipn", h.IPN)
}

// CallbackHandler turns gateway form posts into reconciliation calls.
type CallbackHandler struct {
	db            *gorm.DB
	engine        *reconcile.Engine
	publicBaseURL string
}

// NewCallbackHandler constructs a CallbackHandler. An empty publicBaseURL
// answers redirects with JSON instead of sending the shopper back.
func NewCallbackHandler(db *gorm.DB, engine *reconcile.Engine, publicBaseURL string) *CallbackHandler {
	return &CallbackHandler{
		db:            db,
		engine:        engine,
		publicBaseURL: strings.TrimRight(strings.TrimSpace(publicBaseURL), "/"),
	}
}

type handleFunc func(ctx context.Context, cb reconcile.Callback) (reconcile.Outcome, error)

// Success handles the shopper's browser returning after a completed checkout.
func (h *CallbackHandler) Success(c *gin.Context) {
	h.handle(c, reconcile.SourceRedirect, h.engine.HandleSuccess)
}

// Fail handles the browser redirect for a declined checkout.
func (h *CallbackHandler) Fail(c *gin.Context) {
	h.handle(c, reconcile.SourceRedirect, h.engine.HandleFailure)
}

// Cancel handles the browser redirect for a checkout the shopper abandoned.
func (h *CallbackHandler) Cancel(c *gin.Context) {
	h.handle(c, reconcile.SourceRedirect, h.engine.HandleCancel)
}

// IPN handles the gateway's server-to-server notification, routed by its status field.
func (h *CallbackHandler) IPN(c *gin.Context) {
	if errParse := c.Request.ParseForm(); errParse != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid form"})
		return
	}
	switch strings.ToUpper(strings.TrimSpace(c.Request.PostForm.Get("status"))) {
	case "VALID", "VALIDATED":
		h.handle(c, reconcile.SourceIPN, h.engine.HandleSuccess)
	case "CANCELLED", "CANCELED":
		h.handle(c, reconcile.SourceIPN, h.engine.HandleCancel)
	case "FAILED", "EXPIRED", "UNATTEMPTED":
		h.handle(c, reconcile.SourceIPN, h.engine.HandleFailure)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status", "field": "status"})
	}
}

func (h *CallbackHandler) handle(c *gin.Context, source reconcile.Source, fn handleFunc) {
	cb, errParse := parseCallback(c, source)
	if errParse != nil {
		apihttp.WriteError(c, errParse, "invalid callback")
		return
	}

	out, errHandle := fn(c.Request.Context(), cb)
	if errHandle != nil {
		if !emierr.IsConflict(errHandle) {
			apihttp.WriteError(c, errHandle, "reconcile callback failed")
			return
		}
		// Duplicate or unknown callbacks are acknowledged so the gateway stops retrying.
		log.WithFields(log.Fields{"tran_id": cb.TranID, "source": source}).Info(errHandle.Error())
		h.respond(c, cb, false, "")
		return
	}
	h.respond(c, cb, true, out.To)
}

func (h *CallbackHandler) respond(c *gin.Context, cb reconcile.Callback, applied bool, status models.PaymentStatus) {
	if status == "" {
		status = h.currentStatus(c.Request.Context(), cb.TranID)
	}
	if cb.Source == reconcile.SourceRedirect && h.publicBaseURL != "" {
		query := url.Values{}
		query.Set("tran_id", cb.TranID)
		if status != "" {
			query.Set("status", string(status))
		}
		c.Redirect(http.StatusSeeOther, h.publicBaseURL+resultPath+"?"+query.Encode())
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"tran_id": cb.TranID,
		"applied": applied,
		"status":  status,
	})
}

func (h *CallbackHandler) currentStatus(ctx context.Context, tranID string) models.PaymentStatus {
	if strings.TrimSpace(tranID) == "" {
		return ""
	}
	var payment models.Payment
	if errFind := h.db.WithContext(ctx).Select("status").Where("transaction_id = ?", tranID).Take(&payment).Error; errFind != nil {
		return ""
	}
	return payment.Status
}

func parseCallback(c *gin.Context, source reconcile.Source) (reconcile.Callback, error) {
	if errParse := c.Request.ParseForm(); errParse != nil {
		return reconcile.Callback{}, emierr.Invalid("", "invalid form")
	}
	form := c.Request.PostForm
	raw := make(map[string]string, len(form))
	for key, values := range form {
		if len(values) > 0 {
			raw[key] = values[0]
		}
	}

	cb := reconcile.Callback{
		TranID:     strings.TrimSpace(form.Get("tran_id")),
		ValID:      strings.TrimSpace(form.Get("val_id")),
		Currency:   strings.TrimSpace(form.Get("currency")),
		Status:     strings.TrimSpace(form.Get("status")),
		CardType:   strings.TrimSpace(form.Get("card_type")),
		BankTranID: strings.TrimSpace(form.Get("bank_tran_id")),
		Error:      strings.TrimSpace(form.Get("error")),
		Source:     source,
		Raw:        raw,
	}
	if amount := strings.TrimSpace(form.Get("amount")); amount != "" {
		parsed, errAmount := decimal.NewFromString(amount)
		if errAmount != nil {
			return reconcile.Callback{}, emierr.Invalid("amount", "must be a decimal")
		}
		cb.Amount = parsed
	}
	return cb, nil
}
