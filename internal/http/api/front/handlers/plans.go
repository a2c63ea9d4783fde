package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/MarketEMI/internal/checkout"
	apihttp "github.com/router-for-me/MarketEMI/internal/http"
	"github.com/router-for-me/MarketEMI/internal/models"
	"github.com/router-for-me/MarketEMI/internal/plan"
	"github.com/shopspring/decimal"
)

// PlanHandler lists plans and prices them for shoppers.
type PlanHandler struct {
	store    *plan.Store
	checkout *checkout.Service
}

// NewPlanHandler constructs a PlanHandler.
func NewPlanHandler(store *plan.Store, checkoutSvc *checkout.Service) *PlanHandler {
	return &PlanHandler{store: store, checkout: checkoutSvc}
}

// List returns active plans, optionally filtered by ?kind=card|cardless.
func (h *PlanHandler) List(c *gin.Context) {
	kind := models.PlanKind(strings.ToLower(strings.TrimSpace(c.Query("kind"))))
	if kind != "" && !kind.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid kind"})
		return
	}
	plans, errList := h.store.ListActive(c.Request.Context(), kind)
	if errList != nil {
		apihttp.WriteError(c, errList, "list plans failed")
		return
	}
	out := make([]gin.H, 0, len(plans))
	for _, p := range plans {
		out = append(out, apihttp.PlanView(p))
	}
	c.JSON(http.StatusOK, gin.H{"plans": out})
}

// quoteQuery defines query parameters for a quote.
type quoteQuery struct {
	Price    string `form:"price"`
	Tenure   int    `form:"tenure"`
	BankCode string `form:"bank_code"`
}

// Quote prices a plan for a price and tenure. Card plans without a known bank
// rate return an estimate flagged is_bank_determined_interest.
func (h *PlanHandler) Quote(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	var q quoteQuery
	if errBind := c.ShouldBindQuery(&q); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid query"})
		return
	}
	price, errPrice := decimal.NewFromString(strings.TrimSpace(q.Price))
	if errPrice != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid price", "field": "price"})
		return
	}

	quote, errQuote := h.checkout.Quote(c.Request.Context(), id, price, q.Tenure, q.BankCode)
	if errQuote != nil {
		apihttp.WriteError(c, errQuote, "quote failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"plan_id": id, "quote": quote})
}
