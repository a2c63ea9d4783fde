package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	apihttp "github.com/router-for-me/MarketEMI/internal/http"
	"github.com/router-for-me/MarketEMI/internal/models"
	"github.com/router-for-me/MarketEMI/internal/plan"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// PlanHandler manages EMI plans.
type PlanHandler struct {
	db    *gorm.DB
	store *plan.Store
}

// NewPlanHandler constructs a PlanHandler.
func NewPlanHandler(db *gorm.DB, store *plan.Store) *PlanHandler {
	return &PlanHandler{db: db, store: store}
}

// List returns plans including retired versions. ?active=true limits to offered plans.
func (h *PlanHandler) List(c *gin.Context) {
	q := h.db.WithContext(c.Request.Context()).Model(&models.EMIPlan{})
	if kind := strings.ToLower(strings.TrimSpace(c.Query("kind"))); kind != "" {
		if !models.PlanKind(kind).Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid kind"})
			return
		}
		q = q.Where("kind = ?", kind)
	}
	switch strings.ToLower(strings.TrimSpace(c.Query("active"))) {
	case "true", "1":
		q = q.Where("is_active = ?", true)
	case "false", "0":
		q = q.Where("is_active = ?", false)
	}
	var rows []models.EMIPlan
	if errFind := q.Order("id DESC").Find(&rows).Error; errFind != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list plans failed"})
		return
	}
	out := make([]gin.H, 0, len(rows))
	for _, row := range rows {
		out = append(out, apihttp.PlanView(row))
	}
	c.JSON(http.StatusOK, gin.H{"plans": out})
}

// Get returns one plan.
func (h *PlanHandler) Get(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	p, errGet := h.store.Get(c.Request.Context(), id)
	if errGet != nil {
		apihttp.WriteError(c, errGet, "query failed", plan.ErrNotFound)
		return
	}
	c.JSON(http.StatusOK, apihttp.PlanView(*p))
}

// planRequest defines the request body for plan create and update. Amounts
// accept JSON numbers or strings.
type planRequest struct {
	Name               *string                    `json:"name"`
	Kind               string                     `json:"kind"`
	DurationMonths     *int                       `json:"duration_months"`
	InterestRate       *decimal.Decimal           `json:"interest_rate"`
	ClearInterestRate  bool                       `json:"clear_interest_rate"`
	DownPaymentPct     *decimal.Decimal           `json:"down_payment_pct"`
	ProcessingFeePct   *decimal.Decimal           `json:"processing_fee_pct"`
	ProcessingFeeFixed *decimal.Decimal           `json:"processing_fee_fixed"`
	MinPrice           *decimal.Decimal           `json:"min_price"`
	MaxPrice           *decimal.Decimal           `json:"max_price"`
	BankRates          map[string]decimal.Decimal `json:"bank_rates"`
	IsActive           *bool                      `json:"is_active"`
}

// Create stores a new plan.
func (h *PlanHandler) Create(c *gin.Context) {
	var body planRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	p := models.EMIPlan{
		Kind:         models.PlanKind(strings.ToLower(strings.TrimSpace(body.Kind))),
		InterestRate: body.InterestRate,
	}
	if body.Name != nil {
		p.Name = strings.TrimSpace(*body.Name)
	}
	if body.DurationMonths != nil {
		p.DurationMonths = *body.DurationMonths
	}
	for dst, src := range map[*decimal.Decimal]*decimal.Decimal{
		&p.DownPaymentPct:     body.DownPaymentPct,
		&p.ProcessingFeePct:   body.ProcessingFeePct,
		&p.ProcessingFeeFixed: body.ProcessingFeeFixed,
		&p.MinPrice:           body.MinPrice,
		&p.MaxPrice:           body.MaxPrice,
	} {
		if src != nil {
			*dst = *src
		}
	}
	rates, errRates := plan.EncodeBankRates(body.BankRates)
	if errRates != nil {
		apihttp.WriteError(c, errRates, "create plan failed")
		return
	}
	p.BankRates = rates

	if errCreate := h.store.Create(c.Request.Context(), &p); errCreate != nil {
		apihttp.WriteError(c, errCreate, "create plan failed")
		return
	}
	c.JSON(http.StatusCreated, apihttp.PlanView(p))
}

// Update edits a plan. A plan already used by an application is retired and
// replaced by a new version; the response carries the version that is now offered.
func (h *PlanHandler) Update(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	var body planRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if strings.TrimSpace(body.Kind) != "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "kind cannot be changed", "field": "kind"})
		return
	}

	updated, versioned, errUpdate := h.store.Update(c.Request.Context(), id, plan.Update{
		Name:               body.Name,
		DurationMonths:     body.DurationMonths,
		InterestRate:       body.InterestRate,
		ClearInterestRate:  body.ClearInterestRate,
		DownPaymentPct:     body.DownPaymentPct,
		ProcessingFeePct:   body.ProcessingFeePct,
		ProcessingFeeFixed: body.ProcessingFeeFixed,
		MinPrice:           body.MinPrice,
		MaxPrice:           body.MaxPrice,
		BankRates:          body.BankRates,
		IsActive:           body.IsActive,
	})
	if errUpdate != nil {
		apihttp.WriteError(c, errUpdate, "update plan failed", plan.ErrNotFound)
		return
	}
	c.JSON(http.StatusOK, gin.H{"plan": apihttp.PlanView(*updated), "versioned": versioned})
}
