// Package plan holds EMI plan definitions and the amortization quote.
package plan

import (
	"strings"

	"github.com/router-for-me/MarketEMI/internal/emierr"
	"github.com/router-for-me/MarketEMI/internal/models"
	"github.com/shopspring/decimal"
)

var (
	hundred      = decimal.NewFromInt(100)
	monthsInYear = decimal.NewFromInt(12)
)

// Quote is the amortization result for one price, tenure and plan.
type Quote struct {
	Tenure                   int              `json:"tenure"`
	AnnualRate               *decimal.Decimal `json:"annual_rate,omitempty"`
	DownPayment              decimal.Decimal  `json:"down_payment"`
	Principal                decimal.Decimal  `json:"principal"`
	ProcessingFee            decimal.Decimal  `json:"processing_fee"`
	MonthlyPayment           decimal.Decimal  `json:"monthly_payment"`
	TotalPayment             decimal.Decimal  `json:"total_payment"`
	TotalInterest            decimal.Decimal  `json:"total_interest"`
	IsBankDeterminedInterest bool             `json:"is_bank_determined_interest"`
}

// Catalog computes quotes. Bank rates are injected at construction and
// consulted after the plan's own per-bank overrides.
type Catalog struct {
	bankRates map[string]decimal.Decimal
}

// NewCatalog returns a Catalog using rates keyed by bank code.
func NewCatalog(rates map[string]decimal.Decimal) *Catalog {
	normalized := make(map[string]decimal.Decimal, len(rates))
	for code, rate := range rates {
		code = strings.ToUpper(strings.TrimSpace(code))
		if code == "" || rate.IsNegative() {
			continue
		}
		normalized[code] = rate
	}
	return &Catalog{bankRates: normalized}
}

// WithBankRates returns a copy whose table is extended by rates, e.g. a live gateway table.
func (c *Catalog) WithBankRates(rates map[string]decimal.Decimal) *Catalog {
	merged := make(map[string]decimal.Decimal, len(c.bankRates)+len(rates))
	for code, rate := range c.bankRates {
		merged[code] = rate
	}
	for code, rate := range rates {
		merged[strings.ToUpper(strings.TrimSpace(code))] = rate
	}
	return NewCatalog(merged)
}

// BankRate resolves the rate a bank charges under p.
func (c *Catalog) BankRate(p *models.EMIPlan, bankCode string) (decimal.Decimal, bool) {
	if rate, ok := p.BankRate(bankCode); ok {
		return rate, true
	}
	if c == nil {
		return decimal.Zero, false
	}
	rate, ok := c.bankRates[strings.ToUpper(strings.TrimSpace(bankCode))]
	return rate, ok
}

// Validate checks tenure and price against the plan bounds.
func Validate(p *models.EMIPlan, price decimal.Decimal, tenure int) error {
	if p == nil {
		return emierr.Invalid("plan_id", "plan not found")
	}
	if !p.Kind.Valid() {
		return emierr.Invalid("plan_id", "unknown plan kind %q", p.Kind)
	}
	if p.DurationMonths <= 0 {
		return emierr.Invalid("plan_id", "plan has no duration")
	}
	if tenure < 1 || tenure > p.DurationMonths {
		return emierr.Invalid("tenure", "must be between 1 and %d", p.DurationMonths)
	}
	if !price.IsPositive() {
		return emierr.Invalid("price", "must be positive")
	}
	if price.LessThan(p.MinPrice) {
		return emierr.Invalid("price", "below plan minimum %s", p.MinPrice.StringFixed(2))
	}
	if p.MaxPrice.IsPositive() && price.GreaterThan(p.MaxPrice) {
		return emierr.Invalid("price", "above plan maximum %s", p.MaxPrice.StringFixed(2))
	}
	return nil
}

// Quote validates the inputs and computes the reducing-balance schedule summary.
func (c *Catalog) Quote(p *models.EMIPlan, price decimal.Decimal, tenure int, bankCode string) (Quote, error) {
	if errValidate := Validate(p, price, tenure); errValidate != nil {
		return Quote{}, errValidate
	}

	down := price.Mul(p.DownPaymentPct).Div(hundred).Round(2)
	principal := price.Sub(down)
	fee := principal.Mul(p.ProcessingFeePct).Div(hundred).Add(p.ProcessingFeeFixed).Round(2)
	n := decimal.NewFromInt(int64(tenure))

	q := Quote{
		Tenure:        tenure,
		DownPayment:   down,
		Principal:     principal,
		ProcessingFee: fee,
	}

	var rate decimal.Decimal
	switch {
	case p.GatewayManaged():
		bankRate, known := c.BankRate(p, bankCode)
		if !known {
			q.MonthlyPayment = principal.Div(n).Round(2)
			q.TotalInterest = decimal.Zero
			q.TotalPayment = down.Add(principal).Add(fee)
			q.IsBankDeterminedInterest = true
			return q, nil
		}
		rate = bankRate
	case p.InterestRate != nil:
		rate = *p.InterestRate
	}
	rateCopy := rate
	q.AnnualRate = &rateCopy

	q.MonthlyPayment = MonthlyPayment(principal, rate, tenure)
	if !rate.IsPositive() {
		// Interest-free: the last installment absorbs the rounding remainder.
		q.TotalInterest = decimal.Zero
		q.TotalPayment = down.Add(principal).Add(fee)
		return q, nil
	}
	financed := q.MonthlyPayment.Mul(n)
	q.TotalInterest = financed.Sub(principal)
	if q.TotalInterest.IsNegative() {
		q.TotalInterest = decimal.Zero
	}
	q.TotalPayment = down.Add(financed).Add(fee)
	return q, nil
}

// MonthlyPayment returns the equated installment for principal at an annual
// percentage rate over tenure months, rounded to 2 places.
func MonthlyPayment(principal, annualRate decimal.Decimal, tenure int) decimal.Decimal {
	if tenure <= 0 {
		return decimal.Zero
	}
	n := decimal.NewFromInt(int64(tenure))
	if !annualRate.IsPositive() {
		return principal.Div(n).Round(2)
	}
	r := annualRate.Div(monthsInYear).Div(hundred)
	growth := decimal.NewFromInt(1).Add(r).Pow(n)
	return principal.Mul(r).Mul(growth).Div(growth.Sub(decimal.NewFromInt(1))).Round(2)
}
