package plan

import (
	"testing"

	"github.com/router-for-me/MarketEMI/internal/emierr"
	"github.com/router-for-me/MarketEMI/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func cardlessPlan(rate string) *models.EMIPlan {
	return &models.EMIPlan{
		ID:                 1,
		Name:               "Cardless 12",
		Kind:               models.PlanKindCardless,
		DurationMonths:     12,
		InterestRate:       decPtr(rate),
		DownPaymentPct:     dec("20"),
		ProcessingFeeFixed: dec("100"),
		IsActive:           true,
	}
}

func TestQuoteReferenceScenario(t *testing.T) {
	q, err := NewCatalog(nil).Quote(cardlessPlan("12"), dec("12000"), 12, "")
	require.NoError(t, err)

	assert.True(t, q.DownPayment.Equal(dec("2400")), "down payment %s", q.DownPayment)
	assert.True(t, q.Principal.Equal(dec("9600")), "principal %s", q.Principal)
	assert.True(t, q.ProcessingFee.Equal(dec("100")), "fee %s", q.ProcessingFee)
	assert.True(t, q.MonthlyPayment.Equal(dec("852.95")), "monthly %s", q.MonthlyPayment)
	assert.InDelta(t, 853.64, q.MonthlyPayment.InexactFloat64(), 1.0)
	assert.True(t, q.TotalInterest.IsPositive())
	assert.False(t, q.IsBankDeterminedInterest)
}

func TestQuoteMonthlyTimesTenureMatchesTotals(t *testing.T) {
	catalog := NewCatalog(nil)
	prices := []string{"999.99", "12000", "45000.50", "150000"}
	rates := []string{"0", "7.5", "12", "18", "24.99"}
	for _, price := range prices {
		for _, rate := range rates {
			for tenure := 1; tenure <= 12; tenure++ {
				q, err := catalog.Quote(cardlessPlan(rate), dec(price), tenure, "")
				require.NoError(t, err)
				financed := q.TotalPayment.Sub(q.DownPayment).Sub(q.ProcessingFee)
				diff := q.MonthlyPayment.Mul(decimal.NewFromInt(int64(tenure))).Sub(financed).Abs()
				// Half a cent of rounding per installment.
				tolerance := dec("0.005").Mul(decimal.NewFromInt(int64(tenure)))
				assert.True(t, diff.LessThanOrEqual(tolerance), "price=%s rate=%s n=%d diff=%s", price, rate, tenure, diff)
				assert.False(t, q.TotalInterest.IsNegative())
			}
		}
	}
}

func TestQuoteZeroRateIsLinear(t *testing.T) {
	q, err := NewCatalog(nil).Quote(cardlessPlan("0"), dec("12000"), 6, "")
	require.NoError(t, err)
	assert.True(t, q.MonthlyPayment.Equal(q.Principal.Div(decimal.NewFromInt(6))), "monthly %s", q.MonthlyPayment)
	assert.True(t, q.TotalInterest.IsZero())
}

func TestQuoteZeroRateUnevenTenureCarriesNoInterest(t *testing.T) {
	q, err := NewCatalog(nil).Quote(cardlessPlan("0"), dec("12000"), 7, "")
	require.NoError(t, err)
	assert.True(t, q.MonthlyPayment.Equal(dec("1371.43")), "monthly %s", q.MonthlyPayment)
	assert.True(t, q.TotalInterest.IsZero(), "interest %s", q.TotalInterest)
	assert.True(t, q.TotalPayment.Equal(q.DownPayment.Add(q.Principal).Add(q.ProcessingFee)), "total %s", q.TotalPayment)
}

func TestQuoteProcessingFeePercentage(t *testing.T) {
	p := cardlessPlan("0")
	p.ProcessingFeePct = dec("1.5")
	q, err := NewCatalog(nil).Quote(p, dec("12000"), 12, "")
	require.NoError(t, err)
	// 9600 * 1.5% + 100
	assert.True(t, q.ProcessingFee.Equal(dec("244")), "fee %s", q.ProcessingFee)
}

func TestQuoteGatewayManagedUsesBankRate(t *testing.T) {
	card := &models.EMIPlan{
		ID:             2,
		Name:           "Card 6",
		Kind:           models.PlanKindCard,
		DurationMonths: 6,
		BankRates:      datatypes.JSON(`{"brac": "9"}`),
	}
	catalog := NewCatalog(map[string]decimal.Decimal{"CITY": dec("12")})

	fromPlan, err := catalog.Quote(card, dec("30000"), 6, "BRAC")
	require.NoError(t, err)
	require.NotNil(t, fromPlan.AnnualRate)
	assert.True(t, fromPlan.AnnualRate.Equal(dec("9")))
	assert.False(t, fromPlan.IsBankDeterminedInterest)
	assert.True(t, fromPlan.TotalInterest.IsPositive())

	fromCatalog, err := catalog.Quote(card, dec("30000"), 6, "city")
	require.NoError(t, err)
	require.NotNil(t, fromCatalog.AnnualRate)
	assert.True(t, fromCatalog.AnnualRate.Equal(dec("12")))
	assert.True(t, fromCatalog.MonthlyPayment.GreaterThan(fromPlan.MonthlyPayment))

	unknown, err := catalog.Quote(card, dec("30000"), 6, "EBL")
	require.NoError(t, err)
	assert.True(t, unknown.IsBankDeterminedInterest)
	assert.True(t, unknown.TotalInterest.IsZero())
	assert.Nil(t, unknown.AnnualRate)
	assert.True(t, unknown.MonthlyPayment.Equal(dec("5000")))
}

func TestQuoteIsPure(t *testing.T) {
	catalog := NewCatalog(nil)
	p := cardlessPlan("15")
	first, err := catalog.Quote(p, dec("54321.09"), 9, "")
	require.NoError(t, err)
	second, err := catalog.Quote(p, dec("54321.09"), 9, "")
	require.NoError(t, err)
	assert.Equal(t, first.MonthlyPayment.String(), second.MonthlyPayment.String())
	assert.Equal(t, first.TotalPayment.String(), second.TotalPayment.String())
	assert.True(t, p.InterestRate.Equal(dec("15")))
}

func TestValidateBounds(t *testing.T) {
	p := cardlessPlan("12")
	p.MinPrice = dec("5000")
	p.MaxPrice = dec("200000")

	cases := []struct {
		name   string
		price  string
		tenure int
		field  string
	}{
		{"tenure zero", "10000", 0, "tenure"},
		{"tenure above duration", "10000", 13, "tenure"},
		{"price zero", "0", 6, "price"},
		{"price below min", "4999.99", 6, "price"},
		{"price above max", "200000.01", 6, "price"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(p, dec(tc.price), tc.tenure)
			require.Error(t, err)
			var verr *emierr.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tc.field, verr.Field)
		})
	}

	assert.NoError(t, Validate(p, dec("5000"), 1))
	assert.NoError(t, Validate(p, dec("200000"), 12))

	p.MaxPrice = decimal.Zero
	assert.NoError(t, Validate(p, dec("9999999"), 12))
}
