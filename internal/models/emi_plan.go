package models

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// PlanKind identifies who underwrites a financing plan.
type PlanKind string

// PlanKind constants.
const (
	// PlanKindCard is underwritten by the card-issuing bank through the gateway's EMI engine.
	PlanKindCard PlanKind = "card"
	// PlanKindCardless is underwritten by the platform and requires income/ID review.
	PlanKindCardless PlanKind = "cardless"
)

// Valid reports whether k is a known plan kind.
func (k PlanKind) Valid() bool {
	return k == PlanKindCard || k == PlanKindCardless
}

// EMIPlan defines financing terms offered at checkout.
type EMIPlan struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Name           string   `gorm:"type:text;not null"`        // Display name.
	Kind           PlanKind `gorm:"type:varchar(16);not null"` // Card or cardless.
	DurationMonths int      `gorm:"not null"`                  // Maximum tenure in months.

	InterestRate       *decimal.Decimal `gorm:"type:decimal(10,4)"`                    // Annual rate in percent; nil when the bank sets it.
	DownPaymentPct     decimal.Decimal  `gorm:"type:decimal(10,4);not null;default:0"` // Down payment percentage of price.
	ProcessingFeePct   decimal.Decimal  `gorm:"type:decimal(10,4);not null;default:0"` // Fee percentage of principal.
	ProcessingFeeFixed decimal.Decimal  `gorm:"type:decimal(20,2);not null;default:0"` // Flat fee.
	MinPrice           decimal.Decimal  `gorm:"type:decimal(20,2);not null;default:0"` // Lowest eligible price.
	MaxPrice           decimal.Decimal  `gorm:"type:decimal(20,2);not null;default:0"` // Highest eligible price, 0 for unbounded.

	BankRates datatypes.JSON `gorm:"type:jsonb"` // Bank code to annual rate overrides.

	IsActive       bool    `gorm:"not null;default:true"` // Offered to new applications.
	SupersededBy   *uint64 `gorm:"index"`                 // Newer version created by an edit.
	PreviousPlanID *uint64 `gorm:"index"`                 // Version this plan replaced.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// GatewayManaged reports whether the bank, not the plan, sets the interest rate.
func (p *EMIPlan) GatewayManaged() bool {
	return p != nil && p.Kind == PlanKindCard && p.InterestRate == nil
}

// BankRate returns the plan-level rate override for a bank code.
func (p *EMIPlan) BankRate(bankCode string) (decimal.Decimal, bool) {
	bankCode = strings.ToUpper(strings.TrimSpace(bankCode))
	if p == nil || bankCode == "" || len(p.BankRates) == 0 {
		return decimal.Zero, false
	}
	rates := map[string]decimal.Decimal{}
	if errUnmarshal := json.Unmarshal(p.BankRates, &rates); errUnmarshal != nil {
		return decimal.Zero, false
	}
	for code, rate := range rates {
		if strings.ToUpper(strings.TrimSpace(code)) == bankCode {
			return rate, true
		}
	}
	return decimal.Zero, false
}
