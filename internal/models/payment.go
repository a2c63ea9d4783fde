package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// PaymentType routes a gateway transaction to its downstream effect.
type PaymentType string

// PaymentType constants.
const (
	PaymentTypeRegular        PaymentType = "REGULAR"
	PaymentTypeCardEMI        PaymentType = "CARD_EMI"
	PaymentTypeDownPayment    PaymentType = "CARDLESS_EMI_DOWN_PAYMENT"
	PaymentTypeEMIInstallment PaymentType = "EMI_INSTALLMENT"
)

// PaymentStatus is the gateway transaction state.
type PaymentStatus string

// PaymentStatus constants. Only the reconciliation engine leaves PENDING.
const (
	PaymentPending   PaymentStatus = "PENDING"
	PaymentCompleted PaymentStatus = "COMPLETED"
	PaymentFailed    PaymentStatus = "FAILED"
	PaymentCanceled  PaymentStatus = "CANCELED"
)

// Payment is a gateway transaction keyed by a globally unique transaction id.
type Payment struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	TransactionID string `gorm:"type:varchar(64);not null;uniqueIndex"` // tran_id sent to the gateway.

	OrderID uint64 `gorm:"not null;index"` // Paid order.
	UserID  uint64 `gorm:"not null;index"` // Paying user.

	Amount   decimal.Decimal `gorm:"type:decimal(20,2);not null"` // Requested amount.
	Currency string          `gorm:"type:varchar(8);not null"`    // ISO currency.

	PaymentType PaymentType   `gorm:"type:varchar(32);not null;index"` // Effect routing.
	Status      PaymentStatus `gorm:"type:varchar(16);not null;index"` // Transaction state.

	PlanID        *uint64 `gorm:"index"`              // Plan for card EMI and down payments.
	ApplicationID *uint64 `gorm:"index"`              // Application for down payments.
	InstallmentID *uint64 `gorm:"index"`              // Target of installment payments.
	Tenure        int     `gorm:"not null;default:0"` // Selected tenure for card EMI.
	BankCode      string  `gorm:"type:varchar(32)"`   // Issuer for card EMI.

	ValID           string           `gorm:"type:varchar(128)"`  // Gateway validation id.
	BankTranID      string           `gorm:"type:varchar(128)"`  // Bank reference.
	CardType        string           `gorm:"type:varchar(64)"`   // Instrument reported by the gateway.
	ValidatedAmount *decimal.Decimal `gorm:"type:decimal(20,2)"` // Amount confirmed by validation.
	GatewayPayload  datatypes.JSON   `gorm:"type:jsonb"`         // Last callback payload.
	RedirectURL     string           `gorm:"type:text"`          // Gateway checkout page.
	FailureReason   string           `gorm:"type:text"`          // Gateway or callback failure text.
	ReviewNote      string           `gorm:"type:text"`          // Operator follow-up required.

	CompletedAt *time.Time // Terminal transition time.

	CreatedAt time.Time `gorm:"not null;autoCreateTime;index"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"`       // Last update timestamp.
}
