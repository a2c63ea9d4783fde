package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// RecordStatus is the state of an active financing ledger.
type RecordStatus string

// RecordStatus constants.
const (
	RecordActive    RecordStatus = "active"
	RecordCompleted RecordStatus = "completed"
	RecordDefaulted RecordStatus = "defaulted"
	RecordCancelled RecordStatus = "cancelled"
)

// EMIRecord is the financing ledger created once per approved application.
type EMIRecord struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	ApplicationID uint64 `gorm:"not null;uniqueIndex"` // Approved application, one record each.
	UserID        uint64 `gorm:"not null;index"`       // Borrower.
	OrderID       uint64 `gorm:"not null;index"`       // Financed order.
	PlanID        uint64 `gorm:"not null;index"`       // Plan at approval time.

	Application  *EMIApplication  `gorm:"foreignKey:ApplicationID"` // Application relation.
	Installments []EMIInstallment `gorm:"foreignKey:RecordID"`      // Installment rows.

	Principal          decimal.Decimal `gorm:"type:decimal(20,2);not null"`           // Financed amount.
	DownPayment        decimal.Decimal `gorm:"type:decimal(20,2);not null;default:0"` // Upfront amount.
	ProcessingFee      decimal.Decimal `gorm:"type:decimal(20,2);not null;default:0"` // One-off fee.
	MonthlyInstallment decimal.Decimal `gorm:"type:decimal(20,2);not null"`           // Per-period amount.
	TotalPayable       decimal.Decimal `gorm:"type:decimal(20,2);not null"`           // Down payment + installments.
	Tenure             int             `gorm:"not null"`                              // Installment count.

	DownPaymentPaid  bool            `gorm:"not null;default:false"`                // Deposit received.
	InstallmentsPaid int             `gorm:"not null;default:0"`                    // Derived from rows.
	AmountPaid       decimal.Decimal `gorm:"type:decimal(20,2);not null;default:0"` // Derived from rows.
	RemainingAmount  decimal.Decimal `gorm:"type:decimal(20,2);not null;default:0"` // Derived from rows.

	Status      RecordStatus `gorm:"type:varchar(16);not null;index"` // Ledger state.
	BankManaged bool         `gorm:"not null;default:false"`          // Card EMI audit record, installments tracked by the bank.

	StartDate   time.Time  `gorm:"not null"` // Schedule anchor.
	CompletedAt *time.Time // Completion time.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
