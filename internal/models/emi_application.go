package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ApplicationStatus is the lifecycle state of an EMI application.
type ApplicationStatus string

// ApplicationStatus constants. Approved, rejected and cancelled are terminal.
const (
	ApplicationPending   ApplicationStatus = "pending"
	ApplicationApproved  ApplicationStatus = "approved"
	ApplicationRejected  ApplicationStatus = "rejected"
	ApplicationCancelled ApplicationStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed.
func (s ApplicationStatus) Terminal() bool {
	return s == ApplicationApproved || s == ApplicationRejected || s == ApplicationCancelled
}

// CardlessProfile carries the underwriting fields only cardless plans collect.
type CardlessProfile struct {
	EmploymentType string          `gorm:"type:varchar(32)"`   // salaried, self_employed, business.
	Employer       string          `gorm:"type:text"`          // Employer or business name.
	MonthlyIncome  decimal.Decimal `gorm:"type:decimal(20,2)"` // Declared monthly income.
	NationalID     string          `gorm:"type:varchar(32)"`   // NID number.
}

// EMIApplication is one financed order line awaiting or past review.
type EMIApplication struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	UserID  uint64 `gorm:"not null;index"` // Applicant.
	OrderID uint64 `gorm:"not null;index"` // Order the line belongs to.
	PlanID  uint64 `gorm:"not null;index"` // Plan chosen at checkout.

	Plan  *EMIPlan `gorm:"foreignKey:PlanID"`  // Plan relation.
	Order *Order   `gorm:"foreignKey:OrderID"` // Order relation.

	LineLabel string          `gorm:"type:text"`                   // Product name of the financed line.
	Price     decimal.Decimal `gorm:"type:decimal(20,2);not null"` // Financed line price.
	Tenure    int             `gorm:"not null"`                    // Installment count.
	BankCode  string          `gorm:"type:varchar(32)"`            // Issuer for card plans.

	DownPayment              decimal.Decimal `gorm:"type:decimal(20,2);not null;default:0"` // Upfront amount.
	Principal                decimal.Decimal `gorm:"type:decimal(20,2);not null;default:0"` // Financed amount.
	ProcessingFee            decimal.Decimal `gorm:"type:decimal(20,2);not null;default:0"` // One-off fee.
	MonthlyInstallment       decimal.Decimal `gorm:"type:decimal(20,2);not null;default:0"` // Per-period amount.
	TotalPayable             decimal.Decimal `gorm:"type:decimal(20,2);not null;default:0"` // Down + installments + fee.
	TotalInterest            decimal.Decimal `gorm:"type:decimal(20,2);not null;default:0"` // Interest over the tenure.
	IsBankDeterminedInterest bool            `gorm:"not null;default:false"`                // Amounts are an estimate.

	Cardless CardlessProfile `gorm:"embedded;embeddedPrefix:cardless_"` // Cardless underwriting fields.

	Status          ApplicationStatus `gorm:"type:varchar(16);not null;index"` // Lifecycle state.
	ReviewNotes     string            `gorm:"type:text"`                       // Reviewer notes.
	RejectionReason string            `gorm:"type:text"`                       // Required when rejected.
	ReviewedBy      string            `gorm:"type:text"`                       // Admin username or "auto".

	ApprovedAt        *time.Time // Approval time.
	RejectedAt        *time.Time // Rejection time.
	CancelledAt       *time.Time // Cancellation time.
	AutoReviewedAt    *time.Time `gorm:"index"` // Set once the auto-approval sweep has considered the row.
	DownPaymentPaidAt *time.Time // Deposit received before approval.

	CreatedAt time.Time `gorm:"not null;autoCreateTime;index"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"`       // Last update timestamp.
}
