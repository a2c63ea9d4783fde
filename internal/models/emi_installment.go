package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// InstallmentStatus is the state of a single installment row.
type InstallmentStatus string

// InstallmentStatus constants. Paid is terminal.
const (
	InstallmentPending InstallmentStatus = "pending"
	InstallmentDue     InstallmentStatus = "due"
	InstallmentOverdue InstallmentStatus = "overdue"
	InstallmentPaid    InstallmentStatus = "paid"
)

// EMIInstallment is one repayment period of an EMI record.
type EMIInstallment struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	RecordID uint64     `gorm:"not null;uniqueIndex:idx_installment_record_number"` // Owning record.
	Record   *EMIRecord `gorm:"foreignKey:RecordID"`                                // Record relation.
	Number   int        `gorm:"not null;uniqueIndex:idx_installment_record_number"` // 1..tenure.

	Amount  decimal.Decimal   `gorm:"type:decimal(20,2);not null"`     // Amount due.
	DueDate time.Time         `gorm:"not null;index"`                  // UTC midnight of the due day.
	Status  InstallmentStatus `gorm:"type:varchar(16);not null;index"` // Row state.

	PaidAmount    decimal.Decimal `gorm:"type:decimal(20,2);not null;default:0"` // Amount received.
	PaidAt        *time.Time      // Payment time.
	PaymentMethod string          `gorm:"type:varchar(32)"` // Card type or channel.
	TransactionID string          `gorm:"type:varchar(64)"` // Gateway tran_id.

	ReminderSentAt *time.Time // Upcoming-due reminder marker.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
