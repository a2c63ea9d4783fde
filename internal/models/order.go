package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus mirrors the order subsystem states this service transitions.
type OrderStatus string

// OrderStatus constants.
const (
	OrderPending    OrderStatus = "pending"
	OrderProcessing OrderStatus = "processing"
	OrderShipped    OrderStatus = "shipped"
	OrderEMIActive  OrderStatus = "emi_active"
	OrderCompleted  OrderStatus = "completed"
	OrderCancelled  OrderStatus = "cancelled"
)

// OrderPaymentStatus is the order-level payment flag.
type OrderPaymentStatus string

// OrderPaymentStatus constants.
const (
	OrderUnpaid OrderPaymentStatus = "unpaid"
	OrderPaid   OrderPaymentStatus = "paid"
	OrderEMI    OrderPaymentStatus = "emi"
)

// Order is the slice of the order aggregate read and written by EMI.
type Order struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	UserID uint64          `gorm:"not null;index"`               // Buyer.
	Number string          `gorm:"type:varchar(64);uniqueIndex"` // Human order number.
	Total  decimal.Decimal `gorm:"type:decimal(20,2);not null"`  // Grand total.

	Status        OrderStatus        `gorm:"type:varchar(16);not null;index"`            // Fulfilment state.
	PaymentStatus OrderPaymentStatus `gorm:"type:varchar(16);not null;default:'unpaid'"` // Payment state.
	IsEMI         bool               `gorm:"not null;default:false"`                     // Financed order.

	CustomerName  string `gorm:"type:text"` // Billing name sent to the gateway.
	CustomerEmail string `gorm:"type:text"` // Billing email.
	CustomerPhone string `gorm:"type:text"` // Billing phone.
	Address       string `gorm:"type:text"` // Billing address line.
	City          string `gorm:"type:text"` // Billing city.

	PaidAt *time.Time // First successful payment.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
