package models

import (
	"time"

	"gorm.io/datatypes"
)

// Notification is a persisted lifecycle event picked up by delivery workers.
type Notification struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	UserID    uint64         `gorm:"not null;index"`            // Recipient.
	EventType string         `gorm:"type:varchar(64);not null"` // Event name.
	Context   datatypes.JSON `gorm:"type:jsonb"`                // Template variables.

	RelatedType string  `gorm:"type:varchar(32)"` // Related entity kind.
	RelatedID   *uint64 `gorm:"index"`            // Related entity id.

	DeliveredAt *time.Time // Set by the delivery worker.

	CreatedAt time.Time `gorm:"not null;autoCreateTime;index"` // Creation timestamp.
}
