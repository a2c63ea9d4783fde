package models

import "time"

// Admin represents an operator account for the admin surface.
type Admin struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Username string `gorm:"type:text;not null;uniqueIndex"` // Unique login name.
	Password string `gorm:"type:text;not null"`             // Hashed password.

	Active bool `gorm:"not null;default:true"` // Whether the admin can sign in.

	CanReview bool `gorm:"not null;default:true"`  // May approve, reject and cancel applications.
	CanManage bool `gorm:"not null;default:false"` // May edit plans and settings.

	LastLoginAt *time.Time // Last successful login.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
