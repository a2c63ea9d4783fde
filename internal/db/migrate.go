package db

import (
	"fmt"

	"github.com/router-for-me/MarketEMI/internal/models"
	"gorm.io/gorm"
)

// Migrate creates or updates every table the service owns.
func Migrate(conn *gorm.DB) error {
	if conn == nil {
		return fmt.Errorf("db: nil connection")
	}
	if errMigrate := conn.AutoMigrate(
		&models.Setting{},
		&models.Admin{},
		&models.Order{},
		&models.EMIPlan{},
		&models.EMIApplication{},
		&models.EMIRecord{},
		&models.EMIInstallment{},
		&models.Payment{},
		&models.Notification{},
	); errMigrate != nil {
		return fmt.Errorf("db: migrate: %w", errMigrate)
	}
	return nil
}
