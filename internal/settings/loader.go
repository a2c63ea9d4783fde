package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/router-for-me/MarketEMI/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RefreshDBConfigSnapshot reloads all settings from the database and updates the in-memory snapshot.
//
// Call it at startup and after every write; workers only read the snapshot.
func RefreshDBConfigSnapshot(ctx context.Context, db *gorm.DB) error {
	if db == nil {
		return errors.New("settings: nil db")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var rows []models.Setting
	if errFind := db.WithContext(ctx).
		Select("key", "value", "updated_at").
		Order("key ASC").
		Find(&rows).Error; errFind != nil {
		return errFind
	}

	values := make(map[string]json.RawMessage, len(rows))
	maxUpdatedAt := time.Time{}
	for _, row := range rows {
		key := strings.TrimSpace(row.Key)
		if key == "" {
			continue
		}
		values[key] = row.Value
		if rowUpdatedAt := row.UpdatedAt.UTC(); rowUpdatedAt.After(maxUpdatedAt) {
			maxUpdatedAt = rowUpdatedAt
		}
	}

	StoreDBConfig(maxUpdatedAt, values)
	return nil
}

// Save upserts one setting and refreshes the snapshot.
func Save(ctx context.Context, db *gorm.DB, key string, value json.RawMessage) error {
	if db == nil {
		return errors.New("settings: nil db")
	}
	key = strings.TrimSpace(key)
	if !IsKnownKey(key) {
		return fmt.Errorf("settings: unknown key %s", key)
	}
	if !json.Valid(value) {
		return fmt.Errorf("settings: %s value is not valid json", key)
	}

	row := models.Setting{Key: key, Value: value, UpdatedAt: time.Now().UTC()}
	if errSave := db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&row).Error; errSave != nil {
		return fmt.Errorf("settings: save %s: %w", key, errSave)
	}
	return RefreshDBConfigSnapshot(ctx, db)
}
