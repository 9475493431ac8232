package db

import (
	"fmt"
	"log/slog"
	"os"

	"subtrack-backend/models"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Connect establishes a connection to the PostgreSQL database.
func Connect(databaseURL string) (*gorm.DB, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	gormConfig := &gorm.Config{}
	if os.Getenv("DB_DEBUG") == "true" {
		gormConfig.Logger = logger.Default.LogMode(logger.Info)
	}

	db, err := gorm.Open(postgres.Open(databaseURL), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("Database connection established")
	return db, nil
}

// Migrate applies the schema for all billing models.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.Subscription{},
		&models.Invoice{},
		&models.PaymentFailure{},
		&models.WebhookEvent{},
	); err != nil {
		return fmt.Errorf("failed to migrate models: %w", err)
	}
	slog.Info("Models migrated")
	return nil
}

// Close closes the underlying SQL connection.
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying DB: %w", err)
	}
	return sqlDB.Close()
}
