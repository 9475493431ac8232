package sections

import (
	"subtrack-backend/common"
	"subtrack-backend/storage"

	"gorm.io/gorm"
)

// Dependencies holds all shared dependencies for handlers
type Dependencies struct {
	Config *common.Config
	DB     *gorm.DB
	Redis  *storage.RedisClient
}

// NewDependencies creates a new Dependencies instance
func NewDependencies(cfg *common.Config, database *gorm.DB, redis *storage.RedisClient) *Dependencies {
	return &Dependencies{
		Config: cfg,
		DB:     database,
		Redis:  redis,
	}
}
