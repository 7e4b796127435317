package database

import (
	"gorm.io/gorm"

	"github.com/jivelabs/passport/internal/models"
)

// AutoMigrate creates or updates the database schema for all models.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.User{},
		&models.LoginToken{},
		&models.AuthLog{},
		&models.Subscription{},
		&models.Session{},
	)
}

// SeedData backfills a FREE subscription for any user missing one. Safe to
// run on every start.
func SeedData(db *gorm.DB) error {
	var users []models.User
	if err := db.
		Joins("LEFT JOIN subscriptions ON subscriptions.user_id = users.id").
		Where("subscriptions.id IS NULL").
		Find(&users).Error; err != nil {
		return err
	}

	for _, user := range users {
		plan := models.TierFree.Plan()
		sub := models.Subscription{
			UserID:         user.ID,
			Tier:           models.TierFree,
			Status:         models.SubscriptionStatusActive,
			MonthlyCredits: plan.MonthlyCredits,
			ImagesLimit:    plan.ImagesLimit,
		}
		if err := db.Create(&sub).Error; err != nil {
			return err
		}
	}

	return nil
}
