package database

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jivelabs/passport/internal/models"
)

func TestAutoMigrateCreatesSchema(t *testing.T) {
	db, err := Open(Config{Driver: "sqlite"})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, AutoMigrate(db))

	for _, table := range []string{"users", "login_tokens", "auth_logs", "subscriptions", "sessions"} {
		require.True(t, db.Migrator().HasTable(table), "table %s should exist", table)
	}
}

func TestSeedDataBackfillsFreeSubscriptions(t *testing.T) {
	db, err := Open(Config{Driver: "sqlite"})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, AutoMigrate(db))

	bare := models.User{Email: "bare@example.com"}
	require.NoError(t, db.Create(&bare).Error)

	covered := models.User{Email: "covered@example.com"}
	require.NoError(t, db.Create(&covered).Error)
	require.NoError(t, db.Create(&models.Subscription{
		UserID: covered.ID,
		Tier:   models.TierJive,
		Status: models.SubscriptionStatusActive,
	}).Error)

	require.NoError(t, SeedData(db))

	var sub models.Subscription
	require.NoError(t, db.Where("user_id = ?", bare.ID).First(&sub).Error)
	require.Equal(t, models.TierFree, sub.Tier)
	require.Equal(t, models.SubscriptionStatusActive, sub.Status)

	// Existing subscriptions are left alone; rerunning is idempotent.
	require.NoError(t, SeedData(db))

	var count int64
	require.NoError(t, db.Model(&models.Subscription{}).Count(&count).Error)
	require.EqualValues(t, 2, count)

	var untouched models.Subscription
	require.NoError(t, db.Where("user_id = ?", covered.ID).First(&untouched).Error)
	require.Equal(t, models.TierJive, untouched.Tier)
}
