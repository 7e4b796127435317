package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/jivelabs/passport/internal/database/testutil"
	"github.com/jivelabs/passport/internal/models"
	"github.com/jivelabs/passport/pkg/mail"
)

func newEntitlementFixture(t *testing.T, mailer mail.Mailer, opts ...EntitlementOption) (*EntitlementService, *gorm.DB) {
	t.Helper()

	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())

	audit, err := NewAuditService(db)
	require.NoError(t, err)

	svc, err := NewEntitlementService(db, audit, mailer, opts...)
	require.NoError(t, err)

	return svc, db
}

func createUser(t *testing.T, db *gorm.DB, email string) *models.User {
	t.Helper()
	user := models.User{Email: email}
	require.NoError(t, db.Create(&user).Error)
	return &user
}

func TestGetSubscriptionCreatesFreeDefault(t *testing.T) {
	svc, db := newEntitlementFixture(t, nil)
	user := createUser(t, db, "free@example.com")

	sub, err := svc.GetSubscription(context.Background(), user.ID)
	require.NoError(t, err)
	require.Equal(t, models.TierFree, sub.Tier)
	require.Equal(t, models.SubscriptionStatusActive, sub.Status)
	require.EqualValues(t, 0, sub.MonthlyCredits)
	require.EqualValues(t, 50, sub.ImagesLimit)

	// Second access returns the same row, never a duplicate.
	again, err := svc.GetSubscription(context.Background(), user.ID)
	require.NoError(t, err)
	require.Equal(t, sub.ID, again.ID)

	var count int64
	require.NoError(t, db.Model(&models.Subscription{}).Where("user_id = ?", user.ID).Count(&count).Error)
	require.EqualValues(t, 1, count)
}

func TestRequireTierOrdering(t *testing.T) {
	now := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	svc, db := newEntitlementFixture(t, nil, WithEntitlementClock(func() time.Time { return now }))

	free := createUser(t, db, "tier-free@example.com")
	_, err := svc.RequireTier(context.Background(), free.ID, models.TierJive)
	require.ErrorIs(t, err, ErrInsufficientTier)

	_, err = svc.ActivateSubscription(context.Background(), ActivateSubscriptionInput{
		Email: "tier-jigga@example.com",
		Tier:  models.TierJigga,
		Actor: "internal",
	})
	require.NoError(t, err)

	jigga, err := svc.FindUserByEmail(context.Background(), "tier-jigga@example.com")
	require.NoError(t, err)

	// JIGGA satisfies every requirement below and at its own rank.
	for _, min := range []models.Tier{models.TierFree, models.TierJive, models.TierJigga} {
		_, err = svc.RequireTier(context.Background(), jigga.ID, min)
		require.NoError(t, err, "JIGGA should satisfy %s", min)
	}
}

func TestActivateSubscriptionAppliesJivePlan(t *testing.T) {
	now := time.Date(2026, 4, 15, 9, 30, 0, 0, time.UTC)
	svc, db := newEntitlementFixture(t, nil, WithEntitlementClock(func() time.Time { return now }))

	sub, err := svc.ActivateSubscription(context.Background(), ActivateSubscriptionInput{
		Email:        "upgrade@example.com",
		Tier:         models.TierJive,
		CreditsToAdd: 1_000,
		Actor:        "admin@example.com",
	})
	require.NoError(t, err)

	require.Equal(t, models.TierJive, sub.Tier)
	require.Equal(t, models.SubscriptionStatusActive, sub.Status)
	require.EqualValues(t, 500_000, sub.MonthlyCredits)
	require.EqualValues(t, 200, sub.ImagesLimit)
	require.EqualValues(t, 1_000, sub.Credits)
	require.EqualValues(t, 0, sub.CreditsUsed)
	require.EqualValues(t, 0, sub.ImagesUsed)
	require.NotNil(t, sub.NextBilling)
	require.True(t, sub.NextBilling.Equal(now.AddDate(0, 1, 0)))

	// The target account is upserted when missing.
	var user models.User
	require.NoError(t, db.Where("email = ?", "upgrade@example.com").First(&user).Error)

	var count int64
	require.NoError(t, db.Model(&models.AuthLog{}).
		Where("email = ? AND action = ?", "upgrade@example.com", models.AuditActionSubscriptionManual).
		Count(&count).Error)
	require.EqualValues(t, 1, count)
}

func TestActivateSubscriptionRejectsUnknownTier(t *testing.T) {
	svc, _ := newEntitlementFixture(t, nil)

	_, err := svc.ActivateSubscription(context.Background(), ActivateSubscriptionInput{
		Email: "bad-tier@example.com",
		Tier:  models.Tier("PLATINUM"),
	})
	require.ErrorIs(t, err, ErrUnknownTier)

	_, err = svc.ActivateSubscription(context.Background(), ActivateSubscriptionInput{
		Email: "not-an-email",
		Tier:  models.TierJive,
	})
	require.ErrorIs(t, err, ErrInvalidEmail)
}

func TestConsumeCreditsGuardsBalance(t *testing.T) {
	svc, db := newEntitlementFixture(t, nil)

	_, err := svc.ActivateSubscription(context.Background(), ActivateSubscriptionInput{
		Email: "spender@example.com",
		Tier:  models.TierJive,
		Actor: "internal",
	})
	require.NoError(t, err)

	user, err := svc.FindUserByEmail(context.Background(), "spender@example.com")
	require.NoError(t, err)

	require.NoError(t, svc.ConsumeCredits(context.Background(), user.ID, 499_999))

	sub, err := svc.GetSubscription(context.Background(), user.ID)
	require.NoError(t, err)
	require.EqualValues(t, 499_999, sub.CreditsUsed)
	require.EqualValues(t, 1, sub.Available())

	// Overdraw is refused and leaves the ledger untouched.
	require.ErrorIs(t, svc.ConsumeCredits(context.Background(), user.ID, 2), ErrInsufficientCredits)

	require.NoError(t, svc.ConsumeCredits(context.Background(), user.ID, 1))
	require.ErrorIs(t, svc.ConsumeCredits(context.Background(), user.ID, 1), ErrInsufficientCredits)

	var stored models.Subscription
	require.NoError(t, db.Where("user_id = ?", user.ID).First(&stored).Error)
	require.EqualValues(t, 500_000, stored.CreditsUsed)
	require.EqualValues(t, 0, stored.Available())
}

func TestConsumeImageGuardsQuota(t *testing.T) {
	svc, db := newEntitlementFixture(t, nil)
	user := createUser(t, db, "imager@example.com")

	sub, err := svc.GetSubscription(context.Background(), user.ID)
	require.NoError(t, err)
	require.NoError(t, db.Model(sub).Update("images_used", sub.ImagesLimit-1).Error)

	require.NoError(t, svc.ConsumeImage(context.Background(), user.ID))
	require.ErrorIs(t, svc.ConsumeImage(context.Background(), user.ID), ErrImageQuotaExceeded)
}

func TestLowCreditScanBoundaries(t *testing.T) {
	svc, db := newEntitlementFixture(t, nil)

	seed := func(email string, tier models.Tier, creditsUsed int64) {
		t.Helper()
		_, err := svc.ActivateSubscription(context.Background(), ActivateSubscriptionInput{
			Email: email, Tier: tier, Actor: "internal",
		})
		require.NoError(t, err)
		user, err := svc.FindUserByEmail(context.Background(), email)
		require.NoError(t, err)
		require.NoError(t, db.Model(&models.Subscription{}).
			Where("user_id = ?", user.ID).
			Update("credits_used", creditsUsed).Error)
	}

	seed("low@example.com", models.TierJive, 460_000)       // 8% remaining -> warned
	seed("empty@example.com", models.TierJive, 500_000)     // 0% remaining -> skipped
	seed("healthy@example.com", models.TierJive, 100_000)   // 80% remaining -> skipped
	seed("edge@example.com", models.TierJigga, 1_800_000)   // exactly 10% -> warned
	seed("rich@example.com", models.TierJigga, 0)           // untouched -> skipped

	warnings, err := svc.LowCreditScan(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, warnings, 2)

	byEmail := map[string]LowCreditWarning{}
	for _, w := range warnings {
		byEmail[w.Email] = w
	}

	low, ok := byEmail["low@example.com"]
	require.True(t, ok)
	require.Equal(t, models.TierJive, low.Tier)
	require.InDelta(t, 8.0, low.Percent, 0.001)

	edge, ok := byEmail["edge@example.com"]
	require.True(t, ok)
	require.InDelta(t, 10.0, edge.Percent, 0.001)
}

func TestNotifyLowCreditSendsAndAudits(t *testing.T) {
	mailer := &recordingMailer{}
	svc, db := newEntitlementFixture(t, mailer)

	sent := svc.NotifyLowCredit(context.Background(), []LowCreditWarning{
		{Email: "warn@example.com", Tier: models.TierJive, Percent: 7.5},
	})
	require.Equal(t, 1, sent)
	require.Len(t, mailer.sent(), 1)

	var count int64
	require.NoError(t, db.Model(&models.AuthLog{}).
		Where("email = ? AND action = ?", "warn@example.com", models.AuditActionLowCreditWarning).
		Count(&count).Error)
	require.EqualValues(t, 1, count)
}

func TestResetDueSubscriptions(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	svc, db := newEntitlementFixture(t, nil, WithEntitlementClock(func() time.Time { return now.AddDate(0, -1, 0) }))

	// Activated a month ago: NextBilling lands exactly on "now".
	_, err := svc.ActivateSubscription(context.Background(), ActivateSubscriptionInput{
		Email: "due@example.com", Tier: models.TierJive, Actor: "internal",
	})
	require.NoError(t, err)

	due, err := svc.FindUserByEmail(context.Background(), "due@example.com")
	require.NoError(t, err)
	require.NoError(t, db.Model(&models.Subscription{}).
		Where("user_id = ?", due.ID).
		Updates(map[string]any{"credits_used": 123_456, "images_used": 42}).Error)

	// Not yet due.
	notDue := createUser(t, db, "notdue@example.com")
	future := now.AddDate(0, 0, 10)
	_, err = svc.GetSubscription(context.Background(), notDue.ID)
	require.NoError(t, err)
	require.NoError(t, db.Model(&models.Subscription{}).
		Where("user_id = ?", notDue.ID).
		Updates(map[string]any{"next_billing": future, "credits_used": 7}).Error)

	reset, err := svc.ResetDueSubscriptions(context.Background(), now)
	require.NoError(t, err)
	require.Equal(t, 1, reset)

	var refreshed models.Subscription
	require.NoError(t, db.Where("user_id = ?", due.ID).First(&refreshed).Error)
	require.EqualValues(t, 0, refreshed.CreditsUsed)
	require.EqualValues(t, 0, refreshed.ImagesUsed)
	require.NotNil(t, refreshed.NextBilling)
	require.True(t, refreshed.NextBilling.Equal(now.AddDate(0, 1, 0)))

	var untouched models.Subscription
	require.NoError(t, db.Where("user_id = ?", notDue.ID).First(&untouched).Error)
	require.EqualValues(t, 7, untouched.CreditsUsed)
}
