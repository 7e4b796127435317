package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/jivelabs/passport/internal/models"
	appmail "github.com/jivelabs/passport/pkg/mail"
	"github.com/jivelabs/passport/pkg/logger"
	"github.com/jivelabs/passport/pkg/metrics"
)

// DefaultLowCreditThreshold is the warning cut-off in percent of the monthly
// allocation.
const DefaultLowCreditThreshold = 10.0

var (
	// ErrInsufficientTier signals that the user's tier ranks below the requirement.
	ErrInsufficientTier = errors.New("entitlement: insufficient tier")
	// ErrInsufficientCredits signals that the available balance cannot cover the request.
	ErrInsufficientCredits = errors.New("entitlement: insufficient credits")
	// ErrImageQuotaExceeded signals that the image allowance for the cycle is exhausted.
	ErrImageQuotaExceeded = errors.New("entitlement: image quota exceeded")
	// ErrUnknownTier rejects tier names outside the catalog.
	ErrUnknownTier = errors.New("entitlement: unknown tier")
)

// EntitlementOption customises the EntitlementService.
type EntitlementOption func(*EntitlementService)

// WithEntitlementClock injects a custom time source.
func WithEntitlementClock(clock func() time.Time) EntitlementOption {
	return func(s *EntitlementService) {
		if clock != nil {
			s.now = clock
		}
	}
}

// WithWarningTimeout bounds each low-credit warning dispatch.
func WithWarningTimeout(d time.Duration) EntitlementOption {
	return func(s *EntitlementService) {
		if d > 0 {
			s.notifyTimeout = d
		}
	}
}

// ActivateSubscriptionInput describes a manual or gateway-confirmed activation.
type ActivateSubscriptionInput struct {
	Email        string
	Tier         models.Tier
	CreditsToAdd int64
	// Actor identifies who triggered the activation: an admin email or the
	// literal "internal" for pre-shared-key callers.
	Actor     string
	IPAddress string
}

// LowCreditWarning is one row of a low-credit scan result.
type LowCreditWarning struct {
	Email   string      `json:"email"`
	Tier    models.Tier `json:"tier"`
	Percent float64     `json:"percent"`
}

// EntitlementService owns the per-user subscription ledger: tier checks,
// credit accounting, activations, and the low-credit scan.
type EntitlementService struct {
	db            *gorm.DB
	audit         *AuditService
	mailer        appmail.Mailer
	now           func() time.Time
	notifyTimeout time.Duration
	log           *zap.Logger
}

// NewEntitlementService constructs an EntitlementService. The mailer may be
// nil; low-credit warnings are then collected but not dispatched.
func NewEntitlementService(db *gorm.DB, audit *AuditService, mailer appmail.Mailer, opts ...EntitlementOption) (*EntitlementService, error) {
	if db == nil {
		return nil, errors.New("entitlement service: db is required")
	}
	if audit == nil {
		return nil, errors.New("entitlement service: audit service is required")
	}

	service := &EntitlementService{
		db:            db,
		audit:         audit,
		mailer:        mailer,
		now:           time.Now,
		notifyTimeout: defaultNotifyTimeout,
		log:           logger.WithModule("entitlement"),
	}

	for _, opt := range opts {
		opt(service)
	}

	return service, nil
}

// GetSubscription returns the user's subscription, creating the FREE/active
// default on first access. Concurrent first-access calls are resolved by the
// unique constraint on user_id: the loser of the create race refetches.
func (s *EntitlementService) GetSubscription(ctx context.Context, userID string) (*models.Subscription, error) {
	ctx = ensureContext(ctx)

	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, errors.New("entitlement service: user id is required")
	}

	var sub models.Subscription
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&sub).Error
	if err == nil {
		return &sub, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("entitlement service: find subscription: %w", err)
	}

	plan := models.TierFree.Plan()
	sub = models.Subscription{
		UserID:         userID,
		Tier:           models.TierFree,
		Status:         models.SubscriptionStatusActive,
		MonthlyCredits: plan.MonthlyCredits,
		ImagesLimit:    plan.ImagesLimit,
	}

	createErr := s.db.WithContext(ctx).Create(&sub).Error
	if createErr == nil {
		return &sub, nil
	}
	if !isUniqueConstraintError(createErr) {
		return nil, fmt.Errorf("entitlement service: create subscription: %w", createErr)
	}

	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&sub).Error; err != nil {
		return nil, fmt.Errorf("entitlement service: refetch subscription: %w", err)
	}
	return &sub, nil
}

// RequireTier returns the subscription when the user's tier ranks at or above
// minTier, and ErrInsufficientTier otherwise.
func (s *EntitlementService) RequireTier(ctx context.Context, userID string, minTier models.Tier) (*models.Subscription, error) {
	sub, err := s.GetSubscription(ctx, userID)
	if err != nil {
		return nil, err
	}

	if !sub.Tier.AtLeast(minTier) {
		return nil, ErrInsufficientTier
	}
	return sub, nil
}

// ActivateSubscription applies tier defaults, resets usage counters, pushes
// NextBilling one calendar month out, and optionally tops up the purchased
// balance. The target user is upserted by email when missing. Authorization
// (admin session or internal key) is enforced at the HTTP boundary before
// this runs.
func (s *EntitlementService) ActivateSubscription(ctx context.Context, input ActivateSubscriptionInput) (*models.Subscription, error) {
	ctx = ensureContext(ctx)

	email, err := normaliseEmail(input.Email)
	if err != nil {
		return nil, err
	}
	if _, ok := models.ParseTier(string(input.Tier)); !ok {
		return nil, ErrUnknownTier
	}
	if input.CreditsToAdd < 0 {
		return nil, errors.New("entitlement service: credits to add must not be negative")
	}

	user, err := s.findOrCreateUser(ctx, email)
	if err != nil {
		return nil, err
	}

	sub, err := s.GetSubscription(ctx, user.ID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	nextBilling := now.AddDate(0, 1, 0)
	plan := input.Tier.Plan()

	updates := map[string]any{
		"tier":            input.Tier,
		"status":          models.SubscriptionStatusActive,
		"monthly_credits": plan.MonthlyCredits,
		"images_limit":    plan.ImagesLimit,
		"credits_used":    0,
		"images_used":     0,
		"next_billing":    nextBilling,
		"last_reset":      now,
	}
	if input.CreditsToAdd > 0 {
		updates["credits"] = gorm.Expr("credits + ?", input.CreditsToAdd)
	}

	if err := s.db.WithContext(ctx).Model(sub).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("entitlement service: activate subscription: %w", err)
	}

	if err := s.db.WithContext(ctx).Where("user_id = ?", user.ID).First(sub).Error; err != nil {
		return nil, fmt.Errorf("entitlement service: reload subscription: %w", err)
	}

	s.auditBestEffort(ctx, AuditEntry{
		Email:     email,
		Action:    models.AuditActionSubscriptionManual,
		IPAddress: input.IPAddress,
		Meta: map[string]any{
			"actor":         input.Actor,
			"tier":          input.Tier,
			"credits_added": input.CreditsToAdd,
		},
	})

	return sub, nil
}

// ConsumeCredits debits the ledger with a single conditional update so
// concurrent spends can never drive the available balance below zero.
func (s *EntitlementService) ConsumeCredits(ctx context.Context, userID string, amount int64) error {
	ctx = ensureContext(ctx)

	if amount <= 0 {
		return errors.New("entitlement service: amount must be positive")
	}

	sub, err := s.GetSubscription(ctx, userID)
	if err != nil {
		return err
	}

	result := s.db.WithContext(ctx).
		Model(&models.Subscription{}).
		Where("user_id = ? AND status = ? AND credits + monthly_credits - credits_used >= ?",
			userID, models.SubscriptionStatusActive, amount).
		Update("credits_used", gorm.Expr("credits_used + ?", amount))
	if result.Error != nil {
		return fmt.Errorf("entitlement service: consume credits: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrInsufficientCredits
	}

	metrics.CreditsConsumed.WithLabelValues(string(sub.Tier)).Add(float64(amount))
	return nil
}

// ConsumeImage increments image usage, guarded against the cycle quota.
func (s *EntitlementService) ConsumeImage(ctx context.Context, userID string) error {
	ctx = ensureContext(ctx)

	if _, err := s.GetSubscription(ctx, userID); err != nil {
		return err
	}

	result := s.db.WithContext(ctx).
		Model(&models.Subscription{}).
		Where("user_id = ? AND status = ? AND images_used < images_limit",
			userID, models.SubscriptionStatusActive).
		Update("images_used", gorm.Expr("images_used + 1"))
	if result.Error != nil {
		return fmt.Errorf("entitlement service: consume image: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrImageQuotaExceeded
	}
	return nil
}

// LowCreditScan walks active paid subscriptions and collects every one whose
// remaining share of the monthly allocation sits in (0, threshold]. Pure read;
// dispatching warnings is a separate step.
func (s *EntitlementService) LowCreditScan(ctx context.Context, thresholdPercent float64) ([]LowCreditWarning, error) {
	ctx = ensureContext(ctx)

	if thresholdPercent <= 0 {
		thresholdPercent = DefaultLowCreditThreshold
	}

	var subs []models.Subscription
	if err := s.db.WithContext(ctx).
		Where("status = ? AND tier IN ?", models.SubscriptionStatusActive,
			[]models.Tier{models.TierJive, models.TierJigga}).
		Find(&subs).Error; err != nil {
		return nil, fmt.Errorf("entitlement service: scan subscriptions: %w", err)
	}

	var warnings []LowCreditWarning
	for _, sub := range subs {
		percent := sub.PercentRemaining()
		if percent <= 0 || percent > thresholdPercent {
			continue
		}

		var user models.User
		if err := s.db.WithContext(ctx).Select("email").First(&user, "id = ?", sub.UserID).Error; err != nil {
			s.log.Warn("low credit scan: orphan subscription", zap.String("user_id", sub.UserID), zap.Error(err))
			continue
		}

		warnings = append(warnings, LowCreditWarning{
			Email:   user.Email,
			Tier:    sub.Tier,
			Percent: roundPercent(percent),
		})
	}

	return warnings, nil
}

// NotifyLowCredit emails each warning best-effort and returns how many were
// sent. Delivery is intentionally decoupled from the scan result.
func (s *EntitlementService) NotifyLowCredit(ctx context.Context, warnings []LowCreditWarning) int {
	ctx = ensureContext(ctx)

	if s.mailer == nil || len(warnings) == 0 {
		return 0
	}

	sent := 0
	for _, warning := range warnings {
		message := appmail.Message{
			To:      warning.Email,
			Subject: "Your credits are running low",
			Body: fmt.Sprintf("Your %s subscription has %.0f%% of its monthly credits remaining.\nTop up or wait for your next billing cycle to avoid interruptions.\n",
				warning.Tier, warning.Percent),
		}

		sendCtx, cancel := context.WithTimeout(ctx, s.notifyTimeout)
		err := s.mailer.Send(sendCtx, message)
		cancel()

		if err != nil && !errors.Is(err, appmail.ErrSMTPDisabled) {
			metrics.NotificationFailures.WithLabelValues("low_credit").Inc()
			s.log.Warn("low credit warning delivery failed", zap.String("email", warning.Email), zap.Error(err))
			continue
		}
		if err == nil {
			sent++
			s.auditBestEffort(ctx, AuditEntry{
				Email:  warning.Email,
				Action: models.AuditActionLowCreditWarning,
				Meta:   map[string]any{"tier": warning.Tier, "percent": warning.Percent},
			})
		}
	}

	return sent
}

// ResetDueSubscriptions performs one monthly-reset pass: every active
// subscription whose NextBilling has passed gets fresh usage counters and a
// billing date one month out. Invoked by the cron schedule and the internal
// endpoint; each call is a single pass.
func (s *EntitlementService) ResetDueSubscriptions(ctx context.Context, now time.Time) (int, error) {
	ctx = ensureContext(ctx)

	var due []models.Subscription
	if err := s.db.WithContext(ctx).
		Where("status = ? AND next_billing IS NOT NULL AND next_billing <= ?",
			models.SubscriptionStatusActive, now).
		Find(&due).Error; err != nil {
		return 0, fmt.Errorf("entitlement service: find due subscriptions: %w", err)
	}

	reset := 0
	for _, sub := range due {
		plan := sub.Tier.Plan()
		updates := map[string]any{
			"credits_used":    0,
			"images_used":     0,
			"monthly_credits": plan.MonthlyCredits,
			"images_limit":    plan.ImagesLimit,
			"last_reset":      now,
			"next_billing":    sub.NextBilling.AddDate(0, 1, 0),
		}
		if err := s.db.WithContext(ctx).Model(&sub).Updates(updates).Error; err != nil {
			return reset, fmt.Errorf("entitlement service: reset subscription %s: %w", sub.ID, err)
		}
		reset++
	}

	if reset > 0 {
		s.auditBestEffort(ctx, AuditEntry{
			Action: models.AuditActionMonthlyReset,
			Meta:   map[string]any{"count": reset},
		})
	}

	return reset, nil
}

// FindUserByEmail resolves a user for internal-key callers that only know the
// address.
func (s *EntitlementService) FindUserByEmail(ctx context.Context, email string) (*models.User, error) {
	ctx = ensureContext(ctx)

	email, err := normaliseEmail(email)
	if err != nil {
		return nil, err
	}

	var user models.User
	if err := s.db.WithContext(ctx).Where("email = ?", email).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, gorm.ErrRecordNotFound
		}
		return nil, fmt.Errorf("entitlement service: find user: %w", err)
	}
	return &user, nil
}

func (s *EntitlementService) findOrCreateUser(ctx context.Context, email string) (*models.User, error) {
	var user models.User
	err := s.db.WithContext(ctx).Where("email = ?", email).First(&user).Error
	if err == nil {
		return &user, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("entitlement service: find user: %w", err)
	}

	user = models.User{Email: email}
	createErr := s.db.WithContext(ctx).Create(&user).Error
	if createErr == nil {
		return &user, nil
	}
	if !isUniqueConstraintError(createErr) {
		return nil, fmt.Errorf("entitlement service: create user: %w", createErr)
	}

	if err := s.db.WithContext(ctx).Where("email = ?", email).First(&user).Error; err != nil {
		return nil, fmt.Errorf("entitlement service: refetch user: %w", err)
	}
	return &user, nil
}

func (s *EntitlementService) auditBestEffort(ctx context.Context, entry AuditEntry) {
	if err := s.audit.Log(ctx, entry); err != nil {
		s.log.Warn("audit write failed", zap.String("action", entry.Action), zap.Error(err))
	}
}

func roundPercent(p float64) float64 {
	return math.Round(p*100) / 100
}
