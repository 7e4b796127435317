package maintenance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/gorm"

	iauth "github.com/jivelabs/passport/internal/auth"
	"github.com/jivelabs/passport/internal/models"
	"github.com/jivelabs/passport/internal/services"
	"github.com/jivelabs/passport/pkg/logger"
)

const (
	defaultAuditRetentionDays = 90
	defaultSessionSpec        = "@hourly"
	defaultAuditSpec          = "@daily"
	defaultTokenSpec          = "@daily"
	defaultLowCreditSpec      = "@daily"
	defaultResetSpec          = "@daily"
)

// Cleaner coordinates background maintenance: purging expired sessions,
// pruning consumed login tokens, enforcing audit retention, and driving the
// scheduled entitlement passes (low-credit scan, monthly reset).
type Cleaner struct {
	db           *gorm.DB
	sessions     *iauth.SessionService
	audit        *services.AuditService
	entitlements *services.EntitlementService
	cron         *cron.Cron
	now          func() time.Time
	log          *zap.Logger
	enabled      bool
	retention    int
	threshold    float64

	sessionSchedule   string
	auditSchedule     string
	tokenSchedule     string
	lowCreditSchedule string
	resetSchedule     string
}

// Option customises the Cleaner.
type Option func(*Cleaner)

// WithCron injects a preconfigured cron instance, primarily for testing.
func WithCron(c *cron.Cron) Option {
	return func(cleaner *Cleaner) {
		if c != nil {
			cleaner.cron = c
		}
	}
}

// WithNow overrides the clock used for scheduling and cleanup comparisons.
func WithNow(now func() time.Time) Option {
	return func(cleaner *Cleaner) {
		if now != nil {
			cleaner.now = now
		}
	}
}

// WithAuditRetentionDays adjusts how long audit logs are retained before cleanup.
func WithAuditRetentionDays(days int) Option {
	return func(cleaner *Cleaner) {
		if days > 0 {
			cleaner.retention = days
		}
	}
}

// WithLowCreditThreshold overrides the warning cut-off used by the scheduled scan.
func WithLowCreditThreshold(percent float64) Option {
	return func(cleaner *Cleaner) {
		if percent > 0 {
			cleaner.threshold = percent
		}
	}
}

// WithSessionSchedule overrides the cron expression for session cleanup.
func WithSessionSchedule(spec string) Option {
	return func(cleaner *Cleaner) {
		if spec != "" {
			cleaner.sessionSchedule = spec
		}
	}
}

// WithAuditSchedule overrides the cron expression for audit retention enforcement.
func WithAuditSchedule(spec string) Option {
	return func(cleaner *Cleaner) {
		if spec != "" {
			cleaner.auditSchedule = spec
		}
	}
}

// WithTokenSchedule overrides the cron expression for login token pruning.
func WithTokenSchedule(spec string) Option {
	return func(cleaner *Cleaner) {
		if spec != "" {
			cleaner.tokenSchedule = spec
		}
	}
}

// WithLowCreditSchedule overrides the cron expression for the low-credit scan.
func WithLowCreditSchedule(spec string) Option {
	return func(cleaner *Cleaner) {
		if spec != "" {
			cleaner.lowCreditSchedule = spec
		}
	}
}

// WithResetSchedule overrides the cron expression for the monthly reset pass.
func WithResetSchedule(spec string) Option {
	return func(cleaner *Cleaner) {
		if spec != "" {
			cleaner.resetSchedule = spec
		}
	}
}

// NewCleaner constructs a Cleaner with sensible defaults. Any nil dependency
// results in the corresponding job being skipped.
func NewCleaner(db *gorm.DB, sessions *iauth.SessionService, audit *services.AuditService, entitlements *services.EntitlementService, opts ...Option) *Cleaner {
	cleaner := &Cleaner{
		db:                db,
		sessions:          sessions,
		audit:             audit,
		entitlements:      entitlements,
		now:               time.Now,
		retention:         defaultAuditRetentionDays,
		threshold:         services.DefaultLowCreditThreshold,
		sessionSchedule:   defaultSessionSpec,
		auditSchedule:     defaultAuditSpec,
		tokenSchedule:     defaultTokenSpec,
		lowCreditSchedule: defaultLowCreditSpec,
		resetSchedule:     defaultResetSpec,
		log:               logger.WithModule("maintenance"),
	}

	for _, opt := range opts {
		opt(cleaner)
	}

	if cleaner.cron == nil {
		cleaner.cron = cron.New(cron.WithLogger(cron.DiscardLogger))
	}

	cleaner.enabled = cleaner.sessions != nil || cleaner.audit != nil ||
		cleaner.entitlements != nil || cleaner.db != nil

	return cleaner
}

// Start registers the jobs with the cron scheduler and launches it if at least one is enabled.
func (c *Cleaner) Start() error {
	if !c.enabled {
		return nil
	}

	if c.sessions != nil {
		if _, err := c.cron.AddFunc(c.sessionSchedule, func() {
			ctx := context.Background()
			if _, err := c.sessions.CleanupExpired(ctx); err != nil {
				c.log.Warn("session cleanup failed", zap.Error(err))
			}
		}); err != nil {
			return err
		}
	}

	if c.audit != nil && c.retention > 0 {
		if _, err := c.cron.AddFunc(c.auditSchedule, func() {
			ctx := context.Background()
			if _, err := c.audit.CleanupOlderThan(ctx, c.retention); err != nil {
				c.log.Warn("audit cleanup failed", zap.Error(err))
			}
		}); err != nil {
			return err
		}
	}

	if c.db != nil {
		if _, err := c.cron.AddFunc(c.tokenSchedule, func() {
			ctx := context.Background()
			if _, err := CleanupLoginTokens(ctx, c.db, c.now()); err != nil {
				c.log.Warn("login token cleanup failed", zap.Error(err))
			}
		}); err != nil {
			return err
		}
	}

	if c.entitlements != nil {
		if _, err := c.cron.AddFunc(c.lowCreditSchedule, func() {
			ctx := context.Background()
			warnings, err := c.entitlements.LowCreditScan(ctx, c.threshold)
			if err != nil {
				c.log.Warn("low credit scan failed", zap.Error(err))
				return
			}
			sent := c.entitlements.NotifyLowCredit(ctx, warnings)
			if len(warnings) > 0 {
				c.log.Info("low credit scan complete",
					zap.Int("warnings", len(warnings)),
					zap.Int("sent", sent),
				)
			}
		}); err != nil {
			return err
		}

		if _, err := c.cron.AddFunc(c.resetSchedule, func() {
			ctx := context.Background()
			reset, err := c.entitlements.ResetDueSubscriptions(ctx, c.now())
			if err != nil {
				c.log.Warn("monthly reset pass failed", zap.Error(err))
				return
			}
			if reset > 0 {
				c.log.Info("monthly reset pass complete", zap.Int("reset", reset))
			}
		}); err != nil {
			return err
		}
	}

	c.cron.Start()
	return nil
}

// Stop halts the underlying scheduler, waiting for any running jobs to complete.
func (c *Cleaner) Stop() context.Context {
	if c.cron == nil {
		return context.Background()
	}
	return c.cron.Stop()
}

// RunOnce executes all configured maintenance routines sequentially. Primarily
// used in tests and during graceful shutdown.
func (c *Cleaner) RunOnce(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var errs error

	if c.sessions != nil {
		if _, err := c.sessions.CleanupExpired(ctx); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	if c.audit != nil && c.retention > 0 {
		if _, err := c.audit.CleanupOlderThan(ctx, c.retention); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	if c.db != nil {
		if _, err := CleanupLoginTokens(ctx, c.db, c.now()); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	if c.entitlements != nil {
		warnings, err := c.entitlements.LowCreditScan(ctx, c.threshold)
		if err != nil {
			errs = multierr.Append(errs, err)
		} else {
			c.entitlements.NotifyLowCredit(ctx, warnings)
		}

		if _, err := c.entitlements.ResetDueSubscriptions(ctx, c.now()); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	return errs
}

// CleanupLoginTokens removes login tokens that were consumed or passed expiry.
func CleanupLoginTokens(ctx context.Context, db *gorm.DB, now time.Time) (int64, error) {
	if db == nil {
		return 0, errors.New("cleanup login tokens: db is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	result := db.WithContext(ctx).
		Where("expires_at < ? OR used = ?", now, true).
		Delete(&models.LoginToken{})
	if result.Error != nil {
		return 0, fmt.Errorf("cleanup login tokens: %w", result.Error)
	}

	return result.RowsAffected, nil
}
