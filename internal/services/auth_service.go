package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/jivelabs/passport/internal/models"
	"github.com/jivelabs/passport/pkg/crypto"
	appmail "github.com/jivelabs/passport/pkg/mail"
	"github.com/jivelabs/passport/pkg/logger"
	"github.com/jivelabs/passport/pkg/metrics"
)

const (
	defaultLoginTokenExpiry = 15 * time.Minute
	defaultNotifyTimeout    = 10 * time.Second
)

var (
	// ErrInvalidEmail rejects syntactically malformed addresses.
	ErrInvalidEmail = errors.New("auth: invalid email address")
	// ErrTokenInvalid indicates the presented token does not exist.
	ErrTokenInvalid = errors.New("auth: invalid token")
	// ErrTokenAlreadyUsed signals that the token has already been consumed.
	ErrTokenAlreadyUsed = errors.New("auth: token already used")
	// ErrTokenExpired indicates the token passed its expiry before consumption.
	ErrTokenExpired = errors.New("auth: token expired")
	// ErrInvalidCredentials covers every admin password login failure.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
)

// AuthOption customises the AuthService.
type AuthOption func(*AuthService)

// WithLoginBaseURL sets the base URL embedded in magic links.
func WithLoginBaseURL(url string) AuthOption {
	return func(s *AuthService) {
		s.baseURL = strings.TrimRight(url, "/")
	}
}

// WithTokenExpiry overrides the login token lifetime.
func WithTokenExpiry(d time.Duration) AuthOption {
	return func(s *AuthService) {
		if d > 0 {
			s.expiry = d
		}
	}
}

// WithNotifyTimeout bounds outbound notification dispatch.
func WithNotifyTimeout(d time.Duration) AuthOption {
	return func(s *AuthService) {
		if d > 0 {
			s.notifyTimeout = d
		}
	}
}

// WithAuthClock injects a custom time source.
func WithAuthClock(clock func() time.Time) AuthOption {
	return func(s *AuthService) {
		if clock != nil {
			s.now = clock
		}
	}
}

// RequestMeta carries client attribution for audit entries.
type RequestMeta struct {
	IPAddress string
	UserAgent string
}

// AuthService implements the passwordless magic-link flow: token issuance,
// single-use consumption, and user upserts. Admin password login rides along
// for the dashboard.
type AuthService struct {
	db            *gorm.DB
	audit         *AuditService
	mailer        appmail.Mailer
	baseURL       string
	expiry        time.Duration
	notifyTimeout time.Duration
	now           func() time.Time
	log           *zap.Logger
}

// NewAuthService constructs an AuthService with the provided dependencies.
// The mailer may be nil; token issuance then skips dispatch entirely.
func NewAuthService(db *gorm.DB, audit *AuditService, mailer appmail.Mailer, opts ...AuthOption) (*AuthService, error) {
	if db == nil {
		return nil, errors.New("auth service: db is required")
	}
	if audit == nil {
		return nil, errors.New("auth service: audit service is required")
	}

	service := &AuthService{
		db:            db,
		audit:         audit,
		mailer:        mailer,
		expiry:        defaultLoginTokenExpiry,
		notifyTimeout: defaultNotifyTimeout,
		now:           time.Now,
		log:           logger.WithModule("auth"),
	}

	for _, opt := range opts {
		opt(service)
	}

	return service, nil
}

// RequestToken validates the address, persists a fresh single-use login token
// and dispatches the magic link. Delivery failures are recorded but never
// surfaced: the token stays valid and the caller still sees success. Only a
// malformed email is an error.
func (s *AuthService) RequestToken(ctx context.Context, email string, meta RequestMeta) (string, error) {
	ctx = ensureContext(ctx)

	email, err := normaliseEmail(email)
	if err != nil {
		metrics.TokenRequests.WithLabelValues("rejected").Inc()
		return "", err
	}

	token, err := crypto.GenerateHexToken(crypto.LoginTokenBytes)
	if err != nil {
		return "", fmt.Errorf("auth service: generate token: %w", err)
	}

	now := s.now()
	record := models.LoginToken{
		Email:     email,
		TokenHash: loginTokenHash(token),
		ExpiresAt: now.Add(s.expiry),
	}

	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		return "", fmt.Errorf("auth service: create login token: %w", err)
	}

	s.auditBestEffort(ctx, AuditEntry{
		Email:     email,
		Action:    models.AuditActionTokenRequested,
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
	})

	s.dispatchMagicLink(ctx, email, token, meta)

	metrics.TokenRequests.WithLabelValues("success").Inc()
	return token, nil
}

// VerifyToken consumes a login token exactly once and returns the
// authenticated user, upserting the account on first login. The consumption
// is a single conditional update so concurrent attempts against the same
// token can never both succeed.
func (s *AuthService) VerifyToken(ctx context.Context, token string, meta RequestMeta) (*models.User, error) {
	ctx = ensureContext(ctx)

	token = strings.TrimSpace(token)
	if token == "" {
		s.logFailure(ctx, "", "missing_token", meta)
		metrics.TokenVerifications.WithLabelValues("invalid").Inc()
		return nil, ErrTokenInvalid
	}

	var record models.LoginToken
	if err := s.db.WithContext(ctx).
		Where("token_hash = ?", loginTokenHash(token)).
		First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			s.logFailure(ctx, "", "invalid_token", meta)
			metrics.TokenVerifications.WithLabelValues("invalid").Inc()
			return nil, ErrTokenInvalid
		}
		return nil, fmt.Errorf("auth service: find login token: %w", err)
	}

	now := s.now()

	if record.Used {
		s.logFailure(ctx, record.Email, "token_already_used", meta)
		metrics.TokenVerifications.WithLabelValues("used").Inc()
		return nil, ErrTokenAlreadyUsed
	}
	if record.ExpiresAt.Before(now) {
		s.logFailure(ctx, record.Email, "token_expired", meta)
		metrics.TokenVerifications.WithLabelValues("expired").Inc()
		return nil, ErrTokenExpired
	}

	// Atomic consumption: the guard on used makes concurrent verification a
	// race with exactly one winner.
	result := s.db.WithContext(ctx).
		Model(&models.LoginToken{}).
		Where("id = ? AND used = ?", record.ID, false).
		Updates(map[string]any{"used": true, "used_at": now})
	if result.Error != nil {
		return nil, fmt.Errorf("auth service: consume login token: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		s.logFailure(ctx, record.Email, "token_already_used", meta)
		metrics.TokenVerifications.WithLabelValues("used").Inc()
		return nil, ErrTokenAlreadyUsed
	}

	user, err := s.upsertUser(ctx, record.Email, now, meta)
	if err != nil {
		return nil, err
	}

	s.auditBestEffort(ctx, AuditEntry{
		Email:     record.Email,
		Action:    models.AuditActionLoginSuccess,
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
	})

	metrics.TokenVerifications.WithLabelValues("success").Inc()
	return user, nil
}

// AuthenticatePassword performs the supplementary admin dashboard login. Only
// accounts flagged as admins and carrying a password hash are eligible; every
// failure collapses to ErrInvalidCredentials.
func (s *AuthService) AuthenticatePassword(ctx context.Context, email, password string, meta RequestMeta) (*models.User, error) {
	ctx = ensureContext(ctx)

	email, err := normaliseEmail(email)
	if err != nil {
		return nil, ErrInvalidCredentials
	}

	var user models.User
	if err := s.db.WithContext(ctx).Where("email = ?", email).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			s.logFailure(ctx, email, "unknown_account", meta)
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("auth service: find user: %w", err)
	}

	if !user.IsAdmin && !user.IsServiceAdmin {
		s.logFailure(ctx, email, "not_admin", meta)
		return nil, ErrInvalidCredentials
	}
	if user.PasswordHash == "" || !crypto.VerifyPassword(user.PasswordHash, password) {
		s.logFailure(ctx, email, "bad_password", meta)
		return nil, ErrInvalidCredentials
	}

	now := s.now()
	updates := map[string]any{"last_login_at": now}
	if ip := strings.TrimSpace(meta.IPAddress); ip != "" {
		updates["last_login_ip"] = ip
	}
	if err := s.db.WithContext(ctx).Model(&user).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("auth service: touch admin login: %w", err)
	}

	s.auditBestEffort(ctx, AuditEntry{
		Email:     email,
		Action:    models.AuditActionAdminLogin,
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
	})

	return &user, nil
}

// MagicLink renders the verification URL for a raw token.
func (s *AuthService) MagicLink(token string) string {
	if s.baseURL == "" {
		return token
	}
	return fmt.Sprintf("%s?token=%s", s.baseURL, token)
}

func (s *AuthService) upsertUser(ctx context.Context, email string, now time.Time, meta RequestMeta) (*models.User, error) {
	var user models.User
	err := s.db.WithContext(ctx).Where("email = ?", email).First(&user).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		user = models.User{
			Email:       email,
			LastLoginAt: &now,
			LastLoginIP: strings.TrimSpace(meta.IPAddress),
		}
		createErr := s.db.WithContext(ctx).Create(&user).Error
		if createErr == nil {
			return &user, nil
		}
		if !isUniqueConstraintError(createErr) {
			return nil, fmt.Errorf("auth service: create user: %w", createErr)
		}
		// Lost the first-login race; fall through to the fetch-and-touch path.
		if err := s.db.WithContext(ctx).Where("email = ?", email).First(&user).Error; err != nil {
			return nil, fmt.Errorf("auth service: refetch user: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("auth service: find user: %w", err)
	}

	updates := map[string]any{"last_login_at": now}
	if ip := strings.TrimSpace(meta.IPAddress); ip != "" {
		updates["last_login_ip"] = ip
	}
	if err := s.db.WithContext(ctx).Model(&user).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("auth service: touch user: %w", err)
	}

	user.LastLoginAt = &now
	return &user, nil
}

func (s *AuthService) dispatchMagicLink(ctx context.Context, email, token string, meta RequestMeta) {
	if s.mailer == nil {
		return
	}

	link := s.MagicLink(token)
	message := appmail.Message{
		To:      email,
		Subject: "Your login link",
		Body:    fmt.Sprintf("Click the link below to sign in. It expires in %d minutes and works once.\n\n%s\n\nIf you did not request this, you can ignore this message.\n", int(s.expiry.Minutes()), link),
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.notifyTimeout)
	defer cancel()

	if err := s.mailer.Send(sendCtx, message); err != nil && !errors.Is(err, appmail.ErrSMTPDisabled) {
		// Delivery failure is non-fatal: the token stays valid and the caller
		// still reports success.
		metrics.NotificationFailures.WithLabelValues("magic_link").Inc()
		s.log.Warn("magic link delivery failed", zap.String("email", email), zap.Error(err))
		s.auditBestEffort(ctx, AuditEntry{
			Email:     email,
			Action:    models.AuditActionNotificationFailed,
			IPAddress: meta.IPAddress,
			Meta:      map[string]any{"kind": "magic_link", "error": err.Error()},
		})
	}
}

func (s *AuthService) logFailure(ctx context.Context, email, reason string, meta RequestMeta) {
	s.auditBestEffort(ctx, AuditEntry{
		Email:     email,
		Action:    models.AuditActionLoginFailed,
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
		Meta:      map[string]any{"reason": reason},
	})
}

// auditBestEffort writes an audit entry without letting a logging failure
// mask the primary outcome.
func (s *AuthService) auditBestEffort(ctx context.Context, entry AuditEntry) {
	if err := s.audit.Log(ctx, entry); err != nil {
		s.log.Warn("audit write failed", zap.String("action", entry.Action), zap.Error(err))
	}
}

func normaliseEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return "", ErrInvalidEmail
	}

	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", ErrInvalidEmail
	}

	at := strings.LastIndex(email, "@")
	if at <= 0 || !strings.Contains(email[at+1:], ".") {
		return "", ErrInvalidEmail
	}

	return email, nil
}

func loginTokenHash(token string) string {
	digest := sha256.Sum256([]byte(token))
	return hex.EncodeToString(digest[:])
}
