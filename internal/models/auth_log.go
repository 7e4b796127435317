package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Audit actions recorded by the auth and entitlement flows.
const (
	AuditActionTokenRequested     = "token_requested"
	AuditActionLoginFailed        = "login_failed"
	AuditActionLoginSuccess       = "login_success"
	AuditActionAdminLogin         = "admin_login"
	AuditActionNotificationFailed = "notification_failed"
	AuditActionSubscriptionManual = "subscription_manual_activation"
	AuditActionSubscriptionActive = "subscription_activated"
	AuditActionLowCreditWarning   = "low_credit_warning"
	AuditActionMonthlyReset       = "monthly_reset"
)

// AuthLog is an append-only record of authentication and subscription events.
// Email is a weak reference: entries may predate the matching User row.
type AuthLog struct {
	ID        string         `gorm:"primaryKey;type:uuid" json:"id"`
	Email     *string        `gorm:"index" json:"email,omitempty"`
	Action    string         `gorm:"not null;index" json:"action"`
	Meta      datatypes.JSON `json:"meta,omitempty"`
	IPAddress string         `json:"ip_address"`
	UserAgent string         `json:"user_agent"`
	CreatedAt time.Time      `gorm:"index" json:"created_at"`
}

func (a *AuthLog) BeforeCreate(tx *gorm.DB) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	return nil
}
