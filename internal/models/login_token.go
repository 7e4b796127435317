package models

import "time"

// LoginToken is a single-use magic-link credential. Only a SHA-256 digest of
// the raw token is stored; the raw value exists solely inside the emailed
// link. Rows are never deleted by the auth flow itself (they feed the audit
// trail); maintenance prunes consumed and expired rows.
type LoginToken struct {
	BaseModel

	Email     string     `gorm:"index;not null" json:"email"`
	TokenHash string     `gorm:"uniqueIndex;not null" json:"-"`
	ExpiresAt time.Time  `gorm:"index" json:"expires_at"`
	Used      bool       `gorm:"default:false" json:"used"`
	UsedAt    *time.Time `json:"used_at"`
}
