package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// User is an account keyed by email. Regular users never hold a password;
// they authenticate exclusively through single-use login tokens. Admins may
// additionally carry a bcrypt hash for dashboard password login.
type User struct {
	ID    string `gorm:"primaryKey;type:uuid" json:"id"`
	Email string `gorm:"uniqueIndex;not null" json:"email"`

	PasswordHash string `json:"-"`

	IsTester       bool `gorm:"default:false" json:"is_tester"`
	IsAdmin        bool `gorm:"default:false" json:"is_admin"`
	IsServiceAdmin bool `gorm:"default:false" json:"is_service_admin"`

	Subscription *Subscription `gorm:"foreignKey:UserID" json:"subscription,omitempty"`
	Sessions     []Session     `gorm:"foreignKey:UserID" json:"-"`

	LastLoginAt *time.Time `json:"last_login_at"`
	LastLoginIP string     `json:"last_login_ip"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BeforeCreate ensures a UUID is present before persisting.
func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	return nil
}
