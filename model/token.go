package model

import (
	"time"

	"gorm.io/gorm"
)

// PasswordResetToken is a single-use reset credential mailed to the account
// owner. Requesting a new token deactivates the previous one.
type PasswordResetToken struct {
	ID        uint   `gorm:"primarykey"`
	UserID    uint   `gorm:"not null;index:idx_reset_user_active,priority:1"`
	Token     string `gorm:"uniqueIndex;size:64;not null"`
	Email     string `gorm:"size:256;not null"`
	IsActive  bool   `gorm:"default:true;not null;index:idx_reset_user_active,priority:2"`
	CreatedAt time.Time
	ExpiresAt time.Time
	UsedAt    *time.Time
}

func (t *PasswordResetToken) BeforeCreate(tx *gorm.DB) error {
	if t.ID == 0 {
		t.ID = GenerateID()
	}
	return nil
}

func (t *PasswordResetToken) Usable(now time.Time) bool {
	return t.IsActive && t.UsedAt == nil && now.Before(t.ExpiresAt)
}

// EmailVerificationToken confirms ownership of an email address.
type EmailVerificationToken struct {
	ID         uint   `gorm:"primarykey"`
	UserID     uint   `gorm:"not null;index:idx_emailtok_user_active,priority:1"`
	Token      string `gorm:"uniqueIndex;size:64;not null"`
	Email      string `gorm:"size:256;not null"`
	IsActive   bool   `gorm:"default:true;not null;index:idx_emailtok_user_active,priority:2"`
	CreatedAt  time.Time
	ExpiresAt  time.Time
	VerifiedAt *time.Time
}

func (t *EmailVerificationToken) BeforeCreate(tx *gorm.DB) error {
	if t.ID == 0 {
		t.ID = GenerateID()
	}
	return nil
}

func (t *EmailVerificationToken) Usable(now time.Time) bool {
	return t.IsActive && t.VerifiedAt == nil && now.Before(t.ExpiresAt)
}

// PhoneVerificationToken carries a short numeric code sent by SMS. It allows
// a bounded number of attempts before it is burned.
type PhoneVerificationToken struct {
	ID          uint   `gorm:"primarykey"`
	UserID      uint   `gorm:"not null;index:idx_phonetok_user_active,priority:1"`
	Token       string `gorm:"uniqueIndex;size:64;not null"`
	Code        string `gorm:"size:16;not null"`
	Phone       string `gorm:"size:32;not null"`
	Attempts    int    `gorm:"default:0;not null"`
	MaxAttempts int    `gorm:"default:3;not null"`
	IsActive    bool   `gorm:"default:true;not null;index:idx_phonetok_user_active,priority:2"`
	CreatedAt   time.Time
	ExpiresAt   time.Time
	VerifiedAt  *time.Time
}

func (t *PhoneVerificationToken) BeforeCreate(tx *gorm.DB) error {
	if t.ID == 0 {
		t.ID = GenerateID()
	}
	return nil
}

func (t *PhoneVerificationToken) Usable(now time.Time) bool {
	return t.IsActive && t.VerifiedAt == nil && now.Before(t.ExpiresAt) && t.Attempts < t.MaxAttempts
}
