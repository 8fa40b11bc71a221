package model

import (
	"time"

	"gorm.io/gorm"
)

// TOTPDevice is a user's authenticator app enrollment. A user has at most one
// device; an unconfirmed device is replaced when setup is re-invoked.
type TOTPDevice struct {
	ID         uint   `gorm:"primarykey"`
	UserID     uint   `gorm:"uniqueIndex;not null"`
	Name       string `gorm:"size:64;not null"`
	Secret     string `gorm:"size:128;not null"` // generated once, never re-derived
	Confirmed  bool   `gorm:"default:false;not null"`
	IsActive   bool   `gorm:"default:false;not null"`
	LastWindow int64  `gorm:"default:0"` // last accepted TOTP window, rejects replays
	LastUsedAt *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (d *TOTPDevice) BeforeCreate(tx *gorm.DB) error {
	if d.ID == 0 {
		d.ID = GenerateID()
	}
	return nil
}

// BackupCode is a single-use fallback credential for MFA. The whole pool is
// replaced atomically whenever codes are regenerated.
type BackupCode struct {
	ID        uint   `gorm:"primarykey"`
	UserID    uint   `gorm:"index;not null;index:idx_backup_user_used,priority:1"`
	CodeHash  string `gorm:"size:64;not null"`
	IsUsed    bool   `gorm:"default:false;not null;index:idx_backup_user_used,priority:2"`
	UsedAt    *time.Time
	CreatedAt time.Time
}

func (c *BackupCode) BeforeCreate(tx *gorm.DB) error {
	if c.ID == 0 {
		c.ID = GenerateID()
	}
	return nil
}

// MFAEnforcementPolicy decides, per role, whether MFA is mandatory and how
// long the grace period is once the requirement turns on.
type MFAEnforcementPolicy struct {
	ID              uint   `gorm:"primarykey"`
	Role            Role   `gorm:"size:16;uniqueIndex;not null"`
	MFARequired     bool   `gorm:"default:false;not null"`
	GracePeriodDays int    `gorm:"default:0;not null"`
	EnforcementDate *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// InGracePeriod reports whether the role is required to have MFA but the
// grace window has not elapsed yet.
func (p *MFAEnforcementPolicy) InGracePeriod(now time.Time) bool {
	if !p.MFARequired || p.EnforcementDate == nil {
		return false
	}
	deadline := p.EnforcementDate.AddDate(0, 0, p.GracePeriodDays)
	return now.Before(deadline)
}

// GraceDaysLeft returns whole days until the grace period ends, zero when the
// deadline has passed or no enforcement date is set.
func (p *MFAEnforcementPolicy) GraceDaysLeft(now time.Time) int {
	if p.EnforcementDate == nil {
		return 0
	}
	deadline := p.EnforcementDate.AddDate(0, 0, p.GracePeriodDays)
	if !now.Before(deadline) {
		return 0
	}
	return int(deadline.Sub(now).Hours() / 24)
}
