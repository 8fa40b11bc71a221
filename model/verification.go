package model

import (
	"strings"
	"time"

	"gorm.io/gorm"
)

// VerificationType names the channel a verification requirement demands.
type VerificationType string

const (
	VerificationEmail   VerificationType = "email"
	VerificationPhone   VerificationType = "phone"
	VerificationBoth    VerificationType = "both"
	VerificationAccount VerificationType = "account"
)

// UserVerificationStatus tracks which contact channels a user has confirmed.
// AccountVerified flips true exactly when every required channel is verified
// and never reverts while the required flags stay constant.
type UserVerificationStatus struct {
	ID                uint `gorm:"primarykey"`
	UserID            uint `gorm:"uniqueIndex;not null"`
	EmailVerified     bool `gorm:"default:false;not null"`
	EmailVerifiedAt   *time.Time
	PhoneVerified     bool `gorm:"default:false;not null"`
	PhoneVerifiedAt   *time.Time
	AccountVerified   bool `gorm:"default:false;not null"`
	AccountVerifiedAt *time.Time
	EmailRequired     bool `gorm:"default:true;not null"`
	PhoneRequired     bool `gorm:"default:false;not null"` // set for admin and president roles
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (s *UserVerificationStatus) BeforeCreate(tx *gorm.DB) error {
	if s.ID == 0 {
		s.ID = GenerateID()
	}
	return nil
}

// MissingChannel returns the first required channel that is not verified yet,
// or "" when all requirements are met.
func (s *UserVerificationStatus) MissingChannel() VerificationType {
	if s.EmailRequired && !s.EmailVerified {
		return VerificationEmail
	}
	if s.PhoneRequired && !s.PhoneVerified {
		return VerificationPhone
	}
	return ""
}

// VerificationRequirement binds a named operation to the verification level it
// demands and the roles the demand applies to. Operations without a row carry
// no extra requirement.
type VerificationRequirement struct {
	ID        uint             `gorm:"primarykey"`
	Operation string           `gorm:"uniqueIndex;size:64;not null"`
	Type      VerificationType `gorm:"size:16;not null"`
	Roles     string           `gorm:"size:128;not null"` // comma separated role list
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (r *VerificationRequirement) BeforeCreate(tx *gorm.DB) error {
	if r.ID == 0 {
		r.ID = GenerateID()
	}
	return nil
}

func (r *VerificationRequirement) AppliesTo(role Role) bool {
	for _, item := range strings.Split(r.Roles, ",") {
		if Role(strings.TrimSpace(item)) == role {
			return true
		}
	}
	return false
}
