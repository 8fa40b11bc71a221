package model

import (
	"time"

	"gorm.io/gorm"
)

// Role is the single role assigned to every platform account.
type Role string

const (
	RoleAdmin     Role = "admin"
	RolePresident Role = "president"
	RoleStudent   Role = "student"
)

func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RolePresident, RoleStudent:
		return true
	}
	return false
}

// User stores a platform account. Profile data beyond what the security
// subsystem needs lives in the business services.
type User struct {
	ID        uint   `gorm:"primarykey"`
	Username  string `gorm:"uniqueIndex;size:32;not null"`
	FullName  string `gorm:"size:64;not null"`
	Email     string `gorm:"uniqueIndex;size:256;not null"`
	Phone     string `gorm:"size:32"`
	Password  string `gorm:"size:64;not null"`
	Role      Role   `gorm:"size:16;not null;default:student;index"`
	Disabled  bool   `gorm:"default:false;not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == 0 {
		u.ID = GenerateID()
	}
	return nil
}
