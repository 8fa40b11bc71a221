package model

import (
	"time"

	"gorm.io/datatypes"
)

// AuditLogEntry is an append-only record of a security relevant event.
// Everything except the resolution fields is immutable once written.
type AuditLogEntry struct {
	ID          uint64            `gorm:"primaryKey;autoIncrement"`
	EventType   string            `gorm:"size:64;not null;index;index:idx_audit_type_time,priority:1"`
	Severity    string            `gorm:"size:16;not null;index"`
	UserID      uint              `gorm:"index;index:idx_audit_user_time,priority:1"`
	Username    string            `gorm:"size:64;index"` // snapshot of the username at event time
	IP          string            `gorm:"size:45;index;index:idx_audit_ip_time,priority:1"`
	UserAgent   string            `gorm:"size:512"`
	Path        string            `gorm:"size:512"`
	Method      string            `gorm:"size:16"`
	Status      int               `gorm:""`
	Message     string            `gorm:"size:1024"`
	ExtraData   datatypes.JSONMap `gorm:""`
	Fingerprint string            `gorm:"size:64;index"`
	CreatedAt   time.Time         `gorm:"autoCreateTime;index;index:idx_audit_type_time,priority:2;index:idx_audit_user_time,priority:2;index:idx_audit_ip_time,priority:2"`

	Resolved        bool       `gorm:"default:false;not null;index"`
	ResolvedBy      string     `gorm:"size:64"`
	ResolvedAt      *time.Time `gorm:""`
	ResolutionNotes string     `gorm:"size:1024"`
}

func (AuditLogEntry) TableName() string {
	return "audit_log"
}
