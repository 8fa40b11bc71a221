package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/Patopm/grupos-estudiantiles-sub000/model"
)

const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

const (
	EventLoginSuccess          = "login_success"
	EventLoginFailed           = "login_failed"
	EventAccountLocked         = "account_locked"
	EventIPLocked              = "ip_locked"
	EventPermissionDenied      = "permission_denied"
	EventUnauthorizedAccess    = "unauthorized_access"
	EventRoleEscalationAttempt = "role_escalation_attempt"
	EventSuspiciousRequest     = "suspicious_request"
	EventSuspiciousAgent       = "suspicious_agent"
	EventRequestBurst          = "request_burst"
	EventSlowRequest           = "slow_request"
	EventPotentialDoS          = "potential_dos"
	EventRateLimitExceeded     = "rate_limit_exceeded"
	EventTOTPSetup             = "totp_setup"
	EventTOTPConfirmed         = "totp_confirmed"
	EventTOTPVerifyFailed      = "totp_verify_failed"
	EventTOTPDisabled          = "totp_disabled"
	EventBackupCodeUsed        = "backup_code_used"
	EventBackupCodeFailed      = "backup_code_failed"
	EventPasswordResetRequest  = "password_reset_requested"
	EventPasswordResetComplete = "password_reset_completed"
	EventEmailVerified         = "email_verified"
	EventPhoneVerified         = "phone_verified"
)

// severityByType assigns the default severity for every event type. A zero
// Event.Severity falls back to this table; unknown types record as medium.
var severityByType = map[string]string{
	EventLoginSuccess:          SeverityLow,
	EventLoginFailed:           SeverityLow,
	EventAccountLocked:         SeverityHigh,
	EventIPLocked:              SeverityHigh,
	EventPermissionDenied:      SeverityMedium,
	EventUnauthorizedAccess:    SeverityHigh,
	EventRoleEscalationAttempt: SeverityCritical,
	EventSuspiciousRequest:     SeverityMedium,
	EventSuspiciousAgent:       SeverityLow,
	EventRequestBurst:          SeverityMedium,
	EventSlowRequest:           SeverityMedium,
	EventPotentialDoS:          SeverityHigh,
	EventRateLimitExceeded:     SeverityMedium,
	EventTOTPSetup:             SeverityLow,
	EventTOTPConfirmed:         SeverityLow,
	EventTOTPVerifyFailed:      SeverityMedium,
	EventTOTPDisabled:          SeverityMedium,
	EventBackupCodeUsed:        SeverityMedium,
	EventBackupCodeFailed:      SeverityMedium,
	EventPasswordResetRequest:  SeverityLow,
	EventPasswordResetComplete: SeverityMedium,
	EventEmailVerified:         SeverityLow,
	EventPhoneVerified:         SeverityLow,
}

func SeverityFor(eventType string) string {
	if severity, ok := severityByType[eventType]; ok {
		return severity
	}
	return SeverityMedium
}

// Event carries everything a caller knows about a security relevant incident.
// Severity is optional; the taxonomy table fills it in.
type Event struct {
	Type        string
	Severity    string
	UserID      uint
	Username    string
	IP          string
	UserAgent   string
	Path        string
	Method      string
	Status      int
	Message     string
	Extra       map[string]any
	Fingerprint string
}

var defaultRepo AuditRepository

// Initialize wires the durable repository. Components call the package-level
// Record before and after it runs; without a repository events degrade to the
// process log instead of failing the caller.
func Initialize(repo AuditRepository) {
	defaultRepo = repo
}

// Record persists an audit entry. It never propagates a persistence failure:
// the security decision that triggered the event must not abort because the
// audit trail is unavailable.
func Record(ctx context.Context, event Event) *model.AuditLogEntry {
	severity := event.Severity
	if severity == "" {
		severity = SeverityFor(event.Type)
	}
	entry := &model.AuditLogEntry{
		EventType:   event.Type,
		Severity:    severity,
		UserID:      event.UserID,
		Username:    event.Username,
		IP:          event.IP,
		UserAgent:   event.UserAgent,
		Path:        event.Path,
		Method:      event.Method,
		Status:      event.Status,
		Message:     event.Message,
		ExtraData:   event.Extra,
		Fingerprint: event.Fingerprint,
	}
	if defaultRepo == nil {
		logFallback(entry, nil)
		return entry
	}
	if err := defaultRepo.Create(ctx, entry); err != nil {
		logFallback(entry, err)
	}
	return entry
}

func logFallback(entry *model.AuditLogEntry, cause error) {
	slog.Warn("audit entry not persisted",
		"event", entry.EventType,
		"severity", entry.Severity,
		"user", entry.Username,
		"ip", entry.IP,
		"message", entry.Message,
		"error", cause,
	)
}

// Resolve marks an entry as handled. Only the resolution fields change; the
// recorded facts stay untouched.
func Resolve(ctx context.Context, id uint64, resolvedBy string, notes string) error {
	return defaultRepo.UpdateResolution(ctx, id, resolvedBy, notes, time.Now())
}

func Get(ctx context.Context, id uint64) (*model.AuditLogEntry, error) {
	return defaultRepo.Get(ctx, id)
}

func Find(ctx context.Context, filter Filter) ([]*model.AuditLogEntry, error) {
	return defaultRepo.Find(ctx, filter)
}

func Summarize(ctx context.Context, since time.Time) (*Summary, error) {
	return defaultRepo.Summarize(ctx, since)
}

// Purge deletes entries older than the cutoff, honoring the retention
// carve-outs. It returns how many rows were (or would be) removed.
func Purge(ctx context.Context, opts PurgeOptions) (int64, error) {
	return defaultRepo.Purge(ctx, opts)
}
