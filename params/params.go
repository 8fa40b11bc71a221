package params

import "time"

const (
	ServerBodyLimit    = 1048576 // 1 MiB
	ServerIdleTimeout  = 30 * time.Second
	ServerReadTimeout  = 10 * time.Second
	ServerWriteTimeout = 10 * time.Second

	ThrottleKeyPrefix = "rl:"
	LockoutKeyPrefix  = "lk:"
	FailureKeyPrefix  = "fc:"
	BurstKeyPrefix    = "bt:"

	ThrottleViolationTTL = 1 * time.Hour // window for counting repeated limit violations
	ThrottleMaxDelay     = 1 * time.Hour // cap for the progressive backoff delay
	FailureCounterTTL    = 1 * time.Hour // failed auth attempts roll off after an hour
	IPFailureThreshold   = 20            // failed attempts from one IP before it is locked
	UserFailureThreshold = 10            // failed attempts against one account before it is locked
	IPLockDuration       = 1 * time.Hour // lock duration for an abusive IP
	UserLockDuration     = 30 * time.Minute

	BurstWindow      = 60 * time.Second // rolling window for per-IP burst detection
	BurstMaxRequests = 100              // requests per window before the IP is flagged
	BurstMaxSamples  = 120              // cap on tracked timestamps per IP

	SlowRequestThreshold  = 5 * time.Second  // requests slower than this are logged as suspicious
	PotentialDoSThreshold = 10 * time.Second // and above this as potential DoS

	TOTPPeriod       = 30 // seconds per TOTP window
	BackupCodeCount  = 10
	BackupCodeLength = 8

	PasswordResetTokenMaxAge     = 1 * time.Hour
	EmailVerificationTokenMaxAge = 24 * time.Hour
	PhoneVerificationTokenMaxAge = 10 * time.Minute
	PhoneVerificationMaxAttempts = 3
	PhoneVerificationCodeDigits  = 6

	AuditRetentionDays    = 90 // default age for the audit purge sweep
	AuditSummaryTopNTypes = 10

	SessionMaxAge       = 24 * time.Hour
	CSRFTokenExpiration = 1 * time.Hour

	HealthCheckServerAddr = ":3001"
)

var gitTag = ""

// Version returns the release tag the binary was built from, or "dev".
func Version() string {
	if gitTag == "" {
		return "dev"
	}
	return gitTag
}

func VersionWithCommit(gitCommit, gitDate string) string {
	version := Version()
	if len(gitCommit) >= 8 {
		version += "-" + gitCommit[:8]
	}
	if gitDate != "" {
		version += "-" + gitDate
	}
	return version
}
