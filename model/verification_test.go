package model

import (
	"testing"
	"time"
)

func TestMissingChannelOrder(t *testing.T) {
	status := UserVerificationStatus{EmailRequired: true, PhoneRequired: true}
	if got := status.MissingChannel(); got != VerificationEmail {
		t.Fatalf("got %s, want email first", got)
	}
	status.EmailVerified = true
	if got := status.MissingChannel(); got != VerificationPhone {
		t.Fatalf("got %s, want phone", got)
	}
	status.PhoneVerified = true
	if got := status.MissingChannel(); got != "" {
		t.Fatalf("got %s, want empty", got)
	}
}

func TestMissingChannelIgnoresOptionalChannels(t *testing.T) {
	status := UserVerificationStatus{EmailRequired: true, PhoneRequired: false, EmailVerified: true}
	if got := status.MissingChannel(); got != "" {
		t.Fatalf("optional phone reported missing: %s", got)
	}
}

func TestRequirementAppliesTo(t *testing.T) {
	requirement := VerificationRequirement{Roles: "admin, president"}
	if !requirement.AppliesTo(RoleAdmin) || !requirement.AppliesTo(RolePresident) {
		t.Fatal("listed roles not matched")
	}
	if requirement.AppliesTo(RoleStudent) {
		t.Fatal("unlisted role matched")
	}
}

func TestPhoneTokenUsable(t *testing.T) {
	now := time.Now()
	token := PhoneVerificationToken{
		IsActive: true, MaxAttempts: 3,
		ExpiresAt: now.Add(10 * time.Minute),
	}
	if !token.Usable(now) {
		t.Fatal("fresh token not usable")
	}
	token.Attempts = 3
	if token.Usable(now) {
		t.Fatal("burned token still usable")
	}
	token.Attempts = 0
	if token.Usable(now.Add(11 * time.Minute)) {
		t.Fatal("expired token still usable")
	}
	token.ExpiresAt = now.Add(10 * time.Minute)
	token.VerifiedAt = &now
	if token.Usable(now) {
		t.Fatal("verified token still usable")
	}
}

func TestGracePeriodMath(t *testing.T) {
	now := time.Now()
	start := now.AddDate(0, 0, -10)
	policy := MFAEnforcementPolicy{MFARequired: true, GracePeriodDays: 30, EnforcementDate: &start}

	if !policy.InGracePeriod(now) {
		t.Fatal("10 of 30 days elapsed, should be in grace period")
	}
	if days := policy.GraceDaysLeft(now); days < 19 || days > 20 {
		t.Fatalf("days left = %d, want about 20", days)
	}
	if policy.InGracePeriod(now.AddDate(0, 0, 31)) {
		t.Fatal("grace period survived its deadline")
	}
	if days := policy.GraceDaysLeft(now.AddDate(0, 0, 31)); days != 0 {
		t.Fatalf("days left past deadline = %d, want 0", days)
	}

	policy.MFARequired = false
	if policy.InGracePeriod(now) {
		t.Fatal("grace period without requirement")
	}
}
