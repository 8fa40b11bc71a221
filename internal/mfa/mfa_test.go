package mfa

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Patopm/grupos-estudiantiles-sub000/internal/throttle"
	"github.com/Patopm/grupos-estudiantiles-sub000/model"
	"github.com/Patopm/grupos-estudiantiles-sub000/params"
	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

type fakeDevices struct {
	byUser map[uint]*model.TOTPDevice
	nextID uint
}

func newFakeDevices() *fakeDevices {
	return &fakeDevices{byUser: make(map[uint]*model.TOTPDevice)}
}

func (r *fakeDevices) GetByUser(ctx context.Context, userID uint) (*model.TOTPDevice, error) {
	device, ok := r.byUser[userID]
	if !ok {
		return nil, ErrNoDevice
	}
	copied := *device
	return &copied, nil
}

func (r *fakeDevices) Create(ctx context.Context, device *model.TOTPDevice) error {
	r.nextID++
	device.ID = r.nextID
	r.byUser[device.UserID] = device
	return nil
}

func (r *fakeDevices) Save(ctx context.Context, device *model.TOTPDevice) error {
	r.byUser[device.UserID] = device
	return nil
}

func (r *fakeDevices) DeleteByUser(ctx context.Context, userID uint) error {
	delete(r.byUser, userID)
	return nil
}

type fakeCodes struct {
	byUser map[uint][]*model.BackupCode
	nextID uint
}

func newFakeCodes() *fakeCodes {
	return &fakeCodes{byUser: make(map[uint][]*model.BackupCode)}
}

func (r *fakeCodes) ReplaceAll(ctx context.Context, userID uint, hashes []string) error {
	pool := make([]*model.BackupCode, 0, len(hashes))
	for _, hash := range hashes {
		r.nextID++
		pool = append(pool, &model.BackupCode{ID: r.nextID, UserID: userID, CodeHash: hash})
	}
	r.byUser[userID] = pool
	return nil
}

func (r *fakeCodes) FindUnused(ctx context.Context, userID uint) ([]*model.BackupCode, error) {
	var unused []*model.BackupCode
	for _, code := range r.byUser[userID] {
		if !code.IsUsed {
			unused = append(unused, code)
		}
	}
	return unused, nil
}

func (r *fakeCodes) MarkUsed(ctx context.Context, id uint, at time.Time) error {
	for _, pool := range r.byUser {
		for _, code := range pool {
			if code.ID == id {
				if code.IsUsed {
					return errors.New("already used")
				}
				code.IsUsed = true
				code.UsedAt = &at
				return nil
			}
		}
	}
	return errors.New("not found")
}

func (r *fakeCodes) DeleteByUser(ctx context.Context, userID uint) error {
	delete(r.byUser, userID)
	return nil
}

type fakePolicies struct {
	byRole map[model.Role]*model.MFAEnforcementPolicy
}

func newFakePolicies() *fakePolicies {
	return &fakePolicies{byRole: make(map[model.Role]*model.MFAEnforcementPolicy)}
}

func (r *fakePolicies) GetByRole(ctx context.Context, role model.Role) (*model.MFAEnforcementPolicy, error) {
	policy, ok := r.byRole[role]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return policy, nil
}

func (r *fakePolicies) Upsert(ctx context.Context, policy *model.MFAEnforcementPolicy) error {
	r.byRole[policy.Role] = policy
	return nil
}

type openLimiter struct{}

func (openLimiter) AllowScope(ctx context.Context, scope, identity string) (throttle.Decision, error) {
	return throttle.Decision{Allowed: true}, nil
}

type closedLimiter struct{}

func (closedLimiter) AllowScope(ctx context.Context, scope, identity string) (throttle.Decision, error) {
	return throttle.Decision{Allowed: false, RetryAfter: time.Minute}, nil
}

func testUser() *model.User {
	return &model.User{ID: 7, Username: "alice", Email: "alice@example.edu"}
}

func newTestService(devices DeviceRepository, codes BackupCodeRepository) *Service {
	return NewService(devices, codes, newFakePolicies(), openLimiter{}, "grupos")
}

func TestSetupConfirmFlow(t *testing.T) {
	devices := newFakeDevices()
	codes := newFakeCodes()
	svc := newTestService(devices, codes)
	user := testUser()
	ctx := context.Background()

	result, err := svc.Setup(ctx, user, "phone")
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if result.Secret == "" || result.URI == "" || len(result.QRImage) == 0 {
		t.Fatal("setup result is incomplete")
	}

	enabled, err := svc.Enabled(ctx, user.ID)
	if err != nil || enabled {
		t.Fatalf("Enabled before confirm = %v, %v", enabled, err)
	}

	code, err := totp.GenerateCode(result.Secret, time.Now())
	if err != nil {
		t.Fatalf("GenerateCode: %v", err)
	}
	backupCodes, err := svc.Confirm(ctx, user, code)
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if len(backupCodes) != params.BackupCodeCount {
		t.Fatalf("got %d backup codes, want %d", len(backupCodes), params.BackupCodeCount)
	}

	enabled, err = svc.Enabled(ctx, user.ID)
	if err != nil || !enabled {
		t.Fatalf("Enabled after confirm = %v, %v", enabled, err)
	}
}

func TestConfirmRejectsBadCode(t *testing.T) {
	devices := newFakeDevices()
	codes := newFakeCodes()
	svc := newTestService(devices, codes)
	user := testUser()
	ctx := context.Background()

	if _, err := svc.Setup(ctx, user, "phone"); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if _, err := svc.Confirm(ctx, user, "000000"); !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("Confirm with bad code = %v, want ErrInvalidCode", err)
	}
	if len(codes.byUser[user.ID]) != 0 {
		t.Fatal("failed confirm must not mint backup codes")
	}
}

func TestConfirmTwiceFails(t *testing.T) {
	devices := newFakeDevices()
	svc := newTestService(devices, newFakeCodes())
	user := testUser()
	ctx := context.Background()

	result, _ := svc.Setup(ctx, user, "phone")
	code, _ := totp.GenerateCode(result.Secret, time.Now())
	if _, err := svc.Confirm(ctx, user, code); err != nil {
		t.Fatalf("first Confirm: %v", err)
	}
	if _, err := svc.Confirm(ctx, user, code); !errors.Is(err, ErrDeviceAlreadyConfirmed) {
		t.Fatalf("second Confirm = %v, want ErrDeviceAlreadyConfirmed", err)
	}
}

func TestSetupReplacesUnconfirmedDevice(t *testing.T) {
	devices := newFakeDevices()
	svc := newTestService(devices, newFakeCodes())
	user := testUser()
	ctx := context.Background()

	first, _ := svc.Setup(ctx, user, "phone")
	second, err := svc.Setup(ctx, user, "tablet")
	if err != nil {
		t.Fatalf("re-setup: %v", err)
	}
	if first.Secret == second.Secret {
		t.Fatal("re-setup reused the old secret")
	}
	if devices.byUser[user.ID].Name != "tablet" {
		t.Fatal("old unconfirmed device survived re-setup")
	}
}

func TestSetupBlockedByConfirmedDevice(t *testing.T) {
	devices := newFakeDevices()
	svc := newTestService(devices, newFakeCodes())
	user := testUser()
	ctx := context.Background()

	result, _ := svc.Setup(ctx, user, "phone")
	code, _ := totp.GenerateCode(result.Secret, time.Now())
	if _, err := svc.Confirm(ctx, user, code); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if _, err := svc.Setup(ctx, user, "tablet"); !errors.Is(err, ErrDeviceExists) {
		t.Fatalf("Setup over confirmed device = %v, want ErrDeviceExists", err)
	}
}

func TestVerifyRejectsReplayInSameWindow(t *testing.T) {
	devices := newFakeDevices()
	svc := newTestService(devices, newFakeCodes())
	user := testUser()
	ctx := context.Background()

	key, err := totp.Generate(totp.GenerateOpts{Issuer: "grupos", AccountName: user.Email})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	devices.byUser[user.ID] = &model.TOTPDevice{
		ID: 1, UserID: user.ID, Secret: key.Secret(),
		Confirmed: true, IsActive: true,
	}

	code, _ := totp.GenerateCode(key.Secret(), time.Now())
	if err := svc.Verify(ctx, user, code); err != nil {
		t.Fatalf("first Verify: %v", err)
	}
	if err := svc.Verify(ctx, user, code); !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("replayed Verify = %v, want ErrInvalidCode", err)
	}
}

func TestVerifyRequiresConfirmedDevice(t *testing.T) {
	devices := newFakeDevices()
	svc := newTestService(devices, newFakeCodes())
	user := testUser()
	ctx := context.Background()

	if _, err := svc.Setup(ctx, user, "phone"); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if err := svc.Verify(ctx, user, "123456"); !errors.Is(err, ErrDeviceNotConfirmed) {
		t.Fatalf("Verify on unconfirmed device = %v, want ErrDeviceNotConfirmed", err)
	}
}

func TestVerifyThrottled(t *testing.T) {
	svc := NewService(newFakeDevices(), newFakeCodes(), newFakePolicies(), closedLimiter{}, "grupos")
	user := testUser()

	err := svc.Verify(context.Background(), user, "123456")
	var limited *throttle.RateLimitedError
	if !errors.As(err, &limited) {
		t.Fatalf("Verify under throttle = %v, want RateLimitedError", err)
	}
	if limited.RetryAfter != time.Minute {
		t.Fatalf("RetryAfter = %v, want 1m", limited.RetryAfter)
	}
}

func TestBackupCodeSingleUse(t *testing.T) {
	devices := newFakeDevices()
	codes := newFakeCodes()
	svc := newTestService(devices, codes)
	user := testUser()
	ctx := context.Background()

	result, _ := svc.Setup(ctx, user, "phone")
	code, _ := totp.GenerateCode(result.Secret, time.Now())
	backupCodes, err := svc.Confirm(ctx, user, code)
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}

	if err := svc.VerifyBackupCode(ctx, user, backupCodes[0]); err != nil {
		t.Fatalf("first use: %v", err)
	}
	if err := svc.VerifyBackupCode(ctx, user, backupCodes[0]); !errors.Is(err, ErrInvalidBackupCode) {
		t.Fatalf("second use = %v, want ErrInvalidBackupCode", err)
	}
	if err := svc.VerifyBackupCode(ctx, user, backupCodes[1]); err != nil {
		t.Fatalf("other code after one consumed: %v", err)
	}
}

func TestBackupCodeMatchingIsCaseInsensitive(t *testing.T) {
	codes := newFakeCodes()
	svc := newTestService(newFakeDevices(), codes)
	user := testUser()
	ctx := context.Background()

	hash, _ := bcrypt.GenerateFromPassword([]byte("ABCD1234"), bcrypt.MinCost)
	codes.byUser[user.ID] = []*model.BackupCode{{ID: 1, UserID: user.ID, CodeHash: string(hash)}}

	if err := svc.VerifyBackupCode(ctx, user, "  abcd1234 "); err != nil {
		t.Fatalf("lowercase padded code rejected: %v", err)
	}
}

func TestDisableRemovesDeviceAndCodes(t *testing.T) {
	devices := newFakeDevices()
	codes := newFakeCodes()
	svc := newTestService(devices, codes)
	user := testUser()
	ctx := context.Background()

	result, _ := svc.Setup(ctx, user, "phone")
	code, _ := totp.GenerateCode(result.Secret, time.Now())
	if _, err := svc.Confirm(ctx, user, code); err != nil {
		t.Fatalf("Confirm: %v", err)
	}

	if err := svc.Disable(ctx, user, code); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	if _, ok := devices.byUser[user.ID]; ok {
		t.Fatal("device survived disable")
	}
	if len(codes.byUser[user.ID]) != 0 {
		t.Fatal("backup codes survived disable")
	}
	enabled, err := svc.Enabled(ctx, user.ID)
	if err != nil || enabled {
		t.Fatalf("Enabled after disable = %v, %v", enabled, err)
	}
}

func TestSetEnforcementStampsDate(t *testing.T) {
	policies := newFakePolicies()
	svc := NewService(newFakeDevices(), newFakeCodes(), policies, openLimiter{}, "grupos")
	ctx := context.Background()

	if err := svc.SetEnforcement(ctx, model.RoleAdmin, true, 30); err != nil {
		t.Fatalf("SetEnforcement: %v", err)
	}
	policy := policies.byRole[model.RoleAdmin]
	if !policy.MFARequired || policy.EnforcementDate == nil || policy.GracePeriodDays != 30 {
		t.Fatalf("policy after enable %+v", policy)
	}
	if !policy.InGracePeriod(time.Now()) {
		t.Fatal("fresh enforcement should be inside the grace period")
	}

	if err := svc.SetEnforcement(ctx, model.RoleAdmin, false, 0); err != nil {
		t.Fatalf("SetEnforcement off: %v", err)
	}
	policy = policies.byRole[model.RoleAdmin]
	if policy.MFARequired || policy.EnforcementDate != nil {
		t.Fatalf("policy after disable %+v", policy)
	}
}
