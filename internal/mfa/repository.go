package mfa

import (
	"context"
	"errors"
	"time"

	"github.com/Patopm/grupos-estudiantiles-sub000/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type DeviceRepository interface {
	GetByUser(ctx context.Context, userID uint) (*model.TOTPDevice, error)
	Create(ctx context.Context, device *model.TOTPDevice) error
	Save(ctx context.Context, device *model.TOTPDevice) error
	DeleteByUser(ctx context.Context, userID uint) error
}

type BackupCodeRepository interface {
	// ReplaceAll atomically swaps the user's whole pool for the given hashes.
	ReplaceAll(ctx context.Context, userID uint, hashes []string) error
	FindUnused(ctx context.Context, userID uint) ([]*model.BackupCode, error)
	// MarkUsed flips a code to used exactly once; it fails when the code was
	// already consumed by a concurrent verification.
	MarkUsed(ctx context.Context, id uint, at time.Time) error
	DeleteByUser(ctx context.Context, userID uint) error
}

type PolicyRepository interface {
	GetByRole(ctx context.Context, role model.Role) (*model.MFAEnforcementPolicy, error)
	Upsert(ctx context.Context, policy *model.MFAEnforcementPolicy) error
}

type deviceRepository struct {
	db *gorm.DB
}

func NewDeviceRepository(db *gorm.DB) DeviceRepository {
	return &deviceRepository{db: db}
}

func (r *deviceRepository) GetByUser(ctx context.Context, userID uint) (*model.TOTPDevice, error) {
	var device model.TOTPDevice
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&device).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNoDevice
	}
	if err != nil {
		return nil, err
	}
	return &device, nil
}

func (r *deviceRepository) Create(ctx context.Context, device *model.TOTPDevice) error {
	return r.db.WithContext(ctx).Create(device).Error
}

func (r *deviceRepository) Save(ctx context.Context, device *model.TOTPDevice) error {
	return r.db.WithContext(ctx).Save(device).Error
}

func (r *deviceRepository) DeleteByUser(ctx context.Context, userID uint) error {
	return r.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&model.TOTPDevice{}).Error
}

type backupCodeRepository struct {
	db *gorm.DB
}

func NewBackupCodeRepository(db *gorm.DB) BackupCodeRepository {
	return &backupCodeRepository{db: db}
}

func (r *backupCodeRepository) ReplaceAll(ctx context.Context, userID uint, hashes []string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ?", userID).Delete(&model.BackupCode{}).Error; err != nil {
			return err
		}
		codes := make([]*model.BackupCode, 0, len(hashes))
		for _, hash := range hashes {
			codes = append(codes, &model.BackupCode{UserID: userID, CodeHash: hash})
		}
		return tx.Create(&codes).Error
	})
}

func (r *backupCodeRepository) FindUnused(ctx context.Context, userID uint) ([]*model.BackupCode, error) {
	var codes []*model.BackupCode
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND is_used = ?", userID, false).
		Find(&codes).Error
	return codes, err
}

func (r *backupCodeRepository) MarkUsed(ctx context.Context, id uint, at time.Time) error {
	result := r.db.WithContext(ctx).Model(&model.BackupCode{}).
		Where("id = ? AND is_used = ?", id, false).
		Updates(map[string]interface{}{"is_used": true, "used_at": at})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrInvalidBackupCode
	}
	return nil
}

func (r *backupCodeRepository) DeleteByUser(ctx context.Context, userID uint) error {
	return r.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&model.BackupCode{}).Error
}

type policyRepository struct {
	db *gorm.DB
}

func NewPolicyRepository(db *gorm.DB) PolicyRepository {
	return &policyRepository{db: db}
}

func (r *policyRepository) GetByRole(ctx context.Context, role model.Role) (*model.MFAEnforcementPolicy, error) {
	var policy model.MFAEnforcementPolicy
	err := r.db.WithContext(ctx).Where("role = ?", role).First(&policy).Error
	if err != nil {
		return nil, err
	}
	return &policy, nil
}

func (r *policyRepository) Upsert(ctx context.Context, policy *model.MFAEnforcementPolicy) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "role"}},
			UpdateAll: true,
		}).
		Create(policy).Error
}
