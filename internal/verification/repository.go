package verification

import (
	"context"
	"errors"
	"time"

	"github.com/Patopm/grupos-estudiantiles-sub000/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type StatusRepository interface {
	GetByUser(ctx context.Context, userID uint) (*model.UserVerificationStatus, error)
	Create(ctx context.Context, status *model.UserVerificationStatus) error
	Save(ctx context.Context, status *model.UserVerificationStatus) error
}

type RequirementRepository interface {
	GetByOperation(ctx context.Context, operation string) (*model.VerificationRequirement, error)
	Upsert(ctx context.Context, requirement *model.VerificationRequirement) error
	List(ctx context.Context) ([]*model.VerificationRequirement, error)
}

// TokenRepository persists the three one-time token kinds. Deactivate calls
// run before creating a replacement so at most one token per user and kind is
// ever active.
type TokenRepository interface {
	CreatePasswordReset(ctx context.Context, token *model.PasswordResetToken) error
	DeactivatePasswordResets(ctx context.Context, userID uint) error
	GetPasswordReset(ctx context.Context, token string) (*model.PasswordResetToken, error)
	MarkPasswordResetUsed(ctx context.Context, id uint, at time.Time) error

	CreateEmailToken(ctx context.Context, token *model.EmailVerificationToken) error
	DeactivateEmailTokens(ctx context.Context, userID uint) error
	GetEmailToken(ctx context.Context, token string) (*model.EmailVerificationToken, error)
	MarkEmailVerified(ctx context.Context, id uint, at time.Time) error

	CreatePhoneToken(ctx context.Context, token *model.PhoneVerificationToken) error
	DeactivatePhoneTokens(ctx context.Context, userID uint) error
	GetActivePhoneToken(ctx context.Context, userID uint) (*model.PhoneVerificationToken, error)
	// IncrementPhoneAttempts atomically bumps the attempt counter and returns
	// the new value.
	IncrementPhoneAttempts(ctx context.Context, id uint) (int, error)
	MarkPhoneVerified(ctx context.Context, id uint, at time.Time) error

	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

type statusRepository struct {
	db *gorm.DB
}

func NewStatusRepository(db *gorm.DB) StatusRepository {
	return &statusRepository{db: db}
}

func (r *statusRepository) GetByUser(ctx context.Context, userID uint) (*model.UserVerificationStatus, error) {
	var status model.UserVerificationStatus
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&status).Error
	if err != nil {
		return nil, err
	}
	return &status, nil
}

func (r *statusRepository) Create(ctx context.Context, status *model.UserVerificationStatus) error {
	return r.db.WithContext(ctx).Create(status).Error
}

func (r *statusRepository) Save(ctx context.Context, status *model.UserVerificationStatus) error {
	return r.db.WithContext(ctx).Save(status).Error
}

type requirementRepository struct {
	db *gorm.DB
}

func NewRequirementRepository(db *gorm.DB) RequirementRepository {
	return &requirementRepository{db: db}
}

func (r *requirementRepository) GetByOperation(ctx context.Context, operation string) (*model.VerificationRequirement, error) {
	var requirement model.VerificationRequirement
	err := r.db.WithContext(ctx).Where("operation = ?", operation).First(&requirement).Error
	if err != nil {
		return nil, err
	}
	return &requirement, nil
}

func (r *requirementRepository) Upsert(ctx context.Context, requirement *model.VerificationRequirement) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "operation"}},
			UpdateAll: true,
		}).
		Create(requirement).Error
}

func (r *requirementRepository) List(ctx context.Context) ([]*model.VerificationRequirement, error) {
	var requirements []*model.VerificationRequirement
	err := r.db.WithContext(ctx).Order("operation").Find(&requirements).Error
	return requirements, err
}

type tokenRepository struct {
	db *gorm.DB
}

func NewTokenRepository(db *gorm.DB) TokenRepository {
	return &tokenRepository{db: db}
}

func (r *tokenRepository) CreatePasswordReset(ctx context.Context, token *model.PasswordResetToken) error {
	return r.db.WithContext(ctx).Create(token).Error
}

func (r *tokenRepository) DeactivatePasswordResets(ctx context.Context, userID uint) error {
	return r.db.WithContext(ctx).Model(&model.PasswordResetToken{}).
		Where("user_id = ? AND is_active = ?", userID, true).
		Update("is_active", false).Error
}

func (r *tokenRepository) GetPasswordReset(ctx context.Context, token string) (*model.PasswordResetToken, error) {
	var record model.PasswordResetToken
	err := r.db.WithContext(ctx).Where("token = ?", token).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTokenInvalid
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (r *tokenRepository) MarkPasswordResetUsed(ctx context.Context, id uint, at time.Time) error {
	result := r.db.WithContext(ctx).Model(&model.PasswordResetToken{}).
		Where("id = ? AND is_active = ? AND used_at IS NULL", id, true).
		Updates(map[string]interface{}{"used_at": at, "is_active": false})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrTokenInvalid
	}
	return nil
}

func (r *tokenRepository) CreateEmailToken(ctx context.Context, token *model.EmailVerificationToken) error {
	return r.db.WithContext(ctx).Create(token).Error
}

func (r *tokenRepository) DeactivateEmailTokens(ctx context.Context, userID uint) error {
	return r.db.WithContext(ctx).Model(&model.EmailVerificationToken{}).
		Where("user_id = ? AND is_active = ?", userID, true).
		Update("is_active", false).Error
}

func (r *tokenRepository) GetEmailToken(ctx context.Context, token string) (*model.EmailVerificationToken, error) {
	var record model.EmailVerificationToken
	err := r.db.WithContext(ctx).Where("token = ?", token).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTokenInvalid
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (r *tokenRepository) MarkEmailVerified(ctx context.Context, id uint, at time.Time) error {
	result := r.db.WithContext(ctx).Model(&model.EmailVerificationToken{}).
		Where("id = ? AND is_active = ? AND verified_at IS NULL", id, true).
		Updates(map[string]interface{}{"verified_at": at, "is_active": false})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrTokenInvalid
	}
	return nil
}

func (r *tokenRepository) CreatePhoneToken(ctx context.Context, token *model.PhoneVerificationToken) error {
	return r.db.WithContext(ctx).Create(token).Error
}

func (r *tokenRepository) DeactivatePhoneTokens(ctx context.Context, userID uint) error {
	return r.db.WithContext(ctx).Model(&model.PhoneVerificationToken{}).
		Where("user_id = ? AND is_active = ?", userID, true).
		Update("is_active", false).Error
}

func (r *tokenRepository) GetActivePhoneToken(ctx context.Context, userID uint) (*model.PhoneVerificationToken, error) {
	var record model.PhoneVerificationToken
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND is_active = ?", userID, true).
		Order("created_at DESC").
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTokenInvalid
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (r *tokenRepository) IncrementPhoneAttempts(ctx context.Context, id uint) (int, error) {
	err := r.db.WithContext(ctx).Model(&model.PhoneVerificationToken{}).
		Where("id = ?", id).
		UpdateColumn("attempts", gorm.Expr("attempts + 1")).Error
	if err != nil {
		return 0, err
	}
	var record model.PhoneVerificationToken
	if err := r.db.WithContext(ctx).Select("attempts").First(&record, id).Error; err != nil {
		return 0, err
	}
	return record.Attempts, nil
}

func (r *tokenRepository) MarkPhoneVerified(ctx context.Context, id uint, at time.Time) error {
	result := r.db.WithContext(ctx).Model(&model.PhoneVerificationToken{}).
		Where("id = ? AND is_active = ? AND verified_at IS NULL", id, true).
		Updates(map[string]interface{}{"verified_at": at, "is_active": false})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrTokenInvalid
	}
	return nil
}

func (r *tokenRepository) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	var total int64
	expired := "expires_at < ? OR is_active = ?"
	result := r.db.WithContext(ctx).Where(expired, now, false).Delete(&model.PasswordResetToken{})
	if result.Error != nil {
		return total, result.Error
	}
	total += result.RowsAffected
	result = r.db.WithContext(ctx).Where(expired, now, false).Delete(&model.EmailVerificationToken{})
	if result.Error != nil {
		return total, result.Error
	}
	total += result.RowsAffected
	result = r.db.WithContext(ctx).Where(expired, now, false).Delete(&model.PhoneVerificationToken{})
	if result.Error != nil {
		return total, result.Error
	}
	total += result.RowsAffected
	return total, nil
}
