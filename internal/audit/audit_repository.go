package audit

import (
	"context"
	"time"

	"github.com/Patopm/grupos-estudiantiles-sub000/model"
	"gorm.io/gorm"
)

// Filter narrows audit queries for reports and the admin surface.
type Filter struct {
	Since          time.Time
	Until          time.Time
	EventType      string
	Severity       string
	UserID         uint
	IP             string
	UnresolvedOnly bool
	Limit          int
}

// PurgeOptions controls the retention sweep. KeepCritical retains critical
// entries regardless of age; KeepUnresolved retains unresolved high and
// critical entries.
type PurgeOptions struct {
	OlderThan      time.Time
	KeepCritical   bool
	KeepUnresolved bool
	DryRun         bool
}

// Summary is the operational report over a time window.
type Summary struct {
	Since              time.Time
	TotalEvents        int64
	ByType             []TypeCount
	BySeverity         map[string]int64
	UniqueIPs          int64
	UniqueUsers        int64
	UnresolvedCritical int64
	UnresolvedHigh     int64
}

type TypeCount struct {
	EventType string `gorm:"column:event_type"`
	Count     int64  `gorm:"column:n"`
}

type AuditRepository interface {
	Create(ctx context.Context, entry *model.AuditLogEntry) error
	Get(ctx context.Context, id uint64) (*model.AuditLogEntry, error)
	Find(ctx context.Context, filter Filter) ([]*model.AuditLogEntry, error)
	UpdateResolution(ctx context.Context, id uint64, resolvedBy, notes string, at time.Time) error
	Summarize(ctx context.Context, since time.Time) (*Summary, error)
	Purge(ctx context.Context, opts PurgeOptions) (int64, error)
}

type auditRepository struct {
	db *gorm.DB
}

func NewAuditRepository(db *gorm.DB) AuditRepository {
	return &auditRepository{db: db}
}

func (r *auditRepository) Create(ctx context.Context, entry *model.AuditLogEntry) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

func (r *auditRepository) Get(ctx context.Context, id uint64) (*model.AuditLogEntry, error) {
	var entry model.AuditLogEntry
	if err := r.db.WithContext(ctx).First(&entry, id).Error; err != nil {
		return nil, err
	}
	return &entry, nil
}

func (r *auditRepository) Find(ctx context.Context, filter Filter) ([]*model.AuditLogEntry, error) {
	query := r.db.WithContext(ctx).Model(&model.AuditLogEntry{})
	if !filter.Since.IsZero() {
		query = query.Where("created_at >= ?", filter.Since)
	}
	if !filter.Until.IsZero() {
		query = query.Where("created_at < ?", filter.Until)
	}
	if filter.EventType != "" {
		query = query.Where("event_type = ?", filter.EventType)
	}
	if filter.Severity != "" {
		query = query.Where("severity = ?", filter.Severity)
	}
	if filter.UserID != 0 {
		query = query.Where("user_id = ?", filter.UserID)
	}
	if filter.IP != "" {
		query = query.Where("ip = ?", filter.IP)
	}
	if filter.UnresolvedOnly {
		query = query.Where("resolved = ?", false)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	var entries []*model.AuditLogEntry
	err := query.Order("created_at DESC").Find(&entries).Error
	return entries, err
}

// UpdateResolution touches only the resolution columns, keeping the factual
// fields immutable at the query level.
func (r *auditRepository) UpdateResolution(ctx context.Context, id uint64, resolvedBy, notes string, at time.Time) error {
	result := r.db.WithContext(ctx).Model(&model.AuditLogEntry{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"resolved":         true,
			"resolved_by":      resolvedBy,
			"resolved_at":      at,
			"resolution_notes": notes,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *auditRepository) Summarize(ctx context.Context, since time.Time) (*Summary, error) {
	summary := &Summary{
		Since:      since,
		BySeverity: make(map[string]int64),
	}
	base := func() *gorm.DB {
		return r.db.WithContext(ctx).Model(&model.AuditLogEntry{}).Where("created_at >= ?", since)
	}

	if err := base().Count(&summary.TotalEvents).Error; err != nil {
		return nil, err
	}
	if err := base().
		Select("event_type, COUNT(*) AS n").
		Group("event_type").
		Order("n DESC").
		Limit(10).
		Scan(&summary.ByType).Error; err != nil {
		return nil, err
	}

	var severityRows []struct {
		Severity string
		N        int64
	}
	if err := base().
		Select("severity, COUNT(*) AS n").
		Group("severity").
		Scan(&severityRows).Error; err != nil {
		return nil, err
	}
	for _, row := range severityRows {
		summary.BySeverity[row.Severity] = row.N
	}

	if err := base().Where("ip <> ''").Distinct("ip").Count(&summary.UniqueIPs).Error; err != nil {
		return nil, err
	}
	if err := base().Where("user_id <> 0").Distinct("user_id").Count(&summary.UniqueUsers).Error; err != nil {
		return nil, err
	}
	if err := base().Where("severity = ? AND resolved = ?", SeverityCritical, false).
		Count(&summary.UnresolvedCritical).Error; err != nil {
		return nil, err
	}
	if err := base().Where("severity = ? AND resolved = ?", SeverityHigh, false).
		Count(&summary.UnresolvedHigh).Error; err != nil {
		return nil, err
	}
	return summary, nil
}

func (r *auditRepository) Purge(ctx context.Context, opts PurgeOptions) (int64, error) {
	query := r.db.WithContext(ctx).Model(&model.AuditLogEntry{}).
		Where("created_at < ?", opts.OlderThan)
	if opts.KeepCritical {
		query = query.Where("severity <> ?", SeverityCritical)
	}
	if opts.KeepUnresolved {
		query = query.Where("NOT (resolved = ? AND severity IN ?)", false, []string{SeverityHigh, SeverityCritical})
	}
	if opts.DryRun {
		var count int64
		err := query.Count(&count).Error
		return count, err
	}
	result := query.Delete(&model.AuditLogEntry{})
	return result.RowsAffected, result.Error
}
