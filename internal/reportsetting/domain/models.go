package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/finsight/internal/period"
)

var (
	ErrNotFound           = errors.New("report_setting_not_found")
	ErrStaleWrite         = errors.New("stale_write")
	ErrInvalidUser        = errors.New("invalid_user")
	ErrInvalidWindow      = errors.New("invalid_window")
	ErrStorageUnavailable = errors.New("storage_unavailable")
)

// ReportSetting is the per-user schedule record. LastDispatchedAt only moves
// through RecordDispatch.
type ReportSetting struct {
	UserID           snowflake.ID     `gorm:"primaryKey" json:"user_id"`
	IsEnabled        bool             `gorm:"not null" json:"is_enabled"`
	Frequency        period.Frequency `gorm:"type:text;not null" json:"frequency"`
	LastDispatchedAt *time.Time       `json:"last_dispatched_at,omitempty"`
	AnchorAt         time.Time        `gorm:"not null" json:"anchor_at"`
	CreatedAt        time.Time        `gorm:"not null" json:"created_at"`
	UpdatedAt        time.Time        `gorm:"not null" json:"updated_at"`
}

// TableName sets the database table name.
func (ReportSetting) TableName() string { return "report_settings" }

// Cursor is where the next window starts.
func (s ReportSetting) Cursor() time.Time {
	if s.LastDispatchedAt != nil {
		return period.Normalize(*s.LastDispatchedAt)
	}
	return period.Normalize(s.AnchorAt)
}

// Schedule pins the user's windows to their anchor.
func (s ReportSetting) Schedule() period.Schedule {
	return period.Schedule{Frequency: s.Frequency, Anchor: period.Normalize(s.AnchorAt)}
}

// NextDueAt is the end of the window starting at the cursor.
func (s ReportSetting) NextDueAt() (time.Time, error) {
	return s.Schedule().NextDue(s.Cursor())
}

// Candidate is a user with at least one closed window awaiting dispatch.
type Candidate struct {
	Setting   ReportSetting
	NextDueAt time.Time
}

type UpdateSettingsRequest struct {
	IsEnabled *bool
	Frequency *period.Frequency
}

// Store owns the ReportSetting records.
type Store interface {
	EnsureDefault(ctx context.Context, userID snowflake.ID, createdAt time.Time) (ReportSetting, error)
	Get(ctx context.Context, userID snowflake.ID) (ReportSetting, error)
	UpdateSettings(ctx context.Context, userID snowflake.ID, req UpdateSettingsRequest) (ReportSetting, error)
	ListDueCandidates(ctx context.Context, asOf time.Time) ([]Candidate, error)
	RecordDispatch(ctx context.Context, userID snowflake.ID, window period.Window) error
}
