package journal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	dispatchdomain "github.com/smallbiznis/finsight/internal/dispatch/domain"
	"github.com/smallbiznis/finsight/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const defaultListLimit = 50

var ErrStorageUnavailable = errors.New("dispatch_journal_unavailable")

// Record is one row of report_dispatches.
type Record struct {
	ID             snowflake.ID   `gorm:"primaryKey" json:"id"`
	UserID         snowflake.ID   `gorm:"not null;index" json:"user_id"`
	IdempotencyKey string         `gorm:"type:text;not null;index" json:"idempotency_key"`
	Frequency      string         `gorm:"type:text;not null" json:"frequency"`
	WindowStart    time.Time      `gorm:"not null" json:"window_start"`
	WindowEnd      time.Time      `gorm:"not null" json:"window_end"`
	State          string         `gorm:"type:text;not null" json:"state"`
	Attempts       int            `gorm:"not null" json:"attempts"`
	LastError      string         `gorm:"type:text" json:"last_error,omitempty"`
	Fingerprint    string         `gorm:"type:text;not null" json:"fingerprint"`
	Snapshot       datatypes.JSON `json:"snapshot"`
	CreatedAt      time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt      time.Time      `gorm:"not null" json:"updated_at"`
}

func (Record) TableName() string { return "report_dispatches" }

type Params struct {
	fx.In

	DB  *gorm.DB
	Log *zap.Logger
}

// Journal persists terminal job states so abandoned windows stay visible to
// operators after the process exits.
type Journal struct {
	db  *gorm.DB
	log *zap.Logger
}

func New(p Params) *Journal {
	return &Journal{
		db:  p.DB,
		log: p.Log.Named("dispatch.journal"),
	}
}

// Record upserts the job row. A job moves once more after delivery (to
// DISCARDED), so the second write updates the existing row.
func (j *Journal) Record(ctx context.Context, job *dispatchdomain.Job) error {
	snapshot, err := job.Snapshot.MarshalCanonical()
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	now := time.Now().UTC()
	row := Record{
		ID:             job.ID,
		UserID:         job.UserID,
		IdempotencyKey: job.IdempotencyKey(),
		Frequency:      string(job.Frequency),
		WindowStart:    job.Window.Start.UTC(),
		WindowEnd:      job.Window.End.UTC(),
		State:          string(job.State),
		Attempts:       job.Attempts,
		LastError:      job.LastError,
		Fingerprint:    job.Fingerprint,
		Snapshot:       datatypes.JSON(snapshot),
		CreatedAt:      job.CreatedAt.UTC(),
		UpdatedAt:      now,
	}

	err = j.db.WithContext(ctx).Create(&row).Error
	if err == nil {
		return nil
	}
	if !db.IsDuplicateKeyErr(err) {
		return fmt.Errorf("%w: insert dispatch: %w", ErrStorageUnavailable, err)
	}

	if err := j.db.WithContext(ctx).
		Model(&Record{}).
		Where("id = ?", job.ID).
		Updates(map[string]any{
			"state":      row.State,
			"attempts":   row.Attempts,
			"last_error": row.LastError,
			"updated_at": now,
		}).Error; err != nil {
		return fmt.Errorf("%w: update dispatch: %w", ErrStorageUnavailable, err)
	}
	return nil
}

type ListFilter struct {
	UserID snowflake.ID
	State  dispatchdomain.State
	Limit  int
}

// List returns the newest records first.
func (j *Journal) List(ctx context.Context, filter ListFilter) ([]Record, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = defaultListLimit
	}
	q := j.db.WithContext(ctx).Model(&Record{})
	if filter.UserID != 0 {
		q = q.Where("user_id = ?", filter.UserID)
	}
	if state := strings.ToUpper(strings.TrimSpace(string(filter.State))); state != "" {
		q = q.Where("state = ?", state)
	}

	var rows []Record
	if err := q.Order("created_at DESC").Order("id DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("%w: list dispatches: %w", ErrStorageUnavailable, err)
	}
	return rows, nil
}

var _ dispatchdomain.Journal = (*Journal)(nil)
