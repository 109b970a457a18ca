package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/finsight/internal/clock"
	"github.com/smallbiznis/finsight/internal/period"
	reportsettingdomain "github.com/smallbiznis/finsight/internal/reportsetting/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const defaultScanBatchSize = 200

type Params struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	Clock         clock.Clock
	ScanBatchSize int `name:"report_scan_batch_size" optional:"true"`
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	clock     clock.Clock
	batchSize int
}

func NewService(p Params) *Service {
	batchSize := p.ScanBatchSize
	if batchSize <= 0 {
		batchSize = defaultScanBatchSize
	}
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("reportsetting.service"),
		clock:     p.Clock,
		batchSize: batchSize,
	}
}

// EnsureDefault creates the enabled monthly setting for a new user. Calling it
// again for the same user returns the stored record unchanged.
func (s *Service) EnsureDefault(ctx context.Context, userID snowflake.ID, createdAt time.Time) (reportsettingdomain.ReportSetting, error) {
	if userID == 0 {
		return reportsettingdomain.ReportSetting{}, reportsettingdomain.ErrInvalidUser
	}
	now := period.Normalize(s.clock.Now())
	if createdAt.IsZero() {
		createdAt = now
	}

	setting := reportsettingdomain.ReportSetting{
		UserID:    userID,
		IsEnabled: true,
		Frequency: period.DefaultFrequency,
		AnchorAt:  period.Normalize(createdAt),
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}}, DoNothing: true}).
		Create(&setting).Error
	if err != nil {
		return reportsettingdomain.ReportSetting{}, storageErr("ensure default setting", err)
	}
	return s.Get(ctx, userID)
}

func (s *Service) Get(ctx context.Context, userID snowflake.ID) (reportsettingdomain.ReportSetting, error) {
	var setting reportsettingdomain.ReportSetting
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&setting).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return reportsettingdomain.ReportSetting{}, reportsettingdomain.ErrNotFound
		}
		return reportsettingdomain.ReportSetting{}, storageErr("get setting", err)
	}
	return normalizeSetting(setting), nil
}

// UpdateSettings applies a field-level change to the user-owned fields.
func (s *Service) UpdateSettings(ctx context.Context, userID snowflake.ID, req reportsettingdomain.UpdateSettingsRequest) (reportsettingdomain.ReportSetting, error) {
	if userID == 0 {
		return reportsettingdomain.ReportSetting{}, reportsettingdomain.ErrInvalidUser
	}

	updates := map[string]any{}
	if req.IsEnabled != nil {
		updates["is_enabled"] = *req.IsEnabled
	}
	if req.Frequency != nil {
		freq, err := period.ParseFrequency(string(*req.Frequency))
		if err != nil {
			return reportsettingdomain.ReportSetting{}, err
		}
		updates["frequency"] = freq
	}
	if len(updates) == 0 {
		return s.Get(ctx, userID)
	}
	updates["updated_at"] = period.Normalize(s.clock.Now())

	result := s.db.WithContext(ctx).
		Model(&reportsettingdomain.ReportSetting{}).
		Where("user_id = ?", userID).
		Updates(updates)
	if result.Error != nil {
		return reportsettingdomain.ReportSetting{}, storageErr("update settings", result.Error)
	}
	if result.RowsAffected == 0 {
		return reportsettingdomain.ReportSetting{}, reportsettingdomain.ErrNotFound
	}
	return s.Get(ctx, userID)
}

// ListDueCandidates returns enabled users whose next window has closed by asOf.
// Rows are read in user_id keyset batches. The SQL filter only discards users
// whose cursor is less than a day old, the shortest period; the exact due
// check per frequency runs here.
func (s *Service) ListDueCandidates(ctx context.Context, asOf time.Time) ([]reportsettingdomain.Candidate, error) {
	asOf = period.Normalize(asOf)
	threshold := asOf.AddDate(0, 0, -1)

	var (
		candidates []reportsettingdomain.Candidate
		after      snowflake.ID
	)
	for {
		var batch []reportsettingdomain.ReportSetting
		err := s.db.WithContext(ctx).
			Where("is_enabled = ?", true).
			Where("user_id > ?", after).
			Where("COALESCE(last_dispatched_at, anchor_at) <= ?", threshold).
			Order("user_id ASC").
			Limit(s.batchSize).
			Find(&batch).Error
		if err != nil {
			return nil, storageErr("list due candidates", err)
		}

		for _, setting := range batch {
			setting = normalizeSetting(setting)
			due, err := setting.NextDueAt()
			if err != nil {
				s.log.Warn("reportsetting.invalid_frequency",
					zap.String("user_id", setting.UserID.String()),
					zap.String("frequency", string(setting.Frequency)),
				)
				continue
			}
			if due.After(asOf) {
				continue
			}
			candidates = append(candidates, reportsettingdomain.Candidate{Setting: setting, NextDueAt: due})
		}

		if len(batch) < s.batchSize {
			return candidates, nil
		}
		after = batch[len(batch)-1].UserID
	}
}

// RecordDispatch moves last_dispatched_at from window.Start to window.End. The
// update is conditioned on the stored cursor still being window.Start, so of
// two runners committing the same window only one affects a row.
func (s *Service) RecordDispatch(ctx context.Context, userID snowflake.ID, window period.Window) error {
	if userID == 0 {
		return reportsettingdomain.ErrInvalidUser
	}
	start, end := period.Normalize(window.Start), period.Normalize(window.End)
	if !start.Before(end) {
		return reportsettingdomain.ErrInvalidWindow
	}

	result := s.db.WithContext(ctx).Exec(
		`UPDATE report_settings
		 SET last_dispatched_at = ?, updated_at = ?
		 WHERE user_id = ?
		   AND (last_dispatched_at = ? OR (last_dispatched_at IS NULL AND anchor_at = ?))`,
		end,
		period.Normalize(s.clock.Now()),
		userID,
		start,
		start,
	)
	if result.Error != nil {
		return storageErr("record dispatch", result.Error)
	}
	if result.RowsAffected == 0 {
		return reportsettingdomain.ErrStaleWrite
	}
	return nil
}

func normalizeSetting(setting reportsettingdomain.ReportSetting) reportsettingdomain.ReportSetting {
	setting.AnchorAt = period.Normalize(setting.AnchorAt)
	if setting.LastDispatchedAt != nil {
		last := period.Normalize(*setting.LastDispatchedAt)
		setting.LastDispatchedAt = &last
	}
	return setting
}

func storageErr(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %w", reportsettingdomain.ErrStorageUnavailable, op, err)
}

var _ reportsettingdomain.Store = (*Service)(nil)
