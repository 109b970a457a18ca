package guard

import (
	"errors"
	"time"

	"github.com/smallbiznis/finsight/internal/period"
	reportsettingdomain "github.com/smallbiznis/finsight/internal/reportsetting/domain"
)

var (
	ErrSettingDisabled   = errors.New("report_setting_disabled")
	ErrWindowNotClosed   = errors.New("report_window_not_closed")
	ErrWindowNotAtCursor = errors.New("report_window_not_at_cursor")
)

// EnsureWindowDispatchable checks a window against the setting it was derived
// from before any work is done for it.
func EnsureWindowDispatchable(setting reportsettingdomain.ReportSetting, window period.Window, cursor time.Time, now time.Time) error {
	if !setting.IsEnabled {
		return ErrSettingDisabled
	}
	if now.Before(window.End) {
		return ErrWindowNotClosed
	}
	if !window.Start.Equal(cursor) {
		return ErrWindowNotAtCursor
	}
	return nil
}
