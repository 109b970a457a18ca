package guard

import (
	"errors"
	"testing"
	"time"

	"github.com/smallbiznis/finsight/internal/period"
	reportsettingdomain "github.com/smallbiznis/finsight/internal/reportsetting/domain"
)

func TestEnsureWindowDispatchable(t *testing.T) {
	jan := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	feb := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	window := period.Window{Start: jan, End: feb}
	enabled := reportsettingdomain.ReportSetting{IsEnabled: true}

	cases := []struct {
		name    string
		setting reportsettingdomain.ReportSetting
		cursor  time.Time
		now     time.Time
		want    error
	}{
		{"ok", enabled, jan, feb, nil},
		{"disabled", reportsettingdomain.ReportSetting{}, jan, feb, ErrSettingDisabled},
		{"open window", enabled, jan, feb.Add(-time.Microsecond), ErrWindowNotClosed},
		{"cursor moved", enabled, feb, feb.AddDate(0, 1, 0), ErrWindowNotAtCursor},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := EnsureWindowDispatchable(tc.setting, window, tc.cursor, tc.now)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}
