package journal

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/finsight/internal/analytics"
	dispatchdomain "github.com/smallbiznis/finsight/internal/dispatch/domain"
	ledgerdomain "github.com/smallbiznis/finsight/internal/ledger/domain"
	"github.com/smallbiznis/finsight/internal/money"
	"github.com/smallbiznis/finsight/internal/period"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setupJournal(t *testing.T) *Journal {
	t.Helper()
	conn, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := conn.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := conn.Exec(`
		CREATE TABLE report_dispatches (
			id INTEGER PRIMARY KEY,
			user_id INTEGER NOT NULL,
			idempotency_key TEXT NOT NULL,
			frequency TEXT NOT NULL,
			window_start DATETIME NOT NULL,
			window_end DATETIME NOT NULL,
			state TEXT NOT NULL,
			attempts INTEGER NOT NULL,
			last_error TEXT,
			fingerprint TEXT NOT NULL,
			snapshot JSON,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)
	`).Error; err != nil {
		t.Fatalf("create report_dispatches: %v", err)
	}
	return New(Params{DB: conn, Log: zap.NewNop()})
}

func job(t *testing.T, id, userID int64, month time.Month) *dispatchdomain.Job {
	t.Helper()
	window := period.Window{
		Start: time.Date(2024, month, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, month+1, 1, 0, 0, 0, 0, time.UTC),
	}
	snap := analytics.Build(snowflake.ID(userID), period.FrequencyMonthly, window, ledgerdomain.Totals{
		Expense: money.FromMinor(4_200),
	})
	j, err := dispatchdomain.NewJob(snowflake.ID(id), snap, window.End)
	if err != nil {
		t.Fatalf("new job: %v", err)
	}
	return j
}

func TestRecordUpsertsTerminalState(t *testing.T) {
	jr := setupJournal(t)
	ctx := context.Background()

	j := job(t, 1, 9, time.January)
	j.State = dispatchdomain.StateDelivered
	j.Attempts = 1
	if err := jr.Record(ctx, j); err != nil {
		t.Fatalf("record delivered: %v", err)
	}

	j.State = dispatchdomain.StateDiscarded
	if err := jr.Record(ctx, j); err != nil {
		t.Fatalf("record discarded: %v", err)
	}

	rows, err := jr.List(ctx, ListFilter{UserID: 9})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 1 || rows[0].State != string(dispatchdomain.StateDiscarded) {
		t.Fatalf("expected a single discarded row, got %+v", rows)
	}

	var snap analytics.Snapshot
	if err := json.Unmarshal(rows[0].Snapshot, &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.TotalExpense.Minor() != 4_200 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestListFiltersByState(t *testing.T) {
	jr := setupJournal(t)
	ctx := context.Background()

	delivered := job(t, 1, 9, time.January)
	delivered.State = dispatchdomain.StateDelivered
	abandoned := job(t, 2, 9, time.February)
	abandoned.State = dispatchdomain.StateAbandoned
	abandoned.Attempts = 3
	abandoned.LastError = "amqp publish nacked"
	other := job(t, 3, 10, time.February)
	other.State = dispatchdomain.StateAbandoned

	for _, j := range []*dispatchdomain.Job{delivered, abandoned, other} {
		if err := jr.Record(ctx, j); err != nil {
			t.Fatalf("record %d: %v", j.ID, err)
		}
	}

	rows, err := jr.List(ctx, ListFilter{State: "abandoned"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 abandoned rows, got %d", len(rows))
	}

	rows, err = jr.List(ctx, ListFilter{UserID: 9, State: dispatchdomain.StateAbandoned})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 1 || rows[0].LastError != "amqp publish nacked" || rows[0].Attempts != 3 {
		t.Fatalf("unexpected rows %+v", rows)
	}
}
