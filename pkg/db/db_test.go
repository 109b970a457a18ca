package db

import (
	"errors"
	"fmt"
	"testing"

	"github.com/smallbiznis/finsight/internal/config"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestDialect(t *testing.T) {
	for _, typ := range []string{"postgres", "mysql", "sqlite"} {
		d, err := Dialect(Config{Type: typ, Name: "finsight"})
		if err != nil {
			t.Fatalf("dialect %s: %v", typ, err)
		}
		if d.Name() != typ {
			t.Fatalf("expected %s dialector, got %s", typ, d.Name())
		}
	}
	if _, err := Dialect(Config{Type: "oracle"}); err == nil {
		t.Fatalf("expected unsupported type error")
	}
}

func TestFromAppConfigNormalizesType(t *testing.T) {
	cfg := FromAppConfig(config.Config{DBType: " Postgres ", DBName: "finsight", DBConnMaxLifetime: 60})
	if cfg.Type != "postgres" || cfg.Name != "finsight" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.connMaxLifetime().Seconds() != 60 {
		t.Fatalf("unexpected lifetime %s", cfg.connMaxLifetime())
	}
}

func TestOpenSQLite(t *testing.T) {
	lc := fxtest.NewLifecycle(t)
	conn, err := Open(lc, Config{
		Type:        "sqlite",
		Name:        "file:" + t.Name() + "?mode=memory&cache=shared",
		MaxOpenConn: 1,
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	var one int
	if err := conn.Raw("SELECT 1").Scan(&one).Error; err != nil || one != 1 {
		t.Fatalf("query: %v (%d)", err, one)
	}
	lc.RequireStart().RequireStop()
}

func TestIsDuplicateKeyErr(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{gorm.ErrDuplicatedKey, true},
		{fmt.Errorf("insert: %w", gorm.ErrDuplicatedKey), true},
		{errors.New("UNIQUE constraint failed: report_dispatches.id"), true},
		{errors.New("ERROR: duplicate key value violates unique constraint \"report_dispatches_pkey\""), true},
		{errors.New("connection refused"), false},
	}
	for _, tc := range cases {
		if got := IsDuplicateKeyErr(tc.err); got != tc.want {
			t.Fatalf("IsDuplicateKeyErr(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}
