package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/finsight/internal/period"
)

var (
	ErrStorageUnavailable = errors.New("storage_unavailable")
	ErrInvalidUser        = errors.New("invalid_user")
	ErrInvalidWindow      = errors.New("invalid_window")
)

// Reader is the read-only query surface over transaction storage.
type Reader interface {
	Aggregate(ctx context.Context, userID snowflake.ID, window period.Window) (Totals, error)
}
