package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/smallbiznis/finsight/internal/ledger/domain"
	"github.com/smallbiznis/finsight/internal/money"
	"github.com/smallbiznis/finsight/internal/period"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB  *gorm.DB
	Log *zap.Logger
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger
}

func NewService(p Params) *Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("ledger.service"),
	}
}

type categoryRow struct {
	Type     ledgerdomain.TransactionType
	Category string
	Total    int64
	TxCount  int64
}

// Aggregate sums committed transactions in [window.Start, window.End). The
// grouping runs as a single statement so the result reflects one snapshot of
// the table.
func (s *Service) Aggregate(ctx context.Context, userID snowflake.ID, window period.Window) (ledgerdomain.Totals, error) {
	if userID == 0 {
		return ledgerdomain.Totals{}, ledgerdomain.ErrInvalidUser
	}
	start, end := period.Normalize(window.Start), period.Normalize(window.End)
	if !start.Before(end) {
		return ledgerdomain.Totals{}, ledgerdomain.ErrInvalidWindow
	}

	var rows []categoryRow
	err := s.db.WithContext(ctx).Raw(
		`SELECT type, category, CAST(SUM(amount) AS BIGINT) AS total, COUNT(*) AS tx_count
		 FROM transactions
		 WHERE user_id = ?
		   AND status = ?
		   AND occurred_at >= ?
		   AND occurred_at < ?
		 GROUP BY type, category`,
		userID,
		ledgerdomain.TransactionStatusCompleted,
		start,
		end,
	).Scan(&rows).Error
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return ledgerdomain.Totals{}, err
		}
		return ledgerdomain.Totals{}, fmt.Errorf("%w: aggregate transactions: %w", ledgerdomain.ErrStorageUnavailable, err)
	}

	totals := ledgerdomain.Totals{
		IncomeByCategory:  map[string]ledgerdomain.CategoryTotal{},
		ExpenseByCategory: map[string]ledgerdomain.CategoryTotal{},
	}
	for _, row := range rows {
		amount := money.FromMinor(row.Total)
		entry := ledgerdomain.CategoryTotal{Amount: amount, Count: row.TxCount}
		switch row.Type {
		case ledgerdomain.TransactionTypeIncome:
			totals.Income = totals.Income.Add(amount)
			totals.IncomeByCategory[row.Category] = entry
		case ledgerdomain.TransactionTypeExpense:
			totals.Expense = totals.Expense.Add(amount)
			totals.ExpenseByCategory[row.Category] = entry
		default:
			s.log.Warn("ledger.aggregate.unknown_type",
				zap.String("user_id", userID.String()),
				zap.String("type", string(row.Type)),
			)
			continue
		}
		totals.TransactionCount += row.TxCount
	}
	return totals, nil
}

var _ ledgerdomain.Reader = (*Service)(nil)
