package analytics

import (
	"context"
	"fmt"
	"slices"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	ledgerdomain "github.com/smallbiznis/finsight/internal/ledger/domain"
	"github.com/smallbiznis/finsight/internal/money"
	obsmetrics "github.com/smallbiznis/finsight/internal/observability/metrics"
	"github.com/smallbiznis/finsight/internal/period"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const basisPoints = 10_000

// Computer produces the snapshot for one user window.
type Computer interface {
	Compute(ctx context.Context, userID snowflake.ID, window period.Window, freq period.Frequency) (Snapshot, error)
}

type Params struct {
	fx.In

	Reader     ledgerdomain.Reader
	Log        *zap.Logger
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Aggregator struct {
	reader     ledgerdomain.Reader
	log        *zap.Logger
	obsMetrics *obsmetrics.Metrics
}

func NewAggregator(p Params) *Aggregator {
	return &Aggregator{
		reader:     p.Reader,
		log:        p.Log.Named("analytics.aggregator"),
		obsMetrics: p.ObsMetrics,
	}
}

// Compute reads the window and the one before it. Ledger failures are
// returned as-is so callers can tell storage outages from data errors.
func (a *Aggregator) Compute(ctx context.Context, userID snowflake.ID, window period.Window, freq period.Frequency) (Snapshot, error) {
	window = period.Window{Start: period.Normalize(window.Start), End: period.Normalize(window.End)}
	previous, err := period.Previous(window, freq)
	if err != nil {
		return Snapshot{}, err
	}

	current, err := a.reader.Aggregate(ctx, userID, window)
	if err != nil {
		return Snapshot{}, fmt.Errorf("aggregate current window: %w", err)
	}
	prior, err := a.reader.Aggregate(ctx, userID, previous)
	if err != nil {
		return Snapshot{}, fmt.Errorf("aggregate previous window: %w", err)
	}

	snapshot := Build(userID, freq, window, current)
	snapshot.Trend = buildTrend(previous, current, prior)

	a.obsMetrics.RecordSnapshotComputed(ctx, string(freq), snapshot.Trend.Available)
	a.log.Debug("analytics.snapshot.computed",
		zap.String("user_id", userID.String()),
		zap.String("window", window.String()),
		zap.Int64("transaction_count", snapshot.TransactionCount),
		zap.Bool("trend_available", snapshot.Trend.Available),
	)
	return snapshot, nil
}

// Build derives the window totals part of a snapshot. Trend is left unavailable.
func Build(userID snowflake.ID, freq period.Frequency, window period.Window, totals ledgerdomain.Totals) Snapshot {
	net := totals.Income.Sub(totals.Expense)
	return Snapshot{
		UserID:           userID,
		Frequency:        freq,
		Window:           window,
		Currency:         money.Currency,
		TotalIncome:      totals.Income,
		TotalExpense:     totals.Expense,
		Net:              net,
		SavingsRateBps:   ratioBps(net, totals.Income),
		ExpenseRatioBps:  ratioBps(totals.Expense, totals.Income),
		TransactionCount: totals.TransactionCount,
		ExpenseBreakdown: breakdown(totals.ExpenseByCategory, totals.Expense),
		IncomeBreakdown:  breakdown(totals.IncomeByCategory, totals.Income),
		Trend:            Trend{Available: false},
	}
}

func buildTrend(previousWindow period.Window, current, prior ledgerdomain.Totals) Trend {
	trend := Trend{PreviousWindow: previousWindow}
	if !prior.HasData() {
		return trend
	}

	incomeDelta := current.Income.Sub(prior.Income)
	expenseDelta := current.Expense.Sub(prior.Expense)
	netDelta := current.Income.Sub(current.Expense).Sub(prior.Income.Sub(prior.Expense))

	trend.Available = true
	trend.IncomeDelta = &incomeDelta
	trend.ExpenseDelta = &expenseDelta
	trend.NetDelta = &netDelta
	trend.IncomeChangeBps = changeBps(current.Income, prior.Income)
	trend.ExpenseChangeBps = changeBps(current.Expense, prior.Expense)
	trend.Categories = categoryDeltas(current.ExpenseByCategory, prior.ExpenseByCategory)
	return trend
}

func breakdown(totals map[string]ledgerdomain.CategoryTotal, sum money.Money) Breakdown {
	out := make(Breakdown, 0, len(totals))
	for _, category := range sortedKeys(totals) {
		total := totals[category]
		share := int64(0)
		if bps := ratioBps(total.Amount, sum); bps != nil {
			share = *bps
		}
		out = append(out, CategoryAmount{
			Category: category,
			Amount:   total.Amount,
			ShareBps: share,
			Count:    total.Count,
		})
	}
	return out
}

func categoryDeltas(current, prior map[string]ledgerdomain.CategoryTotal) []CategoryDelta {
	union := make(map[string]ledgerdomain.CategoryTotal, len(current)+len(prior))
	for k, v := range current {
		union[k] = v
	}
	for k := range prior {
		if _, ok := union[k]; !ok {
			union[k] = ledgerdomain.CategoryTotal{}
		}
	}

	out := make([]CategoryDelta, 0, len(union))
	for _, category := range sortedKeys(union) {
		cur := current[category].Amount
		prev := prior[category].Amount
		out = append(out, CategoryDelta{
			Category:  category,
			Current:   cur,
			Previous:  prev,
			Delta:     cur.Sub(prev),
			ChangeBps: changeBps(cur, prev),
		})
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// ratioBps is part/whole in basis points, rounded half away from zero. It is
// nil when whole is zero.
func ratioBps(part, whole money.Money) *int64 {
	if whole.IsZero() {
		return nil
	}
	v := decimal.NewFromInt(part.Minor()).
		Mul(decimal.NewFromInt(basisPoints)).
		DivRound(decimal.NewFromInt(whole.Minor()), 0).
		IntPart()
	return &v
}

// changeBps is the relative change from prev to cur in basis points of |prev|.
func changeBps(cur, prev money.Money) *int64 {
	if prev.IsZero() {
		return nil
	}
	base := prev
	if base.Sign() < 0 {
		base = base.Neg()
	}
	return ratioBps(cur.Sub(prev), base)
}

var _ Computer = (*Aggregator)(nil)
