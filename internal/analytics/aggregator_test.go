package analytics

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/smallbiznis/finsight/internal/ledger/domain"
	"github.com/smallbiznis/finsight/internal/money"
	"github.com/smallbiznis/finsight/internal/period"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeReader struct {
	byStart map[time.Time]ledgerdomain.Totals
	err     error
	calls   []period.Window
}

func (r *fakeReader) Aggregate(_ context.Context, _ snowflake.ID, w period.Window) (ledgerdomain.Totals, error) {
	r.calls = append(r.calls, w)
	if r.err != nil {
		return ledgerdomain.Totals{}, r.err
	}
	return r.byStart[w.Start], nil
}

func month(m time.Month) time.Time {
	return time.Date(2024, m, 1, 0, 0, 0, 0, time.UTC)
}

func totals(income, expense int64, categories map[string]int64) ledgerdomain.Totals {
	t := ledgerdomain.Totals{
		Income:            money.FromMinor(income),
		Expense:           money.FromMinor(expense),
		IncomeByCategory:  map[string]ledgerdomain.CategoryTotal{},
		ExpenseByCategory: map[string]ledgerdomain.CategoryTotal{},
	}
	if income > 0 {
		t.IncomeByCategory["salary"] = ledgerdomain.CategoryTotal{Amount: money.FromMinor(income), Count: 1}
		t.TransactionCount++
	}
	for k, v := range categories {
		t.ExpenseByCategory[k] = ledgerdomain.CategoryTotal{Amount: money.FromMinor(v), Count: 1}
		t.TransactionCount++
	}
	return t
}

func newAggregator(reader ledgerdomain.Reader) *Aggregator {
	return NewAggregator(Params{Reader: reader, Log: zap.NewNop()})
}

func TestComputeWithTrend(t *testing.T) {
	reader := &fakeReader{byStart: map[time.Time]ledgerdomain.Totals{
		month(2): totals(10_000_00, 6_000_00, map[string]int64{"rent": 4_000_00, "food": 2_000_00}),
		month(1): totals(8_000_00, 5_000_00, map[string]int64{"rent": 4_000_00, "fuel": 1_000_00}),
	}}
	window := period.Window{Start: month(2), End: month(3)}

	snap, err := newAggregator(reader).Compute(context.Background(), snowflake.ID(1), window, period.FrequencyMonthly)
	require.NoError(t, err)

	require.Len(t, reader.calls, 2)
	assert.Equal(t, period.Window{Start: month(1), End: month(2)}, reader.calls[1])

	assert.Equal(t, int64(4_000_00), snap.Net.Minor())
	require.NotNil(t, snap.SavingsRateBps)
	assert.Equal(t, int64(4000), *snap.SavingsRateBps)
	require.NotNil(t, snap.ExpenseRatioBps)
	assert.Equal(t, int64(6000), *snap.ExpenseRatioBps)

	require.Len(t, snap.ExpenseBreakdown, 2)
	assert.Equal(t, "food", snap.ExpenseBreakdown[0].Category)
	assert.Equal(t, "rent", snap.ExpenseBreakdown[1].Category)
	assert.Equal(t, int64(6667), snap.ExpenseBreakdown[1].ShareBps)

	require.True(t, snap.Trend.Available)
	assert.Equal(t, int64(2_000_00), snap.Trend.IncomeDelta.Minor())
	assert.Equal(t, int64(1_000_00), snap.Trend.ExpenseDelta.Minor())
	assert.Equal(t, int64(1_000_00), snap.Trend.NetDelta.Minor())
	assert.Equal(t, int64(2500), *snap.Trend.IncomeChangeBps)
	assert.Equal(t, int64(2000), *snap.Trend.ExpenseChangeBps)

	require.Len(t, snap.Trend.Categories, 3)
	assert.Equal(t, []string{"food", "fuel", "rent"}, []string{
		snap.Trend.Categories[0].Category,
		snap.Trend.Categories[1].Category,
		snap.Trend.Categories[2].Category,
	})
	assert.Nil(t, snap.Trend.Categories[0].ChangeBps)
	assert.Equal(t, int64(-10000), *snap.Trend.Categories[1].ChangeBps)
	assert.Equal(t, int64(0), *snap.Trend.Categories[2].ChangeBps)
}

func TestComputeMarksTrendUnavailableWithoutPriorData(t *testing.T) {
	reader := &fakeReader{byStart: map[time.Time]ledgerdomain.Totals{
		month(1): totals(0, 1_500, map[string]int64{"food": 1_500}),
	}}
	snap, err := newAggregator(reader).Compute(context.Background(), snowflake.ID(1),
		period.Window{Start: month(1), End: month(2)}, period.FrequencyMonthly)
	require.NoError(t, err)

	assert.False(t, snap.Trend.Available)
	assert.Nil(t, snap.Trend.IncomeDelta)
	assert.Nil(t, snap.Trend.ExpenseChangeBps)
	assert.Nil(t, snap.SavingsRateBps)
	assert.Equal(t, int64(-1_500), snap.Net.Minor())
}

func TestComputeIsDeterministic(t *testing.T) {
	build := func() ledgerdomain.Totals {
		cats := map[string]int64{}
		for i, name := range []string{"zeta", "alpha", "mid", "beta", "omega", "gamma"} {
			cats[name] = int64(100 * (i + 1))
		}
		return totals(50_000, 2_100, cats)
	}
	reader := &fakeReader{byStart: map[time.Time]ledgerdomain.Totals{
		month(3): build(),
		month(2): build(),
	}}
	agg := newAggregator(reader)
	window := period.Window{Start: month(3), End: month(4)}

	first, err := agg.Compute(context.Background(), snowflake.ID(9), window, period.FrequencyMonthly)
	require.NoError(t, err)
	a, err := first.MarshalCanonical()
	require.NoError(t, err)
	fa, err := first.Fingerprint()
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		next, err := agg.Compute(context.Background(), snowflake.ID(9), window, period.FrequencyMonthly)
		require.NoError(t, err)
		b, err := next.MarshalCanonical()
		require.NoError(t, err)
		if !bytes.Equal(a, b) {
			t.Fatalf("snapshot encoding differs on run %d", i)
		}
		fb, _ := next.Fingerprint()
		if fa != fb {
			t.Fatalf("fingerprint differs on run %d", i)
		}
	}
}

func TestComputePropagatesStorageErrors(t *testing.T) {
	reader := &fakeReader{err: ledgerdomain.ErrStorageUnavailable}
	_, err := newAggregator(reader).Compute(context.Background(), snowflake.ID(1),
		period.Window{Start: month(1), End: month(2)}, period.FrequencyMonthly)
	if !errors.Is(err, ledgerdomain.ErrStorageUnavailable) {
		t.Fatalf("expected ErrStorageUnavailable, got %v", err)
	}
}

func TestFormatted(t *testing.T) {
	snap := Build(snowflake.ID(1), period.FrequencyMonthly, period.Window{Start: month(1), End: month(2)},
		totals(12_345_678, 51_200, map[string]int64{"food": 51_200}))
	f := snap.Formatted()
	assert.Equal(t, "₹1,23,456.78", f.TotalIncome)
	assert.Equal(t, "₹512.00", f.Categories["food"])
}

func TestComputeMonthEndTrendUsesDispatchedPreviousWindow(t *testing.T) {
	jan31 := time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)
	feb29 := time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC)
	mar31 := time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC)
	reader := &fakeReader{byStart: map[time.Time]ledgerdomain.Totals{
		feb29: totals(10_000_00, 6_000_00, nil),
		jan31: totals(8_000_00, 5_000_00, nil),
	}}

	snap, err := newAggregator(reader).Compute(context.Background(), snowflake.ID(1), period.Window{Start: feb29, End: mar31}, period.FrequencyMonthly)
	require.NoError(t, err)

	require.Len(t, reader.calls, 2)
	assert.Equal(t, period.Window{Start: jan31, End: feb29}, reader.calls[1])
	assert.True(t, snap.Trend.Available)
}
