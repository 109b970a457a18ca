package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/smallbiznis/finsight/internal/analytics"
	"github.com/smallbiznis/finsight/internal/clock"
	dispatchdomain "github.com/smallbiznis/finsight/internal/dispatch/domain"
	ledgerdomain "github.com/smallbiznis/finsight/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/finsight/internal/observability/metrics"
	"github.com/smallbiznis/finsight/internal/period"
	reportsettingdomain "github.com/smallbiznis/finsight/internal/reportsetting/domain"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var jan1 = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)

type memStore struct {
	mu         sync.Mutex
	settings   map[snowflake.ID]reportsettingdomain.ReportSetting
	recordErr  map[snowflake.ID]error
	listErr    error
	recorded   []period.Window
	listCalled int
}

func newMemStore(settings ...reportsettingdomain.ReportSetting) *memStore {
	s := &memStore{
		settings:  map[snowflake.ID]reportsettingdomain.ReportSetting{},
		recordErr: map[snowflake.ID]error{},
	}
	for _, setting := range settings {
		s.settings[setting.UserID] = setting
	}
	return s
}

func (s *memStore) EnsureDefault(context.Context, snowflake.ID, time.Time) (reportsettingdomain.ReportSetting, error) {
	return reportsettingdomain.ReportSetting{}, errors.New("not used")
}

func (s *memStore) Get(_ context.Context, userID snowflake.ID) (reportsettingdomain.ReportSetting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	setting, ok := s.settings[userID]
	if !ok {
		return reportsettingdomain.ReportSetting{}, reportsettingdomain.ErrNotFound
	}
	return setting, nil
}

func (s *memStore) UpdateSettings(context.Context, snowflake.ID, reportsettingdomain.UpdateSettingsRequest) (reportsettingdomain.ReportSetting, error) {
	return reportsettingdomain.ReportSetting{}, errors.New("not used")
}

func (s *memStore) ListDueCandidates(_ context.Context, asOf time.Time) ([]reportsettingdomain.Candidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listCalled++
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []reportsettingdomain.Candidate
	for _, setting := range s.settings {
		if !setting.IsEnabled || !setting.Schedule().IsDue(setting.Cursor(), asOf) {
			continue
		}
		due, _ := setting.NextDueAt()
		out = append(out, reportsettingdomain.Candidate{Setting: setting, NextDueAt: due})
	}
	return out, nil
}

func (s *memStore) RecordDispatch(_ context.Context, userID snowflake.ID, window period.Window) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.recordErr[userID]; err != nil {
		return err
	}
	setting := s.settings[userID]
	if !setting.Cursor().Equal(window.Start) {
		return reportsettingdomain.ErrStaleWrite
	}
	end := window.End
	setting.LastDispatchedAt = &end
	s.settings[userID] = setting
	s.recorded = append(s.recorded, window)
	return nil
}

func (s *memStore) cursor(userID snowflake.ID) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings[userID].Cursor()
}

type fakeComputer struct {
	failFor map[snowflake.ID]error
}

func (c *fakeComputer) Compute(_ context.Context, userID snowflake.ID, window period.Window, freq period.Frequency) (analytics.Snapshot, error) {
	if err := c.failFor[userID]; err != nil {
		return analytics.Snapshot{}, err
	}
	return analytics.Build(userID, freq, window, ledgerdomain.Totals{}), nil
}

// fakeDispatcher delivers unless abandon returns true for the job.
type fakeDispatcher struct {
	mu      sync.Mutex
	jobs    []*dispatchdomain.Job
	abandon func(job *dispatchdomain.Job) bool
	block   chan struct{}
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, job *dispatchdomain.Job, _ dispatchdomain.RetryPolicy) dispatchdomain.Outcome {
	if d.block != nil {
		select {
		case <-d.block:
		case <-ctx.Done():
		}
	}
	d.mu.Lock()
	d.jobs = append(d.jobs, job)
	abandon := d.abandon != nil && d.abandon(job)
	d.mu.Unlock()

	job.Attempts = 1
	if abandon || ctx.Err() != nil {
		job.State = dispatchdomain.StateAbandoned
		return dispatchdomain.OutcomeTransientFailure
	}
	job.State = dispatchdomain.StateDelivered
	return dispatchdomain.OutcomeDelivered
}

func (d *fakeDispatcher) windows() []period.Window {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]period.Window, 0, len(d.jobs))
	for _, job := range d.jobs {
		out = append(out, job.Window)
	}
	return out
}

type memJournal struct {
	mu     sync.Mutex
	states map[string]dispatchdomain.State
}

func (j *memJournal) Record(_ context.Context, job *dispatchdomain.Job) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.states == nil {
		j.states = map[string]dispatchdomain.State{}
	}
	j.states[job.IdempotencyKey()] = job.State
	return nil
}

type harness struct {
	store      *memStore
	computer   *fakeComputer
	dispatcher *fakeDispatcher
	journal    *memJournal
	clock      *clock.FakeClock
	scheduler  *Scheduler
}

func newHarness(t *testing.T, now time.Time, cfg Config, settings ...reportsettingdomain.ReportSetting) *harness {
	t.Helper()
	registry := prometheus.NewRegistry()
	t.Cleanup(swapPrometheusRegistry(registry))
	obsmetrics.ResetSchedulerMetricsForTest()

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	h := &harness{
		store:      newMemStore(settings...),
		computer:   &fakeComputer{failFor: map[snowflake.ID]error{}},
		dispatcher: &fakeDispatcher{},
		journal:    &memJournal{},
		clock:      clock.NewFakeClock(now),
	}
	h.scheduler, err = New(Params{
		Store:      h.store,
		Aggregator: h.computer,
		Dispatcher: h.dispatcher,
		Journal:    h.journal,
		Log:        zap.NewNop(),
		GenID:      node,
		Clock:      h.clock,
		Config:     cfg,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.scheduler.Shutdown(context.Background()) })
	return h
}

func setting(id int64, freq period.Frequency, anchor time.Time) reportsettingdomain.ReportSetting {
	return reportsettingdomain.ReportSetting{
		UserID:    snowflake.ID(id),
		IsEnabled: true,
		Frequency: freq,
		AnchorAt:  anchor,
		CreatedAt: anchor,
		UpdatedAt: anchor,
	}
}

func tick(t *testing.T, s *Scheduler) TickSummary {
	t.Helper()
	run, err := s.Tick(context.Background())
	require.NoError(t, err)
	return run.Wait()
}

func TestTickCatchesUpMissedWindowsInOrder(t *testing.T) {
	h := newHarness(t, jan1.AddDate(0, 0, 3).Add(5*time.Second), Config{}, setting(7, period.FrequencyDaily, jan1))

	summary := tick(t, h.scheduler)
	require.NoError(t, summary.Err)
	require.Equal(t, 1, summary.Candidates)
	require.Equal(t, 3, summary.Delivered)

	got := h.dispatcher.windows()
	require.Len(t, got, 3)
	for i, w := range got {
		require.Equal(t, jan1.AddDate(0, 0, i), w.Start)
		require.Equal(t, jan1.AddDate(0, 0, i+1), w.End)
	}
	require.Equal(t, jan1.AddDate(0, 0, 3), h.store.cursor(7))
	require.Equal(t, StateIdle, h.scheduler.State())
}

func TestTickDoesNothingBeforeWindowCloses(t *testing.T) {
	h := newHarness(t, jan1.Add(23*time.Hour), Config{}, setting(7, period.FrequencyDaily, jan1))

	summary := tick(t, h.scheduler)
	require.Zero(t, summary.Candidates)
	require.Empty(t, h.dispatcher.windows())
}

func TestAbandonedWindowIsOfferedAgainNextTick(t *testing.T) {
	h := newHarness(t, jan1.AddDate(0, 0, 2), Config{}, setting(7, period.FrequencyDaily, jan1))
	h.dispatcher.abandon = func(*dispatchdomain.Job) bool { return true }

	summary := tick(t, h.scheduler)
	require.Equal(t, 1, summary.Abandoned)
	require.Zero(t, summary.Delivered)
	require.Len(t, h.dispatcher.windows(), 1, "walk stops at the abandoned window")
	require.Equal(t, jan1, h.store.cursor(7))

	h.dispatcher.abandon = nil
	summary = tick(t, h.scheduler)
	require.Equal(t, 2, summary.Delivered)
	got := h.dispatcher.windows()
	require.Equal(t, got[0], got[1], "same window is re-offered")
	require.Equal(t, jan1.AddDate(0, 0, 2), h.store.cursor(7))
}

func TestStaleWriteDiscardsWindow(t *testing.T) {
	h := newHarness(t, jan1.AddDate(0, 0, 1), Config{}, setting(7, period.FrequencyDaily, jan1))
	h.store.recordErr[7] = reportsettingdomain.ErrStaleWrite

	summary := tick(t, h.scheduler)
	require.NoError(t, summary.Err)
	require.Equal(t, 1, summary.Discarded)

	key := dispatchdomain.IdempotencyKey(7, period.Window{Start: jan1, End: jan1.AddDate(0, 0, 1)})
	require.Equal(t, dispatchdomain.StateDiscarded, h.journal.states[key])
}

func TestStorageFailureIsIsolatedPerUser(t *testing.T) {
	h := newHarness(t, jan1.AddDate(0, 1, 0), Config{},
		setting(1, period.FrequencyMonthly, jan1),
		setting(2, period.FrequencyMonthly, jan1),
	)
	h.computer.failFor[1] = ledgerdomain.ErrStorageUnavailable

	summary := tick(t, h.scheduler)
	require.ErrorIs(t, summary.Err, ledgerdomain.ErrStorageUnavailable)
	require.Equal(t, 1, summary.Failed)
	require.Equal(t, 1, summary.Delivered)
	require.Equal(t, jan1, h.store.cursor(1))
	require.Equal(t, jan1.AddDate(0, 1, 0), h.store.cursor(2))
}

func TestScanFailureAbortsTick(t *testing.T) {
	h := newHarness(t, jan1.AddDate(0, 0, 1), Config{}, setting(7, period.FrequencyDaily, jan1))
	h.store.listErr = reportsettingdomain.ErrStorageUnavailable

	_, err := h.scheduler.Tick(context.Background())
	require.ErrorIs(t, err, reportsettingdomain.ErrStorageUnavailable)
	require.Equal(t, StateIdle, h.scheduler.State())
}

func TestInFlightUserIsSkipped(t *testing.T) {
	h := newHarness(t, jan1.AddDate(0, 0, 1), Config{}, setting(7, period.FrequencyDaily, jan1))
	h.dispatcher.block = make(chan struct{})

	first, err := h.scheduler.Tick(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.scheduler.State() == StateDispatching }, time.Second, time.Millisecond)

	second := tick(t, h.scheduler)
	require.Equal(t, 1, second.Skipped)
	require.Zero(t, second.Delivered)

	close(h.dispatcher.block)
	summary := first.Wait()
	require.Equal(t, 1, summary.Delivered)
	require.Len(t, h.dispatcher.windows(), 1)
}

func TestMaxWindowsPerTickBoundsCatchUp(t *testing.T) {
	h := newHarness(t, jan1.AddDate(0, 0, 5), Config{MaxWindowsPerTick: 2}, setting(7, period.FrequencyDaily, jan1))

	summary := tick(t, h.scheduler)
	require.Equal(t, 2, summary.Delivered)
	require.Equal(t, jan1.AddDate(0, 0, 2), h.store.cursor(7))

	summary = tick(t, h.scheduler)
	require.Equal(t, 2, summary.Delivered)
	require.Equal(t, jan1.AddDate(0, 0, 4), h.store.cursor(7))
}

func TestRunOnceRecordsWindowOutcomes(t *testing.T) {
	registry := prometheus.NewRegistry()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	store := newMemStore(setting(7, period.FrequencyWeekly, jan1))
	restore := swapPrometheusRegistry(registry)
	defer restore()
	obsmetrics.ResetSchedulerMetricsForTest()
	obsmetrics.SchedulerWithConfig(obsmetrics.Config{ServiceName: "finsight", Environment: "test"})

	s, err := New(Params{
		Store:      store,
		Aggregator: &fakeComputer{},
		Dispatcher: &fakeDispatcher{},
		Log:        zap.NewNop(),
		GenID:      node,
		Clock:      clock.NewFakeClock(jan1.AddDate(0, 0, 14)),
	})
	require.NoError(t, err)
	require.NoError(t, s.RunOnce(context.Background()))

	labels := map[string]string{
		"service":   "finsight",
		"env":       "test",
		"frequency": string(period.FrequencyWeekly),
		"outcome":   obsmetrics.WindowOutcomeDelivered,
	}
	require.Equal(t, float64(2), getCounterValue(t, registry, "finsight_report_window_outcomes_total", labels))
}

func TestNewRejectsInvalidCronSpec(t *testing.T) {
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	_, err = New(Params{
		Store:      newMemStore(),
		Aggregator: &fakeComputer{},
		Dispatcher: &fakeDispatcher{},
		Log:        zap.NewNop(),
		GenID:      node,
		Clock:      clock.NewFakeClock(jan1),
		Config:     Config{CronSpec: "every minute"},
	})
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestShutdownRejectsNewTicks(t *testing.T) {
	h := newHarness(t, jan1.AddDate(0, 0, 1), Config{}, setting(7, period.FrequencyDaily, jan1))
	require.NoError(t, h.scheduler.Shutdown(context.Background()))

	_, err := h.scheduler.Tick(context.Background())
	require.ErrorIs(t, err, ErrShuttingDown)
}

func TestShutdownCancelsBackgroundJobsAfterDeadline(t *testing.T) {
	h := newHarness(t, jan1.AddDate(0, 0, 1), Config{}, setting(7, period.FrequencyDaily, jan1))
	h.dispatcher.block = make(chan struct{})

	run, err := h.scheduler.Trigger(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, h.scheduler.Shutdown(ctx), context.DeadlineExceeded)

	summary := run.Wait()
	require.Equal(t, 1, summary.Abandoned)
	require.Equal(t, jan1, h.store.cursor(7))
}

func TestRunJobTimeoutDoesNotReturnErrorAndIncrementsTimeout(t *testing.T) {
	registry := prometheus.NewRegistry()
	restore := swapPrometheusRegistry(registry)
	defer restore()

	obsmetrics.ResetSchedulerMetricsForTest()
	obsmetrics.SchedulerWithConfig(obsmetrics.Config{
		ServiceName: "finsight",
		Environment: "test",
	})

	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}

	s := &Scheduler{log: zap.NewNop(), genID: node, clock: clock.NewFakeClock(time.Time{})}
	err = s.runJob(context.Background(), "timeout_job", 5*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	labels := map[string]string{
		"service": "finsight",
		"env":     "test",
		"job":     "timeout_job",
	}
	if got := getCounterValue(t, registry, "finsight_scheduler_job_timeouts_total", labels); got != 1 {
		t.Fatalf("expected timeout count 1, got %v", got)
	}

	errorLabels := map[string]string{
		"service": "finsight",
		"env":     "test",
		"job":     "timeout_job",
		"reason":  obsmetrics.SchedulerJobReasonDeadlineExceeded,
	}
	if got := getCounterValue(t, registry, "finsight_scheduler_job_errors_total", errorLabels); got != 1 {
		t.Fatalf("expected error count 1, got %v", got)
	}
}

func swapPrometheusRegistry(registry *prometheus.Registry) func() {
	oldRegisterer := prometheus.DefaultRegisterer
	oldGatherer := prometheus.DefaultGatherer
	prometheus.DefaultRegisterer = registry
	prometheus.DefaultGatherer = registry
	return func() {
		prometheus.DefaultRegisterer = oldRegisterer
		prometheus.DefaultGatherer = oldGatherer
		obsmetrics.ResetSchedulerMetricsForTest()
	}
}

func getCounterValue(t *testing.T, registry *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	metricFamilies, err := registry.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metricFamilies {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.Metric {
			if !labelsMatch(metric, labels) {
				continue
			}
			if metric.Counter == nil {
				t.Fatalf("metric %s is not a counter", name)
			}
			return metric.GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s with labels %v not found", name, labels)
	return 0
}

func labelsMatch(metric *dto.Metric, labels map[string]string) bool {
	if len(metric.Label) != len(labels) {
		return false
	}
	for _, label := range metric.Label {
		if labels[label.GetName()] != label.GetValue() {
			return false
		}
	}
	return true
}

type denyLease struct {
	mu       sync.Mutex
	held     map[snowflake.ID]bool
	released int
}

func (l *denyLease) Acquire(_ context.Context, userID snowflake.ID) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[userID] {
		return "", false, nil
	}
	return "token", true, nil
}

func (l *denyLease) Release(context.Context, snowflake.ID, string) error {
	l.mu.Lock()
	l.released++
	l.mu.Unlock()
	return nil
}

func TestLeaseHeldElsewhereSkipsUser(t *testing.T) {
	h := newHarness(t, jan1.AddDate(0, 0, 1), Config{},
		setting(1, period.FrequencyDaily, jan1),
		setting(2, period.FrequencyDaily, jan1),
	)
	lease := &denyLease{held: map[snowflake.ID]bool{1: true}}
	h.scheduler.lease = lease

	summary := tick(t, h.scheduler)
	require.Equal(t, 1, summary.Skipped)
	require.Equal(t, 1, summary.Delivered)
	require.Equal(t, jan1, h.store.cursor(1))
	require.Equal(t, 1, lease.released)
}
