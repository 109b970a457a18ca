package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	ledgerdomain "github.com/smallbiznis/finsight/internal/ledger/domain"
	"github.com/smallbiznis/finsight/internal/period"
	reportsettingdomain "github.com/smallbiznis/finsight/internal/reportsetting/domain"
	"gorm.io/gorm"
)

const (
	SchedulerJobReasonDeadlineExceeded     = "deadline_exceeded"
	SchedulerJobReasonStorageUnavailable   = "storage_unavailable"
	SchedulerJobReasonStaleWrite           = "stale_write"
	SchedulerJobReasonInvalidFrequency     = "invalid_frequency"
	SchedulerJobReasonDBLockTimeout        = "db_lock_timeout"
	SchedulerJobReasonSerializationFailure = "serialization_failure"
	SchedulerJobReasonUniqueViolation      = "unique_violation"
	SchedulerJobReasonUnknown              = "unknown"
)

// Window outcomes recorded per processed report window.
const (
	WindowOutcomeDelivered = "delivered"
	WindowOutcomeAbandoned = "abandoned"
	WindowOutcomeDiscarded = "discarded"
	WindowOutcomeFailed    = "failed"
)

// SchedulerMetrics captures report scheduler health signals.
type SchedulerMetrics struct {
	jobRuns          *prometheus.CounterVec
	jobDuration      *prometheus.HistogramVec
	jobTimeouts      *prometheus.CounterVec
	jobErrors        *prometheus.CounterVec
	runLoopLag       prometheus.Observer
	candidates       prometheus.Counter
	windowOutcomes   *prometheus.CounterVec
	dispatchAttempts *prometheus.CounterVec
	staleWrites      prometheus.Counter
	inFlightSkips    prometheus.Counter
	inFlight         prometheus.Gauge
	outcomeCounters  map[string]map[string]prometheus.Counter
}

var (
	schedulerMetricsOnce sync.Once
	schedulerMetrics     *SchedulerMetrics
)

// Scheduler returns the singleton scheduler metrics registry.
func Scheduler() *SchedulerMetrics {
	return SchedulerWithConfig(Config{})
}

// SchedulerWithConfig returns the singleton scheduler metrics registry using config labels.
func SchedulerWithConfig(cfg Config) *SchedulerMetrics {
	schedulerMetricsOnce.Do(func() {
		schedulerMetrics = newSchedulerMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return schedulerMetrics
}

// ResetSchedulerMetricsForTest resets the scheduler metrics singleton for tests.
func ResetSchedulerMetricsForTest() {
	schedulerMetricsOnce = sync.Once{}
	schedulerMetrics = nil
}

func newSchedulerMetrics(registerer prometheus.Registerer, cfg Config) *SchedulerMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "finsight"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	jobRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "finsight_scheduler_job_runs_total",
		Help:        "Scheduler job runs by name.",
		ConstLabels: constLabels,
	}, []string{"job"})
	jobDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "finsight_scheduler_job_duration_seconds",
		Help:        "Scheduler job latency.",
		Buckets:     []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60, 120, 300},
		ConstLabels: constLabels,
	}, []string{"job"})
	jobTimeouts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "finsight_scheduler_job_timeouts_total",
		Help:        "Scheduler job timeouts.",
		ConstLabels: constLabels,
	}, []string{"job"})
	jobErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "finsight_scheduler_job_errors_total",
		Help:        "Scheduler job errors by low-cardinality reason.",
		ConstLabels: constLabels,
	}, []string{"job", "reason"})
	runLoopLag := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "finsight_scheduler_runloop_lag_seconds",
		Help:        "Scheduler run loop lag beyond the configured interval.",
		Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		ConstLabels: constLabels,
	})
	candidates := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "finsight_scheduler_candidates_total",
		Help:        "Users found due by the scheduler scan.",
		ConstLabels: constLabels,
	})
	windowOutcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "finsight_report_window_outcomes_total",
		Help:        "Report windows processed by frequency and outcome.",
		ConstLabels: constLabels,
	}, []string{"frequency", "outcome"})
	dispatchAttempts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "finsight_report_dispatch_attempts_total",
		Help:        "Sink delivery attempts by result.",
		ConstLabels: constLabels,
	}, []string{"result"})
	staleWrites := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "finsight_report_stale_writes_total",
		Help:        "Dispatch commits rejected because another worker advanced the cursor.",
		ConstLabels: constLabels,
	})
	inFlightSkips := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "finsight_scheduler_inflight_skips_total",
		Help:        "Candidates skipped because an earlier tick still processes the user.",
		ConstLabels: constLabels,
	})
	inFlight := prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        "finsight_scheduler_inflight_users",
		Help:        "Users currently being processed.",
		ConstLabels: constLabels,
	})

	registerer.MustRegister(
		jobRuns,
		jobDuration,
		jobTimeouts,
		jobErrors,
		runLoopLag,
		candidates,
		windowOutcomes,
		dispatchAttempts,
		staleWrites,
		inFlightSkips,
		inFlight,
	)

	outcomeCounters := map[string]map[string]prometheus.Counter{}
	for _, freq := range []period.Frequency{period.FrequencyDaily, period.FrequencyWeekly, period.FrequencyMonthly} {
		byOutcome := map[string]prometheus.Counter{}
		for _, outcome := range []string{WindowOutcomeDelivered, WindowOutcomeAbandoned, WindowOutcomeDiscarded, WindowOutcomeFailed} {
			byOutcome[outcome] = windowOutcomes.WithLabelValues(string(freq), outcome)
		}
		outcomeCounters[string(freq)] = byOutcome
	}

	return &SchedulerMetrics{
		jobRuns:          jobRuns,
		jobDuration:      jobDuration,
		jobTimeouts:      jobTimeouts,
		jobErrors:        jobErrors,
		runLoopLag:       runLoopLag,
		candidates:       candidates,
		windowOutcomes:   windowOutcomes,
		dispatchAttempts: dispatchAttempts,
		staleWrites:      staleWrites,
		inFlightSkips:    inFlightSkips,
		inFlight:         inFlight,
		outcomeCounters:  outcomeCounters,
	}
}

// IncJobRun increments the run counter for a scheduler job.
func (m *SchedulerMetrics) IncJobRun(job string) {
	if m == nil || m.jobRuns == nil {
		return
	}
	m.jobRuns.WithLabelValues(job).Inc()
}

// ObserveJobDuration records scheduler job latency in seconds.
func (m *SchedulerMetrics) ObserveJobDuration(job string, duration time.Duration) {
	if m == nil || m.jobDuration == nil {
		return
	}
	m.jobDuration.WithLabelValues(job).Observe(duration.Seconds())
}

// IncJobTimeout increments the timeout counter for the scheduler job.
func (m *SchedulerMetrics) IncJobTimeout(job string) {
	if m == nil || m.jobTimeouts == nil {
		return
	}
	m.jobTimeouts.WithLabelValues(job).Inc()
}

// IncJobError increments the scheduler job error counter with classification.
func (m *SchedulerMetrics) IncJobError(job string, err error) {
	if m == nil || err == nil || m.jobErrors == nil {
		return
	}
	m.jobErrors.WithLabelValues(job, ClassifySchedulerJobReason(err)).Inc()
}

// ObserveRunLoopLag records lag between the scheduled tick and actual run start.
func (m *SchedulerMetrics) ObserveRunLoopLag(duration time.Duration) {
	if m == nil || m.runLoopLag == nil {
		return
	}
	lag := duration
	if lag < 0 {
		lag = 0
	}
	m.runLoopLag.Observe(lag.Seconds())
}

// AddCandidates counts users returned by a scan.
func (m *SchedulerMetrics) AddCandidates(count int) {
	if m == nil || count <= 0 || m.candidates == nil {
		return
	}
	m.candidates.Add(float64(count))
}

// IncWindowOutcome counts one processed window.
func (m *SchedulerMetrics) IncWindowOutcome(frequency, outcome string) {
	if m == nil || m.windowOutcomes == nil {
		return
	}
	if byOutcome, ok := m.outcomeCounters[frequency]; ok {
		if counter, ok := byOutcome[outcome]; ok {
			counter.Inc()
			return
		}
	}
	m.windowOutcomes.WithLabelValues(frequency, outcome).Inc()
}

// IncDispatchAttempt counts one sink delivery attempt.
func (m *SchedulerMetrics) IncDispatchAttempt(result string) {
	if m == nil || m.dispatchAttempts == nil {
		return
	}
	m.dispatchAttempts.WithLabelValues(result).Inc()
}

func (m *SchedulerMetrics) IncStaleWrite() {
	if m == nil || m.staleWrites == nil {
		return
	}
	m.staleWrites.Inc()
}

func (m *SchedulerMetrics) IncInFlightSkip() {
	if m == nil || m.inFlightSkips == nil {
		return
	}
	m.inFlightSkips.Inc()
}

// SetInFlight reports the size of the in-flight user set.
func (m *SchedulerMetrics) SetInFlight(count int) {
	if m == nil || m.inFlight == nil {
		return
	}
	m.inFlight.Set(float64(count))
}

// ClassifySchedulerJobReason maps scheduler job errors to low-cardinality reasons.
func ClassifySchedulerJobReason(err error) string {
	if err == nil {
		return SchedulerJobReasonUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return SchedulerJobReasonDeadlineExceeded
	}
	if errors.Is(err, reportsettingdomain.ErrStaleWrite) {
		return SchedulerJobReasonStaleWrite
	}
	if errors.Is(err, period.ErrInvalidFrequency) {
		return SchedulerJobReasonInvalidFrequency
	}
	if isDBLockTimeout(err) {
		return SchedulerJobReasonDBLockTimeout
	}
	if isSerializationFailure(err) {
		return SchedulerJobReasonSerializationFailure
	}
	if isUniqueViolation(err) {
		return SchedulerJobReasonUniqueViolation
	}
	if errors.Is(err, ledgerdomain.ErrStorageUnavailable) ||
		errors.Is(err, reportsettingdomain.ErrStorageUnavailable) ||
		isDBError(err) {
		return SchedulerJobReasonStorageUnavailable
	}
	return SchedulerJobReasonUnknown
}

func isDBLockTimeout(err error) bool {
	return hasPGCode(err, "55P03")
}

func isSerializationFailure(err error) bool {
	return hasPGCode(err, "40001")
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return hasPGCode(err, "23505")
}

func hasPGCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}

func isDBError(err error) bool {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false
	}
	if errors.Is(err, gorm.ErrInvalidDB) ||
		errors.Is(err, gorm.ErrInvalidTransaction) ||
		errors.Is(err, gorm.ErrInvalidField) ||
		errors.Is(err, gorm.ErrInvalidData) ||
		errors.Is(err, gorm.ErrMissingWhereClause) ||
		errors.Is(err, gorm.ErrUnsupportedDriver) ||
		errors.Is(err, gorm.ErrInvalidValue) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr)
}
