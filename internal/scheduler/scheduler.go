package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/robfig/cron/v3"
	"github.com/smallbiznis/finsight/internal/analytics"
	"github.com/smallbiznis/finsight/internal/clock"
	"github.com/smallbiznis/finsight/internal/config"
	dispatchdomain "github.com/smallbiznis/finsight/internal/dispatch/domain"
	obscontext "github.com/smallbiznis/finsight/internal/observability/context"
	obsmetrics "github.com/smallbiznis/finsight/internal/observability/metrics"
	"github.com/smallbiznis/finsight/internal/observability/tracing"
	"github.com/smallbiznis/finsight/internal/period"
	reportsettingdomain "github.com/smallbiznis/finsight/internal/reportsetting/domain"
	"github.com/smallbiznis/finsight/internal/scheduler/guard"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

var (
	ErrInvalidConfig = errors.New("invalid_scheduler_config")
	ErrShuttingDown  = errors.New("scheduler_shutting_down")
)

const (
	jobReportTick = "report_tick"
	jobReportScan = "report_scan"
)

type State string

const (
	StateIdle        State = "IDLE"
	StateScanning    State = "SCANNING"
	StateDispatching State = "DISPATCHING"
)

// Dispatcher delivers one job with retry.
type Dispatcher interface {
	Dispatch(ctx context.Context, job *dispatchdomain.Job, policy dispatchdomain.RetryPolicy) dispatchdomain.Outcome
}

// UserLease guards a user across scheduler instances.
type UserLease interface {
	Acquire(ctx context.Context, userID snowflake.ID) (string, bool, error)
	Release(ctx context.Context, userID snowflake.ID, token string) error
}

type Params struct {
	fx.In

	Store      reportsettingdomain.Store
	Aggregator analytics.Computer
	Dispatcher Dispatcher
	Journal    dispatchdomain.Journal        `optional:"true"`
	Lease      UserLease                     `optional:"true"`
	Tuning     *config.SchedulerTuningHolder `optional:"true"`
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Config     Config `optional:"true"`
}

// Scheduler finds users with closed report windows and dispatches one job
// per window. Exactly-once across instances rests on Store.RecordDispatch.
type Scheduler struct {
	store      reportsettingdomain.Store
	aggregator analytics.Computer
	dispatcher Dispatcher
	journal    dispatchdomain.Journal
	lease      UserLease
	tuning     *config.SchedulerTuningHolder
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	cfg        Config
	tracer     trace.Tracer
	sem        *semaphore.Weighted

	// baseCtx outlives individual triggers so background user jobs are not
	// cut off when the triggering request returns.
	baseCtx    context.Context
	cancelBase context.CancelFunc

	mu          sync.Mutex
	inFlight    map[snowflake.ID]struct{}
	scanning    int
	dispatching int
	closed      bool
	jobs        sync.WaitGroup
}

func New(p Params) (*Scheduler, error) {
	if p.Store == nil || p.Aggregator == nil || p.Dispatcher == nil || p.Log == nil || p.GenID == nil || p.Clock == nil {
		return nil, ErrInvalidConfig
	}
	cfg := p.Config.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		store:      p.Store,
		aggregator: p.Aggregator,
		dispatcher: p.Dispatcher,
		journal:    p.Journal,
		lease:      p.Lease,
		tuning:     p.Tuning,
		log:        p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		genID:      p.GenID,
		clock:      p.Clock,
		cfg:        cfg,
		tracer:     otel.Tracer("finsight/scheduler"),
		sem:        semaphore.NewWeighted(int64(cfg.WorkerPoolSize)),
		baseCtx:    baseCtx,
		cancelBase: cancel,
		inFlight:   map[snowflake.ID]struct{}{},
	}, nil
}

// State reports the scheduler phase. Overlapping ticks report the earliest
// phase any of them is in.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.scanning > 0:
		return StateScanning
	case s.dispatching > 0:
		return StateDispatching
	default:
		return StateIdle
	}
}

// TickSummary counts what one tick did. Err is the first user-level failure.
type TickSummary struct {
	RunID      string
	AsOf       time.Time
	Candidates int
	Skipped    int
	Delivered  int
	Abandoned  int
	Discarded  int
	Failed     int
	Windows    int
	Err        error
}

// TickRun is a tick whose user jobs may still be running.
type TickRun struct {
	RunID string
	AsOf  time.Time

	candidates int
	skipped    int
	leased     atomic.Int64
	delivered  atomic.Int64
	abandoned  atomic.Int64
	discarded  atomic.Int64
	failed     atomic.Int64
	windows    atomic.Int64

	group   errgroup.Group
	done    chan struct{}
	summary TickSummary
}

// Wait blocks until every user job of the tick has finished.
func (r *TickRun) Wait() TickSummary {
	<-r.done
	return r.summary
}

// Done is closed once Wait would return.
func (r *TickRun) Done() <-chan struct{} {
	return r.done
}

func (r *TickRun) finish(err error) {
	r.summary = TickSummary{
		RunID:      r.RunID,
		AsOf:       r.AsOf,
		Candidates: r.candidates,
		Skipped:    r.skipped + int(r.leased.Load()),
		Delivered:  int(r.delivered.Load()),
		Abandoned:  int(r.abandoned.Load()),
		Discarded:  int(r.discarded.Load()),
		Failed:     int(r.failed.Load()),
		Windows:    int(r.windows.Load()),
		Err:        err,
	}
	close(r.done)
}

// Tick scans for due users and fans out their jobs under ctx. It returns once
// the jobs are started; a scan failure aborts the tick.
func (s *Scheduler) Tick(ctx context.Context) (*TickRun, error) {
	return s.tick(ctx, ctx)
}

// Trigger runs a scan under ctx and leaves the user jobs running under the
// scheduler's own lifetime. Cron, the ticker and the ops endpoint use it.
func (s *Scheduler) Trigger(ctx context.Context) (*TickRun, error) {
	var run *TickRun
	err := s.runJob(ctx, jobReportScan, s.cfg.ScanTimeout, func(scanCtx context.Context) error {
		r, err := s.tick(scanCtx, s.baseCtx)
		if err != nil {
			return err
		}
		jobRunFromContext(scanCtx).AddProcessed(r.candidates)
		run = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	if run == nil {
		// scan timed out; runJob already logged and counted it
		return nil, context.DeadlineExceeded
	}
	return run, nil
}

func (s *Scheduler) tick(scanCtx, jobCtx context.Context) (*TickRun, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrShuttingDown
	}
	s.scanning++
	s.mu.Unlock()

	run := &TickRun{
		RunID: obscontext.RunIDFromContext(scanCtx),
		AsOf:  period.Normalize(s.clock.Now()),
		done:  make(chan struct{}),
	}
	if run.RunID == "" {
		run.RunID = s.genID.Generate().String()
	}

	candidates, err := s.store.ListDueCandidates(scanCtx, run.AsOf)

	s.mu.Lock()
	s.scanning--
	if err == nil {
		s.dispatching++
	}
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("scan due candidates: %w", err)
	}

	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.AddCandidates(len(candidates))
	run.candidates = len(candidates)

	for _, candidate := range candidates {
		userID := candidate.Setting.UserID
		if !s.claim(userID) {
			run.skipped++
			schedMetrics.IncInFlightSkip()
			s.logger(scanCtx).Debug("scheduler.user.skipped",
				zap.String("user_id", userID.String()),
				zap.String("reason", "in_flight"),
			)
			continue
		}
		run.group.Go(func() error {
			defer s.release(userID)
			return s.runUser(jobCtx, run, candidate)
		})
	}

	go func() {
		err := run.group.Wait()
		s.mu.Lock()
		s.dispatching--
		s.mu.Unlock()
		run.finish(err)
	}()
	return run, nil
}

// claim marks userID in flight. It fails when another tick still owns the
// user or the scheduler is shutting down.
func (s *Scheduler) claim(userID snowflake.ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if _, busy := s.inFlight[userID]; busy {
		return false
	}
	s.inFlight[userID] = struct{}{}
	s.jobs.Add(1)
	obsmetrics.Scheduler().SetInFlight(len(s.inFlight))
	return true
}

func (s *Scheduler) release(userID snowflake.ID) {
	s.mu.Lock()
	delete(s.inFlight, userID)
	obsmetrics.Scheduler().SetInFlight(len(s.inFlight))
	s.mu.Unlock()
	s.jobs.Done()
}

type userTuning struct {
	retry      dispatchdomain.RetryPolicy
	maxWindows int
}

func (s *Scheduler) currentTuning() userTuning {
	t := userTuning{retry: s.cfg.Retry, maxWindows: s.cfg.MaxWindowsPerTick}
	if s.tuning == nil {
		return t
	}
	live := s.tuning.Get()
	t.retry.MaxAttempts = live.RetryMaxAttempts
	t.retry.InitialInterval = live.RetryInitialInterval
	t.retry.MaxInterval = live.RetryMaxInterval
	t.retry = t.retry.WithDefaults()
	t.maxWindows = live.MaxWindowsPerTick
	return t
}

// runUser walks the user's closed windows in order. The walk stops at the
// first window that is not committed.
func (s *Scheduler) runUser(ctx context.Context, run *TickRun, candidate reportsettingdomain.Candidate) error {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil
	}
	defer s.sem.Release(1)

	setting := candidate.Setting
	if s.lease != nil {
		token, ok, err := s.lease.Acquire(ctx, setting.UserID)
		switch {
		case err != nil:
			// redis is advisory here; carry on without the lease
			s.logger(ctx).Warn("scheduler.lease.unavailable",
				zap.String("user_id", setting.UserID.String()),
				zap.Error(err),
			)
		case !ok:
			run.leased.Add(1)
			obsmetrics.Scheduler().IncInFlightSkip()
			return nil
		default:
			defer func() {
				releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.CommitTimeout)
				defer cancel()
				if err := s.lease.Release(releaseCtx, setting.UserID, token); err != nil {
					s.logger(ctx).Warn("scheduler.lease.release_failed", zap.Error(err))
				}
			}()
		}
	}

	ctx = obscontext.WithActor(ctx, "system", "scheduler")
	ctx = obscontext.WithRunID(ctx, run.RunID)
	ctx = obscontext.WithUserID(ctx, setting.UserID.String())
	ctx, span := s.tracer.Start(ctx, "scheduler.user_job", trace.WithAttributes(tracing.SafeAttributes(
		attribute.String("user_id", setting.UserID.String()),
		attribute.String("report.frequency", string(setting.Frequency)),
		attribute.String("scheduler.run_id", run.RunID),
	)...))
	defer span.End()

	tuning := s.currentTuning()
	cursor := setting.Cursor()
	processed := 0
	for window := range setting.Schedule().DueWindows(cursor, run.AsOf) {
		if tuning.maxWindows > 0 && processed >= tuning.maxWindows {
			break
		}
		if ctx.Err() != nil {
			break
		}
		processed++
		run.windows.Add(1)

		advanced, err := s.processWindow(ctx, run, setting, cursor, window, tuning.retry)
		if err != nil {
			span.RecordError(tracing.SafeError(err))
			span.SetStatus(codes.Error, "report window failed")
			return err
		}
		if !advanced {
			break
		}
		cursor = window.End
	}
	span.SetAttributes(attribute.Int("report.windows", processed))
	return nil
}

// processWindow computes, dispatches and commits one window. It reports
// whether the cursor moved to window.End.
func (s *Scheduler) processWindow(
	ctx context.Context,
	run *TickRun,
	setting reportsettingdomain.ReportSetting,
	cursor time.Time,
	window period.Window,
	policy dispatchdomain.RetryPolicy,
) (bool, error) {
	userID := setting.UserID
	freq := string(setting.Frequency)
	schedMetrics := obsmetrics.Scheduler()
	fields := []zap.Field{
		zap.String("user_id", userID.String()),
		zap.String("frequency", freq),
		zap.String("window", window.String()),
	}

	if err := guard.EnsureWindowDispatchable(setting, window, cursor, run.AsOf); err != nil {
		s.logger(ctx).Warn("report.window.rejected", append(fields, zap.Error(err))...)
		return false, nil
	}

	snapshot, err := s.aggregator.Compute(ctx, userID, window, setting.Frequency)
	if err != nil {
		if ctx.Err() != nil {
			return false, nil
		}
		run.failed.Add(1)
		schedMetrics.IncWindowOutcome(freq, obsmetrics.WindowOutcomeFailed)
		s.logSchedulerError(ctx, "report.window.failed", err, fields...)
		return false, fmt.Errorf("compute %s: %w", window, err)
	}

	job, err := dispatchdomain.NewJob(s.genID.Generate(), snapshot, s.clock.Now())
	if err != nil {
		run.failed.Add(1)
		schedMetrics.IncWindowOutcome(freq, obsmetrics.WindowOutcomeFailed)
		s.logSchedulerError(ctx, "report.window.failed", err, fields...)
		return false, err
	}
	fields = append(fields, zap.String("job_id", job.ID.String()))

	s.dispatcher.Dispatch(ctx, job, policy)
	if job.State != dispatchdomain.StateDelivered {
		run.abandoned.Add(1)
		schedMetrics.IncWindowOutcome(freq, obsmetrics.WindowOutcomeAbandoned)
		s.recordJournal(ctx, job)
		return false, nil
	}

	// The report is out. Commit even if ctx is cancelled so a shutdown does
	// not leave the window delivered but unrecorded.
	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.CommitTimeout)
	defer cancel()

	err = s.store.RecordDispatch(commitCtx, userID, window)
	switch {
	case err == nil:
		run.delivered.Add(1)
		schedMetrics.IncWindowOutcome(freq, obsmetrics.WindowOutcomeDelivered)
		s.recordJournal(commitCtx, job)
		s.logger(ctx).Debug("report.window.committed", append(fields, zap.Int("attempts", job.Attempts))...)
		return true, nil
	case errors.Is(err, reportsettingdomain.ErrStaleWrite):
		job.State = dispatchdomain.StateDiscarded
		run.discarded.Add(1)
		schedMetrics.IncStaleWrite()
		schedMetrics.IncWindowOutcome(freq, obsmetrics.WindowOutcomeDiscarded)
		s.recordJournal(commitCtx, job)
		s.logger(ctx).Info("report.dispatch.discarded", append(fields, zap.String("reason", "stale_write"))...)
		return false, nil
	default:
		job.LastError = err.Error()
		run.failed.Add(1)
		schedMetrics.IncWindowOutcome(freq, obsmetrics.WindowOutcomeFailed)
		s.recordJournal(commitCtx, job)
		s.logSchedulerError(ctx, "report.dispatch.commit_failed", err, fields...)
		return false, fmt.Errorf("record dispatch %s: %w", window, err)
	}
}

func (s *Scheduler) recordJournal(ctx context.Context, job *dispatchdomain.Job) {
	if s.journal == nil {
		return
	}
	if err := s.journal.Record(ctx, job); err != nil {
		s.logger(ctx).Warn("report.journal.write_failed",
			zap.String("job_id", job.ID.String()),
			zap.String("state", string(job.State)),
			zap.Error(err),
		)
	}
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := s.ensureJobRun(ctx, name)
	if owner {
		s.logJobStart(ctx, run)
	}
	log := s.logger(ctx).With(zap.String("job", name))
	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.IncJobRun(name)

	err := fn(ctx)
	schedMetrics.ObserveJobDuration(name, time.Since(start))
	if owner {
		if err != nil && run.ErrorCount() == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	// deadline is a soft timeout: the next tick picks up where this one stopped
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		schedMetrics.IncJobTimeout(name)
	}
	schedMetrics.IncJobError(name, err)
	if isTimeout {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

// RunOnce runs one tick and waits for all of its user jobs.
func (s *Scheduler) RunOnce(parent context.Context) error {
	return s.runJob(parent, jobReportTick, s.cfg.TickTimeout, func(ctx context.Context) error {
		run, err := s.Tick(ctx)
		if err != nil {
			return err
		}
		summary := run.Wait()
		jobRunFromContext(ctx).AddProcessed(summary.Windows)
		s.logTickSummary(ctx, summary)
		return summary.Err
	})
}

// RunForever triggers a scan every RunInterval. User jobs run in the
// background, so a slow dispatch never holds back the next scan.
func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := time.Now().Add(s.cfg.RunInterval)
	schedMetrics := obsmetrics.Scheduler()

	for {
		s.triggerAndReport(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if runLag := time.Since(nextRun); runLag > 0 {
			schedMetrics.ObserveRunLoopLag(runLag)
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)
	}
}

// RunCron triggers a scan on the configured cron schedule until ctx is done.
func (s *Scheduler) RunCron(ctx context.Context) error {
	c := cron.New(cron.WithLocation(time.UTC))
	if _, err := c.AddFunc(s.cfg.CronSpec, func() { s.triggerAndReport(ctx) }); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	c.Start()
	s.log.Info("scheduler cron started", zap.String("spec", s.cfg.CronSpec))

	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

func (s *Scheduler) triggerAndReport(ctx context.Context) {
	run, err := s.Trigger(ctx)
	if err != nil {
		if !errors.Is(err, ErrShuttingDown) && !errors.Is(err, context.DeadlineExceeded) {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		return
	}
	go func() {
		s.logTickSummary(ctx, run.Wait())
	}()
}

// Shutdown stops new ticks and waits for in-flight user jobs until ctx
// expires. Jobs still running then are cancelled; their windows are offered
// again on the next start.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.jobs.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancelBase()
		return nil
	case <-ctx.Done():
		s.cancelBase()
		<-done
		return ctx.Err()
	}
}
