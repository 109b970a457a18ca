package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	obscontext "github.com/smallbiznis/finsight/internal/observability/context"
	obslogger "github.com/smallbiznis/finsight/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/finsight/internal/observability/metrics"
	"go.uber.org/zap"
)

type jobRun struct {
	job            string
	runID          string
	startedAt      time.Time
	processedCount atomic.Int64
	errorCount     atomic.Int64
}

type jobRunKey struct{}

func (r *jobRun) AddProcessed(count int) {
	if r == nil || count <= 0 {
		return
	}
	r.processedCount.Add(int64(count))
}

func (r *jobRun) IncError() {
	if r == nil {
		return
	}
	r.errorCount.Add(1)
}

func (r *jobRun) ErrorCount() int64 {
	if r == nil {
		return 0
	}
	return r.errorCount.Load()
}

func (s *Scheduler) ensureJobRun(ctx context.Context, job string) (context.Context, *jobRun, bool) {
	if ctx == nil {
		ctx = context.Background()
	}
	if existing := jobRunFromContext(ctx); existing != nil {
		return ctx, existing, false
	}
	run := &jobRun{
		job:       job,
		runID:     s.genID.Generate().String(),
		startedAt: time.Now(),
	}
	ctx = context.WithValue(ctx, jobRunKey{}, run)
	ctx = obscontext.WithActor(ctx, "system", "scheduler")
	ctx = obscontext.WithRunID(ctx, run.runID)
	return ctx, run, true
}

func jobRunFromContext(ctx context.Context) *jobRun {
	if ctx == nil {
		return nil
	}
	if run, ok := ctx.Value(jobRunKey{}).(*jobRun); ok {
		return run
	}
	return nil
}

func (s *Scheduler) logger(ctx context.Context) *zap.Logger {
	return obslogger.WithContext(ctx, s.log)
}

func (s *Scheduler) logJobStart(ctx context.Context, run *jobRun) {
	if run == nil {
		return
	}
	s.logger(ctx).Info("scheduler.job.start",
		zap.String("job", run.job),
		zap.Int("worker_pool_size", s.cfg.WorkerPoolSize),
	)
}

func (s *Scheduler) logJobFinish(ctx context.Context, run *jobRun) {
	if run == nil {
		return
	}
	errors := run.errorCount.Load()
	fields := []zap.Field{
		zap.String("job", run.job),
		zap.Int64("duration_ms", time.Since(run.startedAt).Milliseconds()),
		zap.Int64("processed_count", run.processedCount.Load()),
		zap.Int64("error_count", errors),
	}
	log := s.logger(ctx)
	if errors > 0 {
		log.Warn("scheduler.job.finish", fields...)
		return
	}
	log.Info("scheduler.job.finish", fields...)
}

func (s *Scheduler) logSchedulerError(ctx context.Context, msg string, err error, fields ...zap.Field) {
	if err == nil {
		return
	}
	jobRunFromContext(ctx).IncError()
	baseFields := []zap.Field{
		zap.String("reason", obsmetrics.ClassifySchedulerJobReason(err)),
		zap.String("error", err.Error()),
	}
	s.logger(ctx).Error(msg, append(baseFields, fields...)...)
}

func (s *Scheduler) logTickSummary(ctx context.Context, summary TickSummary) {
	ctx = obscontext.WithRunID(ctx, summary.RunID)
	fields := []zap.Field{
		zap.Time("as_of", summary.AsOf),
		zap.Int("candidates", summary.Candidates),
		zap.Int("skipped", summary.Skipped),
		zap.Int("windows", summary.Windows),
		zap.Int("delivered", summary.Delivered),
		zap.Int("abandoned", summary.Abandoned),
		zap.Int("discarded", summary.Discarded),
		zap.Int("failed", summary.Failed),
	}
	log := s.logger(ctx)
	if summary.Failed > 0 || summary.Abandoned > 0 {
		log.Warn("scheduler.tick.summary", fields...)
		return
	}
	log.Info("scheduler.tick.summary", fields...)
}
