package service

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/smallbiznis/finsight/internal/clock"
	dispatchdomain "github.com/smallbiznis/finsight/internal/dispatch/domain"
	obslogger "github.com/smallbiznis/finsight/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/finsight/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Sink       dispatchdomain.Sink
	Log        *zap.Logger
	Clock      clock.Clock
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

// Dispatcher hands jobs to the sink with bounded exponential retry.
type Dispatcher struct {
	sink       dispatchdomain.Sink
	log        *zap.Logger
	clock      clock.Clock
	obsMetrics *obsmetrics.Metrics
}

func NewDispatcher(p Params) *Dispatcher {
	return &Dispatcher{
		sink:       p.Sink,
		log:        p.Log.Named("dispatch").With(zap.String("component", "dispatcher")),
		clock:      p.Clock,
		obsMetrics: p.ObsMetrics,
	}
}

// Dispatch delivers job and leaves it DELIVERED or ABANDONED. The returned
// outcome is the class of the last attempt.
func (d *Dispatcher) Dispatch(ctx context.Context, job *dispatchdomain.Job, policy dispatchdomain.RetryPolicy) dispatchdomain.Outcome {
	policy = policy.WithDefaults()
	start := d.clock.Now()
	log := obslogger.WithContext(ctx, d.log).With(
		zap.String("job_id", job.ID.String()),
		zap.String("user_id", job.UserID.String()),
		zap.String("window", job.Window.String()),
		zap.String("idempotency_key", job.IdempotencyKey()),
	)
	schedMetrics := obsmetrics.Scheduler()

	job.State = dispatchdomain.StatePending
	op := func() (struct{}, error) {
		job.Attempts++
		if job.Attempts > 1 {
			job.State = dispatchdomain.StateRetrying
		}

		attemptCtx, cancel := context.WithTimeout(ctx, policy.AttemptTimeout)
		err := d.sink.Deliver(attemptCtx, job)
		cancel()

		outcome := dispatchdomain.Classify(err)
		schedMetrics.IncDispatchAttempt(string(outcome))
		if err == nil {
			return struct{}{}, nil
		}
		job.LastError = err.Error()
		if outcome == dispatchdomain.OutcomePermanentFailure {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(exponential(policy)),
		backoff.WithMaxTries(uint(policy.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warn("report.dispatch.retry",
				zap.Int("attempt", job.Attempts),
				zap.Duration("backoff", next),
				zap.Error(err),
			)
		}),
	)

	outcome := dispatchdomain.Classify(err)
	if err == nil {
		job.State = dispatchdomain.StateDelivered
		job.LastError = ""
	} else {
		job.State = dispatchdomain.StateAbandoned
		if job.LastError == "" || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			job.LastError = err.Error()
		}
		fields := []zap.Field{
			zap.Int("attempts", job.Attempts),
			zap.String("outcome", string(outcome)),
			zap.Error(err),
		}
		if ctx.Err() != nil {
			log.Warn("report.dispatch.abandoned", append(fields, zap.Bool("shutdown", true))...)
		} else {
			log.Error("report.dispatch.abandoned", fields...)
		}
	}

	d.obsMetrics.RecordReportDispatched(ctx, string(job.Frequency), string(job.State), d.clock.Now().Sub(start))
	return outcome
}

func exponential(policy dispatchdomain.RetryPolicy) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = policy.InitialInterval
	b.MaxInterval = policy.MaxInterval
	b.Multiplier = policy.Multiplier
	return b
}
