package service

import (
	"context"

	dispatchdomain "github.com/smallbiznis/finsight/internal/dispatch/domain"
	obslogger "github.com/smallbiznis/finsight/internal/observability/logger"
	"go.uber.org/zap"
)

// LogSink records deliveries in the log only. It backs deployments without a
// broker, such as local development.
type LogSink struct {
	log *zap.Logger
}

func NewLogSink(log *zap.Logger) *LogSink {
	return &LogSink{log: log.Named("dispatch").With(zap.String("component", "log_sink"))}
}

func (s *LogSink) Deliver(ctx context.Context, job *dispatchdomain.Job) error {
	if err := ctx.Err(); err != nil {
		return dispatchdomain.Transient(err)
	}
	formatted := job.Snapshot.Formatted()
	obslogger.WithContext(ctx, s.log).Info("report.dispatch.delivered",
		zap.String("job_id", job.ID.String()),
		zap.String("user_id", job.UserID.String()),
		zap.String("frequency", string(job.Frequency)),
		zap.String("window", job.Window.String()),
		zap.String("idempotency_key", job.IdempotencyKey()),
		zap.String("fingerprint", job.Fingerprint),
		zap.String("total_income", formatted.TotalIncome),
		zap.String("total_expense", formatted.TotalExpense),
		zap.String("net", formatted.Net),
		zap.Bool("trend_available", job.Snapshot.Trend.Available),
	)
	return nil
}

var _ dispatchdomain.Sink = (*LogSink)(nil)
