package dispatch

import (
	"context"

	"github.com/smallbiznis/finsight/internal/config"
	"github.com/smallbiznis/finsight/internal/dispatch/amqp"
	dispatchdomain "github.com/smallbiznis/finsight/internal/dispatch/domain"
	"github.com/smallbiznis/finsight/internal/dispatch/journal"
	"github.com/smallbiznis/finsight/internal/dispatch/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("dispatch",
	fx.Provide(NewSink),
	fx.Provide(service.NewDispatcher),
	fx.Provide(journal.New),
	fx.Provide(func(j *journal.Journal) dispatchdomain.Journal { return j }),
)

// NewSink publishes to RabbitMQ when AMQP_URL is set and logs otherwise.
func NewSink(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) (dispatchdomain.Sink, error) {
	if !cfg.AMQP.Enabled() {
		log.Info("AMQP_URL not set, reports are delivered to the log sink")
		return service.NewLogSink(log), nil
	}

	sink, err := amqp.Dial(cfg.AMQP, log)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return sink.Close()
		},
	})
	return sink, nil
}
