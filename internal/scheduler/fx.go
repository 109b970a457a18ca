package scheduler

import (
	"context"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/finsight/internal/config"
	dispatchservice "github.com/smallbiznis/finsight/internal/dispatch/service"
	"github.com/smallbiznis/finsight/internal/scheduler/lease"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("scheduler",
	fx.Provide(ProvideConfig),
	fx.Provide(func(d *dispatchservice.Dispatcher) Dispatcher { return d }),
	fx.Provide(NewUserLease),
	fx.Provide(New),
	fx.Invoke(StartScheduler),
)

// NewUserLease returns the redis lease when REDIS_ADDR is set and nil
// otherwise, leaving the scheduler on in-process claims only.
func NewUserLease(lc fx.Lifecycle, cfg config.Config) (UserLease, error) {
	if !cfg.Redis.Enabled() {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     strings.TrimSpace(cfg.Redis.Addr),
		Password: strings.TrimSpace(cfg.Redis.Password),
		DB:       cfg.Redis.DB,
	})
	l, err := lease.New(client, cfg.Scheduler.LeaseTTL)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return l, nil
}

// StartScheduler runs the trigger loop for the lifetime of the app when the
// mode includes scheduling.
func StartScheduler(lc fx.Lifecycle, appCfg config.Config, cfg Config, sched *Scheduler, log *zap.Logger) {
	if !appCfg.SchedulerEnabled() {
		log.Info("report scheduler disabled", zap.String("mode", appCfg.Mode))
		return
	}

	var cancel context.CancelFunc
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			var ctx context.Context
			ctx, cancel = context.WithCancel(context.Background())

			if cfg.CronSpec != "" {
				go func() {
					if err := sched.RunCron(ctx); err != nil {
						log.Error("scheduler cron stopped", zap.Error(err))
					}
				}()
				return nil
			}
			go sched.RunForever(ctx)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel != nil {
				cancel()
			}
			return sched.Shutdown(ctx)
		},
	})
}
