package ledger

import (
	"context"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/finsight/internal/clock"
	"github.com/smallbiznis/finsight/internal/config"
	"github.com/smallbiznis/finsight/internal/ledger/cache"
	ledgerdomain "github.com/smallbiznis/finsight/internal/ledger/domain"
	"github.com/smallbiznis/finsight/internal/ledger/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("ledger.service",
	fx.Provide(service.NewService),
	fx.Provide(NewReader),
)

// NewReader wraps the SQL reader with the redis cache when REDIS_ADDR is set.
func NewReader(lc fx.Lifecycle, cfg config.Config, svc *service.Service, clk clock.Clock, log *zap.Logger) ledgerdomain.Reader {
	if !cfg.Redis.Enabled() {
		return svc
	}

	client := redis.NewClient(&redis.Options{
		Addr:     strings.TrimSpace(cfg.Redis.Addr),
		Password: strings.TrimSpace(cfg.Redis.Password),
		DB:       cfg.Redis.DB,
	})
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return cache.NewCachedReader(svc, client, clk, cfg.Redis.TTL, log)
}
