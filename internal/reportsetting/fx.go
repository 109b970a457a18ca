package reportsetting

import (
	"github.com/smallbiznis/finsight/internal/config"
	reportsettingdomain "github.com/smallbiznis/finsight/internal/reportsetting/domain"
	"github.com/smallbiznis/finsight/internal/reportsetting/service"
	"go.uber.org/fx"
)

var Module = fx.Module("reportsetting.service",
	fx.Provide(
		fx.Annotate(
			func(cfg config.Config) int { return cfg.Scheduler.BatchSize },
			fx.ResultTags(`name:"report_scan_batch_size"`),
		),
	),
	fx.Provide(service.NewService),
	fx.Provide(func(svc *service.Service) reportsettingdomain.Store { return svc }),
)
