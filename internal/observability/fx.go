package observability

import (
	"github.com/smallbiznis/finsight/internal/observability/logger"
	"github.com/smallbiznis/finsight/internal/observability/metrics"
	"github.com/smallbiznis/finsight/internal/observability/tracing"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("observability",
	fx.Provide(
		LoadConfig,
		splitConfig,
		logger.New,
		tracing.NewProvider,
		metrics.NewProvider,
		metrics.New,
	),
	fx.Invoke(announce),
)

// componentConfigs fans the environment-derived Config out to each provider.
type componentConfigs struct {
	fx.Out

	Logger  logger.Config
	Tracing tracing.Config
	Metrics metrics.Config
}

func splitConfig(cfg Config) componentConfigs {
	return componentConfigs{
		Logger: logger.Config{
			ServiceName:         cfg.ServiceName,
			Environment:         cfg.Environment,
			Version:             cfg.Version,
			Level:               cfg.LogLevel,
			Format:              cfg.LogFormat,
			Debug:               cfg.Debug(),
			IncludeCaller:       true,
			IncludeStackOnError: cfg.Debug(),
		},
		Tracing: tracing.Config{
			Enabled:          cfg.Traces.Enabled,
			ServiceName:      cfg.ServiceName,
			ServiceVersion:   cfg.Version,
			Environment:      cfg.Environment,
			ExporterEndpoint: cfg.Traces.Endpoint,
			ExporterProtocol: cfg.Traces.Protocol,
			SamplingRatio:    cfg.SamplingRatio,
		},
		Metrics: metrics.Config{
			Enabled:          cfg.Metrics.Enabled,
			ExporterEndpoint: cfg.Metrics.Endpoint,
			ExporterProtocol: cfg.Metrics.Protocol,
			ServiceName:      cfg.ServiceName,
			Environment:      cfg.Environment,
		},
	}
}

// announce forces the tracer provider and the scheduler collectors into the
// graph and records which exporters are live.
func announce(cfg Config, metricsCfg metrics.Config, _ *sdktrace.TracerProvider, log *zap.Logger) {
	metrics.SchedulerWithConfig(metricsCfg)
	log.Info("observability.ready",
		zap.Bool("traces_exported", cfg.Traces.Enabled),
		zap.String("traces_protocol", cfg.Traces.Protocol),
		zap.Bool("metrics_exported", cfg.Metrics.Enabled),
		zap.String("metrics_protocol", cfg.Metrics.Protocol),
		zap.Float64("sampling_ratio", cfg.SamplingRatio),
	)
}
