package metrics

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes application-level instruments.
type Metrics struct {
	snapshotsComputed metric.Int64Counter
	reportsDispatched metric.Int64Counter
	dispatchLatency   metric.Float64Histogram
	httpRequests      metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "finsight"
	}
	meter := provider.Meter(name)

	snapshotsComputed, err := meter.Int64Counter("finsight_snapshots_computed_total")
	if err != nil {
		return nil, err
	}
	reportsDispatched, err := meter.Int64Counter("finsight_reports_dispatched_total")
	if err != nil {
		return nil, err
	}
	dispatchLatency, err := meter.Float64Histogram("finsight_report_dispatch_seconds", metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	httpRequests, err := meter.Int64Counter("finsight_http_requests_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		snapshotsComputed: snapshotsComputed,
		reportsDispatched: reportsDispatched,
		dispatchLatency:   dispatchLatency,
		httpRequests:      httpRequests,
	}, nil
}

// RecordSnapshotComputed counts computed snapshots.
func (m *Metrics) RecordSnapshotComputed(ctx context.Context, frequency string, trendAvailable bool) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("frequency", strings.TrimSpace(frequency)),
		attribute.Bool("trend_available", trendAvailable),
	)
	m.snapshotsComputed.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordReportDispatched counts terminal dispatch outcomes and their latency.
func (m *Metrics) RecordReportDispatched(ctx context.Context, frequency, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("frequency", strings.TrimSpace(frequency)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.reportsDispatched.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.dispatchLatency.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordHTTPRequest counts ops HTTP requests by route template and status.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, endpoint string, status int) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("endpoint", strings.TrimSpace(endpoint)),
		attribute.String("status_code", strconv.Itoa(status)),
	)
	m.httpRequests.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"frequency":       {},
	"outcome":         {},
	"trend_available": {},
	"endpoint":        {},
	"status_code":     {},
	"reason":          {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
