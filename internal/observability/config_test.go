package observability

import (
	"testing"

	"github.com/smallbiznis/finsight/internal/config"
	"github.com/stretchr/testify/assert"
)

func clearOtelEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"OTEL_ENABLED",
		"OTEL_EXPORTER_OTLP_ENDPOINT",
		"OTEL_EXPORTER_OTLP_PROTOCOL",
		"OTEL_EXPORTER_OTLP_TRACES_ENDPOINT",
		"OTEL_EXPORTER_OTLP_TRACES_PROTOCOL",
		"OTEL_EXPORTER_OTLP_METRICS_ENDPOINT",
		"OTEL_EXPORTER_OTLP_METRICS_PROTOCOL",
		"OTEL_TRACES_EXPORTER",
		"OTEL_METRICS_EXPORTER",
		"OTEL_SAMPLING_RATIO",
		"LOG_LEVEL",
		"LOG_FORMAT",
		"DEPLOYMENT_ENV",
		"SERVICE_VERSION",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	clearOtelEnv(t)

	cfg := LoadConfig(config.Config{Environment: "production", AppVersion: "1.2.3"})
	assert.Equal(t, "finsight", cfg.ServiceName)
	assert.Equal(t, "1.2.3", cfg.Version)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.False(t, cfg.Traces.Enabled, "no endpoint means no trace export")
	assert.False(t, cfg.Metrics.Enabled, "no endpoint means no metric export")
	assert.Equal(t, 0.1, cfg.SamplingRatio)
	assert.False(t, cfg.Debug())
}

func TestLoadConfigEnablesBothSignalsWithSharedEndpoint(t *testing.T) {
	clearOtelEnv(t)
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4317")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg := LoadConfig(config.Config{AppName: "finsight-worker", Environment: "production"})
	assert.Equal(t, Exporter{Enabled: true, Endpoint: "collector:4317", Protocol: "grpc"}, cfg.Traces)
	assert.Equal(t, cfg.Traces, cfg.Metrics)
	assert.True(t, cfg.Debug())
}

func TestLoadConfigResolvesSignalsSeparately(t *testing.T) {
	clearOtelEnv(t)
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4317")
	t.Setenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT", "metrics:4318")
	t.Setenv("OTEL_EXPORTER_OTLP_METRICS_PROTOCOL", "HTTP")
	t.Setenv("OTEL_TRACES_EXPORTER", "none")

	cfg := LoadConfig(config.Config{})
	assert.False(t, cfg.Traces.Enabled)
	assert.Equal(t, Exporter{Enabled: true, Endpoint: "metrics:4318", Protocol: "http"}, cfg.Metrics)
}

func TestLoadConfigMasterSwitchWins(t *testing.T) {
	clearOtelEnv(t)
	t.Setenv("OTEL_ENABLED", "false")

	cfg := LoadConfig(config.Config{OTLPEndpoint: "collector:4317"})
	assert.False(t, cfg.Traces.Enabled)
	assert.False(t, cfg.Metrics.Enabled)
	assert.Equal(t, "collector:4317", cfg.Traces.Endpoint)
}

func TestSamplingRatioIsClamped(t *testing.T) {
	cases := map[string]float64{"": 0.1, "abc": 0.1, "-1": 0, "2": 1, "0.25": 0.25}
	for raw, want := range cases {
		assert.Equal(t, want, samplingRatio(raw), "ratio %q", raw)
	}
}
