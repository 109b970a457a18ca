package observability

import (
	"os"
	"strconv"
	"strings"

	"github.com/smallbiznis/finsight/internal/config"
)

// Exporter is the OTLP destination for one signal.
type Exporter struct {
	Enabled  bool
	Endpoint string
	Protocol string
}

// Config is the observability view of the process environment. Traces and
// metrics resolve separately so a collector can take one signal and not the
// other.
type Config struct {
	ServiceName string
	Environment string
	Version     string

	LogLevel  string
	LogFormat string

	Traces        Exporter
	Metrics       Exporter
	SamplingRatio float64
}

func LoadConfig(cfg config.Config) Config {
	serviceName := strings.TrimSpace(cfg.AppName)
	if serviceName == "" {
		serviceName = "finsight"
	}

	// OTEL_ENABLED=false silences both signals. Otherwise a signal exports
	// once it has an endpoint and its OTEL_<SIGNAL>_EXPORTER is not "none".
	master := lookupBool("OTEL_ENABLED")
	sharedEndpoint := lookup("OTEL_EXPORTER_OTLP_ENDPOINT")
	if sharedEndpoint == "" {
		sharedEndpoint = strings.TrimSpace(cfg.OTLPEndpoint)
	}
	sharedProtocol := strings.ToLower(lookup("OTEL_EXPORTER_OTLP_PROTOCOL"))
	if sharedProtocol == "" {
		sharedProtocol = "grpc"
	}

	return Config{
		ServiceName:   serviceName,
		Environment:   firstNonEmpty(lookup("DEPLOYMENT_ENV"), strings.TrimSpace(cfg.Environment)),
		Version:       firstNonEmpty(lookup("SERVICE_VERSION"), strings.TrimSpace(cfg.AppVersion)),
		LogLevel:      strings.ToLower(firstNonEmpty(lookup("LOG_LEVEL"), "info")),
		LogFormat:     logFormat(lookup("LOG_FORMAT")),
		Traces:        resolveExporter("TRACES", master, sharedEndpoint, sharedProtocol),
		Metrics:       resolveExporter("METRICS", master, sharedEndpoint, sharedProtocol),
		SamplingRatio: samplingRatio(lookup("OTEL_SAMPLING_RATIO")),
	}
}

func resolveExporter(signal string, master *bool, endpoint, protocol string) Exporter {
	exp := Exporter{
		Endpoint: firstNonEmpty(lookup("OTEL_EXPORTER_OTLP_"+signal+"_ENDPOINT"), endpoint),
		Protocol: firstNonEmpty(strings.ToLower(lookup("OTEL_EXPORTER_OTLP_"+signal+"_PROTOCOL")), protocol),
	}
	switch {
	case master != nil && !*master:
	case strings.EqualFold(lookup("OTEL_"+signal+"_EXPORTER"), "none"):
	default:
		exp.Enabled = exp.Endpoint != ""
	}
	return exp
}

func (c Config) Debug() bool {
	if c.LogLevel == "debug" {
		return true
	}
	switch strings.ToLower(strings.TrimSpace(c.Environment)) {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}

func logFormat(raw string) string {
	if strings.EqualFold(raw, "console") {
		return "console"
	}
	return "json"
}

// samplingRatio defaults to 10% and clamps to [0, 1].
func samplingRatio(raw string) float64 {
	ratio, err := strconv.ParseFloat(raw, 64)
	switch {
	case raw == "" || err != nil:
		return 0.1
	case ratio < 0:
		return 0
	case ratio > 1:
		return 1
	default:
		return ratio
	}
}

func lookup(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func lookupBool(key string) *bool {
	switch strings.ToLower(lookup(key)) {
	case "1", "true", "yes", "on":
		v := true
		return &v
	case "0", "false", "no", "off":
		v := false
		return &v
	default:
		return nil
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
