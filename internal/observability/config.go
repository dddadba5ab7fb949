package observability

import (
	"os"
	"strconv"
	"strings"

	"github.com/finchbill/entitled/internal/config"
)

// Config describes the observability surface: service identity, log output,
// and the OTLP exporter. Identity fields come from the application config,
// the rest from the standard OTEL_* and LOG_* environment variables.
type Config struct {
	ServiceName string
	Environment string
	Version     string

	Log  LogConfig
	Otel OtelConfig
}

// LogConfig selects the zap output level and encoding.
type LogConfig struct {
	Level  string
	Format string
}

// OtelConfig configures the OTLP trace and metric exporters.
type OtelConfig struct {
	Enabled       bool
	Endpoint      string
	Protocol      string
	SamplingRatio float64
}

func LoadConfig(cfg config.Config) Config {
	out := Config{
		ServiceName: strings.TrimSpace(cfg.AppName),
		Environment: envString("DEPLOYMENT_ENV", cfg.Environment),
		Version:     envString("SERVICE_VERSION", cfg.AppVersion),
		Log: LogConfig{
			Level:  strings.ToLower(envString("LOG_LEVEL", "info")),
			Format: strings.ToLower(envString("LOG_FORMAT", "json")),
		},
		Otel: OtelConfig{
			Enabled:       envBool("OTEL_ENABLED", true),
			Endpoint:      envString("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.OTLPEndpoint),
			Protocol:      strings.ToLower(envString("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc")),
			SamplingRatio: envFloat("OTEL_SAMPLING_RATIO", 0.1),
		},
	}
	if out.ServiceName == "" {
		out.ServiceName = "entitled"
	}
	// The traces-specific protocol variable wins over the generic one, per
	// the OTLP exporter convention.
	if p := envString("OTEL_EXPORTER_OTLP_TRACES_PROTOCOL", ""); p != "" {
		out.Otel.Protocol = strings.ToLower(p)
	}
	return out
}

// Debug reports whether the process should run with developer-facing output:
// console encoding, debug level, stack traces on errors.
func (c Config) Debug() bool {
	if c.Log.Level == "debug" {
		return true
	}
	switch strings.ToLower(strings.TrimSpace(c.Environment)) {
	case "dev", "development", "local", "test":
		return true
	}
	return false
}

func envString(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return strings.TrimSpace(fallback)
}

func envBool(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(strings.ToLower(v))
	if err != nil {
		return fallback
	}
	return parsed
}

func envFloat(key string, fallback float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return parsed
}
