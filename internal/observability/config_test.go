package observability

import (
	"testing"

	"github.com/finchbill/entitled/internal/config"
	"github.com/stretchr/testify/assert"
)

func TestLoadConfig_Defaults(t *testing.T) {
	got := LoadConfig(config.Config{AppName: "entitled", Environment: "production", AppVersion: "1.2.0"})

	assert.Equal(t, "entitled", got.ServiceName)
	assert.Equal(t, "info", got.Log.Level)
	assert.Equal(t, "json", got.Log.Format)
	assert.True(t, got.Otel.Enabled)
	assert.Equal(t, "grpc", got.Otel.Protocol)
	assert.InDelta(t, 0.1, got.Otel.SamplingRatio, 1e-9)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("OTEL_ENABLED", "false")
	t.Setenv("OTEL_EXPORTER_OTLP_TRACES_PROTOCOL", "HTTP/PROTOBUF")
	t.Setenv("OTEL_SAMPLING_RATIO", "0.5")

	got := LoadConfig(config.Config{AppName: "entitled"})

	assert.Equal(t, "debug", got.Log.Level)
	assert.False(t, got.Otel.Enabled)
	assert.Equal(t, "http/protobuf", got.Otel.Protocol)
	assert.InDelta(t, 0.5, got.Otel.SamplingRatio, 1e-9)
}

func TestConfig_Debug(t *testing.T) {
	assert.True(t, Config{Log: LogConfig{Level: "debug"}}.Debug())
	assert.True(t, Config{Environment: "local"}.Debug())
	assert.False(t, Config{Environment: "production", Log: LogConfig{Level: "info"}}.Debug())
}
