package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/fyrsmithlabs/pretestd/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "disabled skips checks",
			mutate: func(c *Config) { c.Endpoint = "" },
		},
		{
			name:   "enabled defaults",
			mutate: func(c *Config) { c.Enabled = true },
		},
		{
			name: "missing endpoint",
			mutate: func(c *Config) {
				c.Enabled = true
				c.Endpoint = ""
			},
			wantErr: "endpoint is required",
		},
		{
			name: "bad protocol",
			mutate: func(c *Config) {
				c.Enabled = true
				c.Protocol = "udp"
			},
			wantErr: "protocol must be",
		},
		{
			name: "insecure remote",
			mutate: func(c *Config) {
				c.Enabled = true
				c.Endpoint = "otel.example.com:4317"
			},
			wantErr: "insecure connections",
		},
		{
			name: "secure remote",
			mutate: func(c *Config) {
				c.Enabled = true
				c.Endpoint = "otel.example.com:4317"
				c.Insecure = false
			},
		},
		{
			name: "sampling out of range",
			mutate: func(c *Config) {
				c.Enabled = true
				c.SamplingRate = 1.5
			},
			wantErr: "sampling rate",
		},
		{
			name: "zero export interval",
			mutate: func(c *Config) {
				c.Enabled = true
				c.ExportInterval = 0
			},
			wantErr: "export interval",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestIsLocalEndpoint(t *testing.T) {
	tests := map[string]bool{
		"localhost:4317":        true,
		"http://localhost:4318": true,
		"127.0.0.1:4317":        true,
		"[::1]:4317":            true,
		"otel.example.com:4317": false,
		"10.0.0.5:4317":         false,
	}
	for endpoint, want := range tests {
		cfg := &Config{Endpoint: endpoint}
		assert.Equal(t, want, cfg.isLocalEndpoint(), endpoint)
	}
}

func TestFromAppConfig(t *testing.T) {
	cfg := FromAppConfig(config.TelemetryConfig{
		Enabled:  true,
		Endpoint: "localhost:4318",
		Protocol: "http/protobuf",
		Insecure: true,
	})
	assert.True(t, cfg.Enabled)
	assert.Equal(t, "localhost:4318", cfg.Endpoint)
	assert.Equal(t, "http/protobuf", cfg.Protocol)
	assert.Equal(t, "pretestd", cfg.ServiceName)
	require.NoError(t, cfg.Validate())

	cfg = FromAppConfig(config.TelemetryConfig{Endpoint: "otel.internal:4317", TLSSkipVerify: true})
	assert.False(t, cfg.Insecure)
	assert.True(t, cfg.TLSSkipVerify)
}

func TestNew_Disabled(t *testing.T) {
	tel, err := New(context.Background(), NewDefaultConfig())
	require.NoError(t, err)

	assert.False(t, tel.IsEnabled())
	degraded, reasons := tel.Degraded()
	assert.False(t, degraded)
	assert.Empty(t, reasons)

	// Falls back to the global providers.
	assert.NotNil(t, tel.Tracer("test"))
	assert.NotNil(t, tel.Meter("test"))
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Enabled = true
	cfg.Protocol = "carrier-pigeon"

	_, err := New(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid telemetry config")
}

func TestNew_EnabledShutsDown(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Enabled = true
	cfg.ShutdownTimeout = config.Duration(100 * time.Millisecond)

	// OTLP exporters connect lazily, so construction succeeds without a
	// collector listening.
	tel, err := New(context.Background(), cfg)
	require.NoError(t, err)
	assert.True(t, tel.IsEnabled())

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_ = tel.Shutdown(ctx)
}

func TestNilTelemetry(t *testing.T) {
	var tel *Telemetry
	assert.False(t, tel.IsEnabled())
	assert.NotNil(t, tel.Tracer("x"))
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestTestTelemetry(t *testing.T) {
	tt := NewTestTelemetry()
	restore := tt.Install()
	defer restore()

	ctx, span := otel.Tracer("test").Start(context.Background(), "integration.pop")
	span.SetAttributes(attribute.String("change.id", "abc"))
	span.End()

	counter, err := otel.Meter("test").Int64Counter("pretestd.pops")
	require.NoError(t, err)
	counter.Add(ctx, 2, metric.WithAttributes(attribute.String("selection", "newest")))
	counter.Add(ctx, 1, metric.WithAttributes(attribute.String("selection", "oldest")))

	tt.AssertSpanExists(t, "integration.pop")
	tt.AssertSpanAttribute(t, "integration.pop", "change.id", "abc")
	assert.Nil(t, tt.SpanByName("missing"))
	assert.Equal(t, int64(3), tt.CounterValue(t, "pretestd.pops"))
	assert.Equal(t, int64(2), tt.CounterValue(t, "pretestd.pops", attribute.String("selection", "newest")))
}
