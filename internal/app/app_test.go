package app

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"github.com/dshills/cspybridge/internal/config"
	"github.com/dshills/cspybridge/internal/integration/debug"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"WARNING", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseLogLevel(tt.in), tt.in)
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(config.LoggingConfig{Level: "warn", Format: "json"}, &buf)

	logger.Info("hidden")
	logger.Warn("shown", "core", 1)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"msg":"shown"`)
	assert.Contains(t, out, `"service":"cspybridge"`)
	assert.Contains(t, out, `"core":1`)

	buf.Reset()
	NewLogger(config.LoggingConfig{Level: "debug", Format: "text"}, &buf).Debug("text record")
	assert.Contains(t, buf.String(), "msg=\"text record\"")
}

func TestMetricsServer(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_events_total", Help: "Test events."})
	reg.MustRegister(counter)
	counter.Add(3)

	m, err := StartMetricsServer("127.0.0.1:0", reg, NullLogger())
	require.NoError(t, err)

	resp, err := http.Get("http://" + m.Addr() + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "test_events_total 3")

	require.NoError(t, m.Shutdown(context.Background()))
	_, err = http.Get("http://" + m.Addr() + "/metrics")
	assert.Error(t, err)
}

func TestTracerProvider(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	var buf bytes.Buffer
	tp, err := NewTracerProvider(ServiceName, "test", &buf)
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(context.Background(), "debugger.getVersionString")
	span.End()

	require.NoError(t, tp.Shutdown(context.Background()))
	assert.Contains(t, buf.String(), "debugger.getVersionString")
	assert.Contains(t, buf.String(), "cspybridge")
}

func TestNew_MetricsAndTracing(t *testing.T) {
	prev := otel.GetTracerProvider()
	prevLogger := slog.Default()
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		slog.SetDefault(prevLogger)
	})

	cfg := config.Default()
	cfg.Metrics.Addr = "127.0.0.1:0"
	cfg.Tracing.Enabled = true

	var logs, traces bytes.Buffer
	app, err := New(cfg, Options{LogOutput: &logs, TraceOutput: &traces})
	require.NoError(t, err)

	assert.NotEmpty(t, app.MetricsAddr())
	assert.Same(t, cfg, app.Config())
	assert.Contains(t, logs.String(), "serving metrics")

	require.NoError(t, app.Shutdown(context.Background()))
	require.NoError(t, app.Shutdown(context.Background()))

	_, err = app.StartSession(context.Background(), debug.SessionHandlers{})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestNew_MetricsAddrInUse(t *testing.T) {
	prevLogger := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prevLogger) })

	first, err := StartMetricsServer("127.0.0.1:0", prometheus.NewRegistry(), NullLogger())
	require.NoError(t, err)
	defer first.Shutdown(context.Background())

	cfg := config.Default()
	cfg.Metrics.Addr = first.Addr()

	_, err = New(cfg, Options{Logger: NullLogger()})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInitialization)

	var initErr *InitError
	require.ErrorAs(t, err, &initErr)
	assert.Equal(t, "metrics", initErr.Component)
}

func TestApplication_StartSessionFailure(t *testing.T) {
	prevLogger := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prevLogger) })

	cfg := config.Default()
	cfg.Engine.TempRoot = t.TempDir()

	app, err := New(cfg, Options{Logger: NullLogger()})
	require.NoError(t, err)
	defer app.Shutdown(context.Background())

	_, err = app.StartSession(context.Background(), debug.SessionHandlers{})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "workbench"), err.Error())
	assert.Empty(t, app.MetricsAddr())
}
