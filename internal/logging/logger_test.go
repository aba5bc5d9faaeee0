package logging

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/log/noop"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger(NewDefaultConfig(), nil)
	require.NoError(t, err)
	assert.True(t, logger.Enabled(zapcore.InfoLevel))
	assert.False(t, logger.Enabled(zapcore.DebugLevel))
}

func TestNewLogger_InvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"format", func(c *Config) { c.Format = "xml" }},
		{"output", func(c *Config) { c.Output = "syslog" }},
		{"sampling tick", func(c *Config) { c.Sampling.Tick = 0 }},
		{"empty field value", func(c *Config) { c.Fields["env"] = "" }},
		{"bad pattern", func(c *Config) { c.Redaction.Patterns = []string{"("} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			_, err := NewLogger(cfg, nil)
			assert.Error(t, err)
		})
	}
}

func TestNewLogger_OTEL(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.OTEL = true

	_, err := NewLogger(cfg, nil)
	require.Error(t, err)

	logger, err := NewLogger(cfg, noop.NewLoggerProvider())
	require.NoError(t, err)
	logger.Info(context.Background(), "teed")
}

func TestNewLogger_Stderr(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Output = OutputStderr
	cfg.Format = "console"
	logger, err := NewLogger(cfg, nil)
	require.NoError(t, err)
	assert.NoError(t, logger.Sync())
}

func TestLogger_ContextAwareMethods(t *testing.T) {
	tl := NewTestLogger()
	ctx := WithJob(context.Background(), JobFields{ID: 7, Repo: "acme/api", Issue: 12})

	tests := []struct {
		name  string
		log   func(ctx context.Context, msg string, fields ...zap.Field)
		level zapcore.Level
	}{
		{"trace", tl.Trace, TraceLevel},
		{"debug", tl.Debug, zapcore.DebugLevel},
		{"info", tl.Info, zapcore.InfoLevel},
		{"warn", tl.Warn, zapcore.WarnLevel},
		{"error", tl.Error, zapcore.ErrorLevel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tl.Reset()
			tt.log(ctx, "phase started", zap.String("phase", "review"))

			logs := tl.ForJob(7)
			require.Len(t, logs, 1)
			assert.Equal(t, tt.level, logs[0].Level)
			fields := logs[0].ContextMap()
			assert.Equal(t, "acme/api", fields["job.repo"])
			assert.Equal(t, int64(12), fields["job.issue"])
			assert.Equal(t, "review", fields["phase"])
		})
	}
}

func TestLogger_WithAndNamed(t *testing.T) {
	tl := NewTestLogger()
	child := tl.With(zap.String("component", "admission")).Named("controller")

	child.Info(context.Background(), "cycle complete")

	logs := tl.All()
	require.Len(t, logs, 1)
	assert.Equal(t, "controller", logs[0].LoggerName)
	tl.AssertField(t, "cycle complete", "component", "admission")
	tl.AssertNotLogged(t, zapcore.ErrorLevel, "cycle complete")
}

func TestLevelFromString(t *testing.T) {
	tests := map[string]zapcore.Level{
		"trace":   TraceLevel,
		"DEBUG":   zapcore.DebugLevel,
		" info ":  zapcore.InfoLevel,
		"warning": zapcore.WarnLevel,
		"warn":    zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
	}
	for in, want := range tests {
		got, err := LevelFromString(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := LevelFromString("loud")
	assert.Error(t, err)
}

func TestSample_ErrorsNeverSampled(t *testing.T) {
	core, observed := observer.New(zapcore.DebugLevel)
	logger := zap.New(sample(core, SamplingConfig{
		Enabled:    true,
		Tick:       time.Minute,
		Initial:    1,
		Thereafter: 1000,
	}))

	before := testutil.ToFloat64(sampledOut.WithLabelValues("info"))
	for i := 0; i < 10; i++ {
		logger.Info("poll")
		logger.Error("push failed", zap.Error(errors.New("rejected")))
	}

	assert.Equal(t, 1, observed.FilterMessage("poll").Len())
	assert.Equal(t, 10, observed.FilterMessage("push failed").Len())
	assert.Equal(t, before+9, testutil.ToFloat64(sampledOut.WithLabelValues("info")))
}

func TestSample_Disabled(t *testing.T) {
	core, _ := observer.New(zapcore.InfoLevel)
	assert.Equal(t, core, sample(core, SamplingConfig{}))
}
