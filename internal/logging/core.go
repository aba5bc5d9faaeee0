// internal/logging/core.go
package logging

import (
	"errors"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const instrumentationName = "github.com/fyrsmithlabs/issuepilot"

var sampledOut = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "issuepilot",
	Subsystem: "logging",
	Name:      "sampled_out_total",
	Help:      "Log entries dropped by sampling, by level",
}, []string{"level"})

// newCore builds the console core, tees in OTEL when asked, and applies
// sampling on top of both.
func newCore(cfg *Config, provider log.LoggerProvider) (zapcore.Core, error) {
	enc, err := newRedactingEncoder(newEncoder(cfg.Format), cfg.Redaction)
	if err != nil {
		return nil, err
	}
	sink := os.Stdout
	if cfg.Output == OutputStderr {
		sink = os.Stderr
	}
	core := zapcore.NewCore(enc, zapcore.Lock(sink), cfg.Level)

	if cfg.OTEL {
		if provider == nil {
			return nil, errors.New("otel output needs a logger provider")
		}
		core = zapcore.NewTee(core, otelzap.NewCore(instrumentationName, otelzap.WithLoggerProvider(provider)))
	}
	return sample(core, cfg.Sampling), nil
}

func newEncoder(format string) zapcore.Encoder {
	ec := zap.NewProductionEncoderConfig()
	ec.TimeKey = "ts"
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	ec.EncodeLevel = encodeLevel
	if format == "console" {
		return zapcore.NewConsoleEncoder(ec)
	}
	return zapcore.NewJSONEncoder(ec)
}

// sample splits core into an unsampled error band and a sampled band below
// it, counting what the sampler drops.
func sample(core zapcore.Core, cfg SamplingConfig) zapcore.Core {
	if !cfg.Enabled {
		return core
	}
	hook := zapcore.SamplerHook(func(ent zapcore.Entry, dec zapcore.SamplingDecision) {
		if dec&zapcore.LogDropped != 0 {
			sampledOut.WithLabelValues(levelName(ent.Level)).Inc()
		}
	})
	return zapcore.NewTee(
		band{Core: core, lo: zapcore.ErrorLevel, hi: zapcore.FatalLevel},
		zapcore.NewSamplerWithOptions(band{Core: core, lo: TraceLevel, hi: zapcore.WarnLevel},
			cfg.Tick, cfg.Initial, cfg.Thereafter, hook),
	)
}

// band passes entries with lo <= level <= hi.
type band struct {
	zapcore.Core
	lo, hi zapcore.Level
}

func (b band) Enabled(l zapcore.Level) bool {
	return l >= b.lo && l <= b.hi && b.Core.Enabled(l)
}

func (b band) With(fields []zapcore.Field) zapcore.Core {
	return band{Core: b.Core.With(fields), lo: b.lo, hi: b.hi}
}

func (b band) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !b.Enabled(ent.Level) {
		return ce
	}
	return b.Core.Check(ent, ce)
}
