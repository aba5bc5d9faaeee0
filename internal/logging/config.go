// internal/logging/config.go
package logging

import (
	"fmt"
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap/zapcore"
)

// Output streams.
const (
	OutputStdout = "stdout"
	OutputStderr = "stderr"
)

// Config holds logging configuration. The user-facing subset lives in
// config.LoggingConfig; everything else is set in code.
type Config struct {
	Level  zapcore.Level
	Format string `validate:"oneof=json console"`
	// Output selects the console stream. Commands that print results on
	// stdout log to stderr.
	Output string `validate:"oneof=stdout stderr"`
	// OTEL tees entries into the log provider passed to NewLogger.
	OTEL      bool
	Sampling  SamplingConfig
	Caller    bool
	Fields    map[string]string `validate:"dive,keys,required,endkeys,required"`
	Redaction RedactionConfig
}

// SamplingConfig limits repeated entries below error level, such as CI
// polling ticks. Errors are never sampled.
type SamplingConfig struct {
	Enabled    bool
	Tick       time.Duration `validate:"required_if=Enabled true"`
	Initial    int           `validate:"gte=0"`
	Thereafter int           `validate:"gte=0"`
}

// RedactionConfig lists field names whose values are always hidden and
// patterns scrubbed from every string value and message.
type RedactionConfig struct {
	Enabled  bool
	Fields   []string
	Patterns []string `validate:"dive,max=200"`
}

var validate = validator.New()

// NewDefaultConfig returns production defaults.
func NewDefaultConfig() *Config {
	return &Config{
		Level:  zapcore.InfoLevel,
		Format: "json",
		Output: OutputStdout,
		Sampling: SamplingConfig{
			Enabled:    true,
			Tick:       time.Second,
			Initial:    100,
			Thereafter: 10,
		},
		Caller: true,
		Fields: map[string]string{"service": "issuepilot"},
		Redaction: RedactionConfig{
			Enabled: true,
			Fields: []string{
				"token", "secret", "webhook_secret", "authorization",
				"password", "dsn",
			},
			Patterns: []string{
				`(?i)bearer\s+\S+`,
				`gh[pousr]_[A-Za-z0-9]{20,}`,
				`x-access-token:[^@\s]+`,
			},
		},
	}
}

// Validate checks config for errors.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	for _, p := range c.Redaction.Patterns {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("invalid redaction pattern %q: %w", p, err)
		}
	}
	return nil
}
