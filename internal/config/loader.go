package config

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB

	// EnvPrefix is stripped from environment overrides.
	EnvPrefix = "ISSUEPILOT_"
)

// Load reads configuration from a YAML file, then overrides with environment
// variables, applies defaults and validates.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (ISSUEPILOT_ADMISSION_MAX_CONCURRENT, ...)
//  2. YAML config file
//  3. Hardcoded defaults
//
// An empty path, or a path that does not exist, skips the file layer.
//
// Environment variables map to keys by splitting on the first underscore
// after the prefix:
//
//	ISSUEPILOT_GITHUB_TOKEN           -> github.token
//	ISSUEPILOT_ADMISSION_MAX_CONCURRENT -> admission.max_concurrent
//	ISSUEPILOT_STORE_DSN              -> store.dsn
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		content, err := readConfigFile(path)
		if err != nil {
			return nil, err
		}
		if content != nil {
			if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
			}
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Default returns a configuration built from defaults only.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		return lower
	}
	return parts[0] + "." + parts[1]
}

// readConfigFile returns nil content when the file does not exist.
func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}

	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return content, nil
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	gh := &cfg.GitHub
	if gh.MaxRetries == 0 {
		gh.MaxRetries = 3
	}
	if gh.PollInterval == 0 {
		gh.PollInterval = Duration(30 * time.Second)
	}
	setString(&gh.CandidateLabel, "issuepilot")
	setString(&gh.InProgressLabel, "issuepilot:in-progress")
	setString(&gh.PendingLabel, "issuepilot:pending-review")
	setString(&gh.ReadyLabel, "issuepilot:ready")
	setString(&gh.EscalationLabel, "needs-human")
	setString(&gh.BranchPrefix, "issuepilot/")

	if cfg.Admission.PollInterval == 0 {
		cfg.Admission.PollInterval = Duration(time.Minute)
	}
	if cfg.Admission.MaxConcurrent == 0 {
		cfg.Admission.MaxConcurrent = 3
	}
	if cfg.Admission.DispatchGrace == 0 {
		cfg.Admission.DispatchGrace = Duration(10 * time.Minute)
	}

	if cfg.Budget.MaxIterations == 0 {
		cfg.Budget.MaxIterations = 3
	}
	if cfg.Budget.MaxReviewIterations == 0 {
		cfg.Budget.MaxReviewIterations = 2
	}
	if cfg.Budget.Cooldown == 0 {
		cfg.Budget.Cooldown = Duration(24 * time.Hour)
	}

	t := &cfg.Timeouts
	setDuration(&t.Setup, 5*time.Minute)
	setDuration(&t.Generation, 30*time.Minute)
	setDuration(&t.Checks, 20*time.Minute)
	setDuration(&t.Review, 15*time.Minute)
	setDuration(&t.Tracker, 30*time.Second)

	if cfg.Workspace.Root == "" {
		cfg.Workspace.Root = os.TempDir() + "/issuepilot"
	}
	setString(&cfg.Workspace.AuthorName, "issuepilot")
	setString(&cfg.Workspace.AuthorEmail, "issuepilot@users.noreply.github.com")

	setString(&cfg.Agent.ReviewInfraPolicy, ReviewInfraPassThrough)
	setString(&cfg.Store.Driver, "memory")

	setString(&cfg.Temporal.Namespace, "default")
	setString(&cfg.Temporal.TaskQueue, "issuepilot")
	setString(&cfg.NATS.SubjectPrefix, "issuepilot.jobs")

	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9191
	}
	setDuration(&cfg.Server.ShutdownTimeout, 10*time.Second)
	if cfg.Server.WebhookRate == 0 {
		cfg.Server.WebhookRate = 10
	}
	if cfg.Server.WebhookBurst == 0 {
		cfg.Server.WebhookBurst = 20
	}

	setString(&cfg.Logging.Level, "info")
	setString(&cfg.Logging.Format, "json")

	setString(&cfg.Telemetry.ServiceName, "issuepilot")
	setString(&cfg.Telemetry.Protocol, "grpc")
	if cfg.Telemetry.SampleRate == 0 {
		cfg.Telemetry.SampleRate = 1.0
	}

	for i := range cfg.Repositories {
		r := &cfg.Repositories[i]
		setString(&r.Mode, "approval_gated")
		setString(&r.TargetBranch, "main")
		if r.MaxIterations == 0 {
			r.MaxIterations = cfg.Budget.MaxIterations
		}
		if r.MaxReviewIterations == 0 {
			r.MaxReviewIterations = cfg.Budget.MaxReviewIterations
		}
	}
}

func setString(dst *string, def string) {
	if *dst == "" {
		*dst = def
	}
}

func setDuration(dst *Duration, def time.Duration) {
	if *dst == 0 {
		*dst = Duration(def)
	}
}
