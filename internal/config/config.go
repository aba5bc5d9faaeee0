// Package config provides configuration loading for issuepilot.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config holds the complete issuepilot configuration.
type Config struct {
	GitHub       GitHubConfig       `koanf:"github"`
	Admission    AdmissionConfig    `koanf:"admission"`
	Budget       BudgetConfig       `koanf:"budget"`
	Timeouts     TimeoutsConfig     `koanf:"timeouts"`
	Workspace    WorkspaceConfig    `koanf:"workspace"`
	Agent        AgentConfig        `koanf:"agent"`
	Store        StoreConfig        `koanf:"store"`
	Temporal     TemporalConfig     `koanf:"temporal"`
	NATS         NATSConfig         `koanf:"nats"`
	Server       ServerConfig       `koanf:"server"`
	Logging      LoggingConfig      `koanf:"logging"`
	Telemetry    TelemetryConfig    `koanf:"telemetry"`
	Repositories []RepositoryConfig `koanf:"repositories" validate:"dive"`
}

// GitHubConfig configures the tracker, packaging and CI collaborators.
type GitHubConfig struct {
	Token         Secret   `koanf:"token"`
	WebhookSecret Secret   `koanf:"webhook_secret"`
	BaseURL       string   `koanf:"base_url" validate:"omitempty,url"`
	MaxRetries    int      `koanf:"max_retries" validate:"gte=0,lte=10"`
	PollInterval  Duration `koanf:"poll_interval"`

	CandidateLabel  string `koanf:"candidate_label" validate:"required"`
	InProgressLabel string `koanf:"in_progress_label" validate:"required"`
	PendingLabel    string `koanf:"pending_label" validate:"required"`
	ReadyLabel      string `koanf:"ready_label" validate:"required"`
	EscalationLabel string `koanf:"escalation_label" validate:"required"`
	BranchPrefix    string `koanf:"branch_prefix" validate:"required"`
}

// AdmissionConfig configures the admission control loop.
type AdmissionConfig struct {
	// Paused starts the controller with admission disabled.
	Paused        bool     `koanf:"paused"`
	PollInterval  Duration `koanf:"poll_interval"`
	MaxConcurrent int      `koanf:"max_concurrent" validate:"gte=1,lte=64"`
	DispatchGrace Duration `koanf:"dispatch_grace"`
}

// BudgetConfig holds budget defaults applied to repositories that do not set
// their own ceilings.
type BudgetConfig struct {
	MaxIterations       int      `koanf:"max_iterations" validate:"gte=1"`
	MaxReviewIterations int      `koanf:"max_review_iterations" validate:"gte=1"`
	Cooldown            Duration `koanf:"cooldown"`
}

// TimeoutsConfig bounds each long-running external call.
type TimeoutsConfig struct {
	Setup      Duration `koanf:"setup"`
	Generation Duration `koanf:"generation"`
	Checks     Duration `koanf:"checks"`
	Review     Duration `koanf:"review"`
	Tracker    Duration `koanf:"tracker"`
}

// WorkspaceConfig configures local clones.
type WorkspaceConfig struct {
	Root        string `koanf:"root" validate:"required"`
	AuthorName  string `koanf:"author_name" validate:"required"`
	AuthorEmail string `koanf:"author_email" validate:"required,email"`
}

// Review infrastructure error policies.
const (
	ReviewInfraPassThrough   = "pass_through"
	ReviewInfraAwaitApproval = "await_approval"
	ReviewInfraFail          = "fail"
)

// AgentConfig configures the generation and review commands.
type AgentConfig struct {
	GenerateCommand   []string `koanf:"generate_command"`
	ReviewCommand     []string `koanf:"review_command"`
	ReviewInfraPolicy string   `koanf:"review_infra_policy" validate:"oneof=pass_through await_approval fail"`
	// FollowUps files non-blocking findings of a passing review as an issue.
	FollowUps bool `koanf:"follow_ups"`
	// LeakAllowlist is an optional gitleaks TOML allowlist merged with the
	// built-in one.
	LeakAllowlist string `koanf:"leak_allowlist"`
}

// StoreConfig selects the job store.
type StoreConfig struct {
	Driver string `koanf:"driver" validate:"oneof=memory postgres"`
	DSN    Secret `koanf:"dsn"`
}

// TemporalConfig configures the optional Temporal dispatcher.
type TemporalConfig struct {
	Enabled   bool   `koanf:"enabled"`
	HostPort  string `koanf:"host_port"`
	Namespace string `koanf:"namespace"`
	TaskQueue string `koanf:"task_queue"`
}

// NATSConfig configures lifecycle notifications.
type NATSConfig struct {
	Enabled       bool   `koanf:"enabled"`
	URL           string `koanf:"url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// ServerConfig configures the control API.
type ServerConfig struct {
	Port            int      `koanf:"port" validate:"gte=1,lte=65535"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
	WebhookRate     float64  `koanf:"webhook_rate" validate:"gte=0"`
	WebhookBurst    int      `koanf:"webhook_burst" validate:"gte=0"`
}

// LoggingConfig is the user-facing subset of logging.Config.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json console"`
}

// TelemetryConfig configures the OTEL trace exporter.
type TelemetryConfig struct {
	Enabled     bool    `koanf:"enabled"`
	Endpoint    string  `koanf:"endpoint"`
	Protocol    string  `koanf:"protocol" validate:"omitempty,oneof=grpc http/protobuf"`
	Insecure    bool    `koanf:"insecure"`
	ServiceName string  `koanf:"service_name"`
	SampleRate  float64 `koanf:"sample_rate" validate:"gte=0,lte=1"`
}

// RepositoryConfig is the per-repository policy as written in the config file.
// Zero ceilings inherit the budget defaults.
type RepositoryConfig struct {
	Owner               string `koanf:"owner" validate:"required"`
	Name                string `koanf:"name" validate:"required"`
	Mode                string `koanf:"mode" validate:"omitempty,oneof=autonomous approval_gated"`
	MaxIterations       int    `koanf:"max_iterations" validate:"gte=0"`
	MaxReviewIterations int    `koanf:"max_review_iterations" validate:"gte=0"`
	CIEnabled           bool   `koanf:"ci_enabled"`
	AutoFinalize        bool   `koanf:"auto_finalize"`
	SecurityReview      bool   `koanf:"security_review"`
	TargetBranch        string `koanf:"target_branch"`
}

var validate = validator.New()

// Validate checks struct tags and cross-field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%s: failed on '%s' validation", fe.Namespace(), fe.Tag())
		}
		return err
	}

	if c.Store.Driver == "postgres" && !c.Store.DSN.IsSet() {
		return fmt.Errorf("store.dsn is required when store.driver is postgres")
	}
	if c.Temporal.Enabled && (c.Temporal.HostPort == "" || c.Temporal.TaskQueue == "") {
		return fmt.Errorf("temporal.host_port and temporal.task_queue are required when temporal is enabled")
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required when nats is enabled")
	}
	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		return fmt.Errorf("telemetry.endpoint is required when telemetry is enabled")
	}
	if c.Admission.PollInterval.Duration() < time.Second {
		return fmt.Errorf("admission.poll_interval must be at least 1s")
	}

	seen := make(map[string]bool, len(c.Repositories))
	for _, r := range c.Repositories {
		key := strings.ToLower(r.Owner + "/" + r.Name)
		if seen[key] {
			return fmt.Errorf("repository %s configured twice", key)
		}
		seen[key] = true
	}
	return nil
}
