// Package config provides configuration types and loading for clawcore.
package config

import (
	"path/filepath"
	"time"

	"github.com/KafClaw/clawcore/internal/policy"
)

// Config is the root configuration struct.
// Top-level groups: Paths, Model, Provider, Agent, Audit, Approvals, Gateway, Logging.
type Config struct {
	Paths     PathsConfig     `json:"paths"`
	Model     ModelConfig     `json:"model"`
	Provider  ProviderConfig  `json:"provider"`
	Agent     AgentConfig     `json:"agent"`
	Audit     AuditConfig     `json:"audit"`
	Approvals ApprovalsConfig `json:"approvals"`
	Gateway   GatewayConfig   `json:"gateway"`
	Logging   LoggingConfig   `json:"logging"`
}

// ---------------------------------------------------------------------------
// Paths – filesystem locations
// ---------------------------------------------------------------------------

// PathsConfig groups all filesystem path settings.
type PathsConfig struct {
	// Workspace is the root PathGuard confines tool file access to.
	Workspace string `json:"workspace" envconfig:"WORKSPACE"`
	// DataDir holds sessions, the audit log and the timeline database.
	DataDir string `json:"dataDir" envconfig:"DATA_DIR"`
	// ModulesDir holds sidecar tool manifests (*.yaml).
	ModulesDir string `json:"modulesDir" envconfig:"MODULES_DIR"`
}

// SessionsDir returns where session files are kept.
func (p PathsConfig) SessionsDir() string {
	return filepath.Join(p.DataDir, "sessions")
}

// ---------------------------------------------------------------------------
// Model – LLM behaviour
// ---------------------------------------------------------------------------

// ModelConfig groups LLM model settings.
type ModelConfig struct {
	Name        string  `json:"name" envconfig:"MODEL"`
	MaxTokens   int     `json:"maxTokens" envconfig:"MAX_TOKENS"`
	Temperature float64 `json:"temperature" envconfig:"TEMPERATURE"`
}

// ProviderConfig contains settings for the OpenAI-compatible endpoint.
type ProviderConfig struct {
	APIKey     string `json:"apiKey" envconfig:"API_KEY"`
	APIBase    string `json:"apiBase,omitempty" envconfig:"API_BASE"`
	MaxRetries int    `json:"maxRetries" envconfig:"MAX_RETRIES"`
}

// ---------------------------------------------------------------------------
// Agent – loop and policy limits
// ---------------------------------------------------------------------------

// AgentConfig groups the agent loop and security policy settings.
type AgentConfig struct {
	// AutonomyMode is readonly, supervised or full. It is read when a
	// session is created and fixed for that session.
	AutonomyMode           string `json:"autonomyMode" envconfig:"AUTONOMY_MODE"`
	MaxIterations          int    `json:"maxIterations" envconfig:"MAX_ITERATIONS"`
	HistoryBudget          int    `json:"historyBudget" envconfig:"HISTORY_BUDGET"`
	SummarizeHistory       bool   `json:"summarizeHistory" envconfig:"SUMMARIZE_HISTORY"`
	RateLimitPerHour       int    `json:"rateLimitPerHour" envconfig:"RATE_LIMIT_PER_HOUR"`
	ApprovalTimeoutSeconds int    `json:"approvalTimeoutSeconds" envconfig:"APPROVAL_TIMEOUT_SECONDS"`
	ToolTimeoutSeconds     int    `json:"toolTimeoutSeconds" envconfig:"TOOL_TIMEOUT_SECONDS"`
}

// Mode parses AutonomyMode. An empty value is read-only.
func (a AgentConfig) Mode() (policy.Mode, error) {
	if a.AutonomyMode == "" {
		return policy.ModeReadOnly, nil
	}
	return policy.ParseMode(a.AutonomyMode)
}

// ApprovalTimeout returns the approval wait bound.
func (a AgentConfig) ApprovalTimeout() time.Duration {
	return time.Duration(a.ApprovalTimeoutSeconds) * time.Second
}

// ToolTimeout returns the default tool execution bound.
func (a AgentConfig) ToolTimeout() time.Duration {
	return time.Duration(a.ToolTimeoutSeconds) * time.Second
}

// ---------------------------------------------------------------------------
// Audit – decision log destinations
// ---------------------------------------------------------------------------

// AuditConfig configures where audit entries go.
type AuditConfig struct {
	// Path is the JSONL log. Defaults to <dataDir>/audit.jsonl.
	Path string `json:"path" envconfig:"LOG"`
	// SQLite mirrors entries into <dataDir>/timeline.db when set.
	SQLite       bool     `json:"sqlite" envconfig:"SQLITE"`
	KafkaBrokers []string `json:"kafkaBrokers,omitempty" envconfig:"KAFKA_BROKERS"`
	KafkaTopic   string   `json:"kafkaTopic,omitempty" envconfig:"KAFKA_TOPIC"`
}

// ---------------------------------------------------------------------------
// Approvals – where humans are asked
// ---------------------------------------------------------------------------

// ApprovalsConfig configures approval notifications.
type ApprovalsConfig struct {
	SlackBotToken string `json:"slackBotToken,omitempty" envconfig:"SLACK_BOT_TOKEN"`
	SlackChannel  string `json:"slackChannel,omitempty" envconfig:"SLACK_CHANNEL"`
	// SlackAPIBase overrides the Slack API URL, mainly for tests.
	SlackAPIBase string `json:"slackApiBase,omitempty" envconfig:"SLACK_API_BASE"`
}

// ---------------------------------------------------------------------------
// Gateway – HTTP API
// ---------------------------------------------------------------------------

// GatewayConfig contains HTTP API settings.
type GatewayConfig struct {
	Host      string `json:"host" envconfig:"HOST"`
	Port      int    `json:"port" envconfig:"PORT"`
	AuthToken string `json:"authToken,omitempty" envconfig:"AUTH_TOKEN"`
}

// ---------------------------------------------------------------------------
// Logging
// ---------------------------------------------------------------------------

// LoggingConfig configures log output.
type LoggingConfig struct {
	Level string `json:"level" envconfig:"LEVEL"`
	// File additionally writes JSON logs to this path.
	File string `json:"file,omitempty" envconfig:"LOG_FILE"`
	// Journal sends logs to journald when running under systemd.
	Journal bool `json:"journal" envconfig:"JOURNAL"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Paths: PathsConfig{
			Workspace:  "~/clawcore-workspace",
			DataDir:    "~/" + ConfigDir,
			ModulesDir: "~/" + ConfigDir + "/modules",
		},
		Model: ModelConfig{
			Name:        "gpt-4o-mini",
			MaxTokens:   4096,
			Temperature: 0.2,
		},
		Provider: ProviderConfig{
			APIBase:    "https://api.openai.com/v1",
			MaxRetries: 2,
		},
		Agent: AgentConfig{
			AutonomyMode:           string(policy.ModeSupervised),
			MaxIterations:          20,
			HistoryBudget:          60,
			RateLimitPerHour:       20,
			ApprovalTimeoutSeconds: 120,
			ToolTimeoutSeconds:     60,
		},
		Audit: AuditConfig{
			SQLite:     true,
			KafkaTopic: "clawcore.audit",
		},
		Gateway: GatewayConfig{
			Host: "127.0.0.1", // Secure default
			Port: 18790,
		},
		Logging: LoggingConfig{
			Level:   "info",
			Journal: true,
		},
	}
}
