package config

import (
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// CheckpointConfig holds the gating behaviour for one lifecycle stage.
type CheckpointConfig struct {
	Mode    string        // "required" or "auto"
	Timeout time.Duration // reminder interval for required checkpoints
}

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// General
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// HTTP server (websocket, health, metrics)
	HTTPPort int `envconfig:"HTTP_PORT" default:"8080"`

	// REST API server
	APIListenAddr   string        `envconfig:"API_LISTEN_ADDR" default:":8090"`
	APIAuthMode     string        `envconfig:"API_AUTH_MODE" default:"none"` // "none", "api-key", "jwt"
	APIKey          string        `envconfig:"API_KEY"`
	JWTSecret       string        `envconfig:"JWT_SECRET"`
	APIRateLimitRPS int           `envconfig:"API_RATE_LIMIT_RPS" default:"100"`
	APIRateBurst    int           `envconfig:"API_RATE_LIMIT_BURST" default:"200"`
	CORSOrigins     string        `envconfig:"CORS_ORIGINS"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`

	// Workspace
	WorkspaceRoot string `envconfig:"WORKSPACE_ROOT" default:"./projects"`

	// Persistence
	DBPath string `envconfig:"DB_PATH" default:"conductor.db"`

	// Decomposer
	MaxRequirementLen int    `envconfig:"MAX_REQUIREMENT_LEN" default:"4000"`
	RolesFile         string `envconfig:"ROLES_FILE"` // optional YAML role catalog override

	// Execution agent
	AgentBin     string        `envconfig:"AGENT_BIN" default:"claude"`
	AgentTimeout time.Duration `envconfig:"AGENT_TIMEOUT" default:"5m"`

	// Autonomous loop
	MaxFixAttempts    int           `envconfig:"MAX_FIX_ATTEMPTS" default:"3"`
	DependencyTimeout time.Duration `envconfig:"DEPENDENCY_TIMEOUT" default:"15m"`

	// Checkpoints
	PlanCheckpointMode     string        `envconfig:"PLAN_CHECKPOINT_MODE" default:"required"`
	DeliveryCheckpointMode string        `envconfig:"DELIVERY_CHECKPOINT_MODE" default:"required"`
	CheckpointTimeout      time.Duration `envconfig:"CHECKPOINT_TIMEOUT" default:"30m"`

	// Notifications (optional — conductor runs without Slack, logging only)
	SlackBotToken  string `envconfig:"SLACK_BOT_TOKEN"`
	SlackChannel   string `envconfig:"SLACK_CHANNEL" default:"#conductor-approvals"`
	NotifyChannels string `envconfig:"NOTIFY_CHANNELS" default:"log"` // comma-separated: "log", "slack"
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("conductor", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SlackEnabled returns true if a Slack bot token is configured.
func (c *Config) SlackEnabled() bool {
	return c.SlackBotToken != ""
}

// NotifyChannelList returns the parsed list of enabled notification channels.
func (c *Config) NotifyChannelList() []string {
	parts := strings.Split(c.NotifyChannels, ",")
	channels := make([]string, 0, len(parts))
	for _, ch := range parts {
		ch = strings.TrimSpace(ch)
		if ch != "" {
			channels = append(channels, ch)
		}
	}
	return channels
}

// Checkpoints returns the per-stage checkpoint configuration. Plan and
// delivery default to human-required; design and development always run
// automatically.
func (c *Config) Checkpoints() map[string]CheckpointConfig {
	return map[string]CheckpointConfig{
		"plan":        {Mode: c.PlanCheckpointMode, Timeout: c.CheckpointTimeout},
		"design":      {Mode: "auto"},
		"development": {Mode: "auto"},
		"delivery":    {Mode: c.DeliveryCheckpointMode, Timeout: c.CheckpointTimeout},
	}
}
