package config

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/npezzotti/go-chatrooms/internal/ratelimit"
)

const envPrefix = "gochat"

type Config struct {
	ServerAddr     string   `envconfig:"ADDR" default:":8000"`
	DatabaseDSN    string   `envconfig:"DSN"`
	SigningSecret  string   `envconfig:"SIGNING_KEY"`
	AllowedOrigins []string `envconfig:"ALLOWED_ORIGINS"`
	Migrate        bool     `envconfig:"MIGRATE" default:"true"`

	Broker    string `envconfig:"BROKER" default:"local"`
	RedisAddr string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	NatsURL   string `envconfig:"NATS_URL" default:"nats://localhost:4222"`

	RateLimitStore    string        `envconfig:"RATE_LIMIT_STORE" default:"memory"`
	RateLimitWindow   time.Duration `envconfig:"RATE_LIMIT_WINDOW" default:"1m"`
	RateLimitMax      int           `envconfig:"RATE_LIMIT_MAX" default:"120"`
	RateLimitFailOpen bool          `envconfig:"RATE_LIMIT_FAIL_OPEN" default:"true"`
	AIRateWindow      time.Duration `envconfig:"AI_RATE_LIMIT_WINDOW" default:"60s"`
	AIRateMax         int           `envconfig:"AI_RATE_LIMIT_MAX" default:"10"`
	AIRateFailOpen    bool          `envconfig:"AI_RATE_LIMIT_FAIL_OPEN" default:"false"`

	AIBaseURL   string        `envconfig:"AI_BASE_URL" default:"https://api.openai.com/v1"`
	AIAPIKey    string        `envconfig:"AI_API_KEY"`
	AIModel     string        `envconfig:"AI_MODEL" default:"gpt-4o-mini"`
	AITimeout   time.Duration `envconfig:"AI_TIMEOUT" default:"30s"`
	AIMaxTokens int           `envconfig:"AI_MAX_TOKENS" default:"512"`
	AIPersona   string        `envconfig:"AI_PERSONA" default:"You are a helpful assistant participating in a group chat room."`

	MaxMessageLength int    `envconfig:"MAX_MESSAGE_LENGTH" default:"4000"`
	DefaultPlan      string `envconfig:"DEFAULT_PLAN" default:"free"`
	DefaultAllowance int    `envconfig:"DEFAULT_ALLOWANCE" default:"50"`

	SigningKey []byte `ignored:"true"`
}

// FromEnv reads GOCHAT_* variables on top of the defaults. The result is
// not validated so command-line flags can still override it.
func FromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("process env: %w", err)
	}

	return &cfg, nil
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(base64Secret)
}

// Validate checks required settings and decodes the signing key.
func (c *Config) Validate() error {
	if c.ServerAddr == "" {
		return fmt.Errorf("server address cannot be empty")
	}
	if c.DatabaseDSN == "" {
		return fmt.Errorf("database DSN cannot be empty")
	}
	if c.SigningSecret == "" {
		return fmt.Errorf("signing secret cannot be empty")
	}

	signingKey, err := decodeSigningSecret(c.SigningSecret)
	if err != nil {
		return fmt.Errorf("decode signing secret: %w", err)
	}
	c.SigningKey = signingKey

	switch c.Broker {
	case "local", "redis", "nats":
	default:
		return fmt.Errorf("unknown broker %q", c.Broker)
	}
	switch c.RateLimitStore {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown rate limit store %q", c.RateLimitStore)
	}

	if c.RateLimitWindow <= 0 || c.RateLimitMax <= 0 {
		return fmt.Errorf("rate limit window and max must be positive")
	}
	if c.AIRateWindow <= 0 || c.AIRateMax <= 0 {
		return fmt.Errorf("assistant rate limit window and max must be positive")
	}
	if c.MaxMessageLength <= 0 {
		return fmt.Errorf("max message length must be positive")
	}
	if c.DefaultAllowance < 0 {
		return fmt.Errorf("default allowance cannot be negative")
	}

	return nil
}

// GeneralRule is the window shared by HTTP requests and live session events.
func (c *Config) GeneralRule() ratelimit.Rule {
	return ratelimit.Rule{
		Name:     "general",
		Window:   c.RateLimitWindow,
		MaxHits:  c.RateLimitMax,
		FailOpen: c.RateLimitFailOpen,
	}
}

func (c *Config) AssistantRule() ratelimit.Rule {
	return ratelimit.Rule{
		Name:     "assistant",
		Window:   c.AIRateWindow,
		MaxHits:  c.AIRateMax,
		FailOpen: c.AIRateFailOpen,
	}
}
