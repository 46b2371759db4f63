package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/h1v3-io/coworker/internal/connector/webhook"
)

// Auth kinds.
const (
	AuthDeviceCode = "device_code"
	AuthStatic     = "static"
	AuthNone       = "none"
)

// Directory kinds.
const (
	DirectoryGraph = "graph"
	DirectorySlack = "slack"
)

// Config is the top-level coworker configuration.
type Config struct {
	DataDir    string          `json:"data_dir" yaml:"data_dir"`
	API        APIConfig       `json:"api" yaml:"api"`
	Questions  QuestionsConfig `json:"questions" yaml:"questions"`
	Auth       AuthConfig      `json:"auth" yaml:"auth"`
	Directory  DirectoryConfig `json:"directory" yaml:"directory"`
	Connectors ConnectorConfig `json:"connectors" yaml:"connectors"`
	RateLimit  RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`
}

// APIConfig holds REST API server settings.
type APIConfig struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
	Key  string `json:"api_key" yaml:"api_key"`
}

// QuestionsConfig bounds how long a question waits for its answer.
type QuestionsConfig struct {
	DefaultTimeout Duration `json:"default_timeout" yaml:"default_timeout"` // default 5m
	MinTimeout     Duration `json:"min_timeout" yaml:"min_timeout"`         // default 10s
	MaxTimeout     Duration `json:"max_timeout" yaml:"max_timeout"`         // default 60m
	SweepInterval  Duration `json:"sweep_interval" yaml:"sweep_interval"`   // default 1m
}

// AuthConfig selects how the directory credential is obtained.
type AuthConfig struct {
	Kind       string   `json:"kind" yaml:"kind"` // device_code (default), static, none
	Authority  string   `json:"authority,omitempty" yaml:"authority,omitempty"`
	TenantID   string   `json:"tenant_id,omitempty" yaml:"tenant_id,omitempty"`
	ClientID   string   `json:"client_id,omitempty" yaml:"client_id,omitempty"`
	Scopes     []string `json:"scopes,omitempty" yaml:"scopes,omitempty"`
	TokenCache string   `json:"token_cache,omitempty" yaml:"token_cache,omitempty"` // default <data_dir>/token.json
	Token      string   `json:"token,omitempty" yaml:"token,omitempty"`             // static only
	Timeout    Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`         // one acquisition attempt
}

// DirectoryConfig selects the people directory.
type DirectoryConfig struct {
	Kind     string   `json:"kind" yaml:"kind"` // graph (default) or slack
	GraphURL string   `json:"graph_url,omitempty" yaml:"graph_url,omitempty"`
	CacheTTL Duration `json:"cache_ttl,omitempty" yaml:"cache_ttl,omitempty"` // default 10m
}

// ConnectorConfig holds settings for external platform connectors.
type ConnectorConfig struct {
	Slack    *SlackConfig    `json:"slack,omitempty" yaml:"slack,omitempty"`
	Telegram *TelegramConfig `json:"telegram,omitempty" yaml:"telegram,omitempty"`
	Webhook  *webhook.Config `json:"webhook,omitempty" yaml:"webhook,omitempty"`
}

// SlackConfig holds Slack app settings.
type SlackConfig struct {
	BotToken       string `json:"bot_token" yaml:"bot_token"`
	AppToken       string `json:"app_token" yaml:"app_token"`
	UseResponseBox bool   `json:"use_response_box,omitempty" yaml:"use_response_box,omitempty"`
}

// TelegramConfig holds Telegram bot settings.
type TelegramConfig struct {
	Token     string       `json:"token" yaml:"token"`
	AllowFrom []int64      `json:"allow_from,omitempty" yaml:"allow_from,omitempty"`
	Voice     *VoiceConfig `json:"voice,omitempty" yaml:"voice,omitempty"`
}

// VoiceConfig enables transcription of Telegram voice replies.
type VoiceConfig struct {
	URL    string `json:"url,omitempty" yaml:"url,omitempty"`
	APIKey string `json:"api_key" yaml:"api_key"`
	Model  string `json:"model,omitempty" yaml:"model,omitempty"`
}

// RateLimitConfig throttles questions per target person. Zero disables it.
type RateLimitConfig struct {
	PerMinute float64 `json:"per_minute" yaml:"per_minute"`
	Burst     int     `json:"burst" yaml:"burst"`
}

// Load reads configuration from a JSON or YAML file, chosen by extension.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	default:
		err = json.Unmarshal(data, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromEnv builds a config from environment variables with COWORKER_ prefix.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		DataDir: getenv("COWORKER_DATA_DIR", "/data"),
		API: APIConfig{
			Host: getenv("COWORKER_API_HOST", "0.0.0.0"),
			Port: getenvInt("COWORKER_API_PORT", 8080),
			Key:  os.Getenv("COWORKER_API_KEY"),
		},
		Questions: QuestionsConfig{
			DefaultTimeout: Duration(time.Duration(getenvInt("COWORKER_DEFAULT_TIMEOUT_MINUTES", 5)) * time.Minute),
			MaxTimeout:     Duration(time.Duration(getenvInt("COWORKER_MAX_TIMEOUT_MINUTES", 60)) * time.Minute),
		},
		Auth: AuthConfig{
			Kind:     os.Getenv("COWORKER_AUTH_KIND"),
			TenantID: os.Getenv("COWORKER_TENANT_ID"),
			ClientID: os.Getenv("COWORKER_CLIENT_ID"),
			Token:    os.Getenv("COWORKER_AUTH_TOKEN"),
		},
		Directory: DirectoryConfig{
			Kind: os.Getenv("COWORKER_DIRECTORY"),
		},
		RateLimit: RateLimitConfig{
			Burst: getenvInt("COWORKER_RATE_BURST", 0),
		},
	}

	if v := os.Getenv("COWORKER_RATE_PER_MINUTE"); v != "" {
		n, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("config: COWORKER_RATE_PER_MINUTE: invalid number %q", v)
		}
		cfg.RateLimit.PerMinute = n
	}

	if token := os.Getenv("COWORKER_SLACK_BOT_TOKEN"); token != "" {
		cfg.Connectors.Slack = &SlackConfig{
			BotToken:       token,
			AppToken:       os.Getenv("COWORKER_SLACK_APP_TOKEN"),
			UseResponseBox: os.Getenv("COWORKER_SLACK_RESPONSE_BOX") == "true",
		}
	}

	// Telegram connector from env
	if token := os.Getenv("COWORKER_TELEGRAM_TOKEN"); token != "" {
		cfg.Connectors.Telegram = &TelegramConfig{
			Token: token,
		}
		if ids := os.Getenv("COWORKER_TELEGRAM_ALLOW_FROM"); ids != "" {
			parsed, err := parseInt64List(ids)
			if err != nil {
				return nil, fmt.Errorf("config: COWORKER_TELEGRAM_ALLOW_FROM: %w", err)
			}
			cfg.Connectors.Telegram.AllowFrom = parsed
		}
		if key := os.Getenv("COWORKER_VOICE_API_KEY"); key != "" {
			cfg.Connectors.Telegram.Voice = &VoiceConfig{
				URL:    os.Getenv("COWORKER_VOICE_URL"),
				APIKey: key,
			}
		}
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills unset optional fields.
func (c *Config) ApplyDefaults() {
	if c.API.Host == "" {
		c.API.Host = "0.0.0.0"
	}
	if c.API.Port == 0 {
		c.API.Port = 8080
	}
	q := &c.Questions
	if q.DefaultTimeout == 0 {
		q.DefaultTimeout = Duration(5 * time.Minute)
	}
	if q.MinTimeout == 0 {
		q.MinTimeout = Duration(10 * time.Second)
	}
	if q.MaxTimeout == 0 {
		q.MaxTimeout = Duration(60 * time.Minute)
	}
	if q.SweepInterval == 0 {
		q.SweepInterval = Duration(time.Minute)
	}
	if c.Auth.Kind == "" {
		c.Auth.Kind = AuthDeviceCode
	}
	if c.Auth.TokenCache == "" && c.DataDir != "" {
		c.Auth.TokenCache = filepath.Join(c.DataDir, "token.json")
	}
	if c.Directory.Kind == "" {
		c.Directory.Kind = DirectoryGraph
	}
	if c.Directory.CacheTTL == 0 {
		c.Directory.CacheTTL = Duration(10 * time.Minute)
	}
}

// DBPath is the SQLite database holding questions and channel registrations.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "coworker.db")
}

// Validate checks for required fields.
func (c *Config) Validate() error {
	var errs []string

	if c.DataDir == "" {
		errs = append(errs, "data_dir is required")
	}
	if c.API.Port < 0 || c.API.Port > 65535 {
		errs = append(errs, fmt.Sprintf("api.port %d is out of range", c.API.Port))
	}

	q := c.Questions
	if q.MinTimeout <= 0 {
		errs = append(errs, "questions.min_timeout must be positive")
	}
	if q.MaxTimeout < q.MinTimeout {
		errs = append(errs, "questions.max_timeout must not be below questions.min_timeout")
	}
	if q.DefaultTimeout < q.MinTimeout || q.DefaultTimeout > q.MaxTimeout {
		errs = append(errs, "questions.default_timeout must be between min_timeout and max_timeout")
	}
	if q.SweepInterval.Duration() < time.Second {
		errs = append(errs, "questions.sweep_interval must be at least 1s")
	}

	switch c.Auth.Kind {
	case AuthDeviceCode:
		if c.Auth.ClientID == "" {
			errs = append(errs, "auth.client_id is required for device_code auth")
		}
	case AuthStatic:
		if c.Auth.Token == "" {
			errs = append(errs, "auth.token is required for static auth")
		}
	case AuthNone:
	default:
		errs = append(errs, fmt.Sprintf("auth.kind %q is unknown", c.Auth.Kind))
	}

	switch c.Directory.Kind {
	case DirectoryGraph:
		if c.Auth.Kind == AuthNone {
			errs = append(errs, "directory graph needs auth.kind device_code or static")
		}
	case DirectorySlack:
		if c.Connectors.Slack == nil {
			errs = append(errs, "directory slack needs connectors.slack")
		}
	default:
		errs = append(errs, fmt.Sprintf("directory.kind %q is unknown", c.Directory.Kind))
	}

	if c.Connectors.Slack == nil && c.Connectors.Telegram == nil && c.Connectors.Webhook == nil {
		errs = append(errs, "at least one connector is required")
	}
	if s := c.Connectors.Slack; s != nil {
		if s.BotToken == "" {
			errs = append(errs, "connectors.slack.bot_token is required")
		}
		if s.AppToken == "" {
			errs = append(errs, "connectors.slack.app_token is required")
		}
	}
	if tg := c.Connectors.Telegram; tg != nil {
		if tg.Token == "" {
			errs = append(errs, "connectors.telegram.token is required")
		}
		if tg.Voice != nil && tg.Voice.APIKey == "" {
			errs = append(errs, "connectors.telegram.voice.api_key is required")
		}
	}
	if wh := c.Connectors.Webhook; wh != nil {
		for name, ep := range wh.Endpoints {
			if ep.Secret == "" && ep.BearerToken == "" {
				errs = append(errs, fmt.Sprintf("connectors.webhook.endpoints.%s needs secret or bearer_token", name))
			}
		}
	}

	if c.RateLimit.PerMinute < 0 || c.RateLimit.Burst < 0 {
		errs = append(errs, "rate_limit values must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func parseInt64List(s string) ([]int64, error) {
	parts := strings.Split(s, ",")
	result := make([]int64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid integer %q", p)
		}
		result = append(result, n)
	}
	return result, nil
}
