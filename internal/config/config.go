package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models agora.yml: the engine constants every deployment must be able
// to tune rather than inherit silently.
type Config struct {
	Market struct {
		ID   string `yaml:"id" json:"id"`
		Name string `yaml:"name" json:"name"`
	} `yaml:"market" json:"market"`
	Stake struct {
		Min             int64 `yaml:"min" json:"min"`
		SlashPercentBps int64 `yaml:"slash_percent_bps" json:"slash_percent_bps"`
	} `yaml:"stake" json:"stake"`
	Tasks struct {
		MinReward          int64  `yaml:"min_reward" json:"min_reward"`
		PlatformFeeBps     int64  `yaml:"platform_fee_bps" json:"platform_fee_bps"`
		AutoReleaseTimeout string `yaml:"auto_release_timeout" json:"auto_release_timeout"`
	} `yaml:"tasks" json:"tasks"`
	Reputation struct {
		Initial      int `yaml:"initial" json:"initial"`
		Max          int `yaml:"max" json:"max"`
		SuccessDelta int `yaml:"success_delta" json:"success_delta"`
		FailureDelta int `yaml:"failure_delta" json:"failure_delta"`
		SlashDelta   int `yaml:"slash_delta" json:"slash_delta"`
	} `yaml:"reputation" json:"reputation"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty" json:"webhooks,omitempty"`
}

type WebhookConfig struct {
	URL     string   `yaml:"url" json:"url"`
	Events  []string `yaml:"events,omitempty" json:"events,omitempty"`
	Secret  string   `yaml:"secret,omitempty" json:"secret,omitempty"`
	Enabled *bool    `yaml:"enabled,omitempty" json:"enabled,omitempty"`
}

// AutoReleaseTimeout parses the configured duration. Validate guarantees it
// parses, so callers may ignore the error after validation.
func (c *Config) AutoReleaseTimeout() (time.Duration, error) {
	return time.ParseDuration(c.Tasks.AutoReleaseTimeout)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Market.ID == "" {
		return fmt.Errorf("config.market.id is required")
	}
	if c.Stake.Min <= 0 {
		return fmt.Errorf("config.stake.min must be positive")
	}
	if c.Stake.SlashPercentBps < 0 || c.Stake.SlashPercentBps > 10000 {
		return fmt.Errorf("config.stake.slash_percent_bps must be in [0,10000]")
	}
	if c.Tasks.MinReward <= 0 {
		return fmt.Errorf("config.tasks.min_reward must be positive")
	}
	if c.Tasks.PlatformFeeBps < 0 || c.Tasks.PlatformFeeBps > 10000 {
		return fmt.Errorf("config.tasks.platform_fee_bps must be in [0,10000]")
	}
	if _, err := time.ParseDuration(c.Tasks.AutoReleaseTimeout); err != nil {
		return fmt.Errorf("config.tasks.auto_release_timeout: %w", err)
	}
	if c.Reputation.Max <= 0 {
		return fmt.Errorf("config.reputation.max must be positive")
	}
	if c.Reputation.Initial < 0 || c.Reputation.Initial > c.Reputation.Max {
		return fmt.Errorf("config.reputation.initial must be in [0,%d]", c.Reputation.Max)
	}
	if c.Reputation.SuccessDelta < 0 {
		return fmt.Errorf("config.reputation.success_delta must be non-negative")
	}
	if c.Reputation.FailureDelta < 0 || c.Reputation.SlashDelta < 0 {
		return fmt.Errorf("config.reputation failure/slash deltas are magnitudes and must be non-negative")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "agora.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with agora config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a market.
func Default(marketID string) *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(fmt.Sprintf(defaultTemplate, marketID)), &cfg)
	cfg.Market.ID = marketID
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault(marketID string) string {
	return fmt.Sprintf(defaultTemplate, marketID)
}

const defaultTemplate = `market:
  id: %s
  name: Agora task marketplace

stake:
  min: 100
  slash_percent_bps: 1000

tasks:
  min_reward: 10
  platform_fee_bps: 250
  auto_release_timeout: 168h

reputation:
  initial: 5000
  max: 10000
  success_delta: 100
  failure_delta: 200
  slash_delta: 500
`
