package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/juju/loggo"
	"gopkg.in/yaml.v3"
)

// Config models marketline.yml.
type Config struct {
	Engine struct {
		// RateVarianceBps bounds how far an agreed amount may drift from the
		// offered amount, in basis points of the offered amount.
		RateVarianceBps      int `yaml:"rate_variance_bps"`
		DefaultMaxApplicants int `yaml:"default_max_applicants"`
		DefaultPageSize      int `yaml:"default_page_size"`
		MaxPageSize          int `yaml:"max_page_size"`
	} `yaml:"engine"`
	Expiry struct {
		SweepInterval time.Duration `yaml:"sweep_interval"`
		SweepBatch    int           `yaml:"sweep_batch"`
	} `yaml:"expiry"`
	Server struct {
		Addr                   string `yaml:"addr"`
		BasePath               string `yaml:"base_path"`
		AllowLegacyActorHeader bool   `yaml:"allow_legacy_actor_header"`
		// JWTSecret signs bearer tokens. MARKETLINE_JWT_SECRET overrides it.
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"server"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

// WebhookConfig describes an event delivery target.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events,omitempty"`
	Secret         string   `yaml:"secret,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with ml config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Engine.RateVarianceBps < 0 || c.Engine.RateVarianceBps > 10000 {
		return fmt.Errorf("config.engine.rate_variance_bps must be between 0 and 10000")
	}
	if c.Engine.DefaultMaxApplicants < 1 {
		return fmt.Errorf("config.engine.default_max_applicants must be at least 1")
	}
	if c.Engine.DefaultPageSize < 1 {
		return fmt.Errorf("config.engine.default_page_size must be at least 1")
	}
	if c.Engine.MaxPageSize < c.Engine.DefaultPageSize {
		return fmt.Errorf("config.engine.max_page_size must be >= default_page_size")
	}
	if c.Expiry.SweepInterval < 0 {
		return fmt.Errorf("config.expiry.sweep_interval must not be negative")
	}
	if c.Expiry.SweepBatch < 1 {
		return fmt.Errorf("config.expiry.sweep_batch must be at least 1")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	if c.Logging.Level != "" {
		if _, ok := loggo.ParseLevel(c.Logging.Level); !ok {
			return fmt.Errorf("config.logging.level %q is not a known level", c.Logging.Level)
		}
	}
	return nil
}

// ConfigureLogging applies the logging level to the marketline loggers.
func (c *Config) ConfigureLogging() error {
	if c.Logging.Level == "" {
		return nil
	}
	return loggo.ConfigureLoggers("marketline=" + strings.ToUpper(c.Logging.Level))
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "marketline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys absent from
// data keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `engine:
  rate_variance_bps: 1500
  default_max_applicants: 5
  default_page_size: 50
  max_page_size: 200

expiry:
  sweep_interval: 0s
  sweep_batch: 100

server:
  addr: 127.0.0.1:8080
  base_path: /v1
  allow_legacy_actor_header: false
  jwt_secret: ""

# webhooks:
#   - url: https://example.invalid/hooks/marketline
#     events: [agreement.approve, offer.expired]

logging:
  level: INFO
`
