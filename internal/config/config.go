package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models marketline.yml. Deadlines, pause caps and the sanction ladder are
// fixed in code and deliberately absent here.
type Config struct {
	Service struct {
		ID          string `yaml:"id"`
		Environment string `yaml:"environment"`
		LogLevel    string `yaml:"log_level"`
	} `yaml:"service"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Disputes  DisputeConfig   `yaml:"disputes"`
	HTTP      struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"http"`
	Storage struct {
		Driver string `yaml:"driver"`
		DSN    string `yaml:"dsn"`
	} `yaml:"storage"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type SchedulerConfig struct {
	Interval         Duration `yaml:"interval"`
	TriggerPerMinute int      `yaml:"trigger_per_minute"`
	TriggerBurst     int      `yaml:"trigger_burst"`
}

type DisputeConfig struct {
	SLA             Duration `yaml:"sla"`
	SystemArbiterID string   `yaml:"system_arbiter_id"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Duration accepts Go duration strings ("48h", "30s") in YAML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
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

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Service.ID) == "" {
		return fmt.Errorf("config.service.id is required")
	}
	if c.Scheduler.Interval.Duration <= 0 {
		return fmt.Errorf("config.scheduler.interval must be positive")
	}
	if c.Scheduler.TriggerPerMinute < 0 || c.Scheduler.TriggerBurst < 0 {
		return fmt.Errorf("config.scheduler trigger limits must not be negative")
	}
	if c.Disputes.SLA.Duration <= 0 {
		return fmt.Errorf("config.disputes.sla must be positive")
	}
	if strings.TrimSpace(c.Disputes.SystemArbiterID) == "" {
		return fmt.Errorf("config.disputes.system_arbiter_id is required")
	}
	switch c.Storage.Driver {
	case "", "sqlite":
	case "postgres":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			return fmt.Errorf("config.storage.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("config.storage.driver must be sqlite or postgres")
	}
	if c.HTTP.BasePath != "" && !strings.HasPrefix(c.HTTP.BasePath, "/") {
		return fmt.Errorf("config.http.base_path must start with /")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "marketline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(serviceID string) string {
	return fmt.Sprintf(defaultTemplate, serviceID)
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

// Default returns the default Config struct.
func Default(serviceID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, serviceID))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing sections fall
// back to the defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default("marketline")
	cfg.Webhooks = nil
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

func (c *Config) YAML() (string, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

const defaultTemplate = `service:
  id: %s
  environment: development
  log_level: info

scheduler:
  interval: 1m
  trigger_per_minute: 6
  trigger_burst: 2

disputes:
  sla: 48h
  system_arbiter_id: system-arbiter

http:
  addr: 127.0.0.1:8080
  base_path: /v1

storage:
  driver: sqlite
`
