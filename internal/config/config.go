package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models contractline.yml.
type Config struct {
	Broker struct {
		ID string `yaml:"id" json:"id"`
	} `yaml:"broker" json:"broker"`
	Environments map[string]Environment `yaml:"environments" json:"environments"`
	Verification struct {
		// EvidenceLimit caps how many recent interactions a verification
		// task carries. 0 means unlimited.
		EvidenceLimit int `yaml:"evidence_limit" json:"evidence_limit"`
	} `yaml:"verification" json:"verification"`
	Fixtures struct {
		DefaultPriority int `yaml:"default_priority" json:"default_priority"`
		// AutoPropose drafts a fixture from every passing verification
		// outcome as it is submitted.
		AutoPropose bool `yaml:"auto_propose" json:"auto_propose"`
	} `yaml:"fixtures" json:"fixtures"`
	Gate struct {
		// RequireRegistered refuses can-i-deploy queries for services that
		// were never registered, instead of answering greenfield-allowed.
		RequireRegistered bool `yaml:"require_registered" json:"require_registered"`
	} `yaml:"gate" json:"gate"`
}

type Environment struct {
	Description string `yaml:"description" json:"description"`
	Production  bool   `yaml:"production" json:"production"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with ctl config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Broker.ID == "" {
		return fmt.Errorf("config.broker.id is required")
	}
	if len(c.Environments) == 0 {
		return fmt.Errorf("config.environments must declare at least one environment")
	}
	for name := range c.Environments {
		if name == "" {
			return fmt.Errorf("config.environments contains empty environment name")
		}
	}
	if c.Verification.EvidenceLimit < 0 {
		return fmt.Errorf("config.verification.evidence_limit must be >= 0")
	}
	if c.Fixtures.DefaultPriority < 0 {
		return fmt.Errorf("config.fixtures.default_priority must be >= 0")
	}
	return nil
}

// KnownEnvironment reports whether env is declared in the catalog.
func (c *Config) KnownEnvironment(env string) bool {
	_, ok := c.Environments[env]
	return ok
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "contractline.yml")
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

// Default returns the default Config struct for a broker id.
func Default(brokerID string) *Config {
	var cfg Config
	cfg.Broker.ID = brokerID
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, brokerID))).Decode(&cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault(brokerID string) string {
	return fmt.Sprintf(defaultTemplate, brokerID)
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

const defaultTemplate = `broker:
  id: %s

environments:
  test:
    description: "Ephemeral CI environment"
  staging:
    description: "Pre-production staging"
  production:
    description: "Production"
    production: true

verification:
  evidence_limit: 0

fixtures:
  default_priority: 0
  auto_propose: false

gate:
  require_registered: false
`
