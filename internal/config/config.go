package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"crewline/internal/domain"
)

// Config models crewline.yml.
type Config struct {
	Orchestrator struct {
		SweepInterval    string `yaml:"sweep_interval" json:"sweep_interval"`
		StallAfter       string `yaml:"stall_after" json:"stall_after"`
		EscalateAfter    string `yaml:"escalate_after" json:"escalate_after"`
		HeartbeatTimeout string `yaml:"heartbeat_timeout" json:"heartbeat_timeout"`
		MaxDelegationDepth int  `yaml:"max_delegation_depth" json:"max_delegation_depth"`
	} `yaml:"orchestrator" json:"orchestrator"`
	Resources struct {
		Tiers []ResourceTier `yaml:"tiers" json:"tiers"`
	} `yaml:"resources" json:"resources"`
}

// ResourceTier is one entry of the ordered resource-preference list applied
// to deployment-class work items.
type ResourceTier struct {
	Name          string `yaml:"name" json:"name"`
	MaxSeconds    int    `yaml:"max_seconds" json:"max_seconds"`       // 0 = unlimited
	AllowStateful bool   `yaml:"allow_stateful" json:"allow_stateful"`
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run cw init to generate one", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
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
	for name, v := range map[string]string{
		"orchestrator.sweep_interval":    c.Orchestrator.SweepInterval,
		"orchestrator.stall_after":       c.Orchestrator.StallAfter,
		"orchestrator.escalate_after":    c.Orchestrator.EscalateAfter,
		"orchestrator.heartbeat_timeout": c.Orchestrator.HeartbeatTimeout,
	} {
		if v == "" {
			return fmt.Errorf("config.%s is required", name)
		}
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("config.%s: %w", name, err)
		}
	}
	if c.Orchestrator.MaxDelegationDepth <= 0 {
		return fmt.Errorf("config.orchestrator.max_delegation_depth must be positive")
	}
	if len(c.Resources.Tiers) == 0 {
		return fmt.Errorf("config.resources.tiers is required")
	}
	seen := map[string]bool{}
	for i, tier := range c.Resources.Tiers {
		if tier.Name == "" {
			return fmt.Errorf("config.resources.tiers[%d] has empty name", i)
		}
		if seen[tier.Name] {
			return fmt.Errorf("config.resources.tiers has duplicate name %s", tier.Name)
		}
		seen[tier.Name] = true
		if tier.MaxSeconds < 0 {
			return fmt.Errorf("tier %s: max_seconds must not be negative", tier.Name)
		}
	}
	return nil
}

// SweepInterval returns the parsed monitor sweep period.
func (c *Config) SweepInterval() time.Duration { return mustDuration(c.Orchestrator.SweepInterval) }

// StallAfter returns the inactivity window before an in-progress item stalls.
func (c *Config) StallAfter() time.Duration { return mustDuration(c.Orchestrator.StallAfter) }

// EscalateAfter returns the further inactivity window before a stalled item
// escalates.
func (c *Config) EscalateAfter() time.Duration { return mustDuration(c.Orchestrator.EscalateAfter) }

// HeartbeatTimeout returns the heartbeat age after which an agent is
// considered offline.
func (c *Config) HeartbeatTimeout() time.Duration {
	return mustDuration(c.Orchestrator.HeartbeatTimeout)
}

func mustDuration(v string) time.Duration {
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "crewline.yml")
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// GenerateDefault returns the default config YAML.
func GenerateDefault() string {
	return defaultTemplate
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

// DeploymentType is the operation type gated by the resource policy engine.
const DeploymentType = domain.OpDeployment

const defaultTemplate = `orchestrator:
  # Monitor sweep period. Every sweep scans all non-terminal work items once.
  sweep_interval: 5m

  # Inactivity window before an in_progress item is marked stalled.
  stall_after: 15m

  # Further inactivity before a stalled item escalates.
  escalate_after: 1h

  # Heartbeat age after which an agent is marked offline and its held
  # item is released back to the queue.
  heartbeat_timeout: 2m

  # Parent-chain depth limit for delegated work items.
  max_delegation_depth: 4

resources:
  # Ordered preference list for deployment-class work. The first tier whose
  # constraints admit the item wins. Keep a catch-all final tier.
  tiers:
    - name: serverless-function
      max_seconds: 900
      allow_stateful: false
    - name: serverless-batch
      max_seconds: 86400
      allow_stateful: false
    - name: managed-container
      max_seconds: 0
      allow_stateful: true
    - name: unmanaged-compute
      max_seconds: 0
      allow_stateful: true
`
