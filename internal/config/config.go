package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models skirmish.yml. The risk-tier probabilities and bonus
// percentages are behaviorally significant but tunable; the defaults below
// are the shipped values.
type Config struct {
	Game struct {
		SquadronCapacity  int `yaml:"squadron_capacity"`
		BattleExpiryHours int `yaml:"battle_expiry_hours"`
		ActorsPerRound    int `yaml:"actors_per_round"`
		MaxRounds         int `yaml:"max_rounds"`
	} `yaml:"game"`
	RiskTiers struct {
		Jitter float64             `yaml:"jitter"`
		Tiers  map[string]RiskTier `yaml:"tiers"`
	} `yaml:"risk_tiers"`
	Bonuses BonusConfig `yaml:"bonuses"`
	Oracle  struct {
		Provider       string `yaml:"provider"` // fallback | anthropic
		Model          string `yaml:"model"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"oracle"`
	Eligibility struct {
		URL string `yaml:"url,omitempty"`
	} `yaml:"eligibility"`
	Notify struct {
		URL    string `yaml:"url,omitempty"`
		Secret string `yaml:"secret,omitempty"`
	} `yaml:"notify"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type RiskTier struct {
	SuccessProbability float64 `yaml:"success_probability"`
	Magnitude          int     `yaml:"magnitude"`
}

type BonusConfig struct {
	SpecializationPercent         int `yaml:"specialization_percent"`
	CivilizationToReligionPercent int `yaml:"civilization_to_religion_percent"`
	ClassAffinityPercent          int `yaml:"class_affinity_percent"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret,omitempty"`
	Events         []string `yaml:"events,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
}

// Load reads and validates config from the workspace, falling back to the
// defaults when skirmish.yml does not exist.
func Load(workspace string) (*Config, error) {
	cfg, err := FromFile(Path(workspace))
	if os.IsNotExist(err) {
		return Default(), nil
	}
	return cfg, err
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Game.SquadronCapacity <= 0 {
		return fmt.Errorf("config.game.squadron_capacity must be positive")
	}
	if c.Game.BattleExpiryHours <= 0 {
		return fmt.Errorf("config.game.battle_expiry_hours must be positive")
	}
	if c.Game.ActorsPerRound <= 0 {
		return fmt.Errorf("config.game.actors_per_round must be positive")
	}
	if len(c.RiskTiers.Tiers) == 0 {
		return fmt.Errorf("config.risk_tiers.tiers is required")
	}
	for name, tier := range c.RiskTiers.Tiers {
		if tier.SuccessProbability <= 0 || tier.SuccessProbability > 1 {
			return fmt.Errorf("risk tier %s has success_probability outside (0,1]", name)
		}
		if tier.Magnitude <= 0 {
			return fmt.Errorf("risk tier %s has non-positive magnitude", name)
		}
	}
	if c.RiskTiers.Jitter < 0 || c.RiskTiers.Jitter >= 0.5 {
		return fmt.Errorf("config.risk_tiers.jitter must be in [0, 0.5)")
	}
	if c.Bonuses.SpecializationPercent < 0 || c.Bonuses.CivilizationToReligionPercent < 0 || c.Bonuses.ClassAffinityPercent < 0 {
		return fmt.Errorf("config.bonuses percentages must be non-negative")
	}
	switch c.Oracle.Provider {
	case "", "fallback", "anthropic":
	default:
		return fmt.Errorf("config.oracle.provider %s not supported", c.Oracle.Provider)
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
	}
	return nil
}

// Tier returns the risk tier config by name.
func (c *Config) Tier(name string) (RiskTier, bool) {
	t, ok := c.RiskTiers.Tiers[name]
	return t, ok
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "skirmish.yml")
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// DefaultTemplate returns the shipped skirmish.yml contents.
func DefaultTemplate() string {
	return defaultTemplate
}

// FromYAML parses and validates config from raw YAML bytes.
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

const defaultTemplate = `game:
  squadron_capacity: 10
  battle_expiry_hours: 24
  actors_per_round: 2
  max_rounds: 10

risk_tiers:
  jitter: 0.05
  tiers:
    low:
      success_probability: 0.8
      magnitude: 10
    medium:
      success_probability: 0.6
      magnitude: 15
    high:
      success_probability: 0.4
      magnitude: 25

bonuses:
  specialization_percent: 20
  civilization_to_religion_percent: 15
  class_affinity_percent: 10

oracle:
  provider: fallback
  model: ""
  timeout_seconds: 10
`
