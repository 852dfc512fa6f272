package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models kept.yml. Every tunable threshold used by the risk detector
// and the integrity engine lives here rather than as a scattered literal.
type Config struct {
	Owner struct {
		Name string `yaml:"name"`
	} `yaml:"owner"`
	Risk      RiskConfig      `yaml:"risk"`
	Integrity IntegrityConfig `yaml:"integrity"`
}

// RiskConfig bounds the overdue / due-soon / stalled classification.
type RiskConfig struct {
	DueSoonDays      int `yaml:"due_soon_days"`
	StalledDueDays   int `yaml:"stalled_due_days"`
	StalledIdleHours int `yaml:"stalled_idle_hours"`
	MessageItemCap   int `yaml:"message_item_cap"`
}

// IntegrityConfig holds the scoring thresholds.
type IntegrityConfig struct {
	TimelinessFullCreditDays int     `yaml:"timeliness_full_credit_days"`
	DecayHalfLifeDays        float64 `yaml:"decay_half_life_days"`
	AccuracyWindowDays       int     `yaml:"accuracy_window_days"`
	AccuracyMinSamples       int     `yaml:"accuracy_min_samples"`
	AccuracyTightLow         float64 `yaml:"accuracy_tight_low"`
	AccuracyTightHigh        float64 `yaml:"accuracy_tight_high"`
	AccuracyLooseLow         float64 `yaml:"accuracy_loose_low"`
	AccuracyLooseHigh        float64 `yaml:"accuracy_loose_high"`
	TrendThreshold           float64 `yaml:"trend_threshold"`
	TrendWindowDays          int     `yaml:"trend_window_days"`
	WeightOnTime             float64 `yaml:"weight_on_time"`
	WeightNotification       float64 `yaml:"weight_notification"`
	WeightCleanup            float64 `yaml:"weight_cleanup"`
	WeightEstimation         float64 `yaml:"weight_estimation"`
	StreakBonusPerWeek       float64 `yaml:"streak_bonus_per_week"`
	StreakBonusCap           float64 `yaml:"streak_bonus_cap"`
	AffectingWindowDays      int     `yaml:"affecting_window_days"`
	AffectingCap             int     `yaml:"affecting_cap"`
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run kept init or start with the default config", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
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
	if c.Risk.DueSoonDays < 0 {
		return fmt.Errorf("config.risk.due_soon_days must be >= 0")
	}
	if c.Risk.StalledDueDays < 0 {
		return fmt.Errorf("config.risk.stalled_due_days must be >= 0")
	}
	if c.Risk.StalledIdleHours <= 0 {
		return fmt.Errorf("config.risk.stalled_idle_hours must be > 0")
	}
	if c.Risk.MessageItemCap <= 0 {
		return fmt.Errorf("config.risk.message_item_cap must be > 0")
	}
	ic := c.Integrity
	if ic.TimelinessFullCreditDays <= 0 {
		return fmt.Errorf("config.integrity.timeliness_full_credit_days must be > 0")
	}
	if ic.DecayHalfLifeDays <= 0 {
		return fmt.Errorf("config.integrity.decay_half_life_days must be > 0")
	}
	if ic.AccuracyWindowDays <= 0 {
		return fmt.Errorf("config.integrity.accuracy_window_days must be > 0")
	}
	if ic.AccuracyMinSamples <= 0 {
		return fmt.Errorf("config.integrity.accuracy_min_samples must be > 0")
	}
	if !(ic.AccuracyLooseLow < ic.AccuracyTightLow && ic.AccuracyTightLow < ic.AccuracyTightHigh && ic.AccuracyTightHigh < ic.AccuracyLooseHigh) {
		return fmt.Errorf("config.integrity accuracy buckets must be ordered loose_low < tight_low < tight_high < loose_high")
	}
	if ic.TrendThreshold <= 0 {
		return fmt.Errorf("config.integrity.trend_threshold must be > 0")
	}
	if ic.TrendWindowDays <= 0 {
		return fmt.Errorf("config.integrity.trend_window_days must be > 0")
	}
	weightSum := ic.WeightOnTime + ic.WeightNotification + ic.WeightCleanup + ic.WeightEstimation
	if weightSum <= 0 || weightSum > 1 {
		return fmt.Errorf("config.integrity factor weights must sum to (0,1], got %.4f", weightSum)
	}
	if ic.StreakBonusPerWeek < 0 || ic.StreakBonusCap < 0 {
		return fmt.Errorf("config.integrity streak bonus values must be >= 0")
	}
	if ic.AffectingWindowDays <= 0 || ic.AffectingCap <= 0 {
		return fmt.Errorf("config.integrity affecting window and cap must be > 0")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "kept.yml")
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
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

const defaultTemplate = `owner:
  name: ""

risk:
  due_soon_days: 1
  stalled_due_days: 2
  stalled_idle_hours: 24
  message_item_cap: 3

integrity:
  timeliness_full_credit_days: 7
  decay_half_life_days: 7
  accuracy_window_days: 90
  accuracy_min_samples: 5
  accuracy_tight_low: 0.85
  accuracy_tight_high: 1.15
  accuracy_loose_low: 0.5
  accuracy_loose_high: 1.5
  trend_threshold: 0.05
  trend_window_days: 30
  weight_on_time: 0.35
  weight_notification: 0.25
  weight_cleanup: 0.25
  weight_estimation: 0.10
  streak_bonus_per_week: 2
  streak_bonus_cap: 5
  affecting_window_days: 30
  affecting_cap: 5
`
