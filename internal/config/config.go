package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration document.
type Config struct {
	LogLevel             string          `yaml:"logLevel"`
	SamplingIntervalMs   int             `yaml:"samplingIntervalMs"`
	EvaluationIntervalMs int             `yaml:"evaluationIntervalMs"`
	HistoryLength        int             `yaml:"historyLength"`
	EventHistoryLimit    int             `yaml:"eventHistoryLimit"`
	Thresholds           Thresholds      `yaml:"thresholds"`
	ConflictStrategy     string          `yaml:"conflictStrategy"`
	Command              CommandPolicy   `yaml:"command"`
	Mods                 []ModConfig     `yaml:"mods"`
	Rules                []RuleConfig    `yaml:"rules"`
	Channels             []ChannelConfig `yaml:"channels"`
}

// Thresholds configures per-metric critical levels in percent. Zero
// disables the check for that metric.
type Thresholds struct {
	CPUPercent    float64 `yaml:"cpuPercent"`
	MemoryPercent float64 `yaml:"memoryPercent"`
	DiskPercent   float64 `yaml:"diskPercent"`
}

// CommandPolicy bounds system_command actions.
type CommandPolicy struct {
	TimeoutMs int      `yaml:"timeoutMs"`
	Denylist  []string `yaml:"denylist"`
}

// ModConfig declares an activatable behavior bundle.
type ModConfig struct {
	ID            string         `yaml:"id"`
	Type          string         `yaml:"type"`
	Priority      int            `yaml:"priority"`
	ConflictsWith []string       `yaml:"conflictsWith"`
	Config        map[string]any `yaml:"config"`
}

// RuleConfig declares an automation rule.
type RuleConfig struct {
	ID         string            `yaml:"id"`
	Name       string            `yaml:"name"`
	Priority   int               `yaml:"priority"`
	Enabled    *bool             `yaml:"enabled"`
	Sticky     bool              `yaml:"sticky"`
	Combine    string            `yaml:"combine"`
	Conditions []ConditionConfig `yaml:"conditions"`
	Actions    []ActionConfig    `yaml:"actions"`
}

// IsEnabled applies the enabled-by-default convention.
func (r RuleConfig) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// ConditionConfig is a raw, untyped condition declaration. The rules
// package compiles it into a typed variant and rejects unknown types.
type ConditionConfig struct {
	Type   string         `yaml:"type"`
	Params map[string]any `yaml:"params"`
}

// ActionConfig is a raw, untyped action declaration.
type ActionConfig struct {
	Type   string         `yaml:"type"`
	Params map[string]any `yaml:"params"`
}

// ChannelConfig declares a notification channel and its routing.
type ChannelConfig struct {
	Name        string   `yaml:"name"`
	Type        string   `yaml:"type"`
	URL         string   `yaml:"url"`
	Types       []string `yaml:"types"`
	MinSeverity int      `yaml:"minSeverity"`
}

const (
	defaultSamplingIntervalMs   = 2000
	defaultEvaluationIntervalMs = 1000
	defaultHistoryLength        = 300
	defaultEventHistoryLimit    = 2000
	defaultCommandTimeoutMs     = 10000
)

var validStrategies = map[string]struct{}{
	"priority":      {},
	"lastActivated": {},
	"cumulative":    {},
	"askUser":       {},
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes, defaults, and validates a configuration document.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.SamplingIntervalMs == 0 {
		c.SamplingIntervalMs = defaultSamplingIntervalMs
	}
	if c.EvaluationIntervalMs == 0 {
		c.EvaluationIntervalMs = defaultEvaluationIntervalMs
	}
	if c.HistoryLength == 0 {
		c.HistoryLength = defaultHistoryLength
	}
	if c.EventHistoryLimit == 0 {
		c.EventHistoryLimit = defaultEventHistoryLimit
	}
	if c.Thresholds == (Thresholds{}) {
		c.Thresholds = Thresholds{CPUPercent: 90, MemoryPercent: 90, DiskPercent: 95}
	}
	if c.ConflictStrategy == "" {
		c.ConflictStrategy = "priority"
	}
	if c.Command.TimeoutMs == 0 {
		c.Command.TimeoutMs = defaultCommandTimeoutMs
	}
}

// SamplingInterval returns the sampling period as a duration.
func (c *Config) SamplingInterval() time.Duration {
	return time.Duration(c.SamplingIntervalMs) * time.Millisecond
}

// EvaluationInterval returns the rule evaluation period as a duration.
func (c *Config) EvaluationInterval() time.Duration {
	return time.Duration(c.EvaluationIntervalMs) * time.Millisecond
}

// CommandTimeout returns the system_command execution bound.
func (c *Config) CommandTimeout() time.Duration {
	return time.Duration(c.Command.TimeoutMs) * time.Millisecond
}

// Validate performs structural checks. Condition and action payloads are
// validated when the rules package compiles them.
func (c *Config) Validate() error {
	if c.SamplingIntervalMs < 0 {
		return fmt.Errorf("samplingIntervalMs cannot be negative")
	}
	if c.EvaluationIntervalMs < 0 {
		return fmt.Errorf("evaluationIntervalMs cannot be negative")
	}
	if c.HistoryLength < 0 {
		return fmt.Errorf("historyLength cannot be negative")
	}
	if _, ok := validStrategies[c.ConflictStrategy]; !ok {
		return fmt.Errorf("unknown conflictStrategy %q", c.ConflictStrategy)
	}
	modIDs := map[string]struct{}{}
	for _, mod := range c.Mods {
		if mod.ID == "" {
			return fmt.Errorf("mod id cannot be empty")
		}
		if _, exists := modIDs[mod.ID]; exists {
			return fmt.Errorf("duplicate mod %q", mod.ID)
		}
		modIDs[mod.ID] = struct{}{}
	}
	for _, mod := range c.Mods {
		for _, other := range mod.ConflictsWith {
			if _, exists := modIDs[other]; !exists {
				return fmt.Errorf("mod %q conflicts with unknown mod %q", mod.ID, other)
			}
		}
	}
	ruleIDs := map[string]struct{}{}
	for _, rule := range c.Rules {
		if rule.ID == "" {
			return fmt.Errorf("rule id cannot be empty")
		}
		if _, exists := ruleIDs[rule.ID]; exists {
			return fmt.Errorf("duplicate rule %q", rule.ID)
		}
		ruleIDs[rule.ID] = struct{}{}
		if len(rule.Conditions) == 0 {
			return fmt.Errorf("rule %q must define conditions", rule.ID)
		}
		if len(rule.Actions) == 0 {
			return fmt.Errorf("rule %q must define actions", rule.ID)
		}
		switch rule.Combine {
		case "", "AND", "OR":
		default:
			return fmt.Errorf("rule %q: combine must be AND or OR, got %q", rule.ID, rule.Combine)
		}
	}
	channelNames := map[string]struct{}{}
	for _, ch := range c.Channels {
		if ch.Name == "" {
			return fmt.Errorf("channel name cannot be empty")
		}
		if _, exists := channelNames[ch.Name]; exists {
			return fmt.Errorf("duplicate channel %q", ch.Name)
		}
		channelNames[ch.Name] = struct{}{}
		switch ch.Type {
		case "log":
		case "webhook":
			if ch.URL == "" {
				return fmt.Errorf("channel %q: webhook requires url", ch.Name)
			}
		default:
			return fmt.Errorf("channel %q: unknown type %q", ch.Name, ch.Type)
		}
		if ch.MinSeverity < 0 || ch.MinSeverity > 10 {
			return fmt.Errorf("channel %q: minSeverity must be within 0..10", ch.Name)
		}
	}
	return nil
}
