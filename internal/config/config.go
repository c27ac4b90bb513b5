// Package config holds all twinloop configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config holds all twinloop configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Data directory (database, logs)
	DataDir      string `yaml:"data_dir" validate:"required"`
	DatabasePath string `yaml:"database_path" validate:"required"`

	LLM      LLMConfig      `yaml:"llm"`
	FineTune FineTuneConfig `yaml:"finetune"`
	Cycle    CycleConfig    `yaml:"cycle"`
	Routing  RoutingConfig  `yaml:"routing"`
	Training TrainingConfig `yaml:"training"`
	Loop     LoopConfig     `yaml:"loop"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// LLMConfig configures the LLM provider used for synthesis.
type LLMConfig struct {
	Provider string `yaml:"provider" validate:"oneof=openai gemini"` // openai-compatible or gemini
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model" validate:"required"`
	BaseURL  string `yaml:"base_url"`
	Timeout  string `yaml:"timeout"`
}

// FineTuneConfig configures the fine-tuning provider.
type FineTuneConfig struct {
	APIKey    string `yaml:"api_key"`
	BaseURL   string `yaml:"base_url" validate:"required"`
	BaseModel string `yaml:"base_model" validate:"required"`
	Timeout   string `yaml:"timeout"`
}

// CycleConfig configures the cycle decision engine.
type CycleConfig struct {
	HighEntryThreshold   int `yaml:"high_entry_threshold" validate:"min=1"`   // entries in 24h for high activity
	HighContactHours     int `yaml:"high_contact_hours" validate:"min=1"`     // recent-contact window for high activity
	IdleHours            int `yaml:"idle_hours" validate:"min=1"`             // no contact for this long counts as idle
	SleepHighMinutes     int `yaml:"sleep_high_minutes" validate:"min=1"`
	SleepMediumMinutes   int `yaml:"sleep_medium_minutes" validate:"min=1"`
	SleepLowMinutes      int `yaml:"sleep_low_minutes" validate:"min=1"`
	ProactiveMaxLen      int `yaml:"proactive_max_len" validate:"min=1"`
	ProactiveContextSize int `yaml:"proactive_context_size" validate:"min=1"` // recent entries/messages fed to the LLM
}

// RoutingConfig configures confidence-based routing of synthetic feedback.
type RoutingConfig struct {
	AutoApproveThreshold float64 `yaml:"auto_approve_threshold" validate:"gt=0,lte=1"`
	ReviewThreshold      float64 `yaml:"review_threshold" validate:"gt=0,lte=1"`
}

// TrainingProfile bounds how eagerly a user's model retrains.
type TrainingProfile struct {
	Cooldown   string  `yaml:"cooldown" validate:"required"` // between successive activations
	MinPairs   int     `yaml:"min_pairs" validate:"min=1"`
	MinQuality float64 `yaml:"min_quality" validate:"gte=0,lte=1"`
}

// TrainingConfig configures the training orchestrator.
type TrainingConfig struct {
	DefaultProfile string                     `yaml:"default_profile" validate:"required"`
	Profiles       map[string]TrainingProfile `yaml:"profiles" validate:"required,dive"`
}

// LoopConfig configures the outer per-user loop.
type LoopConfig struct {
	MaxUsers       int    `yaml:"max_users" validate:"min=1,max=1000"`
	MaxConcurrent  int    `yaml:"max_concurrent" validate:"min=1"`
	PerUserTimeout string `yaml:"per_user_timeout"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Level      string          `yaml:"level"` // debug, info, warn, error
	JSONFormat bool            `yaml:"json_format"`
	Categories map[string]bool `yaml:"categories"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "twinloop",
		Version: "0.3.0",

		DataDir:      "data",
		DatabasePath: "data/twinloop.db",

		LLM: LLMConfig{
			Provider: "openai",
			Model:    "gpt-4o-mini",
			BaseURL:  "https://api.openai.com/v1",
			Timeout:  "60s",
		},

		FineTune: FineTuneConfig{
			BaseURL:   "https://api.together.xyz/v1",
			BaseModel: "meta-llama/Meta-Llama-3.1-8B-Instruct-Reference",
			Timeout:   "120s",
		},

		Cycle: CycleConfig{
			HighEntryThreshold:   8,
			HighContactHours:     4,
			IdleHours:            48,
			SleepHighMinutes:     5,
			SleepMediumMinutes:   10,
			SleepLowMinutes:      30,
			ProactiveMaxLen:      280,
			ProactiveContextSize: 3,
		},

		Routing: RoutingConfig{
			AutoApproveThreshold: 0.8,
			ReviewThreshold:      0.5,
		},

		Training: TrainingConfig{
			DefaultProfile: "standard",
			Profiles: map[string]TrainingProfile{
				"standard": {
					Cooldown:   "6h",
					MinPairs:   15,
					MinQuality: 0.6,
				},
				"conservative": {
					Cooldown:   "24h",
					MinPairs:   50,
					MinQuality: 0.7,
				},
			},
		},

		Loop: LoopConfig{
			MaxUsers:       100,
			MaxConcurrent:  8,
			PerUserTimeout: "5m",
		},

		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		c.LLM.APIKey = key
		if c.LLM.Provider == "" {
			c.LLM.Provider = "openai"
		}
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.LLM.APIKey = key
		c.LLM.Provider = "gemini"
	}
	if key := os.Getenv("TOGETHER_API_KEY"); key != "" {
		c.FineTune.APIKey = key
	}
	if url := os.Getenv("TWINLOOP_LLM_BASE_URL"); url != "" {
		c.LLM.BaseURL = url
	}
	if url := os.Getenv("TWINLOOP_FINETUNE_BASE_URL"); url != "" {
		c.FineTune.BaseURL = url
	}
	if dir := os.Getenv("TWINLOOP_DATA_DIR"); dir != "" {
		c.DataDir = dir
		c.DatabasePath = filepath.Join(dir, "twinloop.db")
	}
}

var validate = validator.New()

// Validate checks the configuration against struct tags plus the cross-field
// rules the tags cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Routing.ReviewThreshold >= c.Routing.AutoApproveThreshold {
		return fmt.Errorf("invalid config: review threshold %.2f must be below auto-approve threshold %.2f",
			c.Routing.ReviewThreshold, c.Routing.AutoApproveThreshold)
	}
	if _, ok := c.Training.Profiles[c.Training.DefaultProfile]; !ok {
		return fmt.Errorf("invalid config: default training profile %q not defined", c.Training.DefaultProfile)
	}
	for name, p := range c.Training.Profiles {
		if _, err := time.ParseDuration(p.Cooldown); err != nil {
			return fmt.Errorf("invalid config: profile %q cooldown: %w", name, err)
		}
	}
	return nil
}

// Profile returns the named training profile, falling back to the default.
func (c *Config) Profile(name string) TrainingProfile {
	if p, ok := c.Training.Profiles[name]; ok {
		return p
	}
	return c.Training.Profiles[c.Training.DefaultProfile]
}

// ParseTimeout parses a duration string with a fallback.
func ParseTimeout(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
