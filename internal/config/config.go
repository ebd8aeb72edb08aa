// File: internal/config/config.go
package config

import (
	"fmt"
	"regexp"
	"time"

	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Store() StoreConfig
	Explorer() ExplorerConfig
	Fingerprint() FingerprintConfig
	Classifier() ClassifierConfig
	Scroll() ScrollConfig
	Alias() AliasConfig

	// Explorer Setters
	SetExplorerMaxDepth(int)
	SetExplorerMaxDuration(time.Duration)

	// Store Setters
	SetStoreType(string)
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg      LoggerConfig      `mapstructure:"logger" yaml:"logger"`
	StoreCfg       StoreConfig       `mapstructure:"store" yaml:"store"`
	ExplorerCfg    ExplorerConfig    `mapstructure:"explorer" yaml:"explorer"`
	FingerprintCfg FingerprintConfig `mapstructure:"fingerprint" yaml:"fingerprint"`
	ClassifierCfg  ClassifierConfig  `mapstructure:"classifier" yaml:"classifier"`
	ScrollCfg      ScrollConfig      `mapstructure:"scroll" yaml:"scroll"`
	AliasCfg       AliasConfig       `mapstructure:"alias" yaml:"alias"`
}

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig           { return c.LoggerCfg }
func (c *Config) Store() StoreConfig             { return c.StoreCfg }
func (c *Config) Explorer() ExplorerConfig       { return c.ExplorerCfg }
func (c *Config) Fingerprint() FingerprintConfig { return c.FingerprintCfg }
func (c *Config) Classifier() ClassifierConfig   { return c.ClassifierCfg }
func (c *Config) Scroll() ScrollConfig           { return c.ScrollCfg }
func (c *Config) Alias() AliasConfig             { return c.AliasCfg }

// --- Interface Method Implementations (Setters) ---

func (c *Config) SetExplorerMaxDepth(d int)              { c.ExplorerCfg.MaxDepth = d }
func (c *Config) SetExplorerMaxDuration(d time.Duration) { c.ExplorerCfg.MaxDuration = d }
func (c *Config) SetStoreType(t string)                  { c.StoreCfg.Type = t }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// Store backends.
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// StoreConfig selects and configures the persistence backend.
type StoreConfig struct {
	Type         string        `mapstructure:"type" yaml:"type"`
	SQLitePath   string        `mapstructure:"sqlite_path" yaml:"sqlite_path"`
	PostgresURL  string        `mapstructure:"postgres_url" yaml:"postgres_url"`
	FlushTimeout time.Duration `mapstructure:"flush_timeout" yaml:"flush_timeout"`
}

// ExplorerConfig bounds one exploration session.
type ExplorerConfig struct {
	MaxDepth    int           `mapstructure:"max_depth" yaml:"max_depth"`
	MaxDuration time.Duration `mapstructure:"max_duration" yaml:"max_duration"`
	// SettleTimeout bounds the wait for a stable snapshot after a dispatch.
	SettleTimeout      time.Duration `mapstructure:"settle_timeout" yaml:"settle_timeout"`
	SettlePollInterval time.Duration `mapstructure:"settle_poll_interval" yaml:"settle_poll_interval"`
	// ProgressInterval throttles ProgressUpdate emission.
	ProgressInterval       time.Duration `mapstructure:"progress_interval" yaml:"progress_interval"`
	MaxConsecutiveFailures int           `mapstructure:"max_consecutive_failures" yaml:"max_consecutive_failures"`
	ResumeFromStore        bool          `mapstructure:"resume_from_store" yaml:"resume_from_store"`
}

// VolatilityPattern replaces substrings that change between reads of the same screen.
type VolatilityPattern struct {
	Name        string `mapstructure:"name" yaml:"name"`
	Pattern     string `mapstructure:"pattern" yaml:"pattern"`
	Replacement string `mapstructure:"replacement" yaml:"replacement"`
	// Ticking patterns match text that changes on its own while a screen is
	// shown, such as clocks. They stay masked when telling apart two
	// instances of the same screen.
	Ticking bool `mapstructure:"ticking" yaml:"ticking"`
}

// FingerprintConfig configures screen hashing.
type FingerprintConfig struct {
	Volatility []VolatilityPattern `mapstructure:"volatility" yaml:"volatility"`
}

// DangerRule is one prioritized, case-insensitive phrase pattern.
type DangerRule struct {
	Name    string `mapstructure:"name" yaml:"name"`
	Pattern string `mapstructure:"pattern" yaml:"pattern"`
}

// LoginGateConfig tunes the compound login detection signal.
type LoginGateConfig struct {
	LabelPatterns []string `mapstructure:"label_patterns" yaml:"label_patterns"`
	// MinSignals is how many login-like siblings/descendants must accompany a
	// masked input before the element counts as a gate.
	MinSignals         int  `mapstructure:"min_signals" yaml:"min_signals"`
	RequireMaskedInput bool `mapstructure:"require_masked_input" yaml:"require_masked_input"`
	// AncestorLevels is how far up the tree the signal search reaches; 1
	// means siblings and descendants only.
	AncestorLevels int `mapstructure:"ancestor_levels" yaml:"ancestor_levels"`
}

// ClassifierConfig configures element classification.
type ClassifierConfig struct {
	RulesFile          string          `mapstructure:"rules_file" yaml:"rules_file"`
	Dangerous          []DangerRule    `mapstructure:"dangerous" yaml:"dangerous"`
	LoginGate          LoginGateConfig `mapstructure:"login_gate" yaml:"login_gate"`
	PermissionPatterns []string        `mapstructure:"permission_patterns" yaml:"permission_patterns"`
}

// ScrollConfig bounds the scroll revealer.
type ScrollConfig struct {
	MaxSteps int `mapstructure:"max_steps" yaml:"max_steps"`
}

// AliasConfig tunes phrase resolution.
type AliasConfig struct {
	SimilarityThreshold float64 `mapstructure:"similarity_threshold" yaml:"similarity_threshold"`
	MaxCandidates       int     `mapstructure:"max_candidates" yaml:"max_candidates"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "cartographer")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Store --
	v.SetDefault("store.type", StoreSQLite)
	v.SetDefault("store.sqlite_path", "~/.cartographer/cartographer.db")
	v.SetDefault("store.postgres_url", "")
	v.SetDefault("store.flush_timeout", "30s")

	// -- Explorer --
	v.SetDefault("explorer.max_depth", 8)
	v.SetDefault("explorer.max_duration", "10m")
	v.SetDefault("explorer.settle_timeout", "1500ms")
	v.SetDefault("explorer.settle_poll_interval", "150ms")
	v.SetDefault("explorer.progress_interval", "2s")
	v.SetDefault("explorer.max_consecutive_failures", 3)
	v.SetDefault("explorer.resume_from_store", true)

	// -- Fingerprint --
	v.SetDefault("fingerprint.volatility", DefaultVolatility())

	// -- Classifier --
	v.SetDefault("classifier.dangerous", DefaultDangerRules())
	v.SetDefault("classifier.login_gate.label_patterns", []string{
		`\blog ?in\b`, `\bsign ?in\b`, `\bpassword\b`, `\busername\b`, `\be-?mail\b`, `\bcontinue with\b`,
	})
	v.SetDefault("classifier.login_gate.min_signals", 1)
	v.SetDefault("classifier.login_gate.require_masked_input", true)
	v.SetDefault("classifier.login_gate.ancestor_levels", 2)
	v.SetDefault("classifier.permission_patterns", []string{
		`permissioncontroller`, `packageinstaller`, `permission_allow`, `permission_deny`,
	})

	// -- Scroll --
	v.SetDefault("scroll.max_steps", 20)

	// -- Alias --
	v.SetDefault("alias.similarity_threshold", 0.70)
	v.SetDefault("alias.max_candidates", 5)
}

// DefaultVolatility returns the clock and counter patterns applied before hashing.
func DefaultVolatility() []VolatilityPattern {
	return []VolatilityPattern{
		{Name: "clock", Pattern: `\b\d{1,2}:\d{2}(?::\d{2})?(?:\s?[AaPp][Mm])?\b`, Replacement: "<time>", Ticking: true},
		{Name: "relative_time", Pattern: `(?i)\b\d+\s*(?:s|sec|secs|seconds?|m|min|mins|minutes?|h|hrs?|hours?|d|days?|w|weeks?)\s+ago\b`, Replacement: "<ago>", Ticking: true},
		{Name: "counter", Pattern: `\b\d+\b`, Replacement: "<n>"},
	}
}

// DefaultDangerRules returns the built-in destructive action phrases, highest priority first.
func DefaultDangerRules() []DangerRule {
	return []DangerRule{
		{Name: "logout", Pattern: `\b(log ?out|sign ?out|log ?off|sign ?off)\b`},
		{Name: "delete", Pattern: `\b(delete|remove|erase|discard|trash|uninstall|deactivate)\b`},
		{Name: "reset", Pattern: `\b(factory reset|reset|clear (all|data|history|cache))\b`},
		{Name: "purchase", Pattern: `\b(buy|purchase|pay|checkout|check out|subscribe|order now|place order|upgrade)\b`},
		{Name: "send", Pattern: `\b(send|post|publish|share|call|dial)\b`},
	}
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data
	_ = v.BindEnv("store.postgres_url", "CARTOGRAPHER_POSTGRES_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if err := c.StoreCfg.Validate(); err != nil {
		return fmt.Errorf("store configuration invalid: %w", err)
	}
	if err := c.ExplorerCfg.Validate(); err != nil {
		return fmt.Errorf("explorer configuration invalid: %w", err)
	}
	if c.ScrollCfg.MaxSteps <= 0 {
		return fmt.Errorf("scroll.max_steps must be a positive integer")
	}
	if c.AliasCfg.SimilarityThreshold < 0.0 || c.AliasCfg.SimilarityThreshold > 1.0 {
		return fmt.Errorf("alias.similarity_threshold must be between 0.0 and 1.0")
	}
	if c.ClassifierCfg.LoginGate.MinSignals < 1 {
		return fmt.Errorf("classifier.login_gate.min_signals must be at least 1")
	}
	if c.ClassifierCfg.LoginGate.AncestorLevels < 1 {
		return fmt.Errorf("classifier.login_gate.ancestor_levels must be at least 1")
	}
	for _, p := range c.FingerprintCfg.Volatility {
		if _, err := regexp.Compile(p.Pattern); err != nil {
			return fmt.Errorf("fingerprint.volatility pattern %q does not compile: %w", p.Name, err)
		}
	}
	return nil
}

// Validate checks the store configuration.
func (s *StoreConfig) Validate() error {
	switch s.Type {
	case StoreMemory:
		return nil
	case StoreSQLite:
		if s.SQLitePath == "" {
			return fmt.Errorf("sqlite_path is required for the sqlite store")
		}
		return nil
	case StorePostgres:
		if s.PostgresURL == "" {
			return fmt.Errorf("postgres_url is required for the postgres store (hint: check CARTOGRAPHER_POSTGRES_URL)")
		}
		return nil
	default:
		return fmt.Errorf("unknown store type %q", s.Type)
	}
}

// Validate checks the explorer budgets.
func (e *ExplorerConfig) Validate() error {
	if e.MaxDepth <= 0 {
		return fmt.Errorf("max_depth must be greater than 0")
	}
	if e.MaxDuration <= 0 {
		return fmt.Errorf("max_duration must be a positive duration")
	}
	if e.SettleTimeout <= 0 {
		return fmt.Errorf("settle_timeout must be a positive duration")
	}
	if e.MaxConsecutiveFailures <= 0 {
		return fmt.Errorf("max_consecutive_failures must be greater than 0")
	}
	return nil
}
