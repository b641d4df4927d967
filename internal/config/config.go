// Package config provides hierarchical configuration for the PDF translation
// pipeline. Every key has a default; a missing or empty config file yields a
// fully usable configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"

	"pdf-translator/internal/document"
	"pdf-translator/internal/logger"
)

const (
	// DefaultConfigFileName is the default configuration file name
	DefaultConfigFileName = "pdf-translator.yaml"
	// EnvOpenAIAPIKey is the environment variable name for the API key
	EnvOpenAIAPIKey = "OPENAI_API_KEY"
	// EnvOpenAIBaseURL is the environment variable name for the API base URL
	EnvOpenAIBaseURL = "OPENAI_BASE_URL"
)

// RoutingStrategy 全局路由策略旋钮
type RoutingStrategy string

const (
	StrategyCostOptimized  RoutingStrategy = "cost_optimized"
	StrategyQualityFocused RoutingStrategy = "quality_focused"
	StrategyBalanced       RoutingStrategy = "balanced"
	StrategySpeedFocused   RoutingStrategy = "speed_focused"
)

// TranslationConfig configures the translation endpoint
type TranslationConfig struct {
	TargetLanguage            string  `yaml:"target_language"`
	ModelIdentifier           string  `yaml:"model_identifier"`
	BaseURL                   string  `yaml:"base_url"`
	Temperature               float64 `yaml:"temperature"`
	MaxConcurrentTranslations int     `yaml:"max_concurrent_translations"`
	RequestTimeoutSeconds     int     `yaml:"request_timeout_seconds"`
	RequestsPerMinute         int     `yaml:"requests_per_minute"`
	APIKey                    string  `yaml:"api_key"` // env preferred
}

// RoutingConfig configures the strategy router
type RoutingConfig struct {
	Strategy            RoutingStrategy `yaml:"strategy"`
	CostModel           string          `yaml:"cost_model"`
	QualityModel        string          `yaml:"quality_model"`
	ComplexityThreshold float64         `yaml:"complexity_threshold"`
}

// CacheConfig configures the two-tier semantic cache
type CacheConfig struct {
	EnableMemory        bool    `yaml:"enable_memory"`
	MemoryCapacity      int     `yaml:"memory_capacity"`
	EnablePersistent    bool    `yaml:"enable_persistent"`
	PersistentPath      string  `yaml:"persistent_path"`
	PersistentCapacity  int     `yaml:"persistent_capacity"`
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
	EmbeddingModel      string  `yaml:"embedding_model"`
}

// GroupingConfig configures batch grouping
type GroupingConfig struct {
	Enable            bool `yaml:"enable"`
	MaxGroupSizeChars int  `yaml:"max_group_size_chars"`
	MaxItemsPerGroup  int  `yaml:"max_items_per_group"`
}

// SelfCorrectionConfig configures the self-correcting translator
type SelfCorrectionConfig struct {
	MaxAttempts int `yaml:"max_attempts"` // 0-5
}

// ReconciliationConfig configures the hybrid reconciler
type ReconciliationConfig struct {
	MinImageWidthPx     int     `yaml:"min_image_width_px"`
	MinImageHeightPx    int     `yaml:"min_image_height_px"`
	MaxAspectRatio      int     `yaml:"max_aspect_ratio"`
	HeadingMaxWords     int     `yaml:"heading_max_words"`
	HeadingMinFontRatio float64 `yaml:"heading_min_font_ratio"`
	LayoutModelPath     string  `yaml:"layout_model_path"` // optional ONNX layout detector
	ExtractorTimeoutSec int     `yaml:"extractor_timeout_seconds"`
}

// TracingConfig configures per-document tracing
type TracingConfig struct {
	Enable    bool   `yaml:"enable"`
	OutputDir string `yaml:"output_dir"`
}

// QuarantineConfig configures the quarantine store
type QuarantineConfig struct {
	Directory     string `yaml:"directory"`
	RetentionDays int    `yaml:"retention_days"`
}

// LoggingConfig configures the logger
type LoggingConfig struct {
	FilePath      string `yaml:"file_path"`
	Level         string `yaml:"level"`
	EnableConsole bool   `yaml:"enable_console"`
}

// Config 应用配置
type Config struct {
	Translation    TranslationConfig    `yaml:"translation"`
	Routing        RoutingConfig        `yaml:"routing"`
	Cache          CacheConfig          `yaml:"cache"`
	Grouping       GroupingConfig       `yaml:"grouping"`
	SelfCorrection SelfCorrectionConfig `yaml:"self_correction"`
	Reconciliation ReconciliationConfig `yaml:"reconciliation"`
	Tracing        TracingConfig        `yaml:"tracing"`
	Quarantine     QuarantineConfig     `yaml:"quarantine"`
	Logging        LoggingConfig        `yaml:"logging"`
}

// Default returns a Config with every key set to its default value
func Default() *Config {
	return &Config{
		Translation: TranslationConfig{
			TargetLanguage:            "zh",
			ModelIdentifier:           "gpt-4o",
			BaseURL:                   "",
			Temperature:               0.1,
			MaxConcurrentTranslations: 10,
			RequestTimeoutSeconds:     600,
			RequestsPerMinute:         60,
		},
		Routing: RoutingConfig{
			Strategy:            StrategyBalanced,
			CostModel:           "gpt-4o-mini",
			QualityModel:        "gpt-4o",
			ComplexityThreshold: 0.5,
		},
		Cache: CacheConfig{
			EnableMemory:        true,
			MemoryCapacity:      1000,
			EnablePersistent:    true,
			PersistentPath:      "cache/persistent",
			PersistentCapacity:  10000,
			SimilarityThreshold: 0.85,
			EmbeddingModel:      "all-MiniLM-L6-v2",
		},
		Grouping: GroupingConfig{
			Enable:            true,
			MaxGroupSizeChars: 12000,
			MaxItemsPerGroup:  8,
		},
		SelfCorrection: SelfCorrectionConfig{
			MaxAttempts: 2,
		},
		Reconciliation: ReconciliationConfig{
			MinImageWidthPx:     50,
			MinImageHeightPx:    50,
			MaxAspectRatio:      20,
			HeadingMaxWords:     15,
			HeadingMinFontRatio: 1.4,
			ExtractorTimeoutSec: 1200,
		},
		Tracing: TracingConfig{
			Enable:    true,
			OutputDir: "",
		},
		Quarantine: QuarantineConfig{
			Directory:     "quarantine",
			RetentionDays: 30,
		},
		Logging: LoggingConfig{
			FilePath:      "pdf-translator.log",
			Level:         "info",
			EnableConsole: false,
		},
	}
}

// Manager loads, validates and saves the application configuration
type Manager struct {
	configPath string
	config     *Config
}

// NewManager creates a Manager for the given path. An empty path resolves to
// the default location in the user config directory.
func NewManager(configPath string) (*Manager, error) {
	if configPath == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, document.NewError(document.ErrConfigInvalid, "failed to get user home directory", err)
		}
		configPath = filepath.Join(homeDir, ".config", "pdf-translator", DefaultConfigFileName)
	}

	return &Manager{
		configPath: configPath,
		config:     Default(),
	}, nil
}

// Load reads the config file, applying defaults for missing keys. A missing
// file is not an error; an unparsable file is (exit code 1 territory).
func (m *Manager) Load() error {
	data, err := os.ReadFile(m.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Info("config file not found, using defaults", logger.String("path", m.configPath))
			m.config = Default()
			return nil
		}
		return document.NewError(document.ErrConfigInvalid, "failed to read config file", err)
	}

	// Unmarshal over defaults so absent keys keep their default values.
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return document.NewErrorWithDetails(document.ErrConfigInvalid, "failed to parse config file", m.configPath, err)
	}
	m.config = cfg

	logger.Info("configuration loaded",
		logger.String("path", m.configPath),
		logger.String("targetLanguage", cfg.Translation.TargetLanguage),
		logger.String("model", cfg.Translation.ModelIdentifier))
	return nil
}

// Save writes the current configuration to the config file
func (m *Manager) Save() error {
	dir := filepath.Dir(m.configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return document.NewError(document.ErrConfigInvalid, "failed to create config directory", err)
	}

	data, err := yaml.Marshal(m.config)
	if err != nil {
		return document.NewError(document.ErrConfigInvalid, "failed to marshal config", err)
	}

	if err := os.WriteFile(m.configPath, data, 0600); err != nil {
		return document.NewError(document.ErrConfigInvalid, "failed to write config file", err)
	}
	return nil
}

// Get returns the current configuration
func (m *Manager) Get() *Config {
	if m.config == nil {
		return Default()
	}
	return m.config
}

// ConfigPath returns the path the manager reads and writes
func (m *Manager) ConfigPath() string {
	return m.configPath
}

// APIKey returns the API key, preferring the environment variable
func (c *Config) APIKey() string {
	if key := os.Getenv(EnvOpenAIAPIKey); key != "" {
		return key
	}
	return c.Translation.APIKey
}

// ResolvedBaseURL returns the endpoint base URL, preferring the config value,
// then the environment.
func (c *Config) ResolvedBaseURL() string {
	if c.Translation.BaseURL != "" {
		return c.Translation.BaseURL
	}
	return os.Getenv(EnvOpenAIBaseURL)
}

// Validate checks value ranges for every section
func (c *Config) Validate() error {
	t := c.Translation
	if t.TargetLanguage == "" {
		return invalid("translation.target_language must not be empty")
	}
	if _, err := language.Parse(t.TargetLanguage); err != nil {
		// Full language names ("Greek") are accepted downstream; only flag
		// strings that are neither tags nor words.
		if !isWord(t.TargetLanguage) {
			return invalid(fmt.Sprintf("translation.target_language %q is not a language tag or name", t.TargetLanguage))
		}
	}
	if t.Temperature < 0.0 || t.Temperature > 1.0 {
		return invalid(fmt.Sprintf("translation.temperature %.2f out of range [0,1]", t.Temperature))
	}
	if t.MaxConcurrentTranslations < 1 || t.MaxConcurrentTranslations > 64 {
		return invalid(fmt.Sprintf("translation.max_concurrent_translations %d out of range [1,64]", t.MaxConcurrentTranslations))
	}
	if t.RequestTimeoutSeconds <= 0 {
		return invalid("translation.request_timeout_seconds must be positive")
	}

	switch c.Routing.Strategy {
	case StrategyCostOptimized, StrategyQualityFocused, StrategyBalanced, StrategySpeedFocused:
	default:
		return invalid(fmt.Sprintf("routing.strategy %q is not a recognized strategy", c.Routing.Strategy))
	}

	if c.Cache.SimilarityThreshold < 0.0 || c.Cache.SimilarityThreshold > 1.0 {
		return invalid(fmt.Sprintf("cache.similarity_threshold %.2f out of range [0,1]", c.Cache.SimilarityThreshold))
	}
	if c.Cache.MemoryCapacity < 0 || c.Cache.PersistentCapacity < 0 {
		return invalid("cache capacities must not be negative")
	}

	if c.Grouping.MaxGroupSizeChars <= 0 {
		return invalid("grouping.max_group_size_chars must be positive")
	}
	if c.Grouping.MaxItemsPerGroup <= 0 {
		return invalid("grouping.max_items_per_group must be positive")
	}

	if c.SelfCorrection.MaxAttempts < 0 || c.SelfCorrection.MaxAttempts > 5 {
		return invalid(fmt.Sprintf("self_correction.max_attempts %d out of range [0,5]", c.SelfCorrection.MaxAttempts))
	}

	r := c.Reconciliation
	if r.MinImageWidthPx < 0 || r.MinImageHeightPx < 0 {
		return invalid("reconciliation image minimums must not be negative")
	}
	if r.MaxAspectRatio <= 0 {
		return invalid("reconciliation.max_aspect_ratio must be positive")
	}
	if r.HeadingMaxWords <= 0 {
		return invalid("reconciliation.heading_max_words must be positive")
	}
	if r.HeadingMinFontRatio <= 1.0 {
		return invalid("reconciliation.heading_min_font_ratio must exceed 1.0")
	}

	if c.Quarantine.RetentionDays <= 0 {
		return invalid("quarantine.retention_days must be positive")
	}

	return nil
}

// LogLevel maps the configured level name to a logger.Level
func (c *Config) LogLevel() logger.Level {
	switch c.Logging.Level {
	case "debug":
		return logger.LevelDebug
	case "warn":
		return logger.LevelWarn
	case "error":
		return logger.LevelError
	default:
		return logger.LevelInfo
	}
}

func invalid(msg string) error {
	return document.NewError(document.ErrConfigInvalid, msg, nil)
}

func isWord(s string) bool {
	for _, r := range s {
		if !((r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')) {
			return false
		}
	}
	return len(s) > 0
}
