// Package config loads the translation job configuration from
// .github/translation-config.json (or any JSON/YAML file), applies defaults,
// and reads the CI environment contract.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/viper"

	"github.com/minios-linux/doctranslate/cache"
	"github.com/minios-linux/doctranslate/provider"
)

// DefaultPath is the config file location relative to the project root.
const DefaultPath = ".github/translation-config.json"

// EnvPrefix prefixes environment overrides of config keys, e.g.
// DOCTRANSLATE_MAXCONCURRENTTRANSLATIONS=5.
const EnvPrefix = "DOCTRANSLATE"

// DefaultTargetLanguages is used when the config file names none.
var DefaultTargetLanguages = []string{"en", "ja", "ko", "fr", "de", "es"}

// ---------------------------------------------------------------------------
// Job configuration
// ---------------------------------------------------------------------------

// Config is the translation job configuration. It is loaded once and not
// modified during a run.
type Config struct {
	TargetLanguages           []string `mapstructure:"targetLanguages"`
	SourceLanguage            string   `mapstructure:"sourceLanguage"`
	OutputDir                 string   `mapstructure:"outputDir"`
	MaxConcurrentTranslations int      `mapstructure:"maxConcurrentTranslations"`
	RetryAttempts             int      `mapstructure:"retryAttempts"`
	// DelayBetweenRequests is in milliseconds.
	DelayBetweenRequests int `mapstructure:"delayBetweenRequests"`

	ContentDir              string `mapstructure:"contentDir"`
	CacheFile               string `mapstructure:"cacheFile"`
	Provider                string `mapstructure:"provider"`
	BaseURL                 string `mapstructure:"baseURL"`
	PrimaryModel            string `mapstructure:"primaryModel"`
	FallbackModel           string `mapstructure:"fallbackModel"`
	Subject                 string `mapstructure:"subject"`
	RequestsPerMinute       int    `mapstructure:"requestsPerMinute"`
	BreakerFailureThreshold int    `mapstructure:"breakerFailureThreshold"`
	CacheFlushEvery         int    `mapstructure:"cacheFlushEvery"`

	// path is the file the config was read from, empty for defaults.
	path string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("targetLanguages", DefaultTargetLanguages)
	v.SetDefault("sourceLanguage", "zh")
	v.SetDefault("outputDir", "i18n")
	v.SetDefault("maxConcurrentTranslations", 3)
	v.SetDefault("retryAttempts", 3)
	v.SetDefault("delayBetweenRequests", 1000)

	v.SetDefault("contentDir", "docs")
	v.SetDefault("cacheFile", cache.DefaultPath)
	v.SetDefault("provider", "gemini")
	v.SetDefault("baseURL", "")
	v.SetDefault("subject", "")
	v.SetDefault("requestsPerMinute", 0)
	v.SetDefault("breakerFailureThreshold", 0)
	v.SetDefault("cacheFlushEvery", 0)
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	// Decoding defaults into the struct cannot fail.
	_ = v.Unmarshal(&cfg)
	applyModelDefaults(v, &cfg)
	return &cfg
}

// applyModelDefaults fills unset models with the provider's defaults. An empty
// primary model counts as unset; an explicitly empty fallback disables it.
func applyModelDefaults(v *viper.Viper, cfg *Config) {
	primary, fallback, ok := provider.DefaultModels(cfg.Provider)
	if !ok {
		return
	}
	if cfg.PrimaryModel == "" {
		cfg.PrimaryModel = primary
	}
	if !v.IsSet("fallbackModel") {
		cfg.FallbackModel = fallback
	}
}

// Load reads the config file at path. A missing file yields the defaults;
// an unreadable or invalid file is an error. Keys may be overridden by
// DOCTRANSLATE_<KEY> environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	found := false
	if _, err := os.Stat(path); err == nil {
		v.SetConfigFile(path)
		if ext := strings.TrimPrefix(filepath.Ext(path), "."); ext == "" {
			v.SetConfigType("json")
		}
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
		found = true
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	if found {
		cfg.path = path
	}
	applyModelDefaults(v, &cfg)

	cfg.TargetLanguages = normalizeLanguages(cfg.TargetLanguages)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &cfg, nil
}

// Path returns the file the config was loaded from, or "" for defaults.
func (c *Config) Path() string {
	return c.path
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if len(c.TargetLanguages) == 0 {
		return fmt.Errorf("targetLanguages must name at least one language")
	}
	if strings.TrimSpace(c.SourceLanguage) == "" {
		return fmt.Errorf("sourceLanguage is required")
	}
	if c.OutputDir == "" || strings.ContainsAny(c.OutputDir, `/\`) {
		return fmt.Errorf("outputDir must be a single directory name, got %q", c.OutputDir)
	}
	if _, _, ok := provider.DefaultModels(c.Provider); !ok {
		return fmt.Errorf("provider must be gemini or openai, got %q", c.Provider)
	}
	if c.ContentDir == "" {
		return fmt.Errorf("contentDir is required")
	}
	if c.MaxConcurrentTranslations < 1 {
		return fmt.Errorf("maxConcurrentTranslations must be at least 1, got %d", c.MaxConcurrentTranslations)
	}
	if c.RetryAttempts < 1 {
		return fmt.Errorf("retryAttempts must be at least 1, got %d", c.RetryAttempts)
	}
	if c.DelayBetweenRequests < 0 {
		return fmt.Errorf("delayBetweenRequests must not be negative, got %d", c.DelayBetweenRequests)
	}
	if c.RequestsPerMinute < 0 || c.BreakerFailureThreshold < 0 || c.CacheFlushEvery < 0 {
		return fmt.Errorf("requestsPerMinute, breakerFailureThreshold and cacheFlushEvery must not be negative")
	}
	return nil
}

// RequestDelay returns DelayBetweenRequests as a duration.
func (c *Config) RequestDelay() time.Duration {
	return time.Duration(c.DelayBetweenRequests) * time.Millisecond
}

// SetLanguages replaces the target languages with a comma-separated list.
// Blank input leaves the configuration unchanged.
func (c *Config) SetLanguages(raw string) {
	if langs := normalizeLanguages(strings.Split(raw, ",")); len(langs) > 0 {
		c.TargetLanguages = langs
	}
}

func normalizeLanguages(in []string) []string {
	var out []string
	for _, l := range in {
		l = strings.TrimSpace(l)
		if l == "" || slices.Contains(out, l) {
			continue
		}
		out = append(out, l)
	}
	return out
}

// ---------------------------------------------------------------------------
// Environment
// ---------------------------------------------------------------------------

// Env is the CI environment contract.
type Env struct {
	// APIKey is a single key.
	APIKey string `envconfig:"GEMINI_API_KEY"`
	// APIKeys is a comma-separated list of keys, used when APIKey is unset.
	APIKeys string `envconfig:"GEMINI_API_KEYS"`
	// TargetLanguages overrides the configured languages (comma-separated).
	TargetLanguages string `envconfig:"TARGET_LANGUAGES"`
	// ForceTranslate is "true" to translate everything and bypass the cache.
	ForceTranslate string `envconfig:"FORCE_TRANSLATE"`
}

// Force reports whether FORCE_TRANSLATE is enabled.
func (e Env) Force() bool {
	v := strings.TrimSpace(e.ForceTranslate)
	return strings.EqualFold(v, "true") || v == "1"
}

// LoadEnv reads the environment. A .env file in root, if present, fills in
// variables that are not already set.
func LoadEnv(root string) (Env, error) {
	dotenv := filepath.Join(root, ".env")
	if _, err := os.Stat(dotenv); err == nil {
		if err := godotenv.Load(dotenv); err != nil {
			return Env{}, fmt.Errorf("loading %s: %w", dotenv, err)
		}
	}

	var env Env
	if err := envconfig.Process("", &env); err != nil {
		return Env{}, fmt.Errorf("reading environment: %w", err)
	}
	return env, nil
}
