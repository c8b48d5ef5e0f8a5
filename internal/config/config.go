// Package config loads ReminderPipe configuration from an optional YAML file,
// a .env file and environment variables, in that order of precedence (later
// wins). Command line flags are applied on top by the caller.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/BTreeMap/ReminderPipe/internal/compiler"
	"github.com/BTreeMap/ReminderPipe/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for ReminderPipe state data
	DefaultStateDir = "/var/lib/reminderpipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "reminderpipe.db"
	// DefaultAPIAddr is the default HTTP listen address
	DefaultAPIAddr = ":8080"
	// MemoryDSN selects the in-memory store.
	MemoryDSN = "memory"
)

// Synthesizer backends.
const (
	SynthesizerLLM      = "llm"
	SynthesizerTemplate = "template"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// GenAIConfig configures the language model client.
type GenAIConfig struct {
	APIKey      string  `yaml:"-"`
	BaseURL     string  `yaml:"base_url"`
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
	PromptDir   string  `yaml:"prompt_dir"`
	Debug       bool    `yaml:"debug"`
}

// RedisConfig configures the optional Redis server used for distributed
// session locks.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"-"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// PublishConfig configures trigger delivery. An empty AMQPURL disables it.
type PublishConfig struct {
	AMQPURL       string        `yaml:"amqp_url"`
	Exchange      string        `yaml:"exchange"`
	RelayInterval time.Duration `yaml:"relay_interval"`
}

// Config is the full service configuration.
type Config struct {
	StateDir         string              `yaml:"state_dir"`
	APIAddr          string              `yaml:"api_addr"`
	DatabaseDSN      string              `yaml:"database_dsn"`
	CatalogFile      string              `yaml:"catalog_file"`
	Synthesizer      string              `yaml:"synthesizer"`
	AutoFinalize     bool                `yaml:"auto_finalize"`
	CallTimeout      time.Duration       `yaml:"call_timeout"`
	SynthesisTimeout time.Duration       `yaml:"synthesis_timeout"`
	LogLevel         string              `yaml:"log_level"`
	GenAI            GenAIConfig         `yaml:"genai"`
	Redis            RedisConfig         `yaml:"redis"`
	Publish          PublishConfig       `yaml:"publish"`
	Home             compiler.HomeConfig `yaml:"home"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		StateDir:         DefaultStateDir,
		APIAddr:          DefaultAPIAddr,
		Synthesizer:      SynthesizerLLM,
		AutoFinalize:     true,
		CallTimeout:      30 * time.Second,
		SynthesisTimeout: 60 * time.Second,
		LogLevel:         "info",
		GenAI: GenAIConfig{
			Model:       "gpt-4o-mini",
			Temperature: 0.1,
			MaxTokens:   1024,
		},
		Redis:   RedisConfig{KeyPrefix: "reminderpipe:"},
		Publish: PublishConfig{Exchange: "reminderpipe.events", RelayInterval: 30 * time.Second},
		Home: compiler.HomeConfig{
			HomeID:          "home",
			HomeName:        "Home",
			NewDayStartTime: compiler.DefaultNewDayStartTime,
		},
	}
}

// Load builds the configuration. path may be empty; a missing .env file is
// not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
		slog.Debug("config.Load: config file applied", "path", path)
	}

	if err := godotenv.Load(); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			slog.Warn("config.Load: failed to load .env file", "error", err)
		} else {
			slog.Debug("config.Load: no .env file")
		}
	} else {
		slog.Debug("config.Load: .env file loaded")
	}

	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from environment variables.
func (c *Config) ApplyEnv() {
	setString := func(dst *string, key string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	setString(&c.StateDir, "REMINDERPIPE_STATE_DIR")
	setString(&c.APIAddr, "REMINDERPIPE_API_ADDR")
	setString(&c.DatabaseDSN, "DATABASE_URL")
	setString(&c.CatalogFile, "REMINDERPIPE_CATALOG")
	setString(&c.Synthesizer, "REMINDERPIPE_SYNTHESIZER")
	setString(&c.LogLevel, "REMINDERPIPE_LOG_LEVEL")
	setString(&c.GenAI.APIKey, "OPENAI_API_KEY")
	setString(&c.GenAI.BaseURL, "OPENAI_BASE_URL")
	setString(&c.GenAI.Model, "REMINDERPIPE_MODEL")
	setString(&c.GenAI.PromptDir, "REMINDERPIPE_PROMPT_DIR")
	setString(&c.Redis.Addr, "REDIS_ADDR")
	setString(&c.Redis.Password, "REDIS_PASSWORD")
	setString(&c.Publish.AMQPURL, "AMQP_URL")
	setString(&c.Publish.Exchange, "REMINDERPIPE_EXCHANGE")
	setString(&c.Home.HomeID, "REMINDERPIPE_HOME_ID")
	setString(&c.Home.HomeName, "REMINDERPIPE_HOME_NAME")
	setString(&c.Home.NewDayStartTime, "REMINDERPIPE_NEW_DAY_START_TIME")

	c.AutoFinalize = util.ParseBoolEnv("REMINDERPIPE_AUTO_FINALIZE", c.AutoFinalize)
	c.GenAI.Debug = util.ParseBoolEnv("REMINDERPIPE_DEBUG", c.GenAI.Debug)
	c.Home.PrintDebugInfo = util.ParseBoolEnv("REMINDERPIPE_PRINT_DEBUG_INFO", c.Home.PrintDebugInfo)
	c.CallTimeout = util.ParseDurationEnv("REMINDERPIPE_CALL_TIMEOUT", c.CallTimeout)
	c.SynthesisTimeout = util.ParseDurationEnv("REMINDERPIPE_SYNTHESIS_TIMEOUT", c.SynthesisTimeout)
	c.Publish.RelayInterval = util.ParseDurationEnv("REMINDERPIPE_RELAY_INTERVAL", c.Publish.RelayInterval)
	c.Home.TimeBetweenTriggers = util.ParseIntEnv("REMINDERPIPE_TIME_BETWEEN_TRIGGERS", c.Home.TimeBetweenTriggers)
	c.Redis.DB = util.ParseIntEnv("REDIS_DB", c.Redis.DB)
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	var errs []error
	switch c.Synthesizer {
	case SynthesizerLLM, SynthesizerTemplate:
	default:
		errs = append(errs, fmt.Errorf("synthesizer must be %q or %q, got %q", SynthesizerLLM, SynthesizerTemplate, c.Synthesizer))
	}
	if c.CallTimeout <= 0 {
		errs = append(errs, errors.New("call_timeout must be positive"))
	}
	if c.SynthesisTimeout <= 0 {
		errs = append(errs, errors.New("synthesis_timeout must be positive"))
	}
	if c.Publish.RelayInterval < 0 {
		errs = append(errs, errors.New("publish.relay_interval must not be negative"))
	}
	if strings.TrimSpace(c.APIAddr) == "" {
		errs = append(errs, errors.New("api_addr is required"))
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.Home.TimeBetweenTriggers < 0 {
		errs = append(errs, errors.New("home.time_between_triggers must not be negative"))
	}
	if c.GenAI.Temperature < 0 || c.GenAI.Temperature > 2 {
		errs = append(errs, fmt.Errorf("genai.temperature %v outside 0-2", c.GenAI.Temperature))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// StoreDSN resolves the store DSN: DATABASE_URL or database_dsn if set,
// "" for the in-memory store, otherwise SQLite in the state directory.
func (c *Config) StoreDSN() string {
	switch dsn := strings.TrimSpace(c.DatabaseDSN); dsn {
	case MemoryDSN:
		return ""
	case "":
		return filepath.Join(c.StateDir, DefaultDBFileName)
	default:
		return dsn
	}
}

// ParseLevel maps a level name to a slog.Level.
func ParseLevel(name string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(name))); err != nil {
		return 0, fmt.Errorf("unknown log level %q", name)
	}
	return level, nil
}
