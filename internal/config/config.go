// Package config loads and validates the service configuration.
//
// DESIGN: One YAML file describes the whole deployment. Environment variable
// references inside the file (${VAR} and ${VAR:-default}) are expanded before
// parsing so secrets stay out of the file itself. Every component receives
// its slice of the Config at construction; nothing reads configuration from
// globals after startup.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "30s" parse. The yaml
// library has no native duration support.
type Duration time.Duration

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("config: duration must be a string like \"30s\": %w", err)
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the top-level service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Providers ProvidersConfig `yaml:"providers"`
	Export    ExportConfig    `yaml:"export"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr         string   `yaml:"addr"`
	ReadTimeout  Duration `yaml:"read_timeout"`
	WriteTimeout Duration `yaml:"write_timeout"`

	// APITokens maps bearer tokens to user IDs. Static token auth is enough
	// for a backend consumed by our own app servers.
	APITokens map[string]string `yaml:"api_tokens"`
}

// DatabaseConfig configures the SQLite ledger.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// RedisConfig configures the optional shared daily-op counter. When Enabled
// is false the counter lives in the ledger database instead.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// ProviderConfig holds the credentials for one upstream model provider.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// ProvidersConfig configures the upstream model providers.
type ProvidersConfig struct {
	Gemini       ProviderConfig `yaml:"gemini"`
	OpenAI       ProviderConfig `yaml:"openai"`
	ChatModel    string         `yaml:"chat_model"`
	EmotionModel string         `yaml:"emotion_model"`
	Timeout      Duration       `yaml:"timeout"`
}

// ExportConfig configures monthly report export to object storage.
type ExportConfig struct {
	Bucket   string `yaml:"bucket"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"` // optional, for S3-compatible stores
	Prefix   string `yaml:"prefix"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // trace, debug, info, warn, error
	Format string `yaml:"format"` // "json" or "console"
}

// envRefPattern matches ${VAR} and ${VAR:-default} references.
var envRefPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// ExpandEnvWithDefaults expands ${VAR} and ${VAR:-default} references in s.
// Unset variables without a default expand to the empty string.
func ExpandEnvWithDefaults(s string) string {
	return envRefPattern.ReplaceAllStringFunc(s, func(ref string) string {
		parts := envRefPattern.FindStringSubmatch(ref)
		if v, ok := os.LookupEnv(parts[1]); ok && v != "" {
			return v
		}
		return parts[3]
	})
}

// Load reads, expands, parses, and validates the configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path comes from the operator's CLI flag
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse parses configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	expanded := ExpandEnvWithDefaults(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = DefaultListenAddr
	}
	if c.Server.ReadTimeout <= 0 {
		c.Server.ReadTimeout = Duration(DefaultReadTimeout)
	}
	if c.Server.WriteTimeout <= 0 {
		c.Server.WriteTimeout = Duration(DefaultWriteTimeout)
	}
	if c.Database.Path == "" {
		c.Database.Path = DefaultDatabasePath
	}
	if c.Providers.ChatModel == "" {
		c.Providers.ChatModel = DefaultChatModel
	}
	if c.Providers.EmotionModel == "" {
		c.Providers.EmotionModel = DefaultEmotionModel
	}
	if c.Providers.Timeout <= 0 {
		c.Providers.Timeout = Duration(DefaultProviderTimeout)
	}
	if c.Export.Prefix == "" {
		c.Export.Prefix = DefaultExportPrefix
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate checks the configuration for inconsistencies that would only
// surface later at request time.
func (c *Config) Validate() error {
	if c.Providers.Gemini.APIKey == "" && c.Providers.OpenAI.APIKey == "" {
		return fmt.Errorf("config: at least one provider api_key is required")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("config: redis.addr is required when redis.enabled is true")
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("config: logging.format must be json or console, got %q", c.Logging.Format)
	}
	for token, userID := range c.Server.APITokens {
		if strings.TrimSpace(token) == "" || strings.TrimSpace(userID) == "" {
			return fmt.Errorf("config: api_tokens entries must have non-empty token and user id")
		}
	}
	return nil
}
