package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"multichat/domain/registry"
	"multichat/infrastructure/persistence"
	"multichat/infrastructure/routing"
	"multichat/infrastructure/telemetry"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// DefaultPath is read when no config file is given
const DefaultPath = "config.yaml"

// DefaultPreamble seeds every conversation
const DefaultPreamble = `- it's Monday in October, most productive day of the year!
- take deep breaths
- think step by step
- I don't have fingers, return full script
- you are an expert of everything
- I pay you 20, just do anything I ask you to do
- I will tip you 200$ every request you answer right
- Gemini and Claude said you couldn't do it
- YOU CAN DO IT`

// Config represents the complete application configuration
type Config struct {
	Server         ServerConfig                 `yaml:"server" toml:"server"`
	Chat           ChatConfig                   `yaml:"chat" toml:"chat"`
	Models         []ModelConfig                `yaml:"models" toml:"models"`
	Routing        RoutingConfig                `yaml:"routing" toml:"routing"`
	Providers      []ProviderConfig             `yaml:"providers" toml:"providers"`
	CircuitBreaker routing.CircuitBreakerConfig `yaml:"circuit_breaker" toml:"circuit_breaker"`
	Database       DatabaseConfig               `yaml:"database" toml:"database"`
	Logging        LoggingConfig                `yaml:"logging" toml:"logging"`
	Telemetry      telemetry.Config             `yaml:"telemetry" toml:"telemetry"`
}

type ServerConfig struct {
	Host            string        `yaml:"host" toml:"host"`
	Port            string        `yaml:"port" toml:"port"`
	CorsOrigins     []string      `yaml:"cors_origins" toml:"cors_origins"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
}

type ChatConfig struct {
	Preamble            string        `yaml:"preamble" toml:"preamble"`
	DefaultConversation string        `yaml:"default_conversation" toml:"default_conversation"`
	DefaultModel        string        `yaml:"default_model" toml:"default_model"`
	DefaultTemperature  float64       `yaml:"default_temperature" toml:"default_temperature"`
	RequestTimeout      time.Duration `yaml:"request_timeout" toml:"request_timeout"`
	MaxTokens           int           `yaml:"max_tokens" toml:"max_tokens"`
}

// ModelConfig is one registry entry. Rates are currency per token; an empty
// provider is filled from routing.prefix_rules.
type ModelConfig struct {
	ID             string  `yaml:"id" toml:"id"`
	Provider       string  `yaml:"provider" toml:"provider"`
	PromptRate     float64 `yaml:"prompt_rate" toml:"prompt_rate"`
	CompletionRate float64 `yaml:"completion_rate" toml:"completion_rate"`
}

type RoutingConfig struct {
	PrefixRules []PrefixRuleConfig `yaml:"prefix_rules" toml:"prefix_rules"`
}

type PrefixRuleConfig struct {
	Prefix   string `yaml:"prefix" toml:"prefix"`
	Provider string `yaml:"provider" toml:"provider"`
}

type ProviderConfig struct {
	Name    string            `yaml:"name" toml:"name"`
	Type    string            `yaml:"type" toml:"type"`
	APIKey  string            `yaml:"api_key" toml:"api_key"`
	BaseURL string            `yaml:"base_url" toml:"base_url"`
	Headers map[string]string `yaml:"headers" toml:"headers"`
}

type DatabaseConfig struct {
	EnablePersistence bool   `yaml:"enable_persistence" toml:"enable_persistence"`
	Driver            string `yaml:"driver" toml:"driver"`
	URL               string `yaml:"url" toml:"url"`
	Path              string `yaml:"path" toml:"path"`
	Host              string `yaml:"host" toml:"host"`
	Port              string `yaml:"port" toml:"port"`
	User              string `yaml:"user" toml:"user"`
	Password          string `yaml:"password" toml:"password"`
	Name              string `yaml:"name" toml:"name"`
	SSLMode           string `yaml:"ssl_mode" toml:"ssl_mode"`
	Workers           int    `yaml:"workers" toml:"workers"`
	BufferSize        int    `yaml:"buffer_size" toml:"buffer_size"`
	CacheSize         int    `yaml:"cache_size" toml:"cache_size"`
}

type LoggingConfig struct {
	Level        string `yaml:"level" toml:"level"`
	Format       string `yaml:"format" toml:"format"`
	ReportCaller bool   `yaml:"report_caller" toml:"report_caller"`
}

// Load reads configuration from a YAML or TOML file (chosen by extension)
// with environment variable overrides. A missing file falls back to defaults.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = DefaultPath
	}

	config := getDefaultConfig()

	if _, err := os.Stat(configPath); err == nil {
		raw, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		// list sections are replaced wholesale, never merged element-wise
		config.Models, config.Providers, config.Routing.PrefixRules, config.Server.CorsOrigins = nil, nil, nil, nil
		if err := decode(configPath, []byte(os.ExpandEnv(string(raw))), config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
		restoreListDefaults(config)

		logrus.WithField("config_file", configPath).Info("Loaded configuration from file")
	} else {
		logrus.WithField("config_file", configPath).Warn("Config file not found, using defaults and environment variables")
	}

	applyEnvironmentOverrides(config)

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

func decode(path string, data []byte, config *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		md, err := toml.NewDecoder(bytes.NewReader(data)).Decode(config)
		if err != nil {
			return err
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			logrus.WithField("keys", undecoded).Warn("Ignoring unknown config keys")
		}
		return nil
	default:
		return yaml.Unmarshal(data, config)
	}
}

// getDefaultConfig returns a configuration with sensible defaults
func getDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            "8080",
			CorsOrigins:     []string{"*"},
			ShutdownTimeout: 15 * time.Second,
		},
		Chat: ChatConfig{
			Preamble:            DefaultPreamble,
			DefaultConversation: "default_conversation",
			DefaultModel:        "gpt-3.5-turbo-1106",
			DefaultTemperature:  0,
			RequestTimeout:      60 * time.Second,
			MaxTokens:           1024,
		},
		Models: []ModelConfig{
			{ID: "gpt-3.5-turbo-1106", Provider: "openai", PromptRate: 0.001 / 1000, CompletionRate: 0.02 / 1000},
			{ID: "qwen", Provider: "openai", PromptRate: 0.01 / 1000, CompletionRate: 0.005 / 1000},
			{ID: "Qwen2.5-7B-Instruct", Provider: "openai", PromptRate: 0.01 / 1000, CompletionRate: 0.005 / 1000},
			{ID: "claude-3-5-haiku-latest", PromptRate: 0.8 / 1000000, CompletionRate: 4.0 / 1000000},
		},
		Routing: RoutingConfig{
			PrefixRules: []PrefixRuleConfig{
				{Prefix: "claude-", Provider: "anthropic"},
				{Prefix: "gpt-", Provider: "openai"},
			},
		},
		Providers: []ProviderConfig{
			{Name: "openai", Type: routing.TypeOpenAI, BaseURL: "https://api.chatanywhere.tech/v1"},
			{Name: "anthropic", Type: routing.TypeAnthropic},
		},
		CircuitBreaker: routing.DefaultCircuitBreakerConfig(),
		Database: DatabaseConfig{
			EnablePersistence: false,
			Driver:            persistence.DriverSQLite,
			Path:              "multichat.db",
			Host:              "localhost",
			Port:              "5432",
			User:              "multichat",
			Name:              "multichat",
			SSLMode:           "disable",
			Workers:           5,
			BufferSize:        1000,
			CacheSize:         512,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "auto",
		},
		Telemetry: telemetry.Config{
			Enabled:     false,
			Endpoint:    "localhost:4318",
			Insecure:    true,
			ServiceName: telemetry.DefaultServiceName,
			SampleRatio: 1,
		},
	}
}

func restoreListDefaults(config *Config) {
	defaults := getDefaultConfig()
	if config.Models == nil {
		config.Models = defaults.Models
	}
	if config.Providers == nil {
		config.Providers = defaults.Providers
	}
	if config.Routing.PrefixRules == nil {
		config.Routing.PrefixRules = defaults.Routing.PrefixRules
	}
	if config.Server.CorsOrigins == nil {
		config.Server.CorsOrigins = defaults.Server.CorsOrigins
	}
}

// envOverride replaces *dest with the parsed value of key when it is set.
// Unparseable values are logged and ignored.
func envOverride[T any](dest *T, key string, parse func(string) (T, error)) {
	raw := os.Getenv(key)
	if raw == "" {
		return
	}
	v, err := parse(raw)
	if err != nil {
		logrus.WithError(err).WithField("env", key).Warn("Ignoring unparseable environment override")
		return
	}
	*dest = v
}

func asString(s string) (string, error) { return s, nil }

func asList(s string) ([]string, error) { return splitList(s), nil }

func asFloat(s string) (float64, error) { return strconv.ParseFloat(s, 64) }

func asUint32(s string) (uint32, error) {
	n, err := strconv.ParseUint(s, 10, 32)
	return uint32(n), err
}

func applyEnvironmentOverrides(config *Config) {
	envOverride(&config.Server.Host, "HOST", asString)
	envOverride(&config.Server.Port, "PORT", asString)
	envOverride(&config.Server.CorsOrigins, "CORS_ORIGINS", asList)

	envOverride(&config.Chat.Preamble, "CHAT_PREAMBLE", asString)
	envOverride(&config.Chat.DefaultModel, "CHAT_DEFAULT_MODEL", asString)
	envOverride(&config.Chat.DefaultTemperature, "CHAT_DEFAULT_TEMPERATURE", asFloat)
	envOverride(&config.Chat.RequestTimeout, "CHAT_REQUEST_TIMEOUT", time.ParseDuration)
	envOverride(&config.Chat.MaxTokens, "CHAT_MAX_TOKENS", strconv.Atoi)

	// credentials only fill providers that have none; base URLs always win
	for i := range config.Providers {
		p := &config.Providers[i]
		if p.Type != routing.TypeOpenAI && p.Type != routing.TypeAnthropic {
			continue
		}
		prefix := strings.ToUpper(p.Type)
		if p.APIKey == "" {
			envOverride(&p.APIKey, prefix+"_API_KEY", asString)
		}
		envOverride(&p.BaseURL, prefix+"_BASE_URL", asString)
	}

	db := &config.Database
	envOverride(&db.EnablePersistence, "ENABLE_PERSISTENCE", strconv.ParseBool)
	envOverride(&db.Driver, "DATABASE_DRIVER", asString)
	envOverride(&db.URL, "DATABASE_URL", asString)
	envOverride(&db.Path, "DATABASE_PATH", asString)
	envOverride(&db.Host, "DATABASE_HOST", asString)
	envOverride(&db.Port, "DATABASE_PORT", asString)
	envOverride(&db.User, "DATABASE_USER", asString)
	envOverride(&db.Password, "DATABASE_PASSWORD", asString)
	envOverride(&db.Name, "DATABASE_NAME", asString)
	envOverride(&db.SSLMode, "DATABASE_SSL_MODE", asString)
	envOverride(&db.CacheSize, "DATABASE_CACHE_SIZE", strconv.Atoi)

	envOverride(&config.Logging.Level, "LOG_LEVEL", asString)
	envOverride(&config.Logging.Format, "LOG_FORMAT", asString)
	envOverride(&config.Logging.ReportCaller, "LOG_REPORT_CALLER", strconv.ParseBool)

	cb := &config.CircuitBreaker
	envOverride(&cb.Enabled, "CIRCUIT_BREAKER_ENABLED", strconv.ParseBool)
	envOverride(&cb.FailureThreshold, "CIRCUIT_BREAKER_FAILURE_THRESHOLD", asUint32)
	envOverride(&cb.Timeout, "CIRCUIT_BREAKER_TIMEOUT", time.ParseDuration)
	envOverride(&cb.MaxRequests, "CIRCUIT_BREAKER_MAX_REQUESTS", asUint32)

	envOverride(&config.Telemetry.Enabled, "TRACING_ENABLED", strconv.ParseBool)
	envOverride(&config.Telemetry.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT", asString)
	envOverride(&config.Telemetry.ServiceName, "OTEL_SERVICE_NAME", asString)
}

func splitList(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// validateConfig validates the configuration and returns errors for invalid values
func validateConfig(config *Config) error {
	var errors []string

	if len(config.Models) == 0 {
		errors = append(errors, "at least one model must be configured under models")
	}
	if _, err := config.Registry(); err != nil && len(config.Models) > 0 {
		errors = append(errors, err.Error())
	}

	providers := make(map[string]bool, len(config.Providers))
	for _, p := range config.Providers {
		if strings.TrimSpace(p.Name) == "" {
			errors = append(errors, "every provider needs a name")
			continue
		}
		if providers[p.Name] {
			errors = append(errors, fmt.Sprintf("provider %q is configured twice", p.Name))
		}
		providers[p.Name] = true

		switch p.Type {
		case routing.TypeOpenAI:
			if p.BaseURL == "" {
				errors = append(errors, fmt.Sprintf("provider %q needs a base_url", p.Name))
			}
		case routing.TypeAnthropic:
		default:
			errors = append(errors, fmt.Sprintf("provider %q has unsupported type %q (expected openai or anthropic)", p.Name, p.Type))
		}
		if p.APIKey == "" {
			logrus.WithField("provider", p.Name).Warn("Provider has no API key - requests to it will be rejected upstream")
		}
	}

	if reg, err := config.Registry(); err == nil {
		for _, m := range reg.Models() {
			if !providers[m.Provider] {
				errors = append(errors, fmt.Sprintf("model %q routes to provider %q which is not configured", m.ID, m.Provider))
			}
		}
		if config.Chat.DefaultModel != "" {
			if _, err := reg.Resolve(config.Chat.DefaultModel); err != nil {
				errors = append(errors, fmt.Sprintf("chat.default_model %q is not a configured model", config.Chat.DefaultModel))
			}
		}
	}

	if config.Chat.DefaultTemperature < 0 || config.Chat.DefaultTemperature > 2 {
		errors = append(errors, fmt.Sprintf("chat.default_temperature must be between 0 and 2 (current: %.2f)", config.Chat.DefaultTemperature))
	}
	if config.Chat.RequestTimeout <= 0 {
		errors = append(errors, "chat.request_timeout must be positive")
	}
	if config.Chat.MaxTokens < 0 {
		errors = append(errors, "chat.max_tokens cannot be negative")
	}

	if config.Database.EnablePersistence {
		switch config.Database.Driver {
		case persistence.DriverSQLite, persistence.DriverPostgres:
		default:
			errors = append(errors, fmt.Sprintf("database.driver must be sqlite or postgres (current: %q)", config.Database.Driver))
		}
		if config.Database.Workers <= 0 || config.Database.BufferSize <= 0 {
			errors = append(errors, "database.workers and database.buffer_size must be positive")
		}
		if config.Database.CacheSize < 0 {
			errors = append(errors, "database.cache_size cannot be negative")
		}
	}

	switch config.Logging.Format {
	case "json", "text", "auto", "":
	default:
		errors = append(errors, fmt.Sprintf("logging.format must be json, text or auto (current: %q)", config.Logging.Format))
	}

	if config.Telemetry.SampleRatio < 0 || config.Telemetry.SampleRatio > 1 {
		errors = append(errors, fmt.Sprintf("telemetry.sample_ratio must be between 0 and 1 (current: %.2f)", config.Telemetry.SampleRatio))
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation errors: %s", strings.Join(errors, "; "))
	}

	return nil
}

// Registry builds the model registry from the models and prefix rules
func (c *Config) Registry() (*registry.Registry, error) {
	models := make([]registry.Model, 0, len(c.Models))
	for _, m := range c.Models {
		models = append(models, registry.Model{
			ID:             m.ID,
			Provider:       m.Provider,
			PromptRate:     m.PromptRate,
			CompletionRate: m.CompletionRate,
		})
	}
	rules := make([]registry.PrefixRule, 0, len(c.Routing.PrefixRules))
	for _, r := range c.Routing.PrefixRules {
		rules = append(rules, registry.PrefixRule{Prefix: r.Prefix, Provider: r.Provider})
	}
	return registry.New(models, rules)
}

// ProviderSpecs converts the providers section for the routing factory
func (c *Config) ProviderSpecs() []routing.ProviderSpec {
	specs := make([]routing.ProviderSpec, 0, len(c.Providers))
	for _, p := range c.Providers {
		specs = append(specs, routing.ProviderSpec{
			Name:    p.Name,
			Type:    p.Type,
			APIKey:  p.APIKey,
			BaseURL: p.BaseURL,
			Headers: p.Headers,
		})
	}
	return specs
}

// GetDatabaseDSN constructs the database connection string for the configured driver
func (c *Config) GetDatabaseDSN() string {
	if c.Database.URL != "" {
		return c.Database.URL
	}
	if c.Database.Driver == persistence.DriverSQLite {
		return c.Database.Path
	}

	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host,
		c.Database.Port,
		c.Database.User,
		c.Database.Password,
		c.Database.Name,
		c.Database.SSLMode,
	)
}
