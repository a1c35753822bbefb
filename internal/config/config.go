package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full runtime configuration for the orchestration service.
// It is loaded once at startup and passed explicitly into the pipeline so
// each request's behavior is reproducible in isolation.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Capabilities CapabilitiesConfig `mapstructure:"capabilities"`
	Synthesis    SynthesisConfig    `mapstructure:"synthesis"`
	Enrichments  EnrichmentsConfig  `mapstructure:"enrichments"`
	Tracing      TracingConfig      `mapstructure:"tracing"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host        string        `mapstructure:"host"`
	Port        int           `mapstructure:"port"`
	EnableCORS  bool          `mapstructure:"enable_cors"`
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
}

// CapabilityConfig configures one remote analysis backend.
type CapabilityConfig struct {
	Endpoint string        `mapstructure:"endpoint"`
	APIKey   string        `mapstructure:"api_key"`
	Model    string        `mapstructure:"model"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// CapabilitiesConfig holds one entry per remote capability. Timeouts differ
// per capability class: document extraction gets the longest budget,
// classification the shortest.
type CapabilitiesConfig struct {
	Vision    CapabilityConfig `mapstructure:"vision"`
	Speech    CapabilityConfig `mapstructure:"speech"`
	Acoustic  CapabilityConfig `mapstructure:"acoustic"`
	Classify  CapabilityConfig `mapstructure:"classify"`
	Document  CapabilityConfig `mapstructure:"document"`
	WebSearch CapabilityConfig `mapstructure:"websearch"`

	// LabelsFile optionally points to a YAML file with zero-shot
	// classification candidate labels. When empty the built-in medical
	// defaults are used.
	LabelsFile string `mapstructure:"labels_file"`
}

// SynthesisConfig configures the report-generation collaborator.
type SynthesisConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	APIKey      string        `mapstructure:"api_key"`
	Model       string        `mapstructure:"model"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Temperature float64       `mapstructure:"temperature"`
	Timeout     time.Duration `mapstructure:"timeout"`

	// SectionTokenBudget caps each rendered evidence section.
	SectionTokenBudget int `mapstructure:"section_token_budget"`
}

// EnrichmentsConfig toggles the optional enrichment tasks.
type EnrichmentsConfig struct {
	WebSearch      bool `mapstructure:"websearch"`
	Classification bool `mapstructure:"classification"`
}

// TracingConfig configures distributed tracing.
type TracingConfig struct {
	Enabled        bool    `mapstructure:"enabled"`
	Exporter       string  `mapstructure:"exporter"` // otlp, zipkin
	OTLPEndpoint   string  `mapstructure:"otlp_endpoint"`
	ZipkinEndpoint string  `mapstructure:"zipkin_endpoint"`
	SampleRate     float64 `mapstructure:"sample_rate"`
	ServiceName    string  `mapstructure:"service_name"`
	ServiceVersion string  `mapstructure:"service_version"`
}

// Load reads mediscope-config.yaml (from the working directory or $HOME) and
// applies MEDISCOPE_* environment overrides on top of the built-in defaults.
// A missing config file is not an error; environment and defaults suffice.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("mediscope-config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME")

	v.SetEnvPrefix("MEDISCOPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.enable_cors", true)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)

	v.SetDefault("capabilities.vision.timeout", 60*time.Second)
	v.SetDefault("capabilities.speech.timeout", 90*time.Second)
	v.SetDefault("capabilities.acoustic.timeout", 45*time.Second)
	v.SetDefault("capabilities.classify.timeout", 20*time.Second)
	v.SetDefault("capabilities.document.timeout", 120*time.Second)
	v.SetDefault("capabilities.websearch.timeout", 30*time.Second)
	v.SetDefault("capabilities.websearch.endpoint", "https://api.tavily.com/search")

	v.SetDefault("synthesis.base_url", "https://api.groq.com/openai/v1")
	v.SetDefault("synthesis.model", "llama-3.3-70b-versatile")
	v.SetDefault("synthesis.max_tokens", 4096)
	v.SetDefault("synthesis.temperature", 0.3)
	v.SetDefault("synthesis.timeout", 120*time.Second)
	v.SetDefault("synthesis.section_token_budget", 2000)

	v.SetDefault("enrichments.websearch", true)
	v.SetDefault("enrichments.classification", true)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.exporter", "otlp")
	v.SetDefault("tracing.sample_rate", 1.0)
	v.SetDefault("tracing.service_name", "mediscope")
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Synthesis.Model == "" {
		return fmt.Errorf("synthesis model is required")
	}
	for name, timeout := range map[string]time.Duration{
		"vision":    c.Capabilities.Vision.Timeout,
		"speech":    c.Capabilities.Speech.Timeout,
		"acoustic":  c.Capabilities.Acoustic.Timeout,
		"classify":  c.Capabilities.Classify.Timeout,
		"document":  c.Capabilities.Document.Timeout,
		"websearch": c.Capabilities.WebSearch.Timeout,
	} {
		if timeout <= 0 {
			return fmt.Errorf("capability %s: timeout must be positive", name)
		}
	}
	return nil
}
