package config

import (
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Provider names accepted by llm.provider.
const (
	ProviderOpenRouter = "openrouter"
	ProviderGemini     = "gemini"
)

// Queue backends accepted by queue.backend.
const (
	BackendEmbedded = "embedded"
	BackendTemporal = "temporal"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	LLM        LLMConfig        `yaml:"llm" mapstructure:"llm"`
	OpenRouter OpenRouterConfig `yaml:"openrouter" mapstructure:"openrouter"`
	Gemini     GeminiConfig     `yaml:"gemini" mapstructure:"gemini"`
	Queue      QueueConfig      `yaml:"queue" mapstructure:"queue"`
	Temporal   TemporalConfig   `yaml:"temporal" mapstructure:"temporal"`
	Enrichment EnrichmentConfig `yaml:"enrichment" mapstructure:"enrichment"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Telemetry  TelemetryConfig  `yaml:"telemetry" mapstructure:"telemetry"`
}

// StoreConfig configures the knowledge store backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// LLMConfig selects the active provider and the gateway guards around it.
type LLMConfig struct {
	Provider                string  `yaml:"provider" mapstructure:"provider"`
	RequestsPerSecond       float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	CircuitFailureThreshold int     `yaml:"circuit_failure_threshold" mapstructure:"circuit_failure_threshold"`
	CircuitResetSecs        int     `yaml:"circuit_reset_secs" mapstructure:"circuit_reset_secs"`
	TimeoutSecs             int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// OpenRouterConfig holds chat-completions API settings.
type OpenRouterConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	BaseURL   string `yaml:"base_url" mapstructure:"base_url"`
	Model     string `yaml:"model" mapstructure:"model"`
	Referer   string `yaml:"referer" mapstructure:"referer"`
	Title     string `yaml:"title" mapstructure:"title"`
	KeySource string `yaml:"-" mapstructure:"-"`
}

// GeminiConfig holds generate-content API settings.
type GeminiConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	BaseURL   string `yaml:"base_url" mapstructure:"base_url"`
	Model     string `yaml:"model" mapstructure:"model"`
	KeySource string `yaml:"-" mapstructure:"-"`
}

// QueueConfig configures job dispatch and the embedded worker loop.
type QueueConfig struct {
	Backend             string `yaml:"backend" mapstructure:"backend"`
	PollSecs            int    `yaml:"poll_secs" mapstructure:"poll_secs"`
	StaleSecs           int    `yaml:"stale_secs" mapstructure:"stale_secs"`
	CleanupIntervalSecs int    `yaml:"cleanup_interval_secs" mapstructure:"cleanup_interval_secs"`
}

// TemporalConfig configures the distributed dispatch backend.
type TemporalConfig struct {
	HostPort  string `yaml:"host_port" mapstructure:"host_port"`
	Namespace string `yaml:"namespace" mapstructure:"namespace"`
	TaskQueue string `yaml:"task_queue" mapstructure:"task_queue"`
}

// EnrichmentConfig holds request defaults.
type EnrichmentConfig struct {
	DefaultTTLSecs int64 `yaml:"default_ttl_secs" mapstructure:"default_ttl_secs"`
	WebMaxResults  int   `yaml:"web_max_results" mapstructure:"web_max_results"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// TelemetryConfig configures OpenTelemetry export. An empty endpoint
// disables export.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint" mapstructure:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure" mapstructure:"insecure"`
	ServiceName  string `yaml:"service_name" mapstructure:"service_name"`
}

// legacyEnv maps config keys to the unprefixed variable names used by
// existing deployments.
var legacyEnv = map[string]string{
	"openrouter.key":              "OPENROUTER_API_KEY",
	"openrouter.base_url":         "OPENROUTER_BASE_URL",
	"openrouter.model":            "OPENROUTER_MODEL",
	"gemini.key":                  "GEMINI_API_KEY",
	"gemini.model":                "GEMINI_MODEL",
	"llm.provider":                "LLM_PROVIDER",
	"queue.backend":               "LLM_QUEUE_BACKEND",
	"queue.poll_secs":             "LLM_QUEUE_POLL_SECONDS",
	"queue.stale_secs":            "LLM_JOB_STALE_SECONDS",
	"queue.cleanup_interval_secs": "LLM_JOB_CLEANUP_INTERVAL",
	"temporal.host_port":          "TEMPORAL_HOST_PORT",
	"temporal.task_queue":         "TEMPORAL_TASK_QUEUE",
}

// Load reads configuration from .env, file and environment.
func Load() (*Config, error) {
	// .env never overrides variables already set in the environment.
	_ = godotenv.Load()

	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("ENRICH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, legacy := range legacyEnv {
		if err := v.BindEnv(key, envName(key), legacy); err != nil {
			return nil, eris.Wrapf(err, "config: bind env %s", key)
		}
	}

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "data/cache.sqlite")
	v.SetDefault("llm.provider", ProviderOpenRouter)
	v.SetDefault("llm.requests_per_second", 2.0)
	v.SetDefault("llm.circuit_failure_threshold", 5)
	v.SetDefault("llm.circuit_reset_secs", 60)
	v.SetDefault("llm.timeout_secs", 60)
	v.SetDefault("openrouter.base_url", "https://openrouter.ai/api/v1")
	v.SetDefault("openrouter.model", "openai/gpt-4o-mini")
	v.SetDefault("openrouter.referer", "http://localhost")
	v.SetDefault("openrouter.title", "Versified Bonds")
	v.SetDefault("gemini.model", "gemini-2.0-flash")
	v.SetDefault("queue.backend", BackendEmbedded)
	v.SetDefault("queue.poll_secs", 1)
	v.SetDefault("queue.stale_secs", 900)
	v.SetDefault("queue.cleanup_interval_secs", 60)
	v.SetDefault("temporal.namespace", "default")
	v.SetDefault("temporal.task_queue", "bonds")
	v.SetDefault("enrichment.default_ttl_secs", 30*24*60*60)
	v.SetDefault("enrichment.web_max_results", 5)
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.cors_origins", []string{"http://localhost:5173"})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("telemetry.service_name", "issuer-enrichment")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	cfg.LLM.Provider = strings.ToLower(strings.TrimSpace(cfg.LLM.Provider))
	cfg.Queue.Backend = strings.ToLower(strings.TrimSpace(cfg.Queue.Backend))
	cfg.OpenRouter.KeySource = keySource(cfg.OpenRouter.Key, "openrouter.key")
	cfg.Gemini.KeySource = keySource(cfg.Gemini.Key, "gemini.key")

	return &cfg, nil
}

func envName(key string) string {
	return "ENRICH_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// keySource reports where an API key came from, for log lines that must
// not carry the key itself.
func keySource(value, key string) string {
	if value == "" {
		return "missing"
	}
	if _, ok := os.LookupEnv(envName(key)); ok {
		return "env"
	}
	if _, ok := os.LookupEnv(legacyEnv[key]); ok {
		return "env"
	}
	return "config"
}

// Validate checks that the fields required by a command mode are present.
// Provider keys are not required here: a missing key fails each job with a
// configuration error instead of preventing startup.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch c.Store.Driver {
	case "sqlite":
	case "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required for postgres")
		}
	default:
		errs = append(errs, "store.driver must be sqlite or postgres")
	}

	switch mode {
	case "serve", "worker":
		switch c.LLM.Provider {
		case ProviderOpenRouter, ProviderGemini:
		default:
			errs = append(errs, "llm.provider must be openrouter or gemini")
		}
		if c.Queue.PollSecs < 1 {
			errs = append(errs, "queue.poll_secs must be >= 1")
		}
		if mode == "serve" && c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
		if mode == "worker" && c.Queue.Backend != BackendTemporal {
			errs = append(errs, "queue.backend must be temporal to run a broker worker")
		}
		fallthrough
	case "enqueue":
		switch c.Queue.Backend {
		case BackendEmbedded:
		case BackendTemporal:
			if c.Temporal.HostPort == "" {
				errs = append(errs, "temporal.host_port is required for the temporal backend")
			}
		default:
			errs = append(errs, "queue.backend must be embedded or temporal")
		}
	case "admin":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
