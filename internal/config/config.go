package config

import (
	"errors"
	"fmt"
	"io/ioutil"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	ServiceName string          `yaml:"service_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Engine      EngineConfig    `yaml:"engine"`
	Retry       RetryConfig     `yaml:"retry"`
	Breaker     BreakerConfig   `yaml:"breaker"`
	Batch       BatchConfig     `yaml:"batch"`
	History     HistoryConfig   `yaml:"history"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

// EngineConfig selects the default backend and carries per-engine settings
// maps that factories decode themselves.
type EngineConfig struct {
	Default       string                    `yaml:"default"`
	FallbackOrder []string                  `yaml:"fallback_order"`
	Language      string                    `yaml:"language"`
	SampleRate    int                       `yaml:"sample_rate"`
	Channels      int                       `yaml:"channels"`
	Engines       map[string]map[string]any `yaml:"engines"`
}

type RetryConfig struct {
	Enabled    bool `yaml:"enabled"`
	MaxRetries int  `yaml:"max_retries"`
	DelayMS    int  `yaml:"delay_ms"`
}

type BreakerConfig struct {
	Threshold int `yaml:"threshold"`
	TimeoutMS int `yaml:"timeout_ms"`
}

type BatchConfig struct {
	MaxConcurrency int    `yaml:"max_concurrency"`
	OutputFormat   string `yaml:"output_format"`
	OutputDir      string `yaml:"output_dir"`
}

type HistoryConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

func Default() Config {
	return Config{
		ServiceName: "loqa-asr",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Enabled:        true,
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Engine: EngineConfig{
			Default:       "mock",
			FallbackOrder: nil,
			Language:      "",
			SampleRate:    16000,
			Channels:      1,
			Engines:       map[string]map[string]any{},
		},
		Retry: RetryConfig{
			Enabled:    true,
			MaxRetries: 3,
			DelayMS:    1000,
		},
		Breaker: BreakerConfig{
			Threshold: 5,
			TimeoutMS: 60000,
		},
		Batch: BatchConfig{
			MaxConcurrency: 4,
			OutputFormat:   "text",
			OutputDir:      "",
		},
		History: HistoryConfig{
			Enabled:       true,
			Path:          "./data/asr-history.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := ioutil.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.ServiceName, "ASR_SERVICE_NAME")
	overrideString(&cfg.Environment, "ASR_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "ASR_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "ASR_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "ASR_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "ASR_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "ASR_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "ASR_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "ASR_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "ASR_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "ASR_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "ASR_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "ASR_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "ASR_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "ASR_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "ASR_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "ASR_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Engine.Default, "ASR_ENGINE_DEFAULT")
	overrideStringSlice(&cfg.Engine.FallbackOrder, "ASR_ENGINE_FALLBACK_ORDER")
	overrideString(&cfg.Engine.Language, "ASR_ENGINE_LANGUAGE")
	overrideInt(&cfg.Engine.SampleRate, "ASR_ENGINE_SAMPLE_RATE")
	overrideInt(&cfg.Engine.Channels, "ASR_ENGINE_CHANNELS")
	overrideBool(&cfg.Retry.Enabled, "ASR_RETRY_ENABLED")
	overrideInt(&cfg.Retry.MaxRetries, "ASR_RETRY_MAX_RETRIES")
	overrideInt(&cfg.Retry.DelayMS, "ASR_RETRY_DELAY_MS")
	overrideInt(&cfg.Breaker.Threshold, "ASR_BREAKER_THRESHOLD")
	overrideInt(&cfg.Breaker.TimeoutMS, "ASR_BREAKER_TIMEOUT_MS")
	overrideInt(&cfg.Batch.MaxConcurrency, "ASR_BATCH_MAX_CONCURRENCY")
	overrideString(&cfg.Batch.OutputFormat, "ASR_BATCH_OUTPUT_FORMAT")
	overrideString(&cfg.Batch.OutputDir, "ASR_BATCH_OUTPUT_DIR")
	overrideBool(&cfg.History.Enabled, "ASR_HISTORY_ENABLED")
	overrideString(&cfg.History.Path, "ASR_HISTORY_PATH")
	overrideString(&cfg.History.RetentionMode, "ASR_HISTORY_RETENTION_MODE")
	overrideInt(&cfg.History.RetentionDays, "ASR_HISTORY_RETENTION_DAYS")
	overrideInt(&cfg.History.MaxSessions, "ASR_HISTORY_MAX_SESSIONS")
	overrideBool(&cfg.History.VacuumOnStart, "ASR_HISTORY_VACUUM_ON_START")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func validate(cfg Config) error {
	if cfg.ServiceName == "" {
		return errors.New("service_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else {
			if len(cfg.Bus.Servers) == 0 {
				return errors.New("bus.servers must not be empty when embedded mode is disabled")
			}
		}
	}
	if cfg.Engine.Default == "" {
		return errors.New("engine.default must not be empty")
	}
	for _, name := range cfg.Engine.FallbackOrder {
		if strings.TrimSpace(name) == "" {
			return errors.New("engine.fallback_order must not contain empty names")
		}
	}
	if cfg.Engine.SampleRate <= 0 {
		return errors.New("engine.sample_rate must be positive")
	}
	if cfg.Engine.Channels <= 0 {
		return errors.New("engine.channels must be positive")
	}
	if cfg.Retry.Enabled && cfg.Retry.MaxRetries < 1 {
		return errors.New("retry.max_retries must be >= 1 when retry is enabled")
	}
	if cfg.Retry.DelayMS < 0 {
		return errors.New("retry.delay_ms must be >= 0")
	}
	if cfg.Breaker.Threshold < 1 {
		return errors.New("breaker.threshold must be >= 1")
	}
	if cfg.Breaker.TimeoutMS <= 0 {
		return errors.New("breaker.timeout_ms must be positive")
	}
	if cfg.Batch.MaxConcurrency < 1 {
		return errors.New("batch.max_concurrency must be >= 1")
	}
	switch cfg.Batch.OutputFormat {
	case "text", "json", "srt":
		// ok
	default:
		return errors.New("batch.output_format must be one of text|json|srt")
	}
	if cfg.History.Enabled {
		if cfg.History.Path == "" {
			return errors.New("history.path must not be empty")
		}
		switch cfg.History.RetentionMode {
		case "ephemeral", "session", "persistent":
			// ok
		default:
			return errors.New("history.retention_mode must be one of ephemeral|session|persistent")
		}
		if cfg.History.RetentionDays < 0 {
			return errors.New("history.retention_days must be >= 0")
		}
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	return nil
}
