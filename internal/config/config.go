package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type HTTPConfig struct {
	Bind   string `yaml:"bind"`
	Port   int    `yaml:"port"`
	APIKey string `yaml:"api_key"`
}

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type ContextStoreConfig struct {
	Path           string `yaml:"path"`
	RetentionHours int    `yaml:"retention_hours"`
}

type CharactersConfig struct {
	Path    string `yaml:"path"`
	DataDir string `yaml:"data_dir"`
}

type MemoryConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days"`
	MaxExchanges  int    `yaml:"max_exchanges"`
}

type STTConfig struct {
	Mode      string `yaml:"mode"` // mock, gateway
	Endpoint  string `yaml:"endpoint"`
	APIKey    string `yaml:"api_key"`
	Language  string `yaml:"language"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

type LLMConfig struct {
	Mode            string  `yaml:"mode"` // mock, openai
	Endpoint        string  `yaml:"endpoint"`
	APIKey          string  `yaml:"api_key"`
	Model           string  `yaml:"model"`
	SearchModel     string  `yaml:"search_model"`
	Temperature     float64 `yaml:"temperature"`
	SystemPrompt    string  `yaml:"system_prompt"`
	ContextTimeoutS int     `yaml:"context_timeout_s"`
	TimeoutMS       int     `yaml:"timeout_ms"`
}

type PollyConfig struct {
	Region string `yaml:"region"`
	Voice  string `yaml:"voice"`
	Engine string `yaml:"engine"`
}

type TTSConfig struct {
	Mode      string      `yaml:"mode"` // mock, gateway, polly
	Endpoint  string      `yaml:"endpoint"`
	APIKey    string      `yaml:"api_key"`
	Service   string      `yaml:"service"`
	Speaker   string      `yaml:"speaker"`
	TimeoutMS int         `yaml:"timeout_ms"`
	Polly     PollyConfig `yaml:"polly"`
}

type BridgeConfig struct {
	Store     string `yaml:"store"` // memory, redis
	RedisAddr string `yaml:"redis_addr"`
	RedisDB   int    `yaml:"redis_db"`
}

type PipelineConfig struct {
	MaxInflightSynthesis int `yaml:"max_inflight_synthesis"`
	TurnTimeoutMS        int `yaml:"turn_timeout_ms"`
}

type Config struct {
	RuntimeName  string             `yaml:"runtime_name"`
	Environment  string             `yaml:"environment"`
	HTTP         HTTPConfig         `yaml:"http"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
	Bus          BusConfig          `yaml:"bus"`
	ContextStore ContextStoreConfig `yaml:"context_store"`
	Characters   CharactersConfig   `yaml:"characters"`
	Memory       MemoryConfig       `yaml:"memory"`
	STT          STTConfig          `yaml:"stt"`
	LLM          LLMConfig          `yaml:"llm"`
	TTS          TTSConfig          `yaml:"tts"`
	Bridge       BridgeConfig       `yaml:"bridge"`
	Pipeline     PipelineConfig     `yaml:"pipeline"`
}

func Default() Config {
	return Config{
		RuntimeName: "waifud",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8012,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		ContextStore: ContextStoreConfig{
			Path:           "./data/contexts.db",
			RetentionHours: 24,
		},
		Characters: CharactersConfig{
			Path:    "./data/characters.db",
			DataDir: "./data/characters",
		},
		Memory: MemoryConfig{
			Enabled:       true,
			Path:          "./data/memory.db",
			RetentionDays: 365,
			MaxExchanges:  100000,
		},
		STT: STTConfig{
			Mode:      "mock",
			Language:  "ja",
			TimeoutMS: 30000,
		},
		LLM: LLMConfig{
			Mode:            "mock",
			Endpoint:        "https://api.openai.com/v1",
			Model:           "gpt-4o-mini",
			SearchModel:     "gpt-4o-search-preview",
			Temperature:     0.7,
			SystemPrompt:    "You are the waifu of the user.",
			ContextTimeoutS: 86400,
			TimeoutMS:       60000,
		},
		TTS: TTSConfig{
			Mode:      "mock",
			TimeoutMS: 30000,
			Polly: PollyConfig{
				Region: "us-east-1",
				Voice:  "Joanna",
				Engine: "neural",
			},
		},
		Bridge: BridgeConfig{
			Store:     "memory",
			RedisAddr: "localhost:6379",
		},
		Pipeline: PipelineConfig{
			MaxInflightSynthesis: 2,
			TurnTimeoutMS:        120000,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
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
	overrideString(&cfg.RuntimeName, "WAIFUD_RUNTIME_NAME")
	overrideString(&cfg.Environment, "WAIFUD_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "WAIFUD_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "WAIFUD_HTTP_PORT")
	overrideString(&cfg.HTTP.APIKey, "WAIFUD_HTTP_API_KEY")
	overrideString(&cfg.Telemetry.LogLevel, "WAIFUD_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "WAIFUD_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "WAIFUD_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Embedded, "WAIFUD_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "WAIFUD_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "WAIFUD_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "WAIFUD_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "WAIFUD_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "WAIFUD_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "WAIFUD_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "WAIFUD_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.ContextStore.Path, "WAIFUD_CONTEXT_STORE_PATH")
	overrideInt(&cfg.ContextStore.RetentionHours, "WAIFUD_CONTEXT_STORE_RETENTION_HOURS")
	overrideString(&cfg.Characters.Path, "WAIFUD_CHARACTERS_PATH")
	overrideString(&cfg.Characters.DataDir, "WAIFUD_CHARACTERS_DATA_DIR")
	overrideBool(&cfg.Memory.Enabled, "WAIFUD_MEMORY_ENABLED")
	overrideString(&cfg.Memory.Path, "WAIFUD_MEMORY_PATH")
	overrideInt(&cfg.Memory.RetentionDays, "WAIFUD_MEMORY_RETENTION_DAYS")
	overrideInt(&cfg.Memory.MaxExchanges, "WAIFUD_MEMORY_MAX_EXCHANGES")
	overrideString(&cfg.STT.Mode, "WAIFUD_STT_MODE")
	overrideString(&cfg.STT.Endpoint, "WAIFUD_STT_ENDPOINT")
	overrideString(&cfg.STT.APIKey, "WAIFUD_STT_API_KEY")
	overrideString(&cfg.STT.Language, "WAIFUD_STT_LANGUAGE")
	overrideInt(&cfg.STT.TimeoutMS, "WAIFUD_STT_TIMEOUT_MS")
	overrideString(&cfg.LLM.Mode, "WAIFUD_LLM_MODE")
	overrideString(&cfg.LLM.Endpoint, "WAIFUD_LLM_ENDPOINT")
	overrideString(&cfg.LLM.APIKey, "WAIFUD_LLM_API_KEY")
	overrideString(&cfg.LLM.Model, "WAIFUD_LLM_MODEL")
	overrideString(&cfg.LLM.SearchModel, "WAIFUD_LLM_SEARCH_MODEL")
	overrideFloat(&cfg.LLM.Temperature, "WAIFUD_LLM_TEMPERATURE")
	overrideString(&cfg.LLM.SystemPrompt, "WAIFUD_LLM_SYSTEM_PROMPT")
	overrideInt(&cfg.LLM.ContextTimeoutS, "WAIFUD_LLM_CONTEXT_TIMEOUT_S")
	overrideInt(&cfg.LLM.TimeoutMS, "WAIFUD_LLM_TIMEOUT_MS")
	overrideString(&cfg.TTS.Mode, "WAIFUD_TTS_MODE")
	overrideString(&cfg.TTS.Endpoint, "WAIFUD_TTS_ENDPOINT")
	overrideString(&cfg.TTS.APIKey, "WAIFUD_TTS_API_KEY")
	overrideString(&cfg.TTS.Service, "WAIFUD_TTS_SERVICE")
	overrideString(&cfg.TTS.Speaker, "WAIFUD_TTS_SPEAKER")
	overrideInt(&cfg.TTS.TimeoutMS, "WAIFUD_TTS_TIMEOUT_MS")
	overrideString(&cfg.TTS.Polly.Region, "WAIFUD_TTS_POLLY_REGION")
	overrideString(&cfg.TTS.Polly.Voice, "WAIFUD_TTS_POLLY_VOICE")
	overrideString(&cfg.TTS.Polly.Engine, "WAIFUD_TTS_POLLY_ENGINE")
	overrideString(&cfg.Bridge.Store, "WAIFUD_BRIDGE_STORE")
	overrideString(&cfg.Bridge.RedisAddr, "WAIFUD_BRIDGE_REDIS_ADDR")
	overrideInt(&cfg.Bridge.RedisDB, "WAIFUD_BRIDGE_REDIS_DB")
	overrideInt(&cfg.Pipeline.MaxInflightSynthesis, "WAIFUD_PIPELINE_MAX_INFLIGHT_SYNTHESIS")
	overrideInt(&cfg.Pipeline.TurnTimeoutMS, "WAIFUD_PIPELINE_TURN_TIMEOUT_MS")
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

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
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
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else if len(cfg.Bus.Servers) == 0 {
		return errors.New("bus.servers must not be empty when embedded mode is disabled")
	}
	if cfg.ContextStore.Path == "" {
		return errors.New("context_store.path must not be empty")
	}
	if cfg.ContextStore.RetentionHours < 0 {
		return errors.New("context_store.retention_hours must be >= 0")
	}
	if cfg.Characters.Path == "" {
		return errors.New("characters.path must not be empty")
	}
	if cfg.Characters.DataDir == "" {
		return errors.New("characters.data_dir must not be empty")
	}
	if cfg.Memory.Enabled && cfg.Memory.Path == "" {
		return errors.New("memory.path must not be empty when memory is enabled")
	}
	switch cfg.STT.Mode {
	case "mock", "gateway":
	default:
		return errors.New("stt.mode must be one of mock|gateway")
	}
	if cfg.STT.Mode == "gateway" && cfg.STT.Endpoint == "" {
		return errors.New("stt.endpoint must be set when mode=gateway")
	}
	switch cfg.LLM.Mode {
	case "mock", "openai":
	default:
		return errors.New("llm.mode must be one of mock|openai")
	}
	if cfg.LLM.Mode == "openai" {
		if cfg.LLM.Endpoint == "" {
			return errors.New("llm.endpoint must be set when mode=openai")
		}
		if cfg.LLM.Model == "" {
			return errors.New("llm.model must be set when mode=openai")
		}
	}
	switch cfg.TTS.Mode {
	case "mock", "gateway", "polly":
	default:
		return errors.New("tts.mode must be one of mock|gateway|polly")
	}
	if cfg.TTS.Mode == "gateway" && cfg.TTS.Endpoint == "" {
		return errors.New("tts.endpoint must be set when mode=gateway")
	}
	switch cfg.Bridge.Store {
	case "memory", "redis":
	default:
		return errors.New("bridge.store must be one of memory|redis")
	}
	if cfg.Bridge.Store == "redis" && cfg.Bridge.RedisAddr == "" {
		return errors.New("bridge.redis_addr must be set when store=redis")
	}
	if cfg.Pipeline.MaxInflightSynthesis <= 0 {
		return errors.New("pipeline.max_inflight_synthesis must be >= 1")
	}
	if cfg.Pipeline.TurnTimeoutMS <= 0 {
		return errors.New("pipeline.turn_timeout_ms must be positive")
	}
	return nil
}
