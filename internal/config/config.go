package config

import (
	"errors"
	"fmt"
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
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Session     SessionConfig   `yaml:"session"`
	Backend     BackendConfig   `yaml:"backend"`
	Speech      SpeechConfig    `yaml:"speech"`
	Agent       AgentConfig     `yaml:"agent"`
	Engine      EngineConfig    `yaml:"engine"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

// SessionConfig controls where the backend session identifier lives.
type SessionConfig struct {
	Store          string `yaml:"store"` // memory, sqlite
	Path           string `yaml:"path"`
	Scope          string `yaml:"scope"`
	StorageKey     string `yaml:"storage_key"`
	RetentionHours int    `yaml:"retention_hours"`
}

type BackendConfig struct {
	Mode      string `yaml:"mode"` // http, exec, mock
	Endpoint  string `yaml:"endpoint"`
	Flow      string `yaml:"flow"` // query, goal
	Command   string `yaml:"command"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

type SpeechConfig struct {
	Enabled              bool   `yaml:"enabled"`
	Transport            string `yaml:"transport"` // websocket, nats
	Endpoint             string `yaml:"endpoint"`
	TokenURL             string `yaml:"token_url"`
	ModelID              string `yaml:"model_id"`
	SessionID            string `yaml:"session_id"`
	TokenTTLSeconds      int    `yaml:"token_ttl_seconds"`
	TokenRefreshMarginMS int    `yaml:"token_refresh_margin_ms"`
	ConnectTimeoutMS     int    `yaml:"connect_timeout_ms"`
	SettleDelayMS        int    `yaml:"settle_delay_ms"`
	CommitDebounceMS     int    `yaml:"commit_debounce_ms"`
	DisconnectDelayMS    int    `yaml:"disconnect_delay_ms"`
	ReconnectDelayMS     int    `yaml:"reconnect_delay_ms"`
	MaxReconnectAttempts int    `yaml:"max_reconnect_attempts"`
}

type AgentConfig struct {
	Enabled            bool   `yaml:"enabled"`
	AgentID            string `yaml:"agent_id"`
	Endpoint           string `yaml:"endpoint"`
	HandshakeTimeoutMS int    `yaml:"handshake_timeout_ms"`
	SpeakingHangoverMS int    `yaml:"speaking_hangover_ms"`
}

type EngineConfig struct {
	AgentStreakLimit int `yaml:"agent_streak_limit"`
	MailboxSize      int `yaml:"mailbox_size"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-checkin",
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
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Session: SessionConfig{
			Store:          "memory",
			Path:           "./data/checkin-session.db",
			Scope:          "default",
			StorageKey:     "smart-checkin-session-id",
			RetentionHours: 24,
		},
		Backend: BackendConfig{
			Mode:      "mock",
			Endpoint:  "http://localhost:5678/api/main/run",
			Flow:      "goal",
			TimeoutMS: 30000,
		},
		Speech: SpeechConfig{
			Enabled:              false,
			Transport:            "websocket",
			Endpoint:             "wss://api.elevenlabs.io/v1/speech-to-text/realtime",
			ModelID:              "scribe_v2_realtime",
			SessionID:            "checkin-voice",
			TokenTTLSeconds:      15 * 60,
			TokenRefreshMarginMS: 30000,
			ConnectTimeoutMS:     10000,
			SettleDelayMS:        200,
			CommitDebounceMS:     500,
			DisconnectDelayMS:    500,
			ReconnectDelayMS:     2000,
			MaxReconnectAttempts: 3,
		},
		Agent: AgentConfig{
			Enabled:            false,
			Endpoint:           "wss://api.elevenlabs.io/v1/convai/conversation",
			HandshakeTimeoutMS: 10000,
			SpeakingHangoverMS: 600,
		},
		Engine: EngineConfig{
			AgentStreakLimit: 10,
			MailboxSize:      256,
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
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "LOQA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Session.Store, "LOQA_SESSION_STORE")
	overrideString(&cfg.Session.Path, "LOQA_SESSION_PATH")
	overrideString(&cfg.Session.Scope, "LOQA_SESSION_SCOPE")
	overrideString(&cfg.Session.StorageKey, "LOQA_SESSION_STORAGE_KEY")
	overrideInt(&cfg.Session.RetentionHours, "LOQA_SESSION_RETENTION_HOURS")
	overrideString(&cfg.Backend.Mode, "LOQA_BACKEND_MODE")
	overrideString(&cfg.Backend.Endpoint, "LOQA_BACKEND_ENDPOINT")
	overrideString(&cfg.Backend.Flow, "LOQA_BACKEND_FLOW")
	overrideString(&cfg.Backend.Command, "LOQA_BACKEND_COMMAND")
	overrideInt(&cfg.Backend.TimeoutMS, "LOQA_BACKEND_TIMEOUT_MS")
	overrideBool(&cfg.Speech.Enabled, "LOQA_SPEECH_ENABLED")
	overrideString(&cfg.Speech.Transport, "LOQA_SPEECH_TRANSPORT")
	overrideString(&cfg.Speech.Endpoint, "LOQA_SPEECH_ENDPOINT")
	overrideString(&cfg.Speech.TokenURL, "LOQA_SPEECH_TOKEN_URL")
	overrideString(&cfg.Speech.ModelID, "LOQA_SPEECH_MODEL_ID")
	overrideString(&cfg.Speech.SessionID, "LOQA_SPEECH_SESSION_ID")
	overrideInt(&cfg.Speech.TokenTTLSeconds, "LOQA_SPEECH_TOKEN_TTL_SECONDS")
	overrideInt(&cfg.Speech.ConnectTimeoutMS, "LOQA_SPEECH_CONNECT_TIMEOUT_MS")
	overrideInt(&cfg.Speech.CommitDebounceMS, "LOQA_SPEECH_COMMIT_DEBOUNCE_MS")
	overrideInt(&cfg.Speech.DisconnectDelayMS, "LOQA_SPEECH_DISCONNECT_DELAY_MS")
	overrideInt(&cfg.Speech.ReconnectDelayMS, "LOQA_SPEECH_RECONNECT_DELAY_MS")
	overrideInt(&cfg.Speech.MaxReconnectAttempts, "LOQA_SPEECH_MAX_RECONNECT_ATTEMPTS")
	overrideBool(&cfg.Agent.Enabled, "LOQA_AGENT_ENABLED")
	overrideString(&cfg.Agent.AgentID, "LOQA_AGENT_ID")
	overrideString(&cfg.Agent.Endpoint, "LOQA_AGENT_ENDPOINT")
	overrideInt(&cfg.Agent.SpeakingHangoverMS, "LOQA_AGENT_SPEAKING_HANGOVER_MS")
	overrideInt(&cfg.Engine.AgentStreakLimit, "LOQA_ENGINE_AGENT_STREAK_LIMIT")
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
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	switch cfg.Session.Store {
	case "memory":
	case "sqlite":
		if cfg.Session.Path == "" {
			return errors.New("session.path must be set when store=sqlite")
		}
	default:
		return errors.New("session.store must be one of memory|sqlite")
	}
	if cfg.Session.StorageKey == "" {
		return errors.New("session.storage_key must not be empty")
	}
	if cfg.Session.RetentionHours < 0 {
		return errors.New("session.retention_hours must be >= 0")
	}
	switch cfg.Backend.Mode {
	case "mock":
	case "http":
		if cfg.Backend.Endpoint == "" {
			return errors.New("backend.endpoint must be set when mode=http")
		}
	case "exec":
		if cfg.Backend.Command == "" {
			return errors.New("backend.command must be set when mode=exec")
		}
	default:
		return errors.New("backend.mode must be one of mock|http|exec")
	}
	switch cfg.Backend.Flow {
	case "query", "goal":
	default:
		return errors.New("backend.flow must be one of query|goal")
	}
	if cfg.Backend.TimeoutMS <= 0 {
		return errors.New("backend.timeout_ms must be positive")
	}
	if cfg.Speech.Enabled {
		switch cfg.Speech.Transport {
		case "websocket":
			if cfg.Speech.Endpoint == "" {
				return errors.New("speech.endpoint must be set when transport=websocket")
			}
			if cfg.Speech.TokenURL == "" {
				return errors.New("speech.token_url must be set when transport=websocket")
			}
		case "nats":
			if !cfg.Bus.Enabled {
				return errors.New("speech.transport=nats requires bus.enabled")
			}
			if cfg.Speech.SessionID == "" {
				return errors.New("speech.session_id must be set when transport=nats")
			}
		default:
			return errors.New("speech.transport must be one of websocket|nats")
		}
		if cfg.Speech.ConnectTimeoutMS <= 0 {
			return errors.New("speech.connect_timeout_ms must be positive")
		}
		if cfg.Speech.MaxReconnectAttempts < 0 {
			return errors.New("speech.max_reconnect_attempts must be >= 0")
		}
	}
	if cfg.Agent.Enabled {
		if cfg.Agent.AgentID == "" {
			return errors.New("agent.agent_id must be set when agent is enabled")
		}
		if cfg.Agent.Endpoint == "" {
			return errors.New("agent.endpoint must be set when agent is enabled")
		}
	}
	if cfg.Engine.AgentStreakLimit <= 0 {
		return errors.New("engine.agent_streak_limit must be positive")
	}
	return nil
}
