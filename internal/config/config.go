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
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	Traces       bool   `yaml:"traces"`
}

type HTTPConfig struct {
	Bind           string   `yaml:"bind"`
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Node        NodeConfig       `yaml:"node"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Audio       AudioConfig      `yaml:"audio"`
	Session     SessionConfig    `yaml:"session"`
	STT         STTConfig        `yaml:"stt"`
	Annotator   AnnotatorConfig  `yaml:"annotator"`
	LLM         LLMConfig        `yaml:"llm"`
	Upload      UploadConfig     `yaml:"upload"`
}

// NodeConfig identifies this instance to peers on the bus.
type NodeConfig struct {
	ID                  string `yaml:"id"`
	HeartbeatIntervalMS int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeoutMS  int    `yaml:"heartbeat_timeout_ms"`
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

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
	RecordPartial bool   `yaml:"record_partial"`
}

// AudioConfig controls buffering and sample-rate conversion for streamed audio.
type AudioConfig struct {
	TargetSampleRate int    `yaml:"target_sample_rate"`
	SourceSampleRate int    `yaml:"source_sample_rate"`
	MinBatchBytes    int    `yaml:"min_batch_bytes"`
	Normalization    string `yaml:"normalization"` // session, pass, off
}

type SessionConfig struct {
	MailboxSize   int `yaml:"mailbox_size"`
	IdleTimeoutMS int `yaml:"idle_timeout_ms"`
	PassTimeoutMS int `yaml:"pass_timeout_ms"`
}

type STTConfig struct {
	Mode              string `yaml:"mode"` // mock, exec, vosk
	Command           string `yaml:"command"`
	Endpoint          string `yaml:"endpoint"`
	ModelPath         string `yaml:"model_path"`
	Language          string `yaml:"language"`
	EndpointSilenceMS int    `yaml:"endpoint_silence_ms"`
	SilenceThreshold  int    `yaml:"silence_threshold"`
}

type AnnotatorConfig struct {
	TimeoutMS   int  `yaml:"timeout_ms"`
	MaxKeywords int  `yaml:"max_keywords"`
	Summarize   bool `yaml:"summarize"`
}

type LLMConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Mode        string  `yaml:"mode"` // mock, ollama, exec, openai
	Endpoint    string  `yaml:"endpoint"` // ollama base URL or OpenAI-compatible base URL
	Command     string  `yaml:"command"`
	Model       string  `yaml:"model"`
	APIKey      string  `yaml:"api_key"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
}

type UploadConfig struct {
	AllowedExtensions []string `yaml:"allowed_extensions"`
	MaxBytes          int64    `yaml:"max_bytes"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-scribe",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 5000,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Node: NodeConfig{
			ID:                  "scribe-local",
			HeartbeatIntervalMS: 2000,
			HeartbeatTimeoutMS:  6000,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/scribe-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Audio: AudioConfig{
			TargetSampleRate: 16000,
			SourceSampleRate: 44100,
			MinBatchBytes:    3200,
			Normalization:    "session",
		},
		Session: SessionConfig{
			MailboxSize:   64,
			IdleTimeoutMS: 300000,
			PassTimeoutMS: 30000,
		},
		STT: STTConfig{
			Mode:              "mock",
			Endpoint:          "ws://localhost:2700",
			Language:          "en",
			EndpointSilenceMS: 600,
			SilenceThreshold:  300,
		},
		Annotator: AnnotatorConfig{
			TimeoutMS:   2000,
			MaxKeywords: 8,
			Summarize:   true,
		},
		LLM: LLMConfig{
			Enabled:     false,
			Mode:        "mock",
			MaxTokens:   256,
			Temperature: 0.3,
		},
		Upload: UploadConfig{
			AllowedExtensions: []string{".wav", ".pcm", ".raw"},
			MaxBytes:          50 << 20,
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
	normalizeExtensions(&cfg.Upload)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "SCRIBE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "SCRIBE_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "SCRIBE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "SCRIBE_HTTP_PORT")
	overrideStringSlice(&cfg.HTTP.AllowedOrigins, "SCRIBE_HTTP_ALLOWED_ORIGINS")
	overrideString(&cfg.Telemetry.LogLevel, "SCRIBE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "SCRIBE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "SCRIBE_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.Traces, "SCRIBE_TELEMETRY_TRACES")
	overrideString(&cfg.Node.ID, "SCRIBE_NODE_ID")
	overrideInt(&cfg.Node.HeartbeatIntervalMS, "SCRIBE_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeoutMS, "SCRIBE_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideBool(&cfg.Bus.Enabled, "SCRIBE_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "SCRIBE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "SCRIBE_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "SCRIBE_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "SCRIBE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "SCRIBE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "SCRIBE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "SCRIBE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "SCRIBE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "SCRIBE_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "SCRIBE_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "SCRIBE_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "SCRIBE_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "SCRIBE_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "SCRIBE_EVENT_STORE_VACUUM_ON_START")
	overrideBool(&cfg.EventStore.RecordPartial, "SCRIBE_EVENT_STORE_RECORD_PARTIAL")
	overrideInt(&cfg.Audio.TargetSampleRate, "SCRIBE_AUDIO_TARGET_SAMPLE_RATE")
	overrideInt(&cfg.Audio.SourceSampleRate, "SCRIBE_AUDIO_SOURCE_SAMPLE_RATE")
	overrideInt(&cfg.Audio.MinBatchBytes, "SCRIBE_AUDIO_MIN_BATCH_BYTES")
	overrideString(&cfg.Audio.Normalization, "SCRIBE_AUDIO_NORMALIZATION")
	overrideInt(&cfg.Session.MailboxSize, "SCRIBE_SESSION_MAILBOX_SIZE")
	overrideInt(&cfg.Session.IdleTimeoutMS, "SCRIBE_SESSION_IDLE_TIMEOUT_MS")
	overrideInt(&cfg.Session.PassTimeoutMS, "SCRIBE_SESSION_PASS_TIMEOUT_MS")
	overrideString(&cfg.STT.Mode, "SCRIBE_STT_MODE")
	overrideString(&cfg.STT.Command, "SCRIBE_STT_COMMAND")
	overrideString(&cfg.STT.Endpoint, "SCRIBE_STT_ENDPOINT")
	overrideString(&cfg.STT.ModelPath, "SCRIBE_STT_MODEL_PATH")
	overrideString(&cfg.STT.Language, "SCRIBE_STT_LANGUAGE")
	overrideInt(&cfg.STT.EndpointSilenceMS, "SCRIBE_STT_ENDPOINT_SILENCE_MS")
	overrideInt(&cfg.STT.SilenceThreshold, "SCRIBE_STT_SILENCE_THRESHOLD")
	overrideInt(&cfg.Annotator.TimeoutMS, "SCRIBE_ANNOTATOR_TIMEOUT_MS")
	overrideInt(&cfg.Annotator.MaxKeywords, "SCRIBE_ANNOTATOR_MAX_KEYWORDS")
	overrideBool(&cfg.Annotator.Summarize, "SCRIBE_ANNOTATOR_SUMMARIZE")
	overrideBool(&cfg.LLM.Enabled, "SCRIBE_LLM_ENABLED")
	overrideString(&cfg.LLM.Mode, "SCRIBE_LLM_MODE")
	overrideString(&cfg.LLM.Endpoint, "SCRIBE_LLM_ENDPOINT")
	overrideString(&cfg.LLM.Command, "SCRIBE_LLM_COMMAND")
	overrideString(&cfg.LLM.Model, "SCRIBE_LLM_MODEL")
	overrideString(&cfg.LLM.APIKey, "SCRIBE_LLM_API_KEY")
	overrideInt(&cfg.LLM.MaxTokens, "SCRIBE_LLM_MAX_TOKENS")
	overrideFloat(&cfg.LLM.Temperature, "SCRIBE_LLM_TEMPERATURE")
	overrideStringSlice(&cfg.Upload.AllowedExtensions, "SCRIBE_UPLOAD_ALLOWED_EXTENSIONS")
	overrideInt64(&cfg.Upload.MaxBytes, "SCRIBE_UPLOAD_MAX_BYTES")
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

func overrideInt64(target *int64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
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

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

// normalizeExtensions lower-cases extensions and ensures the leading dot.
func normalizeExtensions(cfg *UploadConfig) {
	for i, ext := range cfg.AllowedExtensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext != "" && !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		cfg.AllowedExtensions[i] = ext
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
		if cfg.Node.ID == "" {
			return errors.New("node.id must not be empty when the bus is enabled")
		}
		if cfg.Node.HeartbeatIntervalMS <= 0 {
			return errors.New("node.heartbeat_interval_ms must be positive")
		}
		if cfg.Node.HeartbeatTimeoutMS < cfg.Node.HeartbeatIntervalMS {
			return errors.New("node.heartbeat_timeout_ms must be >= node.heartbeat_interval_ms")
		}
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Audio.TargetSampleRate <= 0 {
		return errors.New("audio.target_sample_rate must be positive")
	}
	if cfg.Audio.SourceSampleRate <= 0 {
		return errors.New("audio.source_sample_rate must be positive")
	}
	if cfg.Audio.MinBatchBytes < 2 {
		return errors.New("audio.min_batch_bytes must be >= 2")
	}
	switch cfg.Audio.Normalization {
	case "session", "pass", "off":
	default:
		return errors.New("audio.normalization must be one of session|pass|off")
	}
	if cfg.Session.MailboxSize <= 0 {
		return errors.New("session.mailbox_size must be >= 1")
	}
	if cfg.Session.IdleTimeoutMS < 0 {
		return errors.New("session.idle_timeout_ms must be >= 0")
	}
	switch cfg.STT.Mode {
	case "mock":
	case "exec":
		if cfg.STT.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
	case "vosk":
		if cfg.STT.Endpoint == "" {
			return errors.New("stt.endpoint must be set when mode=vosk")
		}
	default:
		return errors.New("stt.mode must be one of mock|exec|vosk")
	}
	if cfg.Annotator.TimeoutMS <= 0 {
		return errors.New("annotator.timeout_ms must be positive")
	}
	if cfg.Annotator.MaxKeywords < 0 {
		return errors.New("annotator.max_keywords must be >= 0")
	}
	if cfg.LLM.Enabled {
		switch cfg.LLM.Mode {
		case "mock", "ollama", "exec", "openai":
		default:
			return errors.New("llm.mode must be one of mock|ollama|exec|openai")
		}
		if cfg.LLM.Mode == "exec" && cfg.LLM.Command == "" {
			return errors.New("llm.command must be set when mode=exec")
		}
		if cfg.LLM.Mode == "openai" && cfg.LLM.APIKey == "" {
			return errors.New("llm.api_key must be set when mode=openai")
		}
		if cfg.LLM.MaxTokens < 0 {
			return errors.New("llm.max_tokens must be >= 0")
		}
	}
	if len(cfg.Upload.AllowedExtensions) == 0 {
		return errors.New("upload.allowed_extensions must not be empty")
	}
	if cfg.Upload.MaxBytes <= 0 {
		return errors.New("upload.max_bytes must be positive")
	}
	return nil
}
