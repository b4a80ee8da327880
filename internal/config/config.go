package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	LogFormat      string `yaml:"log_format"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	TracingEnabled bool   `yaml:"tracing_enabled"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	ServiceName string          `yaml:"service_name"`
	Environment string          `yaml:"environment"`
	Debug       bool            `yaml:"debug"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Storage     StorageConfig   `yaml:"storage"`
	Audio       AudioConfig     `yaml:"audio"`
	Engine      EngineConfig    `yaml:"engine"`
	Stream      StreamConfig    `yaml:"stream"`
	Bus         BusConfig       `yaml:"bus"`
	History     HistoryConfig   `yaml:"history"`
}

// StorageConfig controls where uploads land and how long they live.
type StorageConfig struct {
	UploadDir         string   `yaml:"upload_dir"`
	MaxFileSize       int64    `yaml:"max_file_size"`
	AllowedExtensions []string `yaml:"allowed_extensions"`
	ReadBufferBytes   int      `yaml:"read_buffer_bytes"`
	CleanupInterval   int      `yaml:"cleanup_interval_seconds"`
	Retention         int      `yaml:"retention_seconds"`
}

type AudioConfig struct {
	// DecoderCommand converts non-WAV input to s16le mono 16 kHz on stdout.
	// The literal {input} is replaced with the source path.
	DecoderCommand string `yaml:"decoder_command"`
}

type EngineConfig struct {
	Mode          string `yaml:"mode"` // mock, exec, whisper
	Command       string `yaml:"command"`
	ModelDir      string `yaml:"model_dir"`
	ModelName     string `yaml:"model_name"`
	Device        string `yaml:"device"`
	BatchSize     int    `yaml:"batch_size"`
	Quantize      bool   `yaml:"quantize"`
	CacheDir      string `yaml:"cache_dir"`
	MaxConcurrent int    `yaml:"max_concurrent"`
}

type StreamConfig struct {
	DefaultLanguage     string  `yaml:"default_language"`
	DefaultChunkSeconds float64 `yaml:"default_chunk_seconds"`
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
	// NodeID names this instance in presence messages. Defaults to the
	// hostname.
	NodeID            string `yaml:"node_id"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
}

type HistoryConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
}

func Default() Config {
	return Config{
		ServiceName: "loqa-scribe",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8000,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			LogFormat:    "json",
			OTLPInsecure: true,
		},
		Storage: StorageConfig{
			UploadDir:         "./uploads",
			MaxFileSize:       1024 * 1024 * 1024,
			AllowedExtensions: []string{"wav", "mp3", "m4a", "flac", "aac", "ogg"},
			ReadBufferBytes:   64 * 1024,
			CleanupInterval:   3600,
			Retention:         1800,
		},
		Audio: AudioConfig{
			DecoderCommand: "ffmpeg -nostdin -hide_banner -loglevel error -i {input} -ac 1 -ar 16000 -f s16le -",
		},
		Engine: EngineConfig{
			Mode:          "mock",
			ModelName:     "SenseVoiceSmall",
			Device:        "auto",
			BatchSize:     1,
			Quantize:      true,
			CacheDir:      "./models",
			MaxConcurrent: 1,
		},
		Stream: StreamConfig{
			DefaultLanguage:     "zh-CN",
			DefaultChunkSeconds: 30,
		},
		Bus: BusConfig{
			Enabled:           false,
			Embedded:          false,
			Port:              4222,
			Servers:           []string{"nats://localhost:4222"},
			ConnectTimeout:    2000,
			HeartbeatInterval: 5000,
		},
		History: HistoryConfig{
			Path:          "./data/scribe-history.db",
			RetentionMode: "ephemeral",
			RetentionDays: 7,
			MaxSessions:   10000,
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file, an
// optional .env file and SCRIBE_* environment variables, in that order.
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

	if err := loadEnvFile(envFilePath()); err != nil {
		return cfg, err
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func envFilePath() string {
	if p, ok := os.LookupEnv("SCRIBE_ENV_FILE"); ok && strings.TrimSpace(p) != "" {
		return p
	}
	return ".env"
}

// loadEnvFile populates the process environment from a dotenv file without
// overriding variables that are already set. A missing file is not an error.
func loadEnvFile(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.ServiceName, "SCRIBE_SERVICE_NAME")
	overrideString(&cfg.Environment, "SCRIBE_ENVIRONMENT")
	overrideBool(&cfg.Debug, "SCRIBE_DEBUG")
	overrideString(&cfg.HTTP.Bind, "SCRIBE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "SCRIBE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "SCRIBE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.LogFormat, "SCRIBE_TELEMETRY_LOG_FORMAT")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "SCRIBE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "SCRIBE_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.TracingEnabled, "SCRIBE_TELEMETRY_TRACING_ENABLED")
	overrideString(&cfg.Storage.UploadDir, "SCRIBE_STORAGE_UPLOAD_DIR")
	overrideInt64(&cfg.Storage.MaxFileSize, "SCRIBE_STORAGE_MAX_FILE_SIZE")
	overrideStringSlice(&cfg.Storage.AllowedExtensions, "SCRIBE_STORAGE_ALLOWED_EXTENSIONS")
	overrideInt(&cfg.Storage.ReadBufferBytes, "SCRIBE_STORAGE_READ_BUFFER_BYTES")
	overrideInt(&cfg.Storage.CleanupInterval, "SCRIBE_STORAGE_CLEANUP_INTERVAL_SECONDS")
	overrideInt(&cfg.Storage.Retention, "SCRIBE_STORAGE_RETENTION_SECONDS")
	overrideString(&cfg.Audio.DecoderCommand, "SCRIBE_AUDIO_DECODER_COMMAND")
	overrideString(&cfg.Engine.Mode, "SCRIBE_ENGINE_MODE")
	overrideString(&cfg.Engine.Command, "SCRIBE_ENGINE_COMMAND")
	overrideString(&cfg.Engine.ModelDir, "SCRIBE_ENGINE_MODEL_DIR")
	overrideString(&cfg.Engine.ModelName, "SCRIBE_ENGINE_MODEL_NAME")
	overrideString(&cfg.Engine.Device, "SCRIBE_ENGINE_DEVICE")
	overrideInt(&cfg.Engine.BatchSize, "SCRIBE_ENGINE_BATCH_SIZE")
	overrideBool(&cfg.Engine.Quantize, "SCRIBE_ENGINE_QUANTIZE")
	overrideString(&cfg.Engine.CacheDir, "SCRIBE_ENGINE_CACHE_DIR")
	overrideInt(&cfg.Engine.MaxConcurrent, "SCRIBE_ENGINE_MAX_CONCURRENT")
	overrideString(&cfg.Stream.DefaultLanguage, "SCRIBE_STREAM_DEFAULT_LANGUAGE")
	overrideFloat(&cfg.Stream.DefaultChunkSeconds, "SCRIBE_STREAM_DEFAULT_CHUNK_SECONDS")
	overrideBool(&cfg.Bus.Enabled, "SCRIBE_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "SCRIBE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "SCRIBE_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "SCRIBE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "SCRIBE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "SCRIBE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "SCRIBE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "SCRIBE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "SCRIBE_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Bus.NodeID, "SCRIBE_BUS_NODE_ID")
	overrideInt(&cfg.Bus.HeartbeatInterval, "SCRIBE_BUS_HEARTBEAT_INTERVAL_MS")
	overrideString(&cfg.History.Path, "SCRIBE_HISTORY_PATH")
	overrideString(&cfg.History.RetentionMode, "SCRIBE_HISTORY_RETENTION_MODE")
	overrideInt(&cfg.History.RetentionDays, "SCRIBE_HISTORY_RETENTION_DAYS")
	overrideInt(&cfg.History.MaxSessions, "SCRIBE_HISTORY_MAX_SESSIONS")
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

func validate(cfg Config) error {
	if cfg.ServiceName == "" {
		return errors.New("service_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	switch strings.ToLower(cfg.Telemetry.LogFormat) {
	case "json", "text":
	default:
		return errors.New("telemetry.log_format must be one of json|text")
	}
	if cfg.Storage.UploadDir == "" {
		return errors.New("storage.upload_dir must not be empty")
	}
	if cfg.Storage.MaxFileSize <= 0 {
		return errors.New("storage.max_file_size must be positive")
	}
	if len(cfg.Storage.AllowedExtensions) == 0 {
		return errors.New("storage.allowed_extensions must not be empty")
	}
	if cfg.Storage.ReadBufferBytes <= 0 {
		return errors.New("storage.read_buffer_bytes must be positive")
	}
	if cfg.Storage.CleanupInterval <= 0 {
		return errors.New("storage.cleanup_interval_seconds must be positive")
	}
	if cfg.Storage.Retention <= 0 {
		return errors.New("storage.retention_seconds must be positive")
	}
	switch cfg.Engine.Mode {
	case "mock", "exec", "whisper":
	default:
		return errors.New("engine.mode must be one of mock|exec|whisper")
	}
	if cfg.Engine.Mode == "exec" && cfg.Engine.Command == "" {
		return errors.New("engine.command must be set when mode=exec")
	}
	if cfg.Engine.Mode == "whisper" && cfg.Engine.ModelDir == "" {
		return errors.New("engine.model_dir must be set when mode=whisper")
	}
	switch cfg.Engine.Device {
	case "auto", "cpu", "cuda", "mps":
	default:
		return errors.New("engine.device must be one of auto|cpu|cuda|mps")
	}
	if cfg.Engine.MaxConcurrent <= 0 {
		return errors.New("engine.max_concurrent must be >= 1")
	}
	if cfg.Stream.DefaultChunkSeconds <= 0 {
		return errors.New("stream.default_chunk_seconds must be positive")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
		if cfg.Bus.HeartbeatInterval <= 0 {
			return errors.New("bus.heartbeat_interval_ms must be positive")
		}
	}
	switch cfg.History.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("history.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.History.RetentionMode != "ephemeral" && cfg.History.Path == "" {
		return errors.New("history.path must not be empty unless retention_mode=ephemeral")
	}
	if cfg.History.RetentionDays < 0 {
		return errors.New("history.retention_days must be >= 0")
	}
	return nil
}

// CleanupEvery returns the sweeper period.
func (s StorageConfig) CleanupEvery() time.Duration {
	return time.Duration(s.CleanupInterval) * time.Second
}

// RetentionPeriod returns the maximum age of a stored file.
func (s StorageConfig) RetentionPeriod() time.Duration {
	return time.Duration(s.Retention) * time.Second
}
