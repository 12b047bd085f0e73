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
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	Audio       AudioConfig      `yaml:"audio"`
	Session     SessionConfig    `yaml:"session"`
	Models      ModelsConfig     `yaml:"models"`
	Transcribe  TranscribeConfig `yaml:"transcribe"`
	Download    DownloadConfig   `yaml:"download"`
	History     HistoryConfig    `yaml:"history"`
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

type AudioConfig struct {
	Backend        string `yaml:"backend"` // portaudio, synthetic
	Device         string `yaml:"device"`
	SampleRate     int    `yaml:"sample_rate"` // 0 = device default
	CaptureSeconds int    `yaml:"capture_seconds"`
	OverflowPolicy string `yaml:"overflow_policy"` // keep-first, keep-latest
	DebugDumpDir   string `yaml:"debug_dump_dir"`
}

type SessionConfig struct {
	MinSpeechMS     int  `yaml:"min_speech_ms"`
	AutoCopy        bool `yaml:"auto_copy"`
	IntentQueueSize int  `yaml:"intent_queue_size"`
}

type ModelsConfig struct {
	Dir          string `yaml:"dir"`
	Active       string `yaml:"active"` // file name; empty picks the best installed model
	Preload      bool   `yaml:"preload"`
	IdleUnloadMS int    `yaml:"idle_unload_ms"`
}

type TranscribeConfig struct {
	Engine    string `yaml:"engine"` // whisper, exec, mock
	Command   string `yaml:"command"`
	Language  string `yaml:"language"`
	Threads   int    `yaml:"threads"` // 0 = derive from CPU count
	TimeoutMS int    `yaml:"timeout_ms"`
}

type DownloadConfig struct {
	MaxAttempts      int `yaml:"max_attempts"`
	BackoffInitialMS int `yaml:"backoff_initial_ms"`
	BackoffMaxMS     int `yaml:"backoff_max_ms"`
}

type HistoryConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Path      string `yaml:"path"`
	ListLimit int    `yaml:"list_limit"`
}

func Default() Config {
	return Config{
		RuntimeName: "scribe-runtime",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
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
		Audio: AudioConfig{
			Backend:        "portaudio",
			Device:         "default",
			SampleRate:     0,
			CaptureSeconds: 30,
			OverflowPolicy: "keep-first",
		},
		Session: SessionConfig{
			MinSpeechMS:     200,
			AutoCopy:        true,
			IntentQueueSize: 32,
		},
		Models: ModelsConfig{
			Dir:          "./data/models",
			Active:       "",
			Preload:      false,
			IdleUnloadMS: 600000,
		},
		Transcribe: TranscribeConfig{
			Engine:    "whisper",
			Language:  "en",
			Threads:   0,
			TimeoutMS: 25000,
		},
		Download: DownloadConfig{
			MaxAttempts:      5,
			BackoffInitialMS: 500,
			BackoffMaxMS:     15000,
		},
		History: HistoryConfig{
			Enabled:   true,
			Path:      "./data/scribe-history.db",
			ListLimit: 15,
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
	overrideString(&cfg.RuntimeName, "SCRIBE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "SCRIBE_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "SCRIBE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "SCRIBE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "SCRIBE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "SCRIBE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "SCRIBE_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Embedded, "SCRIBE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "SCRIBE_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "SCRIBE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "SCRIBE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "SCRIBE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "SCRIBE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "SCRIBE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "SCRIBE_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Audio.Backend, "SCRIBE_AUDIO_BACKEND")
	overrideString(&cfg.Audio.Device, "SCRIBE_AUDIO_DEVICE")
	overrideInt(&cfg.Audio.SampleRate, "SCRIBE_AUDIO_SAMPLE_RATE")
	overrideInt(&cfg.Audio.CaptureSeconds, "SCRIBE_AUDIO_CAPTURE_SECONDS")
	overrideString(&cfg.Audio.OverflowPolicy, "SCRIBE_AUDIO_OVERFLOW_POLICY")
	overrideString(&cfg.Audio.DebugDumpDir, "SCRIBE_AUDIO_DEBUG_DUMP_DIR")
	overrideInt(&cfg.Session.MinSpeechMS, "SCRIBE_SESSION_MIN_SPEECH_MS")
	overrideBool(&cfg.Session.AutoCopy, "SCRIBE_SESSION_AUTO_COPY")
	overrideInt(&cfg.Session.IntentQueueSize, "SCRIBE_SESSION_INTENT_QUEUE_SIZE")
	overrideString(&cfg.Models.Dir, "SCRIBE_MODELS_DIR")
	overrideString(&cfg.Models.Active, "SCRIBE_MODELS_ACTIVE")
	overrideBool(&cfg.Models.Preload, "SCRIBE_MODELS_PRELOAD")
	overrideInt(&cfg.Models.IdleUnloadMS, "SCRIBE_MODELS_IDLE_UNLOAD_MS")
	overrideString(&cfg.Transcribe.Engine, "SCRIBE_TRANSCRIBE_ENGINE")
	overrideString(&cfg.Transcribe.Command, "SCRIBE_TRANSCRIBE_COMMAND")
	overrideString(&cfg.Transcribe.Language, "SCRIBE_TRANSCRIBE_LANGUAGE")
	overrideInt(&cfg.Transcribe.Threads, "SCRIBE_TRANSCRIBE_THREADS")
	overrideInt(&cfg.Transcribe.TimeoutMS, "SCRIBE_TRANSCRIBE_TIMEOUT_MS")
	overrideInt(&cfg.Download.MaxAttempts, "SCRIBE_DOWNLOAD_MAX_ATTEMPTS")
	overrideInt(&cfg.Download.BackoffInitialMS, "SCRIBE_DOWNLOAD_BACKOFF_INITIAL_MS")
	overrideInt(&cfg.Download.BackoffMaxMS, "SCRIBE_DOWNLOAD_BACKOFF_MAX_MS")
	overrideBool(&cfg.History.Enabled, "SCRIBE_HISTORY_ENABLED")
	overrideString(&cfg.History.Path, "SCRIBE_HISTORY_PATH")
	overrideInt(&cfg.History.ListLimit, "SCRIBE_HISTORY_LIST_LIMIT")
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
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	switch cfg.Audio.Backend {
	case "portaudio", "synthetic":
		// ok
	default:
		return errors.New("audio.backend must be one of portaudio|synthetic")
	}
	if cfg.Audio.SampleRate < 0 {
		return errors.New("audio.sample_rate must be >= 0")
	}
	if cfg.Audio.CaptureSeconds <= 0 {
		return errors.New("audio.capture_seconds must be positive")
	}
	switch cfg.Audio.OverflowPolicy {
	case "keep-first", "keep-latest":
		// ok
	default:
		return errors.New("audio.overflow_policy must be one of keep-first|keep-latest")
	}
	if cfg.Session.MinSpeechMS < 0 {
		return errors.New("session.min_speech_ms must be >= 0")
	}
	if cfg.Session.IntentQueueSize <= 0 {
		return errors.New("session.intent_queue_size must be >= 1")
	}
	if cfg.Models.Dir == "" {
		return errors.New("models.dir must not be empty")
	}
	if cfg.Models.IdleUnloadMS <= 0 {
		return errors.New("models.idle_unload_ms must be positive")
	}
	switch cfg.Transcribe.Engine {
	case "whisper", "exec", "mock":
		// ok
	default:
		return errors.New("transcribe.engine must be one of whisper|exec|mock")
	}
	if cfg.Transcribe.Engine == "exec" && cfg.Transcribe.Command == "" {
		return errors.New("transcribe.command must be set when engine=exec")
	}
	if cfg.Transcribe.Threads < 0 {
		return errors.New("transcribe.threads must be >= 0")
	}
	if cfg.Transcribe.TimeoutMS <= 0 {
		return errors.New("transcribe.timeout_ms must be positive")
	}
	if cfg.Download.MaxAttempts < 1 {
		return errors.New("download.max_attempts must be >= 1")
	}
	if cfg.Download.BackoffInitialMS <= 0 {
		return errors.New("download.backoff_initial_ms must be positive")
	}
	if cfg.Download.BackoffMaxMS < cfg.Download.BackoffInitialMS {
		return errors.New("download.backoff_max_ms must be >= download.backoff_initial_ms")
	}
	if cfg.History.Enabled {
		if cfg.History.Path == "" {
			return errors.New("history.path must not be empty when history is enabled")
		}
		if cfg.History.ListLimit < 1 || cfg.History.ListLimit > 500 {
			return errors.New("history.list_limit must be between 1 and 500")
		}
	}
	return nil
}
