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
	Enabled bool   `yaml:"enabled"`
	Bind    string `yaml:"bind"`
	Port    int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Hotkey      HotkeyConfig     `yaml:"hotkey"`
	Audio       AudioConfig      `yaml:"audio"`
	Engine      EngineConfig     `yaml:"engine"`
	Output      OutputConfig     `yaml:"output"`
	Status      StatusConfig     `yaml:"status"`
	Notify      NotifyConfig     `yaml:"notify"`
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
}

// HotkeyConfig describes the single activation combo.
type HotkeyConfig struct {
	Key        string   `yaml:"key"`
	Modifiers  []string `yaml:"modifiers"`
	Mode       string   `yaml:"mode"` // toggle, push_to_talk
	DebounceMS int      `yaml:"debounce_ms"`
	Enabled    bool     `yaml:"enabled"`
}

type AudioConfig struct {
	Device              string `yaml:"device"`
	SampleRate          int    `yaml:"sample_rate"`
	FrameSize           int    `yaml:"frame_size"`
	PrerollMS           int    `yaml:"preroll_ms"`
	MaxRecordingSeconds int    `yaml:"max_recording_seconds"`
	MinRecordingMS      int    `yaml:"min_recording_ms"`
	LevelIntervalMS     int    `yaml:"level_interval_ms"`
}

type EngineConfig struct {
	Mode               string `yaml:"mode"` // whisper, exec, mock
	Model              string `yaml:"model"`
	ModelDir           string `yaml:"model_dir"`
	Command            string `yaml:"command"`
	Threads            int    `yaml:"threads"`
	Device             string `yaml:"device"` // auto, cpu, gpu, or an index
	Accelerators       []int  `yaml:"accelerators"`
	ChunkWindowSeconds int    `yaml:"chunk_window_seconds"`
	TimeoutSeconds     int    `yaml:"timeout_seconds"`
	Preload            bool   `yaml:"preload"`
}

type OutputConfig struct {
	Mode             string `yaml:"mode"` // injection, clipboard, auto
	PasteDelayMS     int    `yaml:"paste_delay_ms"`
	RestoreClipboard bool   `yaml:"restore_clipboard"`
}

type StatusConfig struct {
	NodeID            string `yaml:"node_id"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
}

type NotifyConfig struct {
	Enabled bool `yaml:"enabled"`
}

// DefaultPath is used when no -config flag is given; a missing file there is not an error.
const DefaultPath = "dictate.yaml"

// EngineSampleRate is the only capture rate accepted. Audio is never resampled, so
// the device must deliver what whisper models consume.
const EngineSampleRate = 16000

func Default() Config {
	return Config{
		RuntimeName: "loqa-dictate",
		Environment: "development",
		HTTP: HTTPConfig{
			Enabled: true,
			Bind:    "127.0.0.1",
			Port:    8090,
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
			Port:           4233,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://127.0.0.1:4233"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/dictate-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   5000,
		},
		Hotkey: HotkeyConfig{
			Key:        "alt_r",
			Mode:       "toggle",
			DebounceMS: 300,
			Enabled:    true,
		},
		Audio: AudioConfig{
			SampleRate:          EngineSampleRate,
			FrameSize:           1024,
			PrerollMS:           500,
			MaxRecordingSeconds: 300,
			MinRecordingMS:      200,
			LevelIntervalMS:     50,
		},
		Engine: EngineConfig{
			Mode:               "exec",
			Model:              "medium-q5_0",
			ModelDir:           "./models",
			Command:            "whisper-cli",
			Device:             "auto",
			ChunkWindowSeconds: 30,
			TimeoutSeconds:     120,
			Preload:            true,
		},
		Output: OutputConfig{
			Mode:             "auto",
			PasteDelayMS:     80,
			RestoreClipboard: true,
		},
		Status: StatusConfig{
			NodeID:            "dictate-1",
			HeartbeatInterval: 2000,
		},
	}
}

// Load reads the YAML file at path, applies LOQA_* environment overrides and validates.
// A missing file is only tolerated for DefaultPath.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("failed to parse config file: %w", err)
			}
		case os.IsNotExist(err) && path == DefaultPath:
		case os.IsNotExist(err):
			return cfg, fmt.Errorf("config file not found: %w", err)
		default:
			return cfg, fmt.Errorf("failed to read config file: %w", err)
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
	overrideBool(&cfg.HTTP.Enabled, "LOQA_HTTP_ENABLED")
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
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Hotkey.Key, "LOQA_HOTKEY_KEY")
	overrideStringSlice(&cfg.Hotkey.Modifiers, "LOQA_HOTKEY_MODIFIERS")
	overrideString(&cfg.Hotkey.Mode, "LOQA_HOTKEY_MODE")
	overrideInt(&cfg.Hotkey.DebounceMS, "LOQA_HOTKEY_DEBOUNCE_MS")
	overrideBool(&cfg.Hotkey.Enabled, "LOQA_HOTKEY_ENABLED")
	overrideString(&cfg.Audio.Device, "LOQA_AUDIO_DEVICE")
	overrideInt(&cfg.Audio.SampleRate, "LOQA_AUDIO_SAMPLE_RATE")
	overrideInt(&cfg.Audio.FrameSize, "LOQA_AUDIO_FRAME_SIZE")
	overrideInt(&cfg.Audio.PrerollMS, "LOQA_AUDIO_PREROLL_MS")
	overrideInt(&cfg.Audio.MaxRecordingSeconds, "LOQA_AUDIO_MAX_RECORDING_SECONDS")
	overrideInt(&cfg.Audio.MinRecordingMS, "LOQA_AUDIO_MIN_RECORDING_MS")
	overrideInt(&cfg.Audio.LevelIntervalMS, "LOQA_AUDIO_LEVEL_INTERVAL_MS")
	overrideString(&cfg.Engine.Mode, "LOQA_ENGINE_MODE")
	overrideString(&cfg.Engine.Model, "LOQA_ENGINE_MODEL")
	overrideString(&cfg.Engine.ModelDir, "LOQA_ENGINE_MODEL_DIR")
	overrideString(&cfg.Engine.Command, "LOQA_ENGINE_COMMAND")
	overrideInt(&cfg.Engine.Threads, "LOQA_ENGINE_THREADS")
	overrideString(&cfg.Engine.Device, "LOQA_ENGINE_DEVICE")
	overrideIntSlice(&cfg.Engine.Accelerators, "LOQA_ENGINE_ACCELERATORS")
	overrideInt(&cfg.Engine.ChunkWindowSeconds, "LOQA_ENGINE_CHUNK_WINDOW_SECONDS")
	overrideInt(&cfg.Engine.TimeoutSeconds, "LOQA_ENGINE_TIMEOUT_SECONDS")
	overrideBool(&cfg.Engine.Preload, "LOQA_ENGINE_PRELOAD")
	overrideString(&cfg.Output.Mode, "LOQA_OUTPUT_MODE")
	overrideInt(&cfg.Output.PasteDelayMS, "LOQA_OUTPUT_PASTE_DELAY_MS")
	overrideBool(&cfg.Output.RestoreClipboard, "LOQA_OUTPUT_RESTORE_CLIPBOARD")
	overrideString(&cfg.Status.NodeID, "LOQA_STATUS_NODE_ID")
	overrideInt(&cfg.Status.HeartbeatInterval, "LOQA_STATUS_HEARTBEAT_INTERVAL_MS")
	overrideBool(&cfg.Notify.Enabled, "LOQA_NOTIFY_ENABLED")
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

func overrideIntSlice(target *[]int, envKey string) {
	var parts []string
	overrideStringSlice(&parts, envKey)
	if len(parts) == 0 {
		return
	}
	values := make([]int, 0, len(parts))
	for _, p := range parts {
		parsed, err := strconv.Atoi(p)
		if err != nil {
			return
		}
		values = append(values, parsed)
	}
	*target = values
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Enabled && (cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535) {
		return errors.New("http.port must be between 1 and 65535")
	}
	switch strings.ToLower(cfg.Telemetry.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("telemetry.log_level must be one of debug|info|warn|error")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		}
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty")
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
	if strings.TrimSpace(cfg.Hotkey.Key) == "" {
		return errors.New("hotkey.key must not be empty")
	}
	switch cfg.Hotkey.Mode {
	case "toggle", "push_to_talk":
	default:
		return errors.New("hotkey.mode must be one of toggle|push_to_talk")
	}
	if cfg.Hotkey.DebounceMS < 0 {
		return errors.New("hotkey.debounce_ms must be >= 0")
	}
	if cfg.Audio.SampleRate != EngineSampleRate {
		return fmt.Errorf("audio.sample_rate must be %d", EngineSampleRate)
	}
	if cfg.Audio.FrameSize <= 0 {
		return errors.New("audio.frame_size must be positive")
	}
	if cfg.Audio.PrerollMS < 0 {
		return errors.New("audio.preroll_ms must be >= 0")
	}
	if cfg.Audio.MaxRecordingSeconds <= 0 {
		return errors.New("audio.max_recording_seconds must be positive")
	}
	if cfg.Audio.MinRecordingMS < 0 {
		return errors.New("audio.min_recording_ms must be >= 0")
	}
	switch cfg.Engine.Mode {
	case "whisper", "exec", "mock":
	default:
		return errors.New("engine.mode must be one of whisper|exec|mock")
	}
	if cfg.Engine.Mode != "mock" && cfg.Engine.Model == "" {
		return errors.New("engine.model must not be empty")
	}
	if cfg.Engine.Mode == "exec" && cfg.Engine.Command == "" {
		return errors.New("engine.command must be set when mode=exec")
	}
	if cfg.Engine.Threads < 0 {
		return errors.New("engine.threads must be >= 0")
	}
	if cfg.Engine.ChunkWindowSeconds <= 0 {
		return errors.New("engine.chunk_window_seconds must be positive")
	}
	if cfg.Engine.TimeoutSeconds <= 0 {
		return errors.New("engine.timeout_seconds must be positive")
	}
	switch cfg.Output.Mode {
	case "injection", "clipboard", "auto":
	default:
		return errors.New("output.mode must be one of injection|clipboard|auto")
	}
	if cfg.Status.NodeID == "" {
		return errors.New("status.node_id must not be empty")
	}
	if cfg.Status.HeartbeatInterval <= 0 {
		return errors.New("status.heartbeat_interval_ms must be positive")
	}
	return nil
}
