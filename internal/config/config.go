package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/duplex-voice-lab/internal/logging"
)

// Config is the complete client configuration.
type Config struct {
	Worker    WorkerConfig    `yaml:"worker"`
	API       APIConfig       `yaml:"api"`
	Audio     AudioConfig     `yaml:"audio"`
	Playback  PlaybackConfig  `yaml:"playback"`
	Recording RecordingConfig `yaml:"recording"`
	Levels    LevelsConfig    `yaml:"levels"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// WorkerConfig describes the conversation endpoint.
type WorkerConfig struct {
	Addr               string `yaml:"addr"`
	Secure             bool   `yaml:"secure"`
	HandshakeTimeoutMs int    `yaml:"handshake_timeout_ms"`
	PingIntervalMs     int    `yaml:"ping_interval_ms"`
	AuthID             string `yaml:"auth_id"`
	Email              string `yaml:"email"`
}

// APIConfig describes the auxiliary HTTP surface (status, personalities).
type APIConfig struct {
	BaseURL      string `yaml:"base_url"`
	TimeoutMs    int    `yaml:"timeout_ms"`
	CacheTTLMs   int    `yaml:"cache_ttl_ms"`
	ReadyPollMs  int    `yaml:"ready_poll_ms"`
	WaitForReady bool   `yaml:"wait_for_ready"`
}

// AudioConfig contains the local rendering context parameters.
type AudioConfig struct {
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
	QuantumMs  int    `yaml:"quantum_ms"`
	FrameMs    int    `yaml:"frame_ms"`
	Framing    string `yaml:"framing"`
	Codec      string `yaml:"codec"`
	Device     string `yaml:"device"`
}

// PlaybackConfig tunes the playback scheduler.
type PlaybackConfig struct {
	InitialBufferMs int `yaml:"initial_buffer_ms"`
	PartialBufferMs int `yaml:"partial_buffer_ms"`
	CriticalDelayMs int `yaml:"critical_delay_ms"`
	CriticalHoldMs  int `yaml:"critical_hold_ms"`
}

// RecordingConfig controls local session recording and artifact retention.
type RecordingConfig struct {
	Auto            bool   `yaml:"auto"`
	Dir             string `yaml:"dir"`
	NamePrefix      string `yaml:"name_prefix"`
	RetentionHours  int    `yaml:"retention_hours"`
	MaxFiles        int    `yaml:"max_files"`
	CleanIntervalMs int    `yaml:"clean_interval_ms"`
}

// LevelsConfig controls the level meter cadence.
type LevelsConfig struct {
	FPS  int `yaml:"fps"`
	Bins int `yaml:"bins"`
}

// MetricsConfig controls the prometheus exporter. Empty Addr disables it.
type MetricsConfig struct {
	Addr       string `yaml:"addr"`
	IntervalMs int    `yaml:"interval_ms"`
}

// LoggingConfig mirrors logging.Config.
type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Worker: WorkerConfig{
			Addr:               "localhost:8998",
			HandshakeTimeoutMs: 30000,
			PingIntervalMs:     15000,
		},
		API: APIConfig{
			TimeoutMs:   10000,
			CacheTTLMs:  30000,
			ReadyPollMs: 2000,
		},
		Audio: AudioConfig{
			SampleRate: 24000,
			Channels:   1,
			QuantumMs:  10,
			FrameMs:    20,
			Framing:    "ogg",
			Codec:      "opus",
		},
		Playback: PlaybackConfig{
			InitialBufferMs: 80,
			PartialBufferMs: 40,
			CriticalDelayMs: 1000,
			CriticalHoldMs:  2000,
		},
		Recording: RecordingConfig{
			Dir:             "recordings",
			NamePrefix:      "voicechat",
			RetentionHours:  24 * 7,
			MaxFiles:        100,
			CleanIntervalMs: 10 * 60 * 1000,
		},
		Levels:  LevelsConfig{FPS: 60, Bins: 140},
		Metrics: MetricsConfig{IntervalMs: 1000},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load builds the configuration: defaults, then the optional YAML file at
// path, then a .env file if present, then environment overrides. The result
// is validated.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logging.Warnw("failed to load .env", "err", err)
	}
	cfg.ApplyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// ApplyEnv overrides fields from environment variables. Invalid values are
// logged and ignored.
func (c *Config) ApplyEnv(getenv func(string) string) {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		v := strings.TrimSpace(getenv(key))
		if v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			logging.Warnw("invalid integer env value, using default", "key", key, "value", v)
			return
		}
		*dst = n
	}
	flag := func(key string, dst *bool) {
		v := strings.TrimSpace(getenv(key))
		if v == "" {
			return
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			logging.Warnw("invalid boolean env value, using default", "key", key, "value", v)
			return
		}
		*dst = b
	}

	str("WORKER_ADDR", &c.Worker.Addr)
	flag("WORKER_SECURE", &c.Worker.Secure)
	str("WORKER_AUTH_ID", &c.Worker.AuthID)
	str("WORKER_EMAIL", &c.Worker.Email)
	num("HANDSHAKE_TIMEOUT_MS", &c.Worker.HandshakeTimeoutMs)
	str("API_BASE_URL", &c.API.BaseURL)
	flag("API_WAIT_READY", &c.API.WaitForReady)
	num("AUDIO_SAMPLE_RATE", &c.Audio.SampleRate)
	str("AUDIO_FRAMING", &c.Audio.Framing)
	str("AUDIO_CODEC", &c.Audio.Codec)
	str("AUDIO_DEVICE", &c.Audio.Device)
	num("PLAYBACK_INITIAL_BUFFER_MS", &c.Playback.InitialBufferMs)
	num("CRITICAL_DELAY_MS", &c.Playback.CriticalDelayMs)
	flag("RECORD_AUTO", &c.Recording.Auto)
	str("RECORDINGS_DIR", &c.Recording.Dir)
	num("RECORD_RETENTION_HOURS", &c.Recording.RetentionHours)
	num("RECORD_MAX_FILES", &c.Recording.MaxFiles)
	num("LEVELS_FPS", &c.Levels.FPS)
	str("METRICS_ADDR", &c.Metrics.Addr)
	str("LOG_LEVEL", &c.Logging.Level)
	str("LOG_FILE", &c.Logging.File)
}

// Validate performs validation of every section.
func (c *Config) Validate() error {
	if err := c.Worker.Validate(); err != nil {
		return fmt.Errorf("worker config: %w", err)
	}
	if err := c.API.Validate(); err != nil {
		return fmt.Errorf("api config: %w", err)
	}
	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}
	if err := c.Playback.Validate(); err != nil {
		return fmt.Errorf("playback config: %w", err)
	}
	if err := c.Recording.Validate(); err != nil {
		return fmt.Errorf("recording config: %w", err)
	}
	if err := c.Levels.Validate(); err != nil {
		return fmt.Errorf("levels config: %w", err)
	}
	return nil
}

func (w *WorkerConfig) Validate() error {
	if strings.TrimSpace(w.Addr) == "" {
		return fmt.Errorf("addr cannot be empty")
	}
	if strings.Contains(w.Addr, "://") {
		return fmt.Errorf("addr must be host:port without scheme, got %q", w.Addr)
	}
	if w.HandshakeTimeoutMs < 0 {
		return fmt.Errorf("handshake_timeout_ms must not be negative, got %d", w.HandshakeTimeoutMs)
	}
	return nil
}

func (a *APIConfig) Validate() error {
	if a.BaseURL == "" {
		return nil
	}
	u, err := url.Parse(a.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("base_url must be an http(s) URL, got %q", a.BaseURL)
	}
	return nil
}

func (a *AudioConfig) Validate() error {
	if a.SampleRate < 8000 || a.SampleRate > 48000 {
		return fmt.Errorf("sample_rate must be between 8000 and 48000 Hz, got %d", a.SampleRate)
	}
	if a.Channels != 1 {
		return fmt.Errorf("channels must be 1 (mono), got %d", a.Channels)
	}
	if a.QuantumMs < 1 || a.QuantumMs > 100 {
		return fmt.Errorf("quantum_ms must be between 1 and 100, got %d", a.QuantumMs)
	}
	switch a.FrameMs {
	case 10, 20, 40, 60:
	default:
		return fmt.Errorf("frame_ms must be one of 10, 20, 40, 60, got %d", a.FrameMs)
	}
	switch a.Framing {
	case "ogg", "raw":
	default:
		return fmt.Errorf("framing must be ogg or raw, got %q", a.Framing)
	}
	switch a.Codec {
	case "opus", "pcm16":
	default:
		return fmt.Errorf("codec must be opus or pcm16, got %q", a.Codec)
	}
	return nil
}

func (p *PlaybackConfig) Validate() error {
	if p.InitialBufferMs < 0 || p.PartialBufferMs < 0 {
		return fmt.Errorf("buffer sizes must not be negative")
	}
	if p.CriticalDelayMs <= 0 {
		return fmt.Errorf("critical_delay_ms must be positive, got %d", p.CriticalDelayMs)
	}
	if p.CriticalHoldMs < 0 {
		return fmt.Errorf("critical_hold_ms must not be negative, got %d", p.CriticalHoldMs)
	}
	return nil
}

func (r *RecordingConfig) Validate() error {
	if r.NamePrefix == "" {
		return fmt.Errorf("name_prefix cannot be empty")
	}
	if strings.ContainsAny(r.NamePrefix, `/\`) {
		return fmt.Errorf("name_prefix must not contain path separators, got %q", r.NamePrefix)
	}
	if r.MaxFiles < 0 || r.RetentionHours < 0 {
		return fmt.Errorf("max_files and retention_hours must not be negative")
	}
	return nil
}

func (l *LevelsConfig) Validate() error {
	if l.FPS < 1 || l.FPS > 240 {
		return fmt.Errorf("fps must be between 1 and 240, got %d", l.FPS)
	}
	if l.Bins < 1 {
		return fmt.Errorf("bins must be at least 1, got %d", l.Bins)
	}
	return nil
}

// Ms converts a millisecond config value to a duration.
func Ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

// LoggingOptions converts the logging section into logging.Config, keeping
// rotation settings from the environment.
func (c *Config) LoggingOptions() logging.Config {
	lc := logging.ConfigFromEnv()
	lc.Level = c.Logging.Level
	lc.File = c.Logging.File
	return lc
}
