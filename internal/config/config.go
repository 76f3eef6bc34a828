package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/petems/scribe-tray/internal/audio"
)

const appName = "scribe-tray"

// envPrefix namespaces every environment override, e.g. SCRIBE_ENGINE or
// SCRIBE_CAPTURE_BUFFER_SECONDS.
const envPrefix = "SCRIBE_"

const (
	EngineWhisper     = "whisper"
	EngineCloudSpeech = "cloudspeech"
)

type Config struct {
	LogLevel    string            `json:"log_level" env:"LOG_LEVEL"`
	Engine      string            `json:"engine" env:"ENGINE"` // "whisper" or "cloudspeech"
	Capture     CaptureConfig     `json:"capture" envPrefix:"CAPTURE_"`
	Whisper     WhisperConfig     `json:"whisper" envPrefix:"WHISPER_"`
	CloudSpeech CloudSpeechConfig `json:"cloud_speech" envPrefix:"CLOUD_SPEECH_"`
	VAD         VADConfig         `json:"vad" envPrefix:"VAD_"`
	Output      OutputConfig      `json:"output" envPrefix:"OUTPUT_"`
}

type CaptureConfig struct {
	DeviceIDs          []string `json:"device_ids" env:"DEVICE_IDS"`
	BufferSeconds      int      `json:"buffer_seconds" env:"BUFFER_SECONDS"`
	FrameMS            int      `json:"frame_ms" env:"FRAME_MS"`
	ReadTimeoutMS      int      `json:"read_timeout_ms" env:"READ_TIMEOUT_MS"`
	MaxReadFailures    int      `json:"max_read_failures" env:"MAX_READ_FAILURES"`
	CaptureQueueFrames int      `json:"capture_queue_frames" env:"CAPTURE_QUEUE_FRAMES"`
	ChunkQueueSize     int      `json:"chunk_queue_size" env:"CHUNK_QUEUE_SIZE"`
	SilenceWarnSeconds int      `json:"silence_warn_seconds" env:"SILENCE_WARN_SECONDS"`
}

type WhisperConfig struct {
	Model    string `json:"model" env:"MODEL"`       // "base.en", "small", etc.
	Language string `json:"language" env:"LANGUAGE"` // "auto", "en", etc.
	Threads  int    `json:"threads" env:"THREADS"`
}

type CloudSpeechConfig struct {
	ProjectID       string `json:"project_id" env:"PROJECT_ID"`
	CredentialsJSON string `json:"credentials_json" env:"CREDENTIALS_JSON"`
	Language        string `json:"language" env:"LANGUAGE"`
	Location        string `json:"location" env:"LOCATION"`
	Model           string `json:"model" env:"MODEL"`
}

type VADConfig struct {
	Threshold   float64 `json:"threshold" env:"THRESHOLD"`
	MinSpeechMS int     `json:"min_speech_ms" env:"MIN_SPEECH_MS"`
}

type OutputConfig struct {
	Dir                  string `json:"dir" env:"DIR"`
	ClassificationHeader string `json:"classification_header" env:"CLASSIFICATION_HEADER"`
	LiveExportPath       string `json:"live_export_path" env:"LIVE_EXPORT_PATH"`
	LiveExportIntervalMS int    `json:"live_export_interval_ms" env:"LIVE_EXPORT_INTERVAL_MS"`
	ArchiveDSN           string `json:"archive_dsn" env:"ARCHIVE_DSN"`
	WebhookURL           string `json:"webhook_url" env:"WEBHOOK_URL"`
	LiveFeedAddr         string `json:"live_feed_addr" env:"LIVE_FEED_ADDR"`
}

// Default returns the settings used when no file or override sets a key.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Engine:   EngineWhisper,
		Capture: CaptureConfig{
			BufferSeconds:      10,
			FrameMS:            100,
			ReadTimeoutMS:      150,
			MaxReadFailures:    5,
			CaptureQueueFrames: 64,
			ChunkQueueSize:     4,
			SilenceWarnSeconds: 30,
		},
		Whisper: WhisperConfig{
			Model:    "base",
			Language: "auto",
			Threads:  0, // Auto-detect
		},
		CloudSpeech: CloudSpeechConfig{
			Language: "en-US",
			Location: "global",
			Model:    "chirp_3",
		},
		VAD: VADConfig{
			Threshold:   0.01,
			MinSpeechMS: 250,
		},
		Output: OutputConfig{
			Dir:                  filepath.Join(DataPath(), "transcripts"),
			ClassificationHeader: "UNCLASSIFIED",
			LiveExportPath:       filepath.Join(DataPath(), "live_transcript.json"),
			LiveExportIntervalMS: 2000,
		},
	}
}

// Load reads the config file over the defaults, then applies environment
// overrides and validates the result.
func Load() (*Config, error) {
	return LoadFrom(configPath())
}

func LoadFrom(path string) (*Config, error) {
	cfg := Default()

	// Load existing config if it exists
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: envPrefix}); err != nil {
		return nil, fmt.Errorf("environment overrides are invalid: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the config to disk
func (c *Config) Save() error {
	return c.SaveTo(configPath())
}

func (c *Config) SaveTo(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

func (c *Config) Validate() error {
	if !slices.Contains([]string{EngineWhisper, EngineCloudSpeech}, c.Engine) {
		return fmt.Errorf("engine must be %q or %q, got %q", EngineWhisper, EngineCloudSpeech, c.Engine)
	}
	for _, f := range c.positiveFieldChecks() {
		if f.value <= 0 {
			return fmt.Errorf("%s must be positive, got %d", f.name, f.value)
		}
	}
	if c.VAD.Threshold < 0 || c.VAD.Threshold > 1 {
		return fmt.Errorf("vad.threshold must be within [0, 1], got %v", c.VAD.Threshold)
	}
	if c.Engine == EngineWhisper && c.Whisper.Model == "" {
		return errors.New("whisper.model is required")
	}
	if c.Engine == EngineCloudSpeech {
		if c.CloudSpeech.ProjectID == "" {
			return errors.New("cloud_speech.project_id is required when engine=cloudspeech")
		}
		if c.CloudSpeech.Language == "" {
			return errors.New("cloud_speech.language is required when engine=cloudspeech")
		}
	}
	return nil
}

type positiveField struct {
	name  string
	value int
}

func (c *Config) positiveFieldChecks() []positiveField {
	return []positiveField{
		{name: "capture.buffer_seconds", value: c.Capture.BufferSeconds},
		{name: "capture.frame_ms", value: c.Capture.FrameMS},
		{name: "capture.read_timeout_ms", value: c.Capture.ReadTimeoutMS},
		{name: "capture.max_read_failures", value: c.Capture.MaxReadFailures},
		{name: "capture.capture_queue_frames", value: c.Capture.CaptureQueueFrames},
		{name: "capture.chunk_queue_size", value: c.Capture.ChunkQueueSize},
	}
}

// Language is the hint passed to the active engine.
func (c *Config) Language() string {
	if c.Engine == EngineCloudSpeech {
		return c.CloudSpeech.Language
	}
	return c.Whisper.Language
}

// SessionConfig snapshots the capture settings for one session. The result
// is a value; later edits to c do not reach a running session.
func (c *Config) SessionConfig() audio.Config {
	cfg := audio.DefaultConfig()
	cfg.BufferDuration = time.Duration(c.Capture.BufferSeconds) * time.Second
	cfg.Language = c.Language()
	cfg.FrameDuration = time.Duration(c.Capture.FrameMS) * time.Millisecond
	cfg.ReadTimeout = time.Duration(c.Capture.ReadTimeoutMS) * time.Millisecond
	cfg.MaxReadFailures = c.Capture.MaxReadFailures
	cfg.CaptureQueueFrames = c.Capture.CaptureQueueFrames
	cfg.ChunkQueueSize = c.Capture.ChunkQueueSize
	cfg.SilenceWarn = time.Duration(c.Capture.SilenceWarnSeconds) * time.Second
	return cfg
}

// configPath returns the platform-specific config file path
func configPath() string {
	var base string

	switch runtime.GOOS {
	case "darwin":
		base = os.Getenv("HOME") + "/Library/Application Support"
	case "windows":
		base = os.Getenv("APPDATA")
	default: // linux
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			base = xdg
		} else {
			base = os.Getenv("HOME") + "/.config"
		}
	}

	return filepath.Join(base, appName, "config.json")
}

// DataPath returns the platform-specific data directory
func DataPath() string {
	var base string

	switch runtime.GOOS {
	case "darwin":
		base = os.Getenv("HOME") + "/Library/Application Support"
	case "windows":
		base = os.Getenv("LOCALAPPDATA")
	default:
		if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
			base = xdg
		} else {
			base = os.Getenv("HOME") + "/.local/share"
		}
	}

	return filepath.Join(base, appName)
}

// ModelsPath returns the platform-specific models directory path
func ModelsPath() string {
	return filepath.Join(DataPath(), "models")
}
