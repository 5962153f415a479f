// Package config loads settings for the live voice client.
//
// Precedence, lowest first: built-in defaults, the YAML file named by
// TUTOR_LIVE_CONFIG_FILE, then TUTOR_LIVE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vango-go/vai-tutor/internal/env"
)

type Config struct {
	ServerURL      string `yaml:"server_url"`
	ConversationID string `yaml:"conversation_id"`
	APIKey         string `yaml:"api_key"`

	// Transport.
	PingInterval       time.Duration `yaml:"ping_interval"`
	MaxReconnects      int           `yaml:"max_reconnects"`
	ReconnectBaseDelay time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay  time.Duration `yaml:"reconnect_max_delay"`
	WriteTimeout       time.Duration `yaml:"write_timeout"`
	DialTimeout        time.Duration `yaml:"dial_timeout"`

	// Capture.
	SampleRate       int           `yaml:"sample_rate"`
	ChunkInterval    time.Duration `yaml:"chunk_interval"`
	EchoCancellation bool          `yaml:"echo_cancellation"`
	NoiseSuppression bool          `yaml:"noise_suppression"`
	MicInputFormat   string        `yaml:"mic_input_format"`
	MicDevice        string        `yaml:"mic_device"`
	MicCommand       string        `yaml:"mic_command"`

	// Playback.
	FFmpegPath         string `yaml:"ffmpeg_path"`
	FFplayPath         string `yaml:"ffplay_path"`
	PlaybackSampleRate int    `yaml:"playback_sample_rate"`
	Volume             int    `yaml:"volume"`

	AvatarGap time.Duration `yaml:"avatar_gap"`

	// LanguageStoreURL enables persisting detected languages when set.
	LanguageStoreURL string `yaml:"language_store_url"`
	MetricsAddr      string `yaml:"metrics_addr"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

func Defaults() Config {
	return Config{
		ServerURL:          "http://localhost:8080",
		PingInterval:       30 * time.Second,
		MaxReconnects:      5,
		ReconnectBaseDelay: time.Second,
		ReconnectMaxDelay:  10 * time.Second,
		WriteTimeout:       5 * time.Second,
		DialTimeout:        10 * time.Second,
		SampleRate:         16000,
		ChunkInterval:      250 * time.Millisecond,
		EchoCancellation:   true,
		NoiseSuppression:   true,
		FFmpegPath:         "ffmpeg",
		FFplayPath:         "ffplay",
		PlaybackSampleRate: 24000,
		Volume:             80,
		AvatarGap:          200 * time.Millisecond,
		LogLevel:           "info",
		LogFormat:          "text",
	}
}

func LoadFromEnv() (Config, error) {
	cfg := Defaults()
	if path := strings.TrimSpace(os.Getenv("TUTOR_LIVE_CONFIG_FILE")); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	cfg.ServerURL = env.Or("TUTOR_LIVE_SERVER_URL", cfg.ServerURL)
	cfg.ConversationID = env.Or("TUTOR_LIVE_CONVERSATION_ID", cfg.ConversationID)
	cfg.APIKey = env.Or("TUTOR_LIVE_API_KEY", cfg.APIKey)
	cfg.PingInterval = env.DurationOr("TUTOR_LIVE_PING_INTERVAL", cfg.PingInterval)
	cfg.MaxReconnects = env.IntOr("TUTOR_LIVE_MAX_RECONNECTS", cfg.MaxReconnects)
	cfg.ReconnectBaseDelay = env.DurationOr("TUTOR_LIVE_RECONNECT_BASE_DELAY", cfg.ReconnectBaseDelay)
	cfg.ReconnectMaxDelay = env.DurationOr("TUTOR_LIVE_RECONNECT_MAX_DELAY", cfg.ReconnectMaxDelay)
	cfg.WriteTimeout = env.DurationOr("TUTOR_LIVE_WRITE_TIMEOUT", cfg.WriteTimeout)
	cfg.DialTimeout = env.DurationOr("TUTOR_LIVE_DIAL_TIMEOUT", cfg.DialTimeout)
	cfg.SampleRate = env.IntOr("TUTOR_LIVE_SAMPLE_RATE", cfg.SampleRate)
	cfg.ChunkInterval = env.DurationOr("TUTOR_LIVE_CHUNK_INTERVAL", cfg.ChunkInterval)
	cfg.EchoCancellation = env.BoolOr("TUTOR_LIVE_ECHO_CANCELLATION", cfg.EchoCancellation)
	cfg.NoiseSuppression = env.BoolOr("TUTOR_LIVE_NOISE_SUPPRESSION", cfg.NoiseSuppression)
	cfg.MicInputFormat = env.Or("TUTOR_LIVE_MIC_INPUT_FORMAT", cfg.MicInputFormat)
	cfg.MicDevice = env.Or("TUTOR_LIVE_MIC_DEVICE", cfg.MicDevice)
	cfg.MicCommand = env.Or("TUTOR_LIVE_MIC_COMMAND", cfg.MicCommand)
	cfg.FFmpegPath = env.Or("TUTOR_LIVE_FFMPEG_PATH", cfg.FFmpegPath)
	cfg.FFplayPath = env.Or("TUTOR_LIVE_FFPLAY_PATH", cfg.FFplayPath)
	cfg.PlaybackSampleRate = env.IntOr("TUTOR_LIVE_PLAYBACK_SAMPLE_RATE", cfg.PlaybackSampleRate)
	cfg.Volume = env.IntOr("TUTOR_LIVE_VOLUME", cfg.Volume)
	cfg.AvatarGap = env.DurationOr("TUTOR_LIVE_AVATAR_GAP", cfg.AvatarGap)
	cfg.LanguageStoreURL = env.Or("TUTOR_LIVE_LANGSTORE_URL", cfg.LanguageStoreURL)
	cfg.MetricsAddr = env.Or("TUTOR_LIVE_METRICS_ADDR", cfg.MetricsAddr)
	cfg.LogLevel = env.Or("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = env.Or("LOG_FORMAT", cfg.LogFormat)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %q: %w", path, err)
	}
	return nil
}

// Validate checks the settings. ConversationID is not checked here because
// the CLI may supply it as a flag.
func (c Config) Validate() error {
	if strings.TrimSpace(c.ServerURL) == "" {
		return errors.New("TUTOR_LIVE_SERVER_URL must not be empty")
	}
	if c.PingInterval <= 0 {
		return errors.New("TUTOR_LIVE_PING_INTERVAL must be > 0")
	}
	if c.MaxReconnects <= 0 {
		return errors.New("TUTOR_LIVE_MAX_RECONNECTS must be > 0")
	}
	if c.ReconnectBaseDelay <= 0 {
		return errors.New("TUTOR_LIVE_RECONNECT_BASE_DELAY must be > 0")
	}
	if c.ReconnectMaxDelay < c.ReconnectBaseDelay {
		return errors.New("TUTOR_LIVE_RECONNECT_MAX_DELAY must be >= TUTOR_LIVE_RECONNECT_BASE_DELAY")
	}
	if c.WriteTimeout <= 0 {
		return errors.New("TUTOR_LIVE_WRITE_TIMEOUT must be > 0")
	}
	if c.DialTimeout <= 0 {
		return errors.New("TUTOR_LIVE_DIAL_TIMEOUT must be > 0")
	}
	if c.SampleRate < 8000 || c.SampleRate > 48000 {
		return errors.New("TUTOR_LIVE_SAMPLE_RATE must be between 8000 and 48000")
	}
	if c.ChunkInterval < 20*time.Millisecond {
		return errors.New("TUTOR_LIVE_CHUNK_INTERVAL must be >= 20ms")
	}
	if c.PlaybackSampleRate <= 0 {
		return errors.New("TUTOR_LIVE_PLAYBACK_SAMPLE_RATE must be > 0")
	}
	if c.Volume < 0 || c.Volume > 100 {
		return errors.New("TUTOR_LIVE_VOLUME must be between 0 and 100")
	}
	if c.AvatarGap < 0 {
		return errors.New("TUTOR_LIVE_AVATAR_GAP must be >= 0")
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return errors.New("LOG_FORMAT must be one of text|json")
	}
	return nil
}
