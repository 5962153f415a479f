package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var liveEnvKeys = []string{
	"TUTOR_LIVE_CONFIG_FILE",
	"TUTOR_LIVE_SERVER_URL",
	"TUTOR_LIVE_CONVERSATION_ID",
	"TUTOR_LIVE_API_KEY",
	"TUTOR_LIVE_PING_INTERVAL",
	"TUTOR_LIVE_MAX_RECONNECTS",
	"TUTOR_LIVE_RECONNECT_BASE_DELAY",
	"TUTOR_LIVE_RECONNECT_MAX_DELAY",
	"TUTOR_LIVE_WRITE_TIMEOUT",
	"TUTOR_LIVE_DIAL_TIMEOUT",
	"TUTOR_LIVE_SAMPLE_RATE",
	"TUTOR_LIVE_CHUNK_INTERVAL",
	"TUTOR_LIVE_ECHO_CANCELLATION",
	"TUTOR_LIVE_NOISE_SUPPRESSION",
	"TUTOR_LIVE_MIC_INPUT_FORMAT",
	"TUTOR_LIVE_MIC_DEVICE",
	"TUTOR_LIVE_MIC_COMMAND",
	"TUTOR_LIVE_FFMPEG_PATH",
	"TUTOR_LIVE_FFPLAY_PATH",
	"TUTOR_LIVE_PLAYBACK_SAMPLE_RATE",
	"TUTOR_LIVE_VOLUME",
	"TUTOR_LIVE_AVATAR_GAP",
	"TUTOR_LIVE_LANGSTORE_URL",
	"TUTOR_LIVE_METRICS_ADDR",
	"LOG_LEVEL",
	"LOG_FORMAT",
}

func clearLiveEnv(t *testing.T) {
	t.Helper()
	for _, key := range liveEnvKeys {
		t.Setenv(key, "")
	}
}

func TestLoadFromEnv_Defaults(t *testing.T) {
	clearLiveEnv(t)

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}
	if cfg.PingInterval != 30*time.Second {
		t.Fatalf("PingInterval = %v, want 30s", cfg.PingInterval)
	}
	if cfg.MaxReconnects != 5 || cfg.ReconnectBaseDelay != time.Second || cfg.ReconnectMaxDelay != 10*time.Second {
		t.Fatalf("reconnect = %d/%v/%v", cfg.MaxReconnects, cfg.ReconnectBaseDelay, cfg.ReconnectMaxDelay)
	}
	if cfg.SampleRate != 16000 || cfg.ChunkInterval != 250*time.Millisecond {
		t.Fatalf("capture = %d/%v", cfg.SampleRate, cfg.ChunkInterval)
	}
	if !cfg.EchoCancellation || !cfg.NoiseSuppression {
		t.Fatalf("echo/noise = %v/%v, want both on", cfg.EchoCancellation, cfg.NoiseSuppression)
	}
	if cfg.AvatarGap != 200*time.Millisecond {
		t.Fatalf("AvatarGap = %v", cfg.AvatarGap)
	}
}

func TestLoadFromEnv_FileThenEnv(t *testing.T) {
	clearLiveEnv(t)
	path := filepath.Join(t.TempDir(), "live.yaml")
	content := "" +
		"server_url: https://tutor.example.com\n" +
		"conversation_id: conv-from-file\n" +
		"ping_interval: 12s\n" +
		"noise_suppression: false\n" +
		"volume: 40\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	t.Setenv("TUTOR_LIVE_CONFIG_FILE", path)
	t.Setenv("TUTOR_LIVE_VOLUME", "65")
	t.Setenv("TUTOR_LIVE_CHUNK_INTERVAL", "100ms")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}
	if cfg.ServerURL != "https://tutor.example.com" || cfg.ConversationID != "conv-from-file" {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.PingInterval != 12*time.Second {
		t.Fatalf("PingInterval = %v, want 12s", cfg.PingInterval)
	}
	if cfg.NoiseSuppression {
		t.Fatalf("NoiseSuppression = true, want false from file")
	}
	if cfg.Volume != 65 {
		t.Fatalf("Volume = %d, want env override 65", cfg.Volume)
	}
	if cfg.ChunkInterval != 100*time.Millisecond {
		t.Fatalf("ChunkInterval = %v", cfg.ChunkInterval)
	}
	if cfg.MaxReconnects != 5 {
		t.Fatalf("MaxReconnects = %d, want default kept", cfg.MaxReconnects)
	}
}

func TestLoadFromEnv_Validation(t *testing.T) {
	cases := map[string]struct {
		key, value, wantErr string
	}{
		"reconnect ceiling": {"TUTOR_LIVE_MAX_RECONNECTS", "-1", "TUTOR_LIVE_MAX_RECONNECTS"},
		"max below base":    {"TUTOR_LIVE_RECONNECT_MAX_DELAY", "500ms", "TUTOR_LIVE_RECONNECT_MAX_DELAY"},
		"sample rate":       {"TUTOR_LIVE_SAMPLE_RATE", "96000", "TUTOR_LIVE_SAMPLE_RATE"},
		"chunk interval":    {"TUTOR_LIVE_CHUNK_INTERVAL", "5ms", "TUTOR_LIVE_CHUNK_INTERVAL"},
		"volume":            {"TUTOR_LIVE_VOLUME", "101", "TUTOR_LIVE_VOLUME"},
		"log format":        {"LOG_FORMAT", "xml", "LOG_FORMAT"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			clearLiveEnv(t)
			t.Setenv(tc.key, tc.value)
			_, err := LoadFromEnv()
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("LoadFromEnv() error = %v, want mention of %s", err, tc.wantErr)
			}
		})
	}
}

func TestLoadFromEnv_BadFile(t *testing.T) {
	clearLiveEnv(t)
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("ping_interval: [nope\n"), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	t.Setenv("TUTOR_LIVE_CONFIG_FILE", path)
	if _, err := LoadFromEnv(); err == nil || !strings.Contains(err.Error(), "parse config file") {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}

	t.Setenv("TUTOR_LIVE_CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	if _, err := LoadFromEnv(); err == nil {
		t.Fatalf("expected error for missing explicit config file")
	}
}
