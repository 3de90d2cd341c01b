package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "suara.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	ch := cfg.ChannelConfig()
	if ch.ReconnectDelay != 2*time.Second || ch.MaxReconnectAttempts != 10 {
		t.Fatalf("unexpected reconnect defaults: %+v", ch)
	}
	if ch.ReadyPollInterval != 100*time.Millisecond || ch.ReadyMaxWait != 5*time.Second {
		t.Fatalf("unexpected ready defaults: %+v", ch)
	}
	vc := cfg.VoiceConfig()
	if vc.TalkBudget != 5*time.Minute {
		t.Fatalf("talk budget = %s", vc.TalkBudget)
	}
	if vc.VAD.IdleThreshold != 0.01 || vc.VAD.SpeakingThreshold != 0.04 {
		t.Fatalf("unexpected thresholds: %+v", vc.VAD)
	}
	if vc.VAD.SilenceWindow != 1500*time.Millisecond || vc.VAD.BargeInHold != 500*time.Millisecond {
		t.Fatalf("unexpected vad windows: %+v", vc.VAD)
	}
	if len(vc.MimeTypes) != 2 {
		t.Fatalf("mime types = %v", vc.MimeTypes)
	}
}

func TestLoadFileAndEnvExpansion(t *testing.T) {
	t.Setenv("SUARA_TEST_TOKEN", "secret")
	t.Setenv("SUARA_TEST_DEVICE", "default")
	path := writeConfig(t, `
server:
  url: wss://voice.example.com/ws
  headers:
    Authorization: Bearer ${SUARA_TEST_TOKEN}
talk:
  budget_seconds: 60
host:
  provider: ffmpeg
  settings:
    input_device: ${SUARA_TEST_DEVICE}
log_format: json
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.Server.Headers["authorization"]; got != "Bearer secret" {
		// viper lower-cases map keys
		t.Fatalf("authorization header = %q", got)
	}
	if cfg.Host.Settings["input_device"] != "default" {
		t.Fatalf("host settings = %v", cfg.Host.Settings)
	}
	if cfg.VoiceConfig().TalkBudget != time.Minute {
		t.Fatalf("talk budget = %s", cfg.VoiceConfig().TalkBudget)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "vad:\n  silence_ms: 900\n")
	t.Setenv("SUARA_VAD_SILENCE_MS", "1200")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.VAD.SilenceMS != 1200 {
		t.Fatalf("silence_ms = %d, want 1200", cfg.VAD.SilenceMS)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"scheme", "server:\n  url: http://localhost/ws\n", "ws or wss"},
		{"thresholds", "vad:\n  idle_threshold: 0.1\n  speaking_threshold: 0.05\n", "speaking_threshold"},
		{"sample rate", "observability:\n  level_sample_rate: 2\n", "level_sample_rate"},
		{"log format", "log_format: xml\n", "log_format"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want mention of %q", err, tc.want)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
