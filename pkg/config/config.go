package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/harunnryd/suara/pkg/channel"
	"github.com/harunnryd/suara/pkg/configutil"
	"github.com/harunnryd/suara/pkg/vad"
	"github.com/harunnryd/suara/pkg/voice"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "SUARA"

type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Channel       ChannelConfig       `mapstructure:"channel"`
	VAD           VADConfig           `mapstructure:"vad"`
	Talk          TalkConfig          `mapstructure:"talk"`
	Capture       CaptureConfig       `mapstructure:"capture"`
	Host          HostConfig          `mapstructure:"host"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Privacy       PrivacyConfig       `mapstructure:"privacy"`
	LogLevel      string              `mapstructure:"log_level"`
	LogFormat     string              `mapstructure:"log_format"`
}

type ServerConfig struct {
	URL     string            `mapstructure:"url"`
	Headers map[string]string `mapstructure:"headers"`
}

type ChannelConfig struct {
	HeartbeatMS          int `mapstructure:"heartbeat_ms"`
	ReconnectDelayMS     int `mapstructure:"reconnect_delay_ms"`
	MaxReconnectAttempts int `mapstructure:"max_reconnect_attempts"`
	ReadyPollMS          int `mapstructure:"ready_poll_ms"`
	ReadyMaxWaitMS       int `mapstructure:"ready_max_wait_ms"`
	DialTimeoutMS        int `mapstructure:"dial_timeout_ms"`
	SendBuffer           int `mapstructure:"send_buffer"`
}

type VADConfig struct {
	IdleThreshold     float64 `mapstructure:"idle_threshold"`
	SpeakingThreshold float64 `mapstructure:"speaking_threshold"`
	SilenceMS         int     `mapstructure:"silence_ms"`
	BargeInHoldMS     int     `mapstructure:"barge_in_hold_ms"`
	PollMS            int     `mapstructure:"poll_ms"`
}

type TalkConfig struct {
	BudgetSeconds     int `mapstructure:"budget_seconds"`
	TickMS            int `mapstructure:"tick_ms"`
	NoticeTTLMS       int `mapstructure:"notice_ttl_ms"`
	ResponseTimeoutMS int `mapstructure:"response_timeout_ms"`
}

type CaptureConfig struct {
	MimeTypes []string `mapstructure:"mime_types"`
}

// HostConfig selects the device adapter. Settings are adapter specific and
// decoded by the adapter itself.
type HostConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type ObservabilityConfig struct {
	ArtifactsDir    string  `mapstructure:"artifacts_dir"`
	RetentionDays   int     `mapstructure:"retention_days"`
	StatusAddr      string  `mapstructure:"status_addr"`
	LevelSampleRate float64 `mapstructure:"level_sample_rate"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

// Load reads path (optional), .env, SUARA_* environment overrides and
// defaults, in that order of precedence from lowest to highest: defaults,
// file, environment.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if strings.TrimSpace(path) != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}

	expandEnvStrings(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.url", "ws://localhost:8000/ws")
	v.SetDefault("channel.heartbeat_ms", 25000)
	v.SetDefault("channel.reconnect_delay_ms", 2000)
	v.SetDefault("channel.max_reconnect_attempts", 10)
	v.SetDefault("channel.ready_poll_ms", 100)
	v.SetDefault("channel.ready_max_wait_ms", 5000)
	v.SetDefault("channel.dial_timeout_ms", 10000)
	v.SetDefault("channel.send_buffer", 256)
	v.SetDefault("vad.idle_threshold", 0.01)
	v.SetDefault("vad.speaking_threshold", 0.04)
	v.SetDefault("vad.silence_ms", 1500)
	v.SetDefault("vad.barge_in_hold_ms", 500)
	v.SetDefault("vad.poll_ms", 20)
	v.SetDefault("talk.budget_seconds", 300)
	v.SetDefault("talk.tick_ms", 1000)
	v.SetDefault("talk.notice_ttl_ms", 4000)
	v.SetDefault("talk.response_timeout_ms", 30000)
	v.SetDefault("capture.mime_types", []string{"audio/ogg;codecs=opus", "audio/wav"})
	v.SetDefault("host.provider", "ffmpeg")
	v.SetDefault("observability.artifacts_dir", "")
	v.SetDefault("observability.retention_days", 0)
	v.SetDefault("observability.status_addr", "")
	v.SetDefault("observability.level_sample_rate", 0.05)
	v.SetDefault("privacy.redact_pii", true)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
}

func (c *Config) Validate() error {
	if err := configutil.RequireString(c.Server.URL, "server.url"); err != nil {
		return err
	}
	u, err := url.Parse(c.Server.URL)
	if err != nil {
		return fmt.Errorf("server.url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("server.url must use ws or wss, got %q", u.Scheme)
	}
	if err := configutil.RequireString(c.Host.Provider, "host.provider"); err != nil {
		return err
	}
	if c.VAD.IdleThreshold < 0 || c.VAD.SpeakingThreshold < 0 {
		return errors.New("vad thresholds must not be negative")
	}
	if c.VAD.SpeakingThreshold > 0 && c.VAD.SpeakingThreshold < c.VAD.IdleThreshold {
		return errors.New("vad.speaking_threshold must not be below vad.idle_threshold")
	}
	if c.Observability.LevelSampleRate < 0 || c.Observability.LevelSampleRate > 1 {
		return errors.New("observability.level_sample_rate must be within [0, 1]")
	}
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn or error, got %q", c.LogLevel)
	}
	switch strings.ToLower(strings.TrimSpace(c.LogFormat)) {
	case "", "text", "json":
	default:
		return fmt.Errorf("log_format must be text or json, got %q", c.LogFormat)
	}
	return nil
}

// ChannelConfig converts the channel section. A negative
// max_reconnect_attempts disables the bound.
func (c Config) ChannelConfig() channel.Config {
	return channel.Config{
		URL:                  c.Server.URL,
		Headers:              c.Server.Headers,
		HeartbeatInterval:    ms(c.Channel.HeartbeatMS),
		ReconnectDelay:       ms(c.Channel.ReconnectDelayMS),
		MaxReconnectAttempts: c.Channel.MaxReconnectAttempts,
		ReadyPollInterval:    ms(c.Channel.ReadyPollMS),
		ReadyMaxWait:         ms(c.Channel.ReadyMaxWaitMS),
		DialTimeout:          ms(c.Channel.DialTimeoutMS),
		SendBuffer:           c.Channel.SendBuffer,
	}
}

func (c Config) VoiceConfig() voice.Config {
	return voice.Config{
		TalkBudget:      time.Duration(c.Talk.BudgetSeconds) * time.Second,
		TickInterval:    ms(c.Talk.TickMS),
		NoticeTTL:       ms(c.Talk.NoticeTTLMS),
		ResponseTimeout: ms(c.Talk.ResponseTimeoutMS),
		MimeTypes:       c.Capture.MimeTypes,
		VAD: vad.Config{
			IdleThreshold:     c.VAD.IdleThreshold,
			SpeakingThreshold: c.VAD.SpeakingThreshold,
			SilenceWindow:     ms(c.VAD.SilenceMS),
			BargeInHold:       ms(c.VAD.BargeInHoldMS),
			PollInterval:      ms(c.VAD.PollMS),
		},
	}
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Host.Settings = expandSettings(cfg.Host.Settings)
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			expandValue(v.Index(i))
		}
	case reflect.Map:
		if v.Type().Key().Kind() == reflect.String && v.Type().Elem().Kind() == reflect.String {
			for _, key := range v.MapKeys() {
				expanded := os.ExpandEnv(v.MapIndex(key).String())
				v.SetMapIndex(key, reflect.ValueOf(expanded))
			}
		}
	}
}
