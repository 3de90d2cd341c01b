package configutil

import (
	"errors"
	"testing"
	"time"
)

func TestValidateSettings(t *testing.T) {
	schema := Schema{Required: []string{"input_device"}, Optional: []string{"sample_rate"}}
	if err := ValidateSettings(map[string]any{"Input-Device": "hw:0", "sample_rate": 16000}, schema); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err := ValidateSettings(map[string]any{"input_device": " ", "bogus": 1}, schema)
	var se *SettingsError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *SettingsError", err)
	}
	if len(se.Missing) != 1 || se.Missing[0] != "input_device" || len(se.Unknown) != 1 || se.Unknown[0] != "bogus" {
		t.Fatalf("unexpected error %+v", se)
	}
	if err.Error() != "missing: input_device; unknown: bogus" {
		t.Fatalf("message = %q", err.Error())
	}

	schema.AllowUnknown = true
	if err := ValidateSettings(map[string]any{"input_device": "x", "bogus": 1}, schema); err != nil {
		t.Fatalf("unknown keys should be allowed: %v", err)
	}
}

func TestDecodeSettings(t *testing.T) {
	var out struct {
		InputDevice string         `mapstructure:"input_device"`
		SampleRate  *int           `mapstructure:"sample_rate"`
		Timeout     *time.Duration `mapstructure:"timeout"`
	}
	err := DecodeSettings(map[string]any{
		"InputDevice": "hw:1",
		"sample-rate": "48000",
		"timeout":     "250ms",
	}, &out)
	if err != nil {
		t.Fatalf("DecodeSettings: %v", err)
	}
	if out.InputDevice != "hw:1" || IntValue(out.SampleRate, 0) != 48000 {
		t.Fatalf("unexpected decode %+v", out)
	}
	if DurationValue(out.Timeout, time.Second) != 250*time.Millisecond {
		t.Fatalf("timeout = %v", out.Timeout)
	}
	if DurationValue(nil, time.Second) != time.Second || IntValue(nil, 7) != 7 {
		t.Fatalf("fallbacks not applied")
	}
}

func TestRequireString(t *testing.T) {
	if err := RequireString("  ", "server.url"); err == nil || err.Error() != "server.url is required" {
		t.Fatalf("err = %v", err)
	}
}
