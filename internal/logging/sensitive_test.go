package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"abuse-guard/internal/config"
)

func TestMaskSensitiveValue(t *testing.T) {
	tests := []struct {
		name      string
		fieldName string
		value     string
		expected  string
	}{
		{
			name:      "password field",
			fieldName: "password",
			value:     "mysecretpassword",
			expected:  MaskedValue,
		},
		{
			name:      "invite code",
			fieldName: "invite_code",
			value:     "ABCD-1234",
			expected:  MaskedValue,
		},
		{
			name:      "normal field",
			fieldName: "user_agent",
			value:     "curl/8.0",
			expected:  "curl/8.0",
		},
		{
			name:      "empty value",
			fieldName: "password",
			value:     "",
			expected:  "",
		},
		{
			name:      "mixed case sensitive field",
			fieldName: "API_KEY",
			value:     "secret123",
			expected:  MaskedValue,
		},
		{
			name:      "contains sensitive keyword",
			fieldName: "upstream_token_hint",
			value:     "abc",
			expected:  MaskedValue,
		},
		{
			name:      "secret embedded in value",
			fieldName: "path",
			value:     "/login?password=hunter2",
			expected:  "/login?" + MaskedValue,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := MaskSensitiveValue(tt.fieldName, tt.value)
			if result != tt.expected {
				t.Errorf("MaskSensitiveValue(%q, %q) = %q, want %q",
					tt.fieldName, tt.value, result, tt.expected)
			}
		})
	}
}

func TestMaskMetadata(t *testing.T) {
	if MaskMetadata(nil) != nil {
		t.Error("MaskMetadata(nil) should be nil")
	}

	in := map[string]string{"route": "/join", "cookie": "sid=1"}
	out := MaskMetadata(in)
	if out["route"] != "/join" {
		t.Errorf("route = %q", out["route"])
	}
	if out["cookie"] != MaskedValue {
		t.Errorf("cookie = %q, want masked", out["cookie"])
	}
	if in["cookie"] != "sid=1" {
		t.Error("MaskMetadata must not modify its input")
	}
}

func TestHandlerRedactsSensitiveAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(&buf, config.LoggingConfig{Level: "debug", Format: "json"}))

	logger.Info("login failed", "identifier", "ip:9.9.9.9", "password", "hunter2")

	line := buf.String()
	if strings.Contains(line, "hunter2") {
		t.Errorf("log line leaked password: %s", line)
	}
	if !strings.Contains(line, "ip:9.9.9.9") {
		t.Errorf("log line missing identifier: %s", line)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"error":   slog.LevelError,
		"info":    slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
