package schema

import (
	"fmt"
	"strings"
	"testing"

	gerrors "abuse-guard/internal/errors"
)

func validEvent() *SecurityEvent {
	return &SecurityEvent{
		Identifier: "ip:9.9.9.9",
		Type:       EventAuthFailed,
		Metadata:   Metadata{"route": "/login"},
	}
}

func TestValidator_Validate(t *testing.T) {
	v := NewValidator()

	bigMetadata := Metadata{}
	for i := 0; i <= MaxMetadataKeys; i++ {
		bigMetadata[fmt.Sprintf("k%d", i)] = "v"
	}

	tests := []struct {
		name    string
		modify  func(*SecurityEvent)
		wantErr string
	}{
		{"valid", func(e *SecurityEvent) {}, ""},
		{"ipv6 identifier", func(e *SecurityEvent) { e.Identifier = "ip:2001:db8::1" }, ""},
		{"user identifier", func(e *SecurityEvent) { e.Identifier = "user:alice@example.com" }, ""},
		{"nil metadata", func(e *SecurityEvent) { e.Metadata = nil }, ""},
		{"empty identifier", func(e *SecurityEvent) { e.Identifier = "" }, "identifier is required"},
		{"whitespace identifier", func(e *SecurityEvent) { e.Identifier = "ip 1.2.3.4" }, "malformed"},
		{"slash identifier", func(e *SecurityEvent) { e.Identifier = "ip:10.0.0.0/8" }, "malformed"},
		{"reserved identifier", func(e *SecurityEvent) { e.Identifier = GlobalIdentifier }, "reserved"},
		{"long identifier", func(e *SecurityEvent) { e.Identifier = strings.Repeat("a", MaxIdentifierLen+1) }, "maximum length"},
		{"unknown event type", func(e *SecurityEvent) { e.Type = "LOGIN_OK" }, "unknown event type"},
		{"missing event type", func(e *SecurityEvent) { e.Type = "" }, "required"},
		{"too many metadata keys", func(e *SecurityEvent) { e.Metadata = bigMetadata }, "metadata exceeds"},
		{"long metadata value", func(e *SecurityEvent) { e.Metadata = Metadata{"ua": strings.Repeat("x", MaxMetadataValueLen+1)} }, "maximum length"},
		{"long metadata key", func(e *SecurityEvent) { e.Metadata = Metadata{strings.Repeat("k", MaxMetadataKeyLen+1): "v"} }, "maximum length"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := validEvent()
			tt.modify(ev)
			err := v.Validate(ev)

			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error = %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() expected error containing %q", tt.wantErr)
			}
			if !gerrors.IsValidation(err) {
				t.Errorf("Validate() error kind = %q, want validation", gerrors.KindOf(err))
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %q, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidator_NilEvent(t *testing.T) {
	if err := NewValidator().Validate(nil); !gerrors.IsValidation(err) {
		t.Errorf("Validate(nil) = %v, want validation error", err)
	}
}

func TestSeverityRank(t *testing.T) {
	if !(SeverityLow.Rank() < SeverityMedium.Rank() &&
		SeverityMedium.Rank() < SeverityHigh.Rank() &&
		SeverityHigh.Rank() < SeverityCritical.Rank()) {
		t.Error("severity ranks out of order")
	}
	if Severity("urgent").Valid() {
		t.Error("unknown severity reported valid")
	}
}

func TestActionScopes(t *testing.T) {
	scoped := map[Action]bool{
		ActionBlockIP:           true,
		ActionRateLimit:         true,
		ActionForceLogout:       true,
		ActionEmergencyResponse: true,
		ActionAlertAdmin:        false,
		ActionLogIncident:       false,
	}
	for a, want := range scoped {
		if got := a.IdentifierScoped(); got != want {
			t.Errorf("%s.IdentifierScoped() = %v, want %v", a, got, want)
		}
		if !a.Valid() {
			t.Errorf("%s should be valid", a)
		}
	}
	if Action("NUKE").Valid() {
		t.Error("unknown action reported valid")
	}
}
