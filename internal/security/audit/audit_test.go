package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"abuse-guard/internal/clock"
	"abuse-guard/internal/config"
	"abuse-guard/internal/logging"
	"abuse-guard/internal/store"
)

var testStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testLogger(t *testing.T) (*Logger, *store.MemoryClient, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(testStart)
	client := store.NewMemoryClient(clk)
	l, err := NewLogger(client, clk, config.AuditConfig{
		HMACKey:   "test-key-32-bytes-long-here!!!!!",
		Retention: 24 * time.Hour,
	}, nil)
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	return l, client, clk
}

func TestRecord_SignAndVerify(t *testing.T) {
	key := []byte("test-key-32-bytes-long-here!!!!!")

	rec := &Record{
		ID:        "rec-1",
		Timestamp: testStart,
		Type:      EventBlockApplied,
		Severity:  SeverityWarning,
		Actor:     SystemActor,
		Resource:  "203.0.113.7",
		Message:   "identifier blocked",
		Metadata:  map[string]string{"pattern": "AUTH_BRUTE_FORCE", "ttl": "24h0m0s"},
		Success:   true,
	}

	rec.Sign(key)

	if rec.EntryHash == "" {
		t.Error("EntryHash should be set after signing")
	}
	if rec.Signature == "" {
		t.Error("Signature should be set after signing")
	}
	if !rec.Verify(key) {
		t.Error("Verify() should return true for a valid signature")
	}
	if rec.Verify([]byte("wrong-key-32-bytes-long-here!!!!")) {
		t.Error("Verify() should return false for the wrong key")
	}
}

func TestRecord_TamperDetection(t *testing.T) {
	key := []byte("test-key-32-bytes-long-here!!!!!")

	tests := []struct {
		name   string
		tamper func(r *Record)
	}{
		{"message", func(r *Record) { r.Message = "nothing happened" }},
		{"resource", func(r *Record) { r.Resource = "198.51.100.1" }},
		{"success", func(r *Record) { r.Success = false }},
		{"metadata", func(r *Record) { r.Metadata["pattern"] = "API_FLOOD" }},
		{"timestamp", func(r *Record) { r.Timestamp = r.Timestamp.Add(time.Second) }},
		{"signature", func(r *Record) { r.Signature = "00" + r.Signature[2:] }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &Record{
				ID:        "rec-1",
				Timestamp: testStart,
				Type:      EventBlockApplied,
				Severity:  SeverityWarning,
				Actor:     SystemActor,
				Resource:  "203.0.113.7",
				Message:   "identifier blocked",
				Metadata:  map[string]string{"pattern": "AUTH_BRUTE_FORCE"},
				Success:   true,
			}
			rec.Sign(key)
			tt.tamper(rec)
			if rec.Verify(key) {
				t.Error("Verify() should detect tampering")
			}
		})
	}
}

func TestLogger_AppendAndQuery(t *testing.T) {
	l, _, clk := testLogger(t)
	ctx := context.Background()

	inputs := []*Record{
		{Type: EventAlertCreated, Resource: "10.0.0.1", Message: "alert raised"},
		{Type: EventBlockApplied, Resource: "10.0.0.1", Message: "identifier blocked", Success: true},
		{Type: EventBlockApplied, Resource: "10.0.0.2", Message: "identifier blocked", Success: true},
		{Type: EventBlockRemoved, Resource: "10.0.0.1", Actor: "admin@example.com", Message: "block removed", Success: true},
	}
	for _, rec := range inputs {
		if err := l.Append(ctx, rec); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
		clk.Advance(time.Second)
	}

	all, err := l.Query(ctx, QueryOptions{})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("Query() returned %d records, want 4", len(all))
	}
	if all[0].Type != EventBlockRemoved {
		t.Errorf("first record type = %s, want newest (%s)", all[0].Type, EventBlockRemoved)
	}
	for _, rec := range all {
		if rec.ID == "" {
			t.Error("record ID should be assigned")
		}
		if err := l.Verify(rec); err != nil {
			t.Errorf("Verify(%s) error = %v", rec.Type, err)
		}
	}
	if all[3].Actor != SystemActor {
		t.Errorf("default actor = %q, want %q", all[3].Actor, SystemActor)
	}

	tests := []struct {
		name string
		opts QueryOptions
		want int
	}{
		{"by type", QueryOptions{Types: []EventType{EventBlockApplied}}, 2},
		{"by resource", QueryOptions{Resource: "10.0.0.1"}, 3},
		{"by actor", QueryOptions{Actor: "admin@example.com"}, 1},
		{"combined", QueryOptions{Types: []EventType{EventBlockApplied}, Resource: "10.0.0.2"}, 1},
		{"limit", QueryOptions{Limit: 2}, 2},
		{"no match", QueryOptions{Types: []EventType{EventSessionRevoked}}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := l.Query(ctx, tt.opts)
			if err != nil {
				t.Fatalf("Query() error = %v", err)
			}
			if len(got) != tt.want {
				t.Errorf("Query() returned %d records, want %d", len(got), tt.want)
			}
		})
	}
}

func TestLogger_AppendMasksSensitiveMetadata(t *testing.T) {
	l, _, _ := testLogger(t)
	ctx := context.Background()

	md := map[string]string{"invite_code": "ABC-123", "pattern": "CLASS_CODE_BRUTE_FORCE"}
	if err := l.Append(ctx, &Record{Type: EventIncidentLogged, Metadata: md}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	recs, err := l.Query(ctx, QueryOptions{})
	if err != nil || len(recs) != 1 {
		t.Fatalf("Query() = %d records, err %v", len(recs), err)
	}
	if got := recs[0].Metadata["invite_code"]; got != logging.MaskedValue {
		t.Errorf("invite_code = %q, want masked", got)
	}
	if got := recs[0].Metadata["pattern"]; got != "CLASS_CODE_BRUTE_FORCE" {
		t.Errorf("pattern = %q, want unchanged", got)
	}
	if md["invite_code"] != "ABC-123" {
		t.Error("Append() should not modify the caller's metadata")
	}
}

func TestLogger_Prune(t *testing.T) {
	l, _, clk := testLogger(t)
	ctx := context.Background()

	if err := l.Append(ctx, &Record{Type: EventAlertCreated, Message: "old"}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	clk.Advance(23 * time.Hour)
	if err := l.Append(ctx, &Record{Type: EventAlertCreated, Message: "recent"}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	clk.Advance(2 * time.Hour)

	removed, err := l.Prune(ctx)
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if removed != 1 {
		t.Errorf("Prune() removed %d, want 1", removed)
	}

	recs, _ := l.Query(ctx, QueryOptions{})
	if len(recs) != 1 || recs[0].Message != "recent" {
		t.Errorf("after prune got %d records, want only the recent one", len(recs))
	}
}

func TestLogger_IncidentBestEffort(t *testing.T) {
	l, client, _ := testLogger(t)
	ctx := context.Background()

	l.Incident(ctx, "correlation", errors.New("store timeout"), map[string]string{"pattern": "API_FLOOD"})

	recs, err := l.Query(ctx, QueryOptions{Types: []EventType{EventMonitorIncident}})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("got %d incident records, want 1", len(recs))
	}
	if recs[0].Success {
		t.Error("incident record should not be marked successful")
	}
	if recs[0].Metadata["component"] != "correlation" {
		t.Errorf("component = %q, want correlation", recs[0].Metadata["component"])
	}

	// With the store down the incident is still logged and must not panic.
	client.FailWith(errors.New("connection refused"))
	l.Incident(ctx, "blocklist", errors.New("connection refused"), nil)
}

func TestNewLogger_GeneratesKey(t *testing.T) {
	clk := clock.NewFake(testStart)
	l, err := NewLogger(store.NewMemoryClient(clk), clk, config.AuditConfig{}, nil)
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	if len(l.key) != 32 {
		t.Errorf("generated key length = %d, want 32", len(l.key))
	}
	if l.retention != 30*24*time.Hour {
		t.Errorf("default retention = %s, want 720h", l.retention)
	}
}
