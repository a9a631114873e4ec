package guard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"abuse-guard/internal/alerting"
	"abuse-guard/internal/clock"
	"abuse-guard/internal/config"
	gerrors "abuse-guard/internal/errors"
	"abuse-guard/internal/schema"
	"abuse-guard/internal/security/audit"
	"abuse-guard/internal/store"
)

var testStart = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type memoryChannel struct {
	mu  sync.Mutex
	got []*alerting.Notification
}

func (c *memoryChannel) Name() string { return "memory" }

func (c *memoryChannel) Send(_ context.Context, n *alerting.Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, n)
	return nil
}

func (c *memoryChannel) received() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.got)
}

type harness struct {
	guard   *Guard
	client  *store.MemoryClient
	clock   *clock.Fake
	channel *memoryChannel
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Store.Type = "memory"
	cfg.Audit.HMACKey = "test-key"
	cfg.Notifications.InitialBackoff = time.Millisecond
	cfg.Notifications.MaxBackoff = 5 * time.Millisecond
	cfg.Notifications.RatePerSecond = 0
	return cfg
}

func newHarness(t *testing.T, cfg *config.Config) *harness {
	t.Helper()
	clk := clock.NewFake(testStart)
	client := store.NewMemoryClient(clk)
	ch := &memoryChannel{}

	g, err := New(Options{
		Config:   cfg,
		Client:   client,
		Clock:    clk,
		Channels: []alerting.Channel{ch},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		g.Close(ctx)
	})

	return &harness{guard: g, client: client, clock: clk, channel: ch}
}

func (h *harness) record(t *testing.T, identifier string, typ schema.EventType, md schema.Metadata) []*alerting.Alert {
	t.Helper()
	alerts, err := h.guard.RecordEvent(context.Background(), identifier, typ, md)
	if err != nil {
		t.Fatalf("RecordEvent(%s, %s) error = %v", identifier, typ, err)
	}
	return alerts
}

func (h *harness) auditTypes(t *testing.T, types ...audit.EventType) []*audit.Record {
	t.Helper()
	recs, err := h.guard.AuditLog(context.Background(), audit.QueryOptions{Types: types})
	if err != nil {
		t.Fatalf("AuditLog() error = %v", err)
	}
	return recs
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

// Nine failures inside ten minutes stay quiet; the tenth at minute 11 blocks
// and notifies.
func TestScenarioAuthBruteForce(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	const ip = "ip:9.9.9.9"

	for i := 0; i < 9; i++ {
		if got := h.record(t, ip, schema.EventAuthFailed, nil); len(got) != 0 {
			t.Fatalf("event %d raised an alert", i+1)
		}
		h.clock.Advance(time.Minute)
	}
	if h.guard.IsBlocked(ctx, ip) {
		t.Fatal("identifier blocked before any BLOCK_IP action")
	}

	h.clock.Set(testStart.Add(11 * time.Minute))
	alerts := h.record(t, ip, schema.EventAuthFailed, nil)
	if len(alerts) != 1 {
		t.Fatalf("10th event raised %d alerts, want 1", len(alerts))
	}
	a := alerts[0]
	if a.PatternName != "AUTH_BRUTE_FORCE" || a.Severity != schema.SeverityHigh || a.Identifier != ip {
		t.Errorf("alert = %+v", a)
	}
	want := []schema.Action{schema.ActionBlockIP, schema.ActionAlertAdmin}
	if len(a.Actions) != len(want) || a.Actions[0] != want[0] || a.Actions[1] != want[1] {
		t.Errorf("Actions = %v, want %v", a.Actions, want)
	}

	if !h.guard.IsBlocked(ctx, ip) {
		t.Error("identifier should be blocked right after BLOCK_IP")
	}
	if n := len(h.auditTypes(t, audit.EventAlertCreated)); n != 1 {
		t.Errorf("alert.created records = %d, want 1", n)
	}
	if n := len(h.auditTypes(t, audit.EventBlockApplied)); n != 1 {
		t.Errorf("block.applied records = %d, want 1", n)
	}
	if n := len(h.auditTypes(t, audit.EventAdminNotified)); n != 1 {
		t.Errorf("admin.notified records = %d, want 1", n)
	}
	waitFor(t, func() bool { return h.channel.received() == 1 })

	active, err := h.guard.ListActiveAlerts(ctx, 10)
	if err != nil {
		t.Fatalf("ListActiveAlerts() error = %v", err)
	}
	if len(active) != 1 || active[0].ID != a.ID {
		t.Errorf("active alerts = %v", active)
	}
}

// Fourteen events a minute apart plus one at minute 61: only fourteen are in
// the trailing hour, so no alert.
func TestScenarioSlidingWindowNotFixedBucket(t *testing.T) {
	h := newHarness(t, testConfig())
	const ip = "ip:1.2.3.4"

	for i := 0; i < 14; i++ {
		h.clock.Set(testStart.Add(time.Duration(i) * time.Minute))
		if got := h.record(t, ip, schema.EventInvalidCode, nil); len(got) != 0 {
			t.Fatalf("event %d raised an alert", i+1)
		}
	}

	h.clock.Set(testStart.Add(61 * time.Minute))
	if got := h.record(t, ip, schema.EventInvalidCode, nil); len(got) != 0 {
		t.Fatalf("15th event raised %d alerts, want none", len(got))
	}

	// One more at minute 61 brings the trailing hour to fifteen.
	got := h.record(t, ip, schema.EventInvalidCode, nil)
	if len(got) != 1 || got[0].PatternName != "CLASS_CODE_BRUTE_FORCE" {
		t.Errorf("alerts = %v, want one CLASS_CODE_BRUTE_FORCE", got)
	}
}

// Twenty sources with one invalid code each raise one critical global alert.
func TestScenarioDistributedScan(t *testing.T) {
	h := newHarness(t, testConfig())

	var raised []*alerting.Alert
	for i := 0; i < 20; i++ {
		h.clock.Advance(2 * time.Minute)
		raised = append(raised, h.record(t, fmt.Sprintf("ip:10.0.0.%d", i+1), schema.EventInvalidCode, nil)...)
	}

	if len(raised) != 1 {
		t.Fatalf("raised %d alerts, want 1", len(raised))
	}
	a := raised[0]
	if a.PatternName != "DISTRIBUTED_CLASS_SCAN" || a.Identifier != schema.GlobalIdentifier {
		t.Errorf("alert = %s/%s", a.PatternName, a.Identifier)
	}
	if a.Severity != schema.SeverityCritical {
		t.Errorf("Severity = %s, want critical", a.Severity)
	}
	if a.Metadata["trigger_identifier"] != "ip:10.0.0.20" {
		t.Errorf("trigger_identifier = %q", a.Metadata["trigger_identifier"])
	}
	if h.guard.IsBlocked(context.Background(), schema.GlobalIdentifier) {
		t.Error("a distributed alert must never block the sentinel identifier")
	}
}

func TestCooldownSuppressesRepeatAlerts(t *testing.T) {
	h := newHarness(t, testConfig())
	const ip = "ip:5.5.5.5"

	total := 0
	for i := 0; i < 40; i++ {
		total += len(h.record(t, ip, schema.EventAuthFailed, nil))
		h.clock.Advance(10 * time.Second)
	}
	if total != 1 {
		t.Fatalf("alerts within cooldown = %d, want 1", total)
	}
	if n := len(h.auditTypes(t, audit.EventBlockApplied)); n != 1 {
		t.Errorf("block.applied records = %d, want 1", n)
	}

	// Past the cooldown a fresh crossing alerts again.
	h.clock.Advance(31 * time.Minute)
	total = 0
	for i := 0; i < 10; i++ {
		total += len(h.record(t, ip, schema.EventAuthFailed, nil))
	}
	if total != 1 {
		t.Errorf("alerts after cooldown = %d, want 1", total)
	}
}

func TestBlockExpiresAfterTTL(t *testing.T) {
	cfg := testConfig()
	cfg.Response.BlockTTL = time.Hour
	h := newHarness(t, cfg)
	ctx := context.Background()
	const ip = "ip:7.7.7.7"

	for i := 0; i < 10; i++ {
		h.record(t, ip, schema.EventAuthFailed, nil)
	}
	if !h.guard.IsBlocked(ctx, ip) {
		t.Fatal("identifier should be blocked")
	}

	h.clock.Advance(time.Hour - time.Millisecond)
	if !h.guard.IsBlocked(ctx, ip) {
		t.Error("block should hold until its TTL")
	}
	h.clock.Advance(2 * time.Millisecond)
	if h.guard.IsBlocked(ctx, ip) {
		t.Error("block should lapse after its TTL")
	}
}

func TestUnblockIsIdempotent(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	const ip = "ip:8.8.4.4"

	for i := 0; i < 10; i++ {
		h.record(t, ip, schema.EventAuthFailed, nil)
	}

	removed, err := h.guard.Unblock(ctx, ip, "alice")
	if err != nil || !removed {
		t.Fatalf("Unblock() = %v, %v; want true, nil", removed, err)
	}
	removed, err = h.guard.Unblock(ctx, ip, "alice")
	if err != nil || removed {
		t.Fatalf("second Unblock() = %v, %v; want false, nil", removed, err)
	}
	if h.guard.IsBlocked(ctx, ip) {
		t.Error("identifier still blocked")
	}

	recs := h.auditTypes(t, audit.EventBlockRemoved)
	if len(recs) != 1 || recs[0].Actor != "alice" {
		t.Errorf("block.removed records = %v", recs)
	}

	if _, err := h.guard.Unblock(ctx, "", "alice"); !gerrors.IsValidation(err) {
		t.Errorf("Unblock(empty) error = %v, want validation error", err)
	}
}

func TestResolveAlert(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	var a *alerting.Alert
	for i := 0; i < 10; i++ {
		if got := h.record(t, "ip:4.4.4.4", schema.EventAuthFailed, nil); len(got) == 1 {
			a = got[0]
		}
	}
	if a == nil {
		t.Fatal("no alert raised")
	}

	resolved, err := h.guard.ResolveAlert(ctx, a.ID.String(), "bob")
	if err != nil || !resolved {
		t.Fatalf("ResolveAlert() = %v, %v", resolved, err)
	}
	resolved, err = h.guard.ResolveAlert(ctx, a.ID.String(), "bob")
	if err != nil || resolved {
		t.Fatalf("second ResolveAlert() = %v, %v; want false, nil", resolved, err)
	}

	active, _ := h.guard.ListActiveAlerts(ctx, 10)
	if len(active) != 0 {
		t.Errorf("active alerts after resolve = %d", len(active))
	}
	if recs := h.auditTypes(t, audit.EventAlertResolved); len(recs) != 1 || recs[0].Actor != "bob" {
		t.Errorf("alert.resolved records = %v", recs)
	}

	tests := []struct {
		name  string
		id    string
		actor string
		check func(error) bool
	}{
		{"bad id", "not-a-uuid", "bob", gerrors.IsValidation},
		{"no actor", a.ID.String(), "", gerrors.IsValidation},
		{"unknown", "9b2f3c1e-2f0a-4b7e-8a39-5f1c7d2e4a10", "bob", func(err error) bool {
			return errors.Is(err, alerting.ErrAlertNotFound)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := h.guard.ResolveAlert(ctx, tt.id, tt.actor); !tt.check(err) {
				t.Errorf("ResolveAlert() error = %v", err)
			}
		})
	}
}

func TestForceLogoutAndClearSession(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	md := schema.Metadata{schema.MetadataPrincipal: "user-42"}

	for i := 0; i < 3; i++ {
		h.record(t, "user:42", schema.EventSessionAnomaly, md)
	}
	if !h.guard.IsRevoked(ctx, "user-42") {
		t.Fatal("principal should be revoked after FORCE_LOGOUT")
	}

	cleared, err := h.guard.ClearSession(ctx, "user-42", "carol")
	if err != nil || !cleared {
		t.Fatalf("ClearSession() = %v, %v", cleared, err)
	}
	if h.guard.IsRevoked(ctx, "user-42") {
		t.Error("principal still revoked after ClearSession")
	}
	if n := len(h.auditTypes(t, audit.EventSessionRestored)); n != 1 {
		t.Errorf("session.restored records = %d, want 1", n)
	}
}

func TestRateLimitBudget(t *testing.T) {
	cfg := testConfig()
	cfg.Response.RateLimit = config.RateLimitConfig{Requests: 3, Window: time.Minute, Duration: time.Hour}
	h := newHarness(t, cfg)
	ctx := context.Background()
	const ip = "ip:6.6.6.6"

	if ok, _ := h.guard.AllowRequest(ctx, ip); !ok {
		t.Fatal("requests should be allowed without a budget")
	}

	var raised int
	for i := 0; i < 600; i++ {
		raised += len(h.record(t, ip, schema.EventAPIRequest, nil))
	}
	if raised != 1 {
		t.Fatalf("API_FLOOD alerts = %d, want 1", raised)
	}

	h.clock.Advance(2 * time.Minute)
	allowed := 0
	var retryAfter time.Duration
	for i := 0; i < 5; i++ {
		ok, retry := h.guard.AllowRequest(ctx, ip)
		if ok {
			allowed++
		} else {
			retryAfter = retry
		}
	}
	if allowed != 3 {
		t.Errorf("allowed = %d, want 3", allowed)
	}
	if retryAfter != time.Minute {
		t.Errorf("retry after = %s, want the 1m budget window", retryAfter)
	}
}

func TestStoreOutageFailPolicy(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	const blocked = "ip:3.3.3.3"

	for i := 0; i < 10; i++ {
		h.record(t, blocked, schema.EventAuthFailed, nil)
	}
	if !h.guard.IsBlocked(ctx, blocked) {
		t.Fatal("identifier should be blocked")
	}

	h.client.FailWith(errors.New("connection refused"))

	if !h.guard.IsBlocked(ctx, blocked) {
		t.Error("recently seen block should fail closed during an outage")
	}
	if h.guard.IsBlocked(ctx, "ip:2.2.2.2") {
		t.Error("unknown identifier should fail open during an outage")
	}
	if ok, _ := h.guard.AllowRequest(ctx, "ip:2.2.2.2"); !ok {
		t.Error("budget check should fail open")
	}

	// Detection degrades to no alert rather than an error.
	for i := 0; i < 15; i++ {
		alerts, err := h.guard.RecordEvent(ctx, "ip:2.2.2.2", schema.EventAuthFailed, nil)
		if err != nil || len(alerts) != 0 {
			t.Fatalf("RecordEvent() during outage = %v, %v", alerts, err)
		}
	}
}

func TestFailClosedPolicy(t *testing.T) {
	cfg := testConfig()
	cfg.BlockList.FailPolicy = "closed"
	h := newHarness(t, cfg)

	h.client.FailWith(errors.New("connection refused"))
	if !h.guard.IsBlocked(context.Background(), "ip:2.2.2.2") {
		t.Error("fail-closed policy should block during an outage")
	}
}

func TestRecordEventRejectsInvalid(t *testing.T) {
	h := newHarness(t, testConfig())

	_, err := h.guard.RecordEvent(context.Background(), "", schema.EventAuthFailed, nil)
	if !gerrors.IsValidation(err) {
		t.Errorf("RecordEvent(empty) error = %v, want validation error", err)
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	if _, err := New(Options{}); !gerrors.IsConfiguration(err) {
		t.Errorf("New(nil config) error = %v, want configuration error", err)
	}

	cfg := testConfig()
	cfg.BlockList.FailPolicy = "sometimes"
	if _, err := New(Options{Config: cfg, Client: store.NewMemoryClient(nil)}); !gerrors.IsConfiguration(err) {
		t.Errorf("New(bad policy) error = %v, want configuration error", err)
	}
}
