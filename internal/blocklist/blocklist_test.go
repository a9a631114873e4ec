package blocklist

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"abuse-guard/internal/clock"
	"abuse-guard/internal/config"
	gerrors "abuse-guard/internal/errors"
	"abuse-guard/internal/store"
)

var testStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type incidentRecorder struct {
	mu         sync.Mutex
	components []string
}

func (r *incidentRecorder) Incident(_ context.Context, component string, _ error, _ map[string]string) {
	r.mu.Lock()
	r.components = append(r.components, component)
	r.mu.Unlock()
}

func (r *incidentRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.components)
}

func newTestBlockList(t *testing.T, policy string) (*BlockList, *store.MemoryClient, *clock.Fake, *incidentRecorder) {
	t.Helper()
	clk := clock.NewFake(testStart)
	client := store.NewMemoryClient(clk)
	incidents := &incidentRecorder{}
	bl, err := New(client, Options{
		Config:    config.BlockListConfig{FailPolicy: policy, HintCacheSize: 100},
		Clock:     clk,
		Incidents: incidents,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(bl.Close)
	return bl, client, clk, incidents
}

func TestBlockAndExpire(t *testing.T) {
	bl, _, clk, _ := newTestBlockList(t, FailOpen)
	ctx := context.Background()

	if bl.IsBlocked(ctx, "10.0.0.1") {
		t.Fatal("unknown identifier should not be blocked")
	}

	entry, err := bl.Block(ctx, Entry{Identifier: "10.0.0.1", Reason: "brute force", Pattern: "AUTH_BRUTE_FORCE"}, 24*time.Hour)
	if err != nil {
		t.Fatalf("Block() error = %v", err)
	}
	if !entry.ExpiresAt.Equal(testStart.Add(24 * time.Hour)) {
		t.Errorf("ExpiresAt = %v", entry.ExpiresAt)
	}
	if !bl.IsBlocked(ctx, "10.0.0.1") {
		t.Error("identifier should be blocked")
	}
	if bl.IsBlocked(ctx, "10.0.0.2") {
		t.Error("other identifiers should not be blocked")
	}

	got, err := bl.Get(ctx, "10.0.0.1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Pattern != "AUTH_BRUTE_FORCE" || got.Reason != "brute force" {
		t.Errorf("Get() = %+v", got)
	}

	clk.Advance(24*time.Hour - time.Second)
	if !bl.IsBlocked(ctx, "10.0.0.1") {
		t.Error("block should hold until its TTL")
	}
	clk.Advance(time.Second)
	if bl.IsBlocked(ctx, "10.0.0.1") {
		t.Error("block should expire after its TTL")
	}
}

func TestUnblockIdempotent(t *testing.T) {
	bl, _, _, _ := newTestBlockList(t, FailOpen)
	ctx := context.Background()

	if _, err := bl.Block(ctx, Entry{Identifier: "10.0.0.1"}, time.Hour); err != nil {
		t.Fatalf("Block() error = %v", err)
	}

	removed, err := bl.Unblock(ctx, "10.0.0.1")
	if err != nil || !removed {
		t.Fatalf("Unblock() = %v, %v; want true, nil", removed, err)
	}
	if bl.IsBlocked(ctx, "10.0.0.1") {
		t.Error("identifier should not be blocked after Unblock")
	}

	removed, err = bl.Unblock(ctx, "10.0.0.1")
	if err != nil || removed {
		t.Errorf("second Unblock() = %v, %v; want false, nil", removed, err)
	}
}

func TestBlockRejectsNonPositiveTTL(t *testing.T) {
	bl, _, _, _ := newTestBlockList(t, FailOpen)
	if _, err := bl.Block(context.Background(), Entry{Identifier: "10.0.0.1"}, 0); !gerrors.IsValidation(err) {
		t.Errorf("Block(ttl=0) error = %v, want validation error", err)
	}
}

func TestFailPolicy(t *testing.T) {
	outage := errors.New("connection refused")

	tests := []struct {
		name        string
		policy      string
		seenBlocked bool
		want        bool
	}{
		{"open, unknown identifier", FailOpen, false, false},
		{"open, recently blocked identifier", FailOpen, true, true},
		{"closed, unknown identifier", FailClosed, false, true},
		{"closed, recently blocked identifier", FailClosed, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bl, client, _, incidents := newTestBlockList(t, tt.policy)
			ctx := context.Background()

			if tt.seenBlocked {
				if _, err := bl.Block(ctx, Entry{Identifier: "10.0.0.1"}, time.Hour); err != nil {
					t.Fatalf("Block() error = %v", err)
				}
			}

			client.FailWith(outage)
			if got := bl.IsBlocked(ctx, "10.0.0.1"); got != tt.want {
				t.Errorf("IsBlocked() during outage = %v, want %v", got, tt.want)
			}
			if incidents.count() != 1 {
				t.Errorf("incidents = %d, want 1", incidents.count())
			}
		})
	}
}

func TestUnblockClearsHint(t *testing.T) {
	bl, client, _, _ := newTestBlockList(t, FailOpen)
	ctx := context.Background()

	if _, err := bl.Block(ctx, Entry{Identifier: "10.0.0.1"}, time.Hour); err != nil {
		t.Fatalf("Block() error = %v", err)
	}
	if _, err := bl.Unblock(ctx, "10.0.0.1"); err != nil {
		t.Fatalf("Unblock() error = %v", err)
	}

	client.FailWith(errors.New("timeout"))
	if bl.IsBlocked(ctx, "10.0.0.1") {
		t.Error("unblocked identifier should fail open")
	}
}

func TestHintNeverOutlivesBlock(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(testStart)
	client := store.NewMemoryClient(clk)

	newInstance := func() *BlockList {
		bl, err := New(client, Options{
			Config:  config.BlockListConfig{FailPolicy: FailOpen, HintCacheSize: 100},
			HintTTL: 24 * time.Hour,
			Clock:   clk,
		})
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}
		t.Cleanup(bl.Close)
		return bl
	}
	blocker, observer := newInstance(), newInstance()

	if _, err := blocker.Block(ctx, Entry{Identifier: "ip:1.1.1.1"}, time.Hour); err != nil {
		t.Fatalf("Block() error = %v", err)
	}

	clk.Advance(59 * time.Minute)
	if !observer.IsBlocked(ctx, "ip:1.1.1.1") {
		t.Fatal("observer should see the block")
	}

	clk.Advance(2 * time.Minute)
	if ok, _ := client.Exists(ctx, store.BlockKey("ip:1.1.1.1")); ok {
		t.Fatal("block entry should have expired")
	}

	client.FailWith(errors.New("connection refused"))
	for name, bl := range map[string]*BlockList{"blocker": blocker, "observer": observer} {
		if bl.IsBlocked(ctx, "ip:1.1.1.1") {
			t.Errorf("%s: expired block still denied during outage", name)
		}
	}
}

func TestHintHoldsForRemainingBlock(t *testing.T) {
	bl, client, clk, _ := newTestBlockList(t, FailOpen)
	ctx := context.Background()

	if _, err := bl.Block(ctx, Entry{Identifier: "10.0.0.1"}, time.Hour); err != nil {
		t.Fatalf("Block() error = %v", err)
	}
	clk.Advance(30 * time.Minute)

	client.FailWith(errors.New("connection refused"))
	if !bl.IsBlocked(ctx, "10.0.0.1") {
		t.Error("active block should fail closed during outage")
	}
	clk.Advance(31 * time.Minute)
	if bl.IsBlocked(ctx, "10.0.0.1") {
		t.Error("hint should lapse with the block")
	}
}

func TestUnknownFailPolicy(t *testing.T) {
	_, err := New(store.NewMemoryClient(nil), Options{Config: config.BlockListConfig{FailPolicy: "sometimes"}})
	if !gerrors.IsConfiguration(err) {
		t.Errorf("New() error = %v, want configuration error", err)
	}
}
