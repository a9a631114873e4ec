// Package blocklist answers "is this identifier blocked?" on the ingress hot
// path and holds the tightened request budgets installed by rate limiting.
//
// Key existence in the shared store is the only source of truth. Entries
// expire by TTL; nothing sweeps them.
package blocklist

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"abuse-guard/internal/clock"
	"abuse-guard/internal/config"
	gerrors "abuse-guard/internal/errors"
	"abuse-guard/internal/metrics"
	"abuse-guard/internal/store"
)

// Fail policies for checks that cannot reach the store.
const (
	FailOpen   = "open"
	FailClosed = "closed"
)

// IncidentReporter records degraded operations.
type IncidentReporter interface {
	Incident(ctx context.Context, component string, cause error, md map[string]string)
}

// Entry describes an active block.
type Entry struct {
	Identifier string    `json:"identifier"`
	BlockedAt  time.Time `json:"blocked_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	Reason     string    `json:"reason"`
	Pattern    string    `json:"pattern,omitempty"`
	AlertID    string    `json:"alert_id,omitempty"`
}

// BlockList manages blocked identifiers.
//
// When the store is unreachable IsBlocked follows the fail policy, except
// for identifiers this instance recently saw blocked: those are kept in a
// local hint cache and fail closed until the block they mirror would have
// expired. The hint cache is never consulted while the store is healthy.
type BlockList struct {
	client       store.Client
	clock        clock.Clock
	checkTimeout time.Duration
	failClosed   bool
	hintTTL      time.Duration
	hints        *ristretto.Cache[string, time.Time]
	incidents    IncidentReporter
	logger       *slog.Logger
}

// Options configures a BlockList.
type Options struct {
	Config       config.BlockListConfig
	CheckTimeout time.Duration
	// HintTTL bounds how long a locally seen block fails closed.
	HintTTL   time.Duration
	Clock     clock.Clock
	Incidents IncidentReporter
	Logger    *slog.Logger
}

// New creates a BlockList over client.
func New(client store.Client, opts Options) (*BlockList, error) {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.CheckTimeout <= 0 {
		opts.CheckTimeout = 50 * time.Millisecond
	}
	if opts.HintTTL <= 0 {
		opts.HintTTL = 24 * time.Hour
	}

	var failClosed bool
	switch opts.Config.FailPolicy {
	case "", FailOpen:
	case FailClosed:
		failClosed = true
	default:
		return nil, gerrors.Configuration("blocklist", "unknown fail policy %q", opts.Config.FailPolicy)
	}

	size := opts.Config.HintCacheSize
	if size <= 0 {
		size = 10000
	}
	hints, err := ristretto.NewCache(&ristretto.Config[string, time.Time]{
		NumCounters:        size * 10,
		MaxCost:            size,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create block hint cache: %w", err)
	}

	return &BlockList{
		client:       client,
		clock:        opts.Clock,
		checkTimeout: opts.CheckTimeout,
		failClosed:   failClosed,
		hintTTL:      opts.HintTTL,
		hints:        hints,
		incidents:    opts.Incidents,
		logger:       opts.Logger.With("component", "blocklist"),
	}, nil
}

// Block blocks identifier for ttl. Blocking an already blocked identifier
// replaces the entry and restarts its TTL.
func (b *BlockList) Block(ctx context.Context, entry Entry, ttl time.Duration) (*Entry, error) {
	if ttl <= 0 {
		return nil, gerrors.Validation("block", "ttl must be positive")
	}
	now := b.clock.Now().UTC()
	entry.BlockedAt = now
	entry.ExpiresAt = now.Add(ttl)

	data, err := json.Marshal(&entry)
	if err != nil {
		return nil, fmt.Errorf("marshal block entry: %w", err)
	}
	if err := b.client.Set(ctx, store.BlockKey(entry.Identifier), data, ttl); err != nil {
		return nil, err
	}

	b.hint(entry.Identifier, entry.ExpiresAt)
	b.logger.Info("identifier blocked",
		"identifier", entry.Identifier,
		"pattern", entry.Pattern,
		"expires_at", entry.ExpiresAt,
	)
	return &entry, nil
}

// IsBlocked reports whether identifier is blocked. It never returns an
// error: a failed check is resolved by the fail policy and reported as an
// incident.
func (b *BlockList) IsBlocked(ctx context.Context, identifier string) bool {
	checkCtx, cancel := context.WithTimeout(ctx, b.checkTimeout)
	defer cancel()

	blocked, err := b.client.Exists(checkCtx, store.BlockKey(identifier))
	if err != nil {
		hinted := b.hinted(identifier)
		decision := b.failClosed || hinted
		metrics.IncBlockCheck("error")
		b.logger.Warn("block check failed, applying fail policy",
			"identifier", identifier,
			"blocked", decision,
			"hinted", hinted,
			"error", err,
		)
		if b.incidents != nil {
			b.incidents.Incident(ctx, "blocklist", err, map[string]string{
				"identifier": identifier,
				"decision":   fmt.Sprintf("%t", decision),
			})
		}
		return decision
	}

	if blocked {
		metrics.IncBlockCheck("blocked")
		if !b.hinted(identifier) {
			// First sighting on this instance: the hint must not outlive the entry.
			if e, err := b.Get(checkCtx, identifier); err == nil {
				b.hint(identifier, e.ExpiresAt)
			}
		}
		return true
	}

	metrics.IncBlockCheck("allowed")
	b.hints.Del(identifier)
	return false
}

// Get returns the active block for identifier, or store.ErrNotFound.
func (b *BlockList) Get(ctx context.Context, identifier string) (*Entry, error) {
	data, err := b.client.Get(ctx, store.BlockKey(identifier))
	if err != nil {
		return nil, err
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode block entry: %w", err)
	}
	return &e, nil
}

// Unblock removes any block on identifier. It reports whether a block
// existed; unblocking an unblocked identifier is not an error.
func (b *BlockList) Unblock(ctx context.Context, identifier string) (bool, error) {
	n, err := b.client.Delete(ctx, store.BlockKey(identifier))
	if err != nil {
		return false, err
	}
	b.hints.Del(identifier)
	if n > 0 {
		b.logger.Info("identifier unblocked", "identifier", identifier)
	}
	return n > 0, nil
}

// Close releases the hint cache.
func (b *BlockList) Close() {
	b.hints.Close()
}

// hint remembers identifier as blocked until expiresAt, capped by hintTTL.
// Expiry is judged on the injected clock; the cache TTL only bounds memory.
func (b *BlockList) hint(identifier string, expiresAt time.Time) {
	now := b.clock.Now()
	if limit := now.Add(b.hintTTL); expiresAt.After(limit) {
		expiresAt = limit
	}
	ttl := expiresAt.Sub(now)
	if ttl <= 0 {
		return
	}
	b.hints.SetWithTTL(identifier, expiresAt, 1, ttl)
	b.hints.Wait()
}

func (b *BlockList) hinted(identifier string) bool {
	expiresAt, ok := b.hints.Get(identifier)
	if !ok {
		return false
	}
	if !b.clock.Now().Before(expiresAt) {
		b.hints.Del(identifier)
		return false
	}
	return true
}
