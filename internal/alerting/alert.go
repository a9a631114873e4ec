// Package alerting stores detection alerts and delivers admin notifications.
package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"abuse-guard/internal/clock"
	"abuse-guard/internal/config"
	gerrors "abuse-guard/internal/errors"
	"abuse-guard/internal/schema"
	"abuse-guard/internal/store"
)

// ErrAlertNotFound is returned for alerts that do not exist or have expired.
var ErrAlertNotFound = errors.New("alert not found")

// Alert is a detection raised when a pattern crossed its threshold. Only the
// resolution fields ever change, and only once.
type Alert struct {
	ID          uuid.UUID         `json:"id"`
	Timestamp   time.Time         `json:"timestamp"`
	Severity    schema.Severity   `json:"severity"`
	PatternName string            `json:"pattern_name"`
	Identifier  string            `json:"identifier"`
	Description string            `json:"description"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Actions     []schema.Action   `json:"actions"`
	Count       int64             `json:"count"`
	Window      time.Duration     `json:"window"`
	Resolved    bool              `json:"resolved"`
	ResolvedAt  *time.Time        `json:"resolved_at,omitempty"`
	ResolvedBy  string            `json:"resolved_by,omitempty"`
}

const (
	defaultListLimit   = 50
	maxListLimit       = 500
	maxResolveAttempts = 3
)

// Store persists alerts in the shared store. Each alert is a JSON value with
// a retention TTL, indexed by creation time in a sorted set.
type Store struct {
	client       store.Client
	clock        clock.Clock
	retention    time.Duration
	scanMultiple int
	logger       *slog.Logger
}

// NewStore creates an alert store.
func NewStore(client store.Client, clk clock.Clock, cfg config.DetectionConfig, logger *slog.Logger) *Store {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	retention := cfg.AlertRetention
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	scan := cfg.ListScanMultiple
	if scan <= 0 {
		scan = 4
	}
	return &Store{
		client:       client,
		clock:        clk,
		retention:    retention,
		scanMultiple: scan,
		logger:       logger.With("component", "alert_store"),
	}
}

// Create assigns an ID and timestamp when unset and persists the alert.
func (s *Store) Create(ctx context.Context, a *Alert) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = s.clock.Now().UTC()
	}

	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	key := store.AlertKey(a.ID.String())
	if err := s.client.Set(ctx, key, data, s.retention); err != nil {
		return err
	}
	if err := s.client.ZAdd(ctx, store.AlertIndexKey, a.ID.String(), float64(store.Millis(a.Timestamp))); err != nil {
		// An unindexed alert would never be listed.
		if _, derr := s.client.Delete(ctx, key); derr != nil {
			s.logger.Warn("failed to remove unindexed alert", "alert_id", a.ID, "error", derr)
		}
		return err
	}
	return nil
}

// Get returns the alert with the given id.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Alert, error) {
	data, err := s.client.Get(ctx, store.AlertKey(id.String()))
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrAlertNotFound
	}
	if err != nil {
		return nil, err
	}
	var a Alert
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("decode alert %s: %w", id, err)
	}
	return &a, nil
}

// ListActive returns up to limit unresolved alerts, most recent first. Index
// entries whose alert has expired are skipped and removed from the index.
func (s *Store) ListActive(ctx context.Context, limit int) ([]*Alert, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	page := int64(limit * s.scanMultiple)
	var (
		active []*Alert
		stale  []string
	)

	for start := int64(0); len(active) < limit; start += page {
		ids, err := s.client.ZRevRange(ctx, store.AlertIndexKey, start, start+page-1)
		if err != nil {
			return nil, err
		}

		for _, raw := range ids {
			id, err := uuid.Parse(raw)
			if err != nil {
				stale = append(stale, raw)
				continue
			}
			a, err := s.Get(ctx, id)
			if errors.Is(err, ErrAlertNotFound) {
				stale = append(stale, raw)
				continue
			}
			if err != nil {
				return nil, err
			}
			if a.Resolved {
				continue
			}
			active = append(active, a)
			if len(active) == limit {
				break
			}
		}

		if int64(len(ids)) < page {
			break
		}
	}

	if len(stale) > 0 {
		if err := s.client.ZRem(ctx, store.AlertIndexKey, stale...); err != nil {
			s.logger.Warn("failed to prune alert index", "entries", len(stale), "error", err)
		}
	}

	return active, nil
}

// Resolve marks the alert resolved by actor. It returns false without error
// when the alert was already resolved. The update is a compare-and-swap on
// the stored record, so concurrent resolvers cannot both succeed.
func (s *Store) Resolve(ctx context.Context, id uuid.UUID, actor string) (bool, error) {
	key := store.AlertKey(id.String())

	for attempt := 0; attempt < maxResolveAttempts; attempt++ {
		current, err := s.client.Get(ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			return false, ErrAlertNotFound
		}
		if err != nil {
			return false, err
		}

		var a Alert
		if err := json.Unmarshal(current, &a); err != nil {
			return false, fmt.Errorf("decode alert %s: %w", id, err)
		}
		if a.Resolved {
			return false, nil
		}

		now := s.clock.Now().UTC()
		a.Resolved = true
		a.ResolvedAt = &now
		a.ResolvedBy = actor

		updated, err := json.Marshal(&a)
		if err != nil {
			return false, fmt.Errorf("marshal alert: %w", err)
		}

		swapped, err := s.client.CompareAndSwap(ctx, key, current, updated)
		if errors.Is(err, store.ErrNotFound) {
			return false, ErrAlertNotFound
		}
		if err != nil {
			return false, err
		}
		if swapped {
			return true, nil
		}
	}

	return false, gerrors.Transient("resolve alert", fmt.Errorf("alert %s changed concurrently", id))
}

// PruneIndex drops index entries older than the alert retention. Their
// records have already expired.
func (s *Store) PruneIndex(ctx context.Context) (int64, error) {
	cutoff := s.clock.Now().Add(-s.retention)
	return s.client.ZRemRangeByScore(ctx, store.AlertIndexKey, float64(store.Millis(cutoff)))
}
