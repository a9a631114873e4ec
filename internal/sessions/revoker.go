// Package sessions tracks principals whose sessions were revoked by
// FORCE_LOGOUT. Collaborators check IsRevoked and demand re-authentication.
package sessions

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"abuse-guard/internal/clock"
	gerrors "abuse-guard/internal/errors"
	"abuse-guard/internal/store"
)

// IncidentReporter records degraded operations.
type IncidentReporter interface {
	Incident(ctx context.Context, component string, cause error, md map[string]string)
}

// Revocation marks every session of a principal invalid until it expires or
// is cleared.
type Revocation struct {
	Principal string    `json:"principal"`
	RevokedAt time.Time `json:"revoked_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Reason    string    `json:"reason"`
	AlertID   string    `json:"alert_id,omitempty"`
}

// Revoker manages session revocations.
type Revoker struct {
	client    store.Client
	clock     clock.Clock
	incidents IncidentReporter
	logger    *slog.Logger
}

// NewRevoker creates a Revoker over client.
func NewRevoker(client store.Client, clk clock.Clock, incidents IncidentReporter, logger *slog.Logger) *Revoker {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Revoker{
		client:    client,
		clock:     clk,
		incidents: incidents,
		logger:    logger.With("component", "sessions"),
	}
}

// Revoke invalidates principal's sessions for ttl.
func (r *Revoker) Revoke(ctx context.Context, principal string, ttl time.Duration, reason, alertID string) (*Revocation, error) {
	if principal == "" {
		return nil, gerrors.Validation("revoke", "principal is required")
	}
	if ttl <= 0 {
		return nil, gerrors.Validation("revoke", "ttl must be positive")
	}

	now := r.clock.Now().UTC()
	rev := &Revocation{
		Principal: principal,
		RevokedAt: now,
		ExpiresAt: now.Add(ttl),
		Reason:    reason,
		AlertID:   alertID,
	}
	data, err := json.Marshal(rev)
	if err != nil {
		return nil, fmt.Errorf("marshal revocation: %w", err)
	}
	if err := r.client.Set(ctx, store.RevokedKey(principal), data, ttl); err != nil {
		return nil, err
	}

	r.logger.Info("sessions revoked", "principal", principal, "expires_at", rev.ExpiresAt)
	return rev, nil
}

// IsRevoked reports whether principal must re-authenticate. Store failures
// fail open.
func (r *Revoker) IsRevoked(ctx context.Context, principal string) bool {
	if principal == "" {
		return false
	}
	revoked, err := r.client.Exists(ctx, store.RevokedKey(principal))
	if err != nil {
		r.logger.Warn("revocation check failed, allowing session", "principal", principal, "error", err)
		if r.incidents != nil {
			r.incidents.Incident(ctx, "sessions", err, map[string]string{"principal": principal})
		}
		return false
	}
	return revoked
}

// Clear lifts a revocation. It reports whether one existed.
func (r *Revoker) Clear(ctx context.Context, principal string) (bool, error) {
	n, err := r.client.Delete(ctx, store.RevokedKey(principal))
	if err != nil {
		return false, err
	}
	if n > 0 {
		r.logger.Info("session revocation cleared", "principal", principal)
	}
	return n > 0, nil
}
