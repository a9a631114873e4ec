package blocklist

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
	"abuse-guard/internal/store"
)

// Budget is a tightened request allowance for one identifier.
type Budget struct {
	Identifier  string        `json:"identifier"`
	Requests    int64         `json:"requests"`
	Window      time.Duration `json:"window"`
	InstalledAt time.Time     `json:"installed_at"`
	ExpiresAt   time.Time     `json:"expires_at"`
	Pattern     string        `json:"pattern,omitempty"`
}

// Budgets installs and enforces request budgets. Checks fail open.
type Budgets struct {
	client    store.Client
	clock     clock.Clock
	incidents IncidentReporter
	logger    *slog.Logger
}

// NewBudgets creates a budget manager over client.
func NewBudgets(client store.Client, clk clock.Clock, incidents IncidentReporter, logger *slog.Logger) *Budgets {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Budgets{
		client:    client,
		clock:     clk,
		incidents: incidents,
		logger:    logger.With("component", "budgets"),
	}
}

// Install limits identifier to limit.Requests per limit.Window for
// limit.Duration, replacing any existing budget.
func (b *Budgets) Install(ctx context.Context, identifier string, limit config.RateLimitConfig, pattern string) (*Budget, error) {
	if limit.Requests <= 0 || limit.Window <= 0 || limit.Duration <= 0 {
		return nil, gerrors.Validation("install budget", "requests, window and duration must be positive")
	}

	now := b.clock.Now().UTC()
	budget := &Budget{
		Identifier:  identifier,
		Requests:    limit.Requests,
		Window:      limit.Window,
		InstalledAt: now,
		ExpiresAt:   now.Add(limit.Duration),
		Pattern:     pattern,
	}
	data, err := json.Marshal(budget)
	if err != nil {
		return nil, fmt.Errorf("marshal budget: %w", err)
	}
	if err := b.client.Set(ctx, store.BudgetKey(identifier), data, limit.Duration); err != nil {
		return nil, err
	}

	b.logger.Info("request budget installed",
		"identifier", identifier,
		"requests", limit.Requests,
		"window", limit.Window,
		"expires_at", budget.ExpiresAt,
	)
	return budget, nil
}

// Get returns the budget for identifier, or store.ErrNotFound.
func (b *Budgets) Get(ctx context.Context, identifier string) (*Budget, error) {
	data, err := b.client.Get(ctx, store.BudgetKey(identifier))
	if err != nil {
		return nil, err
	}
	var budget Budget
	if err := json.Unmarshal(data, &budget); err != nil {
		return nil, fmt.Errorf("decode budget: %w", err)
	}
	return &budget, nil
}

// Allow records one request for identifier and reports whether it fits the
// identifier's budget. Identifiers without a budget are always allowed.
func (b *Budgets) Allow(ctx context.Context, identifier string) bool {
	ok, _ := b.Check(ctx, identifier)
	return ok
}

// Check is Allow that also returns, for a refused request, the budget
// window after which the caller may retry.
func (b *Budgets) Check(ctx context.Context, identifier string) (bool, time.Duration) {
	budget, err := b.Get(ctx, identifier)
	if errors.Is(err, store.ErrNotFound) {
		return true, 0
	}
	if err != nil {
		b.degraded(ctx, identifier, err)
		return true, 0
	}

	used, err := b.client.WindowAdd(ctx, store.BudgetUsageKey(identifier), uuid.NewString(), b.clock.Now(), budget.Window)
	if err != nil {
		b.degraded(ctx, identifier, err)
		return true, 0
	}
	if used > budget.Requests {
		return false, budget.Window
	}
	return true, 0
}

// Remove deletes the budget and its usage window. It reports whether a
// budget existed.
func (b *Budgets) Remove(ctx context.Context, identifier string) (bool, error) {
	n, err := b.client.Delete(ctx, store.BudgetKey(identifier), store.BudgetUsageKey(identifier))
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (b *Budgets) degraded(ctx context.Context, identifier string, err error) {
	b.logger.Warn("budget check failed, allowing request", "identifier", identifier, "error", err)
	if b.incidents != nil {
		b.incidents.Incident(ctx, "budgets", err, map[string]string{"identifier": identifier})
	}
}
