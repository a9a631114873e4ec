// Package response executes the mitigation actions of a fired pattern.
//
// Actions are independent: a failing action never stops the ones after it,
// and no failure is surfaced to the event producer. Every failure is
// recorded in the audit log and as a monitoring incident.
package response

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"abuse-guard/internal/alerting"
	"abuse-guard/internal/blocklist"
	"abuse-guard/internal/config"
	gerrors "abuse-guard/internal/errors"
	"abuse-guard/internal/metrics"
	"abuse-guard/internal/schema"
	"abuse-guard/internal/security/audit"
	"abuse-guard/internal/sessions"
)

// ErrMissingPrincipal is returned by FORCE_LOGOUT for alerts whose metadata
// does not name a principal.
var ErrMissingPrincipal = errors.New("no principal in event metadata")

// Notifier queues admin notifications.
type Notifier interface {
	Enqueue(n *alerting.Notification) error
}

// Result is the outcome of one action.
type Result struct {
	Action schema.Action `json:"action"`
	Err    error         `json:"-"`
}

// OK reports whether the action succeeded.
func (r Result) OK() bool { return r.Err == nil }

// Deps are the collaborators actions operate on.
type Deps struct {
	Blocks   *blocklist.BlockList
	Budgets  *blocklist.Budgets
	Revoker  *sessions.Revoker
	Notifier Notifier
	Audit    *audit.Logger
}

// Executor runs pattern actions.
type Executor struct {
	deps   Deps
	cfg    config.ResponseConfig
	logger *slog.Logger
}

// NewExecutor creates an executor.
func NewExecutor(deps Deps, cfg config.ResponseConfig, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Executor{
		deps:   deps,
		cfg:    cfg,
		logger: logger.With("component", "response"),
	}
}

// Execute runs a's actions in order and returns one result per action.
func (e *Executor) Execute(ctx context.Context, a *alerting.Alert) []Result {
	results := make([]Result, 0, len(a.Actions))
	for _, action := range a.Actions {
		err := e.execute(ctx, a, action)
		if err != nil {
			err = gerrors.ActionFailed(string(action), err)
			e.failed(ctx, a, action, err)
		} else {
			metrics.IncAction(string(action), "ok")
		}
		results = append(results, Result{Action: action, Err: err})
	}
	return results
}

func (e *Executor) execute(ctx context.Context, a *alerting.Alert, action schema.Action) error {
	switch action {
	case schema.ActionBlockIP:
		return e.block(ctx, a)
	case schema.ActionRateLimit:
		return e.rateLimit(ctx, a)
	case schema.ActionAlertAdmin:
		return e.notify(ctx, a)
	case schema.ActionLogIncident:
		return e.logIncident(ctx, a)
	case schema.ActionForceLogout:
		return e.forceLogout(ctx, a)
	case schema.ActionEmergencyResponse:
		return errors.Join(e.block(ctx, a), e.notify(ctx, a), e.logIncident(ctx, a))
	default:
		return fmt.Errorf("unknown action %q", action)
	}
}

func (e *Executor) block(ctx context.Context, a *alerting.Alert) error {
	var entry *blocklist.Entry
	err := e.retry(ctx, func() error {
		var err error
		entry, err = e.deps.Blocks.Block(ctx, blocklist.Entry{
			Identifier: a.Identifier,
			Reason:     a.Description,
			Pattern:    a.PatternName,
			AlertID:    a.ID.String(),
		}, e.cfg.BlockTTL)
		return err
	})
	if err != nil {
		return err
	}

	e.record(ctx, &audit.Record{
		Type:     audit.EventBlockApplied,
		Severity: audit.SeverityOf(a.Severity),
		Resource: a.Identifier,
		Message:  "identifier blocked",
		Metadata: alertMetadata(a, "expires_at", entry.ExpiresAt.Format(time.RFC3339)),
		Success:  true,
	})
	return nil
}

func (e *Executor) rateLimit(ctx context.Context, a *alerting.Alert) error {
	var budget *blocklist.Budget
	err := e.retry(ctx, func() error {
		var err error
		budget, err = e.deps.Budgets.Install(ctx, a.Identifier, e.cfg.RateLimit, a.PatternName)
		return err
	})
	if err != nil {
		return err
	}

	e.record(ctx, &audit.Record{
		Type:     audit.EventRateLimitApplied,
		Severity: audit.SeverityOf(a.Severity),
		Resource: a.Identifier,
		Message:  fmt.Sprintf("request budget set to %d per %s", budget.Requests, budget.Window),
		Metadata: alertMetadata(a, "expires_at", budget.ExpiresAt.Format(time.RFC3339)),
		Success:  true,
	})
	return nil
}

func (e *Executor) notify(ctx context.Context, a *alerting.Alert) error {
	n := alerting.NewNotification(a)
	err := e.deps.Notifier.Enqueue(n)
	if err != nil {
		e.record(ctx, &audit.Record{
			Type:     audit.EventNotificationDropped,
			Severity: audit.SeverityWarning,
			Resource: a.Identifier,
			Message:  "admin notification dropped",
			Metadata: alertMetadata(a, "notification_id", n.ID.String()),
			Success:  false,
			Error:    err.Error(),
		})
		return err
	}

	e.record(ctx, &audit.Record{
		Type:     audit.EventAdminNotified,
		Severity: audit.SeverityOf(a.Severity),
		Resource: a.Identifier,
		Message:  "admin notification queued",
		Metadata: alertMetadata(a, "notification_id", n.ID.String()),
		Success:  true,
	})
	return nil
}

func (e *Executor) logIncident(ctx context.Context, a *alerting.Alert) error {
	return e.retry(ctx, func() error {
		return e.deps.Audit.Append(ctx, &audit.Record{
			Type:     audit.EventIncidentLogged,
			Severity: audit.SeverityOf(a.Severity),
			Resource: a.Identifier,
			Message:  a.Description,
			Metadata: alertMetadata(a, "count", fmt.Sprintf("%d", a.Count)),
			Success:  true,
		})
	})
}

func (e *Executor) forceLogout(ctx context.Context, a *alerting.Alert) error {
	principal := a.Metadata[schema.MetadataPrincipal]
	if principal == "" {
		return ErrMissingPrincipal
	}

	err := e.retry(ctx, func() error {
		_, err := e.deps.Revoker.Revoke(ctx, principal, e.cfg.RevocationTTL, a.Description, a.ID.String())
		return err
	})
	if err != nil {
		return err
	}

	e.record(ctx, &audit.Record{
		Type:     audit.EventSessionRevoked,
		Severity: audit.SeverityOf(a.Severity),
		Resource: principal,
		Message:  "sessions revoked",
		Metadata: alertMetadata(a, "identifier", a.Identifier),
		Success:  true,
	})
	return nil
}

// retry runs op, retrying transient store failures with a linear backoff.
func (e *Executor) retry(ctx context.Context, op func() error) error {
	var err error
	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(e.cfg.RetryBackoff * time.Duration(attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				return errors.Join(err, ctx.Err())
			case <-timer.C:
			}
		}
		err = op()
		if err == nil || !gerrors.IsTransient(err) {
			return err
		}
	}
	return err
}

func (e *Executor) failed(ctx context.Context, a *alerting.Alert, action schema.Action, err error) {
	metrics.IncAction(string(action), "failed")
	e.logger.Error("action failed",
		"action", action,
		"alert_id", a.ID,
		"pattern", a.PatternName,
		"identifier", a.Identifier,
		"error", err,
	)

	e.record(ctx, &audit.Record{
		Type:     audit.EventActionFailed,
		Severity: audit.SeverityError,
		Resource: a.Identifier,
		Message:  fmt.Sprintf("%s failed", action),
		Metadata: alertMetadata(a, "action", string(action)),
		Success:  false,
		Error:    err.Error(),
	})
	e.deps.Audit.Incident(ctx, "response", err, alertMetadata(a, "action", string(action)))
}

// record appends rec, logging when the audit log itself is unavailable.
func (e *Executor) record(ctx context.Context, rec *audit.Record) {
	if err := e.deps.Audit.Append(ctx, rec); err != nil {
		metrics.IncIncident("audit")
		e.logger.Error("failed to write audit record",
			"type", rec.Type,
			"resource", rec.Resource,
			"error", err,
		)
	}
}

func alertMetadata(a *alerting.Alert, kv ...string) map[string]string {
	md := map[string]string{
		"alert_id": a.ID.String(),
		"pattern":  a.PatternName,
	}
	for i := 0; i+1 < len(kv); i += 2 {
		md[kv[i]] = kv[i+1]
	}
	return md
}
