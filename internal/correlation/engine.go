package correlation

import (
	"context"
	"log/slog"
	"strconv"

	"abuse-guard/internal/alerting"
	"abuse-guard/internal/metrics"
	"abuse-guard/internal/response"
	"abuse-guard/internal/schema"
	"abuse-guard/internal/security/audit"
	"abuse-guard/internal/store"
)

// Responder executes the actions of a newly created alert.
type Responder interface {
	Execute(ctx context.Context, a *alerting.Alert) []response.Result
}

// EngineDeps are the engine's collaborators. Responder may be nil, in which
// case alerts are raised without executing actions.
type EngineDeps struct {
	Registry  *Registry
	Client    store.Client
	Alerts    *alerting.Store
	Responder Responder
	Audit     *audit.Logger
}

// Engine matches events against patterns.
//
// Every instance shares counting and cooldown state through the store, so
// an alert for a (pattern, identifier) fires on exactly one instance per
// cooldown period no matter how events are spread across instances.
type Engine struct {
	registry  *Registry
	counter   *Counter
	client    store.Client
	alerts    *alerting.Store
	responder Responder
	audit     *audit.Logger
	logger    *slog.Logger
}

// NewEngine creates a correlation engine.
func NewEngine(deps EngineDeps, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		registry:  deps.Registry,
		counter:   NewCounter(deps.Client),
		client:    deps.Client,
		alerts:    deps.Alerts,
		responder: deps.Responder,
		audit:     deps.Audit,
		logger:    logger.With("component", "correlation"),
	}
}

// Registry returns the engine's pattern registry.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Process counts ev against every pattern fed by its type and returns the
// alerts it raised. ev must already be validated and timestamped.
//
// Store failures never reach the caller: the affected pattern is treated as
// not matched and a monitoring incident is recorded.
func (e *Engine) Process(ctx context.Context, ev *schema.SecurityEvent) []*alerting.Alert {
	var raised []*alerting.Alert

	for _, p := range e.registry.ForEvent(ev.Type) {
		if a := e.evaluate(ctx, p, ev); a != nil {
			raised = append(raised, a)
		}
	}

	return raised
}

func (e *Engine) evaluate(ctx context.Context, p *Pattern, ev *schema.SecurityEvent) *alerting.Alert {
	var (
		identifier string
		count      int64
		err        error
	)
	if p.Kind == KindDistinct {
		identifier = schema.GlobalIdentifier
		count, err = e.counter.Observe(ctx, p.Name, ev.Identifier, ev.Timestamp, p.Window)
	} else {
		identifier = ev.Identifier
		count, err = e.counter.Increment(ctx, p.Name, ev.Identifier, ev.Timestamp, p.Window)
	}
	if err != nil {
		e.degraded(ctx, p, identifier, "count", err)
		return nil
	}

	if count < p.Threshold {
		return nil
	}

	cooldownKey := store.CooldownKey(p.Name, identifier)
	stamp := []byte(strconv.FormatInt(store.Millis(ev.Timestamp), 10))
	acquired, err := e.client.SetNX(ctx, cooldownKey, stamp, p.EffectiveCooldown())
	if err != nil {
		e.degraded(ctx, p, identifier, "cooldown", err)
		return nil
	}
	if !acquired {
		metrics.IncAlertSuppressed(p.Name)
		e.logger.Debug("alert suppressed by cooldown",
			"pattern", p.Name,
			"identifier", identifier,
			"count", count,
		)
		return nil
	}

	a := &alerting.Alert{
		Timestamp:   ev.Timestamp,
		Severity:    p.Severity,
		PatternName: p.Name,
		Identifier:  identifier,
		Description: p.Describe(identifier, count),
		Metadata:    alertMetadata(p, ev),
		Actions:     append([]schema.Action(nil), p.Actions...),
		Count:       count,
		Window:      p.Window,
	}
	if err := e.alerts.Create(ctx, a); err != nil {
		// Release the cooldown so the next crossing can raise the alert.
		if _, derr := e.client.Delete(ctx, cooldownKey); derr != nil {
			e.logger.Warn("failed to release cooldown", "pattern", p.Name, "identifier", identifier, "error", derr)
		}
		e.degraded(ctx, p, identifier, "create_alert", err)
		return nil
	}

	metrics.IncAlert(p.Name, string(p.Severity))
	e.logger.Warn("pattern threshold crossed",
		"alert_id", a.ID,
		"pattern", p.Name,
		"identifier", identifier,
		"count", count,
		"threshold", p.Threshold,
		"severity", p.Severity,
	)

	if err := e.audit.Append(ctx, &audit.Record{
		Type:     audit.EventAlertCreated,
		Severity: audit.SeverityOf(p.Severity),
		Resource: identifier,
		Message:  a.Description,
		Metadata: map[string]string{
			"alert_id": a.ID.String(),
			"pattern":  p.Name,
			"count":    strconv.FormatInt(count, 10),
		},
		Success: true,
	}); err != nil {
		metrics.IncIncident("audit")
		e.logger.Error("failed to audit alert", "alert_id", a.ID, "error", err)
	}

	if e.responder != nil {
		for _, r := range e.responder.Execute(ctx, a) {
			if !r.OK() {
				e.logger.Warn("alert action did not complete",
					"alert_id", a.ID,
					"action", r.Action,
					"error", r.Err,
				)
			}
		}
	}

	return a
}

func (e *Engine) degraded(ctx context.Context, p *Pattern, identifier, stage string, err error) {
	e.audit.Incident(ctx, "correlation", err, map[string]string{
		"pattern":    p.Name,
		"identifier": identifier,
		"stage":      stage,
	})
}

// alertMetadata copies the triggering event's metadata. Distinct alerts
// also record which identifier pushed the count over the threshold.
func alertMetadata(p *Pattern, ev *schema.SecurityEvent) map[string]string {
	md := ev.Metadata.Clone()
	if md == nil {
		md = make(schema.Metadata)
	}
	if p.Kind == KindDistinct {
		md["trigger_identifier"] = ev.Identifier
	}
	if p.MITRE != nil {
		md["mitre_technique"] = p.MITRE.TechniqueID
	}
	return md
}
