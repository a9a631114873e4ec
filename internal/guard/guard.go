// Package guard assembles the abuse guard and is the surface collaborators
// and the admin API call into.
package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"abuse-guard/internal/alerting"
	"abuse-guard/internal/blocklist"
	"abuse-guard/internal/clock"
	"abuse-guard/internal/config"
	"abuse-guard/internal/correlation"
	gerrors "abuse-guard/internal/errors"
	"abuse-guard/internal/ingest"
	"abuse-guard/internal/kafka"
	"abuse-guard/internal/response"
	"abuse-guard/internal/schema"
	"abuse-guard/internal/security/audit"
	"abuse-guard/internal/sessions"
	"abuse-guard/internal/store"
)

// Options configures New. Only Config is required.
type Options struct {
	Config *config.Config
	// Client replaces the store built from Config. It is still wrapped in
	// the guarded client.
	Client store.Client
	Clock  clock.Clock
	// Registry replaces the catalog loaded from Config.
	Registry *correlation.Registry
	// Channels replaces the notification channels built from Config.
	Channels []alerting.Channel
	Logger   *slog.Logger
}

// Guard is one abuse guard instance. All authoritative state lives in the
// shared store, so any number of instances may run side by side.
type Guard struct {
	cfg        *config.Config
	client     store.Client
	logger     *slog.Logger
	audit      *audit.Logger
	alerts     *alerting.Store
	blocks     *blocklist.BlockList
	budgets    *blocklist.Budgets
	revoker    *sessions.Revoker
	dispatcher *alerting.Dispatcher
	engine     *correlation.Engine
	ingestor   *ingest.Ingestor
	producer   *kafka.Producer
}

// New builds a Guard and starts its notification workers.
func New(opts Options) (*Guard, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, gerrors.Configuration("guard", "config is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real{}
	}

	registry := opts.Registry
	if registry == nil {
		var err error
		registry, err = loadRegistry(cfg.Detection)
		if err != nil {
			return nil, err
		}
	}

	raw := opts.Client
	if raw == nil {
		var err error
		raw, err = openStore(cfg, clk)
		if err != nil {
			return nil, err
		}
	}
	client := store.NewGuarded(raw, cfg.Store, logger)

	g := &Guard{
		cfg:    cfg,
		client: client,
		logger: logger.With("component", "guard"),
	}

	var err error
	g.audit, err = audit.NewLogger(client, clk, cfg.Audit, logger)
	if err != nil {
		client.Close()
		return nil, err
	}

	g.blocks, err = blocklist.New(client, blocklist.Options{
		Config:       cfg.BlockList,
		CheckTimeout: cfg.Store.BlockCheckTimeout,
		HintTTL:      cfg.Response.BlockTTL,
		Clock:        clk,
		Incidents:    g.audit,
		Logger:       logger,
	})
	if err != nil {
		client.Close()
		return nil, err
	}

	channels := opts.Channels
	if channels == nil {
		channels, g.producer, err = buildChannels(cfg.Notifications, logger)
		if err != nil {
			g.blocks.Close()
			client.Close()
			return nil, err
		}
	}

	g.alerts = alerting.NewStore(client, clk, cfg.Detection, logger)
	g.budgets = blocklist.NewBudgets(client, clk, g.audit, logger)
	g.revoker = sessions.NewRevoker(client, clk, g.audit, logger)

	g.dispatcher = alerting.NewDispatcher(cfg.Notifications, channels, logger)
	g.dispatcher.OnDeadLetter(g.deadLetter)
	g.dispatcher.Start(context.Background())

	executor := response.NewExecutor(response.Deps{
		Blocks:   g.blocks,
		Budgets:  g.budgets,
		Revoker:  g.revoker,
		Notifier: g.dispatcher,
		Audit:    g.audit,
	}, cfg.Response, logger)

	g.engine = correlation.NewEngine(correlation.EngineDeps{
		Registry:  registry,
		Client:    client,
		Alerts:    g.alerts,
		Responder: executor,
		Audit:     g.audit,
	}, logger)
	g.ingestor = ingest.NewIngestor(g.engine, clk, logger)

	g.logger.Info("abuse guard ready",
		"patterns", registry.Len(),
		"store", cfg.Store.Type,
		"fail_policy", cfg.BlockList.FailPolicy,
		"channels", g.dispatcher.Channels(),
	)
	return g, nil
}

func loadRegistry(cfg config.DetectionConfig) (*correlation.Registry, error) {
	if cfg.PatternsFile != "" {
		return correlation.LoadRegistry(cfg.PatternsFile, cfg.DisableBuiltins)
	}
	return correlation.NewRegistry(correlation.BuiltinPatterns())
}

func openStore(cfg *config.Config, clk clock.Clock) (store.Client, error) {
	switch cfg.Store.Type {
	case "memory":
		return store.NewMemoryClient(clk), nil
	case "redis", "":
		return store.NewRedisClient(cfg.Redis)
	default:
		return nil, gerrors.Configuration("guard", "unknown store type %q", cfg.Store.Type)
	}
}

// buildChannels creates the configured notification channels. With none
// configured, notifications go to the log.
func buildChannels(cfg config.NotificationsConfig, logger *slog.Logger) ([]alerting.Channel, *kafka.Producer, error) {
	var channels []alerting.Channel

	if cfg.Webhook.URL != "" {
		channels = append(channels, alerting.NewWebhookChannel("webhook", cfg.Webhook.URL, cfg.Webhook.Headers))
	}
	for _, url := range cfg.ShoutrrrURLs {
		channels = append(channels, alerting.NewShoutrrrChannel(url))
	}

	var producer *kafka.Producer
	if cfg.Kafka.Enabled {
		kcfg := cfg.Kafka.Config
		var err error
		producer, err = kafka.NewProducer(&kcfg, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("create kafka producer: %w", err)
		}
		channels = append(channels, alerting.NewKafkaChannel(producer))
	}

	if len(channels) == 0 {
		channels = append(channels, alerting.NewLogChannel(logger))
	}
	return channels, producer, nil
}

func (g *Guard) deadLetter(n *alerting.Notification, channel string, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	g.audit.Incident(ctx, "notifications", err, map[string]string{
		"alert_id": n.AlertID.String(),
		"channel":  channel,
		"pattern":  n.PatternName,
	})
}

// RecordEvent reports one security event. Only a malformed event is an
// error; store trouble degrades to no alert.
func (g *Guard) RecordEvent(ctx context.Context, identifier string, eventType schema.EventType, md schema.Metadata) ([]*alerting.Alert, error) {
	return g.ingestor.RecordEvent(ctx, identifier, eventType, md)
}

// IsBlocked reports whether identifier is currently blocked.
func (g *Guard) IsBlocked(ctx context.Context, identifier string) bool {
	return g.blocks.IsBlocked(ctx, identifier)
}

// AllowRequest reports whether identifier is within any tightened request
// budget installed for it. A refusal also returns the budget window.
func (g *Guard) AllowRequest(ctx context.Context, identifier string) (bool, time.Duration) {
	return g.budgets.Check(ctx, identifier)
}

// IsRevoked reports whether principal must re-authenticate.
func (g *Guard) IsRevoked(ctx context.Context, principal string) bool {
	return g.revoker.IsRevoked(ctx, principal)
}

// ListActiveAlerts returns unresolved alerts, newest first.
func (g *Guard) ListActiveAlerts(ctx context.Context, limit int) ([]*alerting.Alert, error) {
	return g.alerts.ListActive(ctx, limit)
}

// ResolveAlert marks an alert resolved. It returns false without error when
// the alert was already resolved.
func (g *Guard) ResolveAlert(ctx context.Context, alertID, actor string) (bool, error) {
	id, err := uuid.Parse(alertID)
	if err != nil {
		return false, gerrors.Validation("resolve", "invalid alert id")
	}
	if actor == "" {
		return false, gerrors.Validation("resolve", "actor is required")
	}

	resolved, err := g.alerts.Resolve(ctx, id, actor)
	if err != nil {
		return false, err
	}
	if resolved {
		g.record(ctx, &audit.Record{
			Type:     audit.EventAlertResolved,
			Actor:    actor,
			Resource: alertID,
			Message:  "alert resolved",
			Success:  true,
		})
	}
	return resolved, nil
}

// Unblock lifts a block ahead of its expiry. It reports whether a block
// existed.
func (g *Guard) Unblock(ctx context.Context, identifier, actor string) (bool, error) {
	if identifier == "" {
		return false, gerrors.Validation("unblock", "identifier is required")
	}
	if actor == "" {
		return false, gerrors.Validation("unblock", "actor is required")
	}

	removed, err := g.blocks.Unblock(ctx, identifier)
	if err != nil {
		return false, err
	}
	if removed {
		g.record(ctx, &audit.Record{
			Type:     audit.EventBlockRemoved,
			Severity: audit.SeverityWarning,
			Actor:    actor,
			Resource: identifier,
			Message:  "block removed by operator",
			Success:  true,
		})
	}
	return removed, nil
}

// ClearSession lifts a FORCE_LOGOUT revocation for principal.
func (g *Guard) ClearSession(ctx context.Context, principal, actor string) (bool, error) {
	if principal == "" {
		return false, gerrors.Validation("clear_session", "principal is required")
	}
	if actor == "" {
		return false, gerrors.Validation("clear_session", "actor is required")
	}

	cleared, err := g.revoker.Clear(ctx, principal)
	if err != nil {
		return false, err
	}
	if cleared {
		g.record(ctx, &audit.Record{
			Type:     audit.EventSessionRestored,
			Actor:    actor,
			Resource: principal,
			Message:  "session revocation cleared by operator",
			Success:  true,
		})
	}
	return cleared, nil
}

// AuditLog returns the most recent audit records matching opts.
func (g *Guard) AuditLog(ctx context.Context, opts audit.QueryOptions) ([]*audit.Record, error) {
	return g.audit.Query(ctx, opts)
}

// Registry returns the pattern catalog.
func (g *Guard) Registry() *correlation.Registry {
	return g.engine.Registry()
}

// PruneAudit removes audit records older than the retention window.
func (g *Guard) PruneAudit(ctx context.Context) (int64, error) {
	return g.audit.Prune(ctx)
}

// PruneAlertIndex removes index entries of expired alerts.
func (g *Guard) PruneAlertIndex(ctx context.Context) (int64, error) {
	return g.alerts.PruneIndex(ctx)
}

// Ping checks the shared store.
func (g *Guard) Ping(ctx context.Context) error {
	return g.client.Ping(ctx)
}

// NotificationStats returns delivery counters.
func (g *Guard) NotificationStats() alerting.DeliveryStats {
	return g.dispatcher.Stats()
}

func (g *Guard) record(ctx context.Context, rec *audit.Record) {
	if err := g.audit.Append(ctx, rec); err != nil {
		g.logger.Error("failed to audit operator action", "type", rec.Type, "resource", rec.Resource, "error", err)
	}
}

// Close drains queued notifications, bounded by ctx, and releases the
// store connection.
func (g *Guard) Close(ctx context.Context) error {
	var errs []error
	if err := g.dispatcher.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop dispatcher: %w", err))
	}
	if g.producer != nil {
		if err := g.producer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close kafka producer: %w", err))
		}
	}
	g.blocks.Close()
	if err := g.client.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	return errors.Join(errs...)
}
