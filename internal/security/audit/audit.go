// Package audit keeps the immutable record of every security-relevant action
// the abuse guard takes. Records are HMAC-signed and appended to a sorted set
// in the shared store, scored by timestamp; they are removed only by the
// retention job once older than the retention window.
package audit

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"abuse-guard/internal/clock"
	"abuse-guard/internal/config"
	"abuse-guard/internal/logging"
	"abuse-guard/internal/metrics"
	"abuse-guard/internal/schema"
	"abuse-guard/internal/store"
)

// ErrInvalidSignature is returned for records whose signature does not verify.
var ErrInvalidSignature = errors.New("invalid audit record signature")

// EventType represents the type of audit record.
type EventType string

const (
	EventAlertCreated  EventType = "alert.created"
	EventAlertResolved EventType = "alert.resolved"

	EventBlockApplied EventType = "block.applied"
	EventBlockRemoved EventType = "block.removed"

	EventRateLimitApplied EventType = "ratelimit.applied"

	EventSessionRevoked  EventType = "session.revoked"
	EventSessionRestored EventType = "session.restored"

	EventAdminNotified       EventType = "admin.notified"
	EventNotificationDropped EventType = "notification.dropped"
	EventIncidentLogged      EventType = "incident.logged"
	EventActionFailed        EventType = "action.failed"
	EventMonitorIncident     EventType = "monitoring.incident"
)

// Severity represents the severity level of an audit record.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// SeverityOf maps a detection severity to an audit severity.
func SeverityOf(s schema.Severity) Severity {
	switch s {
	case schema.SeverityCritical:
		return SeverityCritical
	case schema.SeverityHigh:
		return SeverityError
	case schema.SeverityMedium:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

// SystemActor is the actor of records written by automated detection.
const SystemActor = "system"

// Record is a single audit entry.
type Record struct {
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	Type      EventType         `json:"type"`
	Severity  Severity          `json:"severity"`
	Actor     string            `json:"actor"`
	Resource  string            `json:"resource"`
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Success   bool              `json:"success"`
	Error     string            `json:"error,omitempty"`

	EntryHash string `json:"entry_hash"`
	Signature string `json:"signature"`
}

// computeHash hashes every field except the hash and signature.
func (r *Record) computeHash() string {
	h := sha256.New()

	h.Write([]byte(r.ID))
	h.Write([]byte(r.Timestamp.UTC().Format(time.RFC3339Nano)))
	h.Write([]byte(r.Type))
	h.Write([]byte(r.Severity))
	h.Write([]byte(r.Actor))
	h.Write([]byte(r.Resource))
	h.Write([]byte(r.Message))

	if len(r.Metadata) > 0 {
		keys := make([]string, 0, len(r.Metadata))
		for k := range r.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			h.Write([]byte(k))
			h.Write([]byte(r.Metadata[k]))
		}
	}

	h.Write([]byte(fmt.Sprintf("%t", r.Success)))
	h.Write([]byte(r.Error))

	return hex.EncodeToString(h.Sum(nil))
}

// Sign signs the record with the given HMAC key.
func (r *Record) Sign(key []byte) {
	r.EntryHash = r.computeHash()

	h := hmac.New(sha256.New, key)
	h.Write([]byte(r.EntryHash))
	r.Signature = hex.EncodeToString(h.Sum(nil))
}

// Verify verifies the record signature.
func (r *Record) Verify(key []byte) bool {
	if r.computeHash() != r.EntryHash {
		return false
	}

	h := hmac.New(sha256.New, key)
	h.Write([]byte(r.EntryHash))
	expected := hex.EncodeToString(h.Sum(nil))

	return hmac.Equal([]byte(r.Signature), []byte(expected))
}

// Logger appends and queries audit records.
type Logger struct {
	client    store.Client
	clock     clock.Clock
	key       []byte
	retention time.Duration
	logger    *slog.Logger
}

// NewLogger creates an audit logger. Without a configured HMAC key a random
// per-process key is generated, and records from other instances will not
// verify.
func NewLogger(client store.Client, clk clock.Clock, cfg config.AuditConfig, logger *slog.Logger) (*Logger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.Real{}
	}

	key := []byte(cfg.HMACKey)
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generate audit key: %w", err)
		}
		logger.Warn("no audit hmac_key configured, using a per-process key")
	}

	retention := cfg.Retention
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}

	return &Logger{
		client:    client,
		clock:     clk,
		key:       key,
		retention: retention,
		logger:    logger.With("component", "audit"),
	}, nil
}

// Append stamps, signs and stores rec. ID and Timestamp are assigned here;
// metadata values under sensitive keys are masked before signing.
func (l *Logger) Append(ctx context.Context, rec *Record) error {
	rec.ID = uuid.NewString()
	rec.Timestamp = l.clock.Now().UTC()
	if rec.Actor == "" {
		rec.Actor = SystemActor
	}
	if rec.Severity == "" {
		rec.Severity = SeverityInfo
	}
	rec.Metadata = logging.MaskMetadata(rec.Metadata)
	rec.Sign(l.key)

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}

	if err := l.client.ZAdd(ctx, store.AuditLogKey, string(data), float64(store.Millis(rec.Timestamp))); err != nil {
		return fmt.Errorf("append audit record: %w", err)
	}

	l.logger.Debug("audit record appended",
		"id", rec.ID,
		"type", rec.Type,
		"resource", rec.Resource,
		"success", rec.Success,
	)
	return nil
}

// QueryOptions specifies query criteria.
type QueryOptions struct {
	Types    []EventType
	Resource string
	Actor    string
	Limit    int
}

const (
	defaultQueryLimit = 100
	queryPageSize     = 200
	maxQueryScan      = 5000
)

// Query returns matching records, newest first. At most maxQueryScan of the
// newest records are examined.
func (l *Logger) Query(ctx context.Context, opts QueryOptions) ([]*Record, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}

	var results []*Record
	for start := int64(0); start < maxQueryScan; start += queryPageSize {
		members, err := l.client.ZRevRange(ctx, store.AuditLogKey, start, start+queryPageSize-1)
		if err != nil {
			return results, fmt.Errorf("query audit log: %w", err)
		}

		for _, m := range members {
			var rec Record
			if err := json.Unmarshal([]byte(m), &rec); err != nil {
				l.logger.Warn("skipping unreadable audit record", "error", err)
				continue
			}
			if matchesQuery(&rec, opts) {
				results = append(results, &rec)
				if len(results) >= limit {
					return results, nil
				}
			}
		}

		if len(members) < queryPageSize {
			break
		}
	}

	return results, nil
}

// Recent returns the newest limit records.
func (l *Logger) Recent(ctx context.Context, limit int) ([]*Record, error) {
	return l.Query(ctx, QueryOptions{Limit: limit})
}

func matchesQuery(rec *Record, opts QueryOptions) bool {
	if len(opts.Types) > 0 {
		found := false
		for _, t := range opts.Types {
			if rec.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if opts.Resource != "" && rec.Resource != opts.Resource {
		return false
	}

	if opts.Actor != "" && rec.Actor != opts.Actor {
		return false
	}

	return true
}

// Verify checks rec against this logger's key.
func (l *Logger) Verify(rec *Record) error {
	if !rec.Verify(l.key) {
		return ErrInvalidSignature
	}
	return nil
}

// Prune removes records older than the retention window.
func (l *Logger) Prune(ctx context.Context) (int64, error) {
	cutoff := l.clock.Now().Add(-l.retention)
	return l.client.ZRemRangeByScore(ctx, store.AuditLogKey, float64(store.Millis(cutoff)))
}

// Incident records a degraded operation that was absorbed instead of
// surfaced to a caller. It always logs and counts the incident; the audit
// record is best effort since the store itself may be what failed.
func (l *Logger) Incident(ctx context.Context, component string, cause error, md map[string]string) {
	metrics.IncIncident(component)
	l.logger.Error("monitoring incident",
		"incident_component", component,
		"error", cause,
	)

	if md == nil {
		md = make(map[string]string, 1)
	}
	md["component"] = component

	rec := &Record{
		Type:     EventMonitorIncident,
		Severity: SeverityError,
		Resource: component,
		Message:  "operation degraded",
		Metadata: md,
		Success:  false,
		Error:    cause.Error(),
	}
	if err := l.Append(ctx, rec); err != nil {
		l.logger.Error("failed to audit monitoring incident",
			"incident_component", component,
			"error", err,
		)
	}
}
