// Package ingest is the entry point collaborators report security events to.
package ingest

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"abuse-guard/internal/alerting"
	"abuse-guard/internal/clock"
	"abuse-guard/internal/logging"
	"abuse-guard/internal/metrics"
	"abuse-guard/internal/schema"
)

// Processor evaluates a validated event against the pattern catalog.
type Processor interface {
	Process(ctx context.Context, ev *schema.SecurityEvent) []*alerting.Alert
}

// Ingestor validates and stamps events before handing them to the
// correlation engine.
type Ingestor struct {
	validator *schema.Validator
	processor Processor
	clock     clock.Clock
	logger    *slog.Logger
}

// NewIngestor creates an Ingestor.
func NewIngestor(processor Processor, clk clock.Clock, logger *slog.Logger) *Ingestor {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{
		validator: schema.NewValidator(),
		processor: processor,
		clock:     clk,
		logger:    logger.With("component", "ingest"),
	}
}

// RecordEvent reports one occurrence for identifier and returns the alerts
// it raised, usually none.
//
// Only a malformed event is an error. Store trouble downstream degrades to
// "no alert" and is recorded as a monitoring incident.
func (i *Ingestor) RecordEvent(ctx context.Context, identifier string, eventType schema.EventType, md schema.Metadata) ([]*alerting.Alert, error) {
	ev := &schema.SecurityEvent{
		ID:         uuid.New(),
		Identifier: identifier,
		Type:       eventType,
		Metadata:   md,
	}

	if err := i.validator.Validate(ev); err != nil {
		metrics.IncEventRejected()
		i.logger.Debug("event rejected", "event_type", eventType, "error", err)
		return nil, err
	}

	// The clock stamps every event so windows never mix caller and store time.
	ev.Timestamp = i.clock.Now()
	if md != nil {
		ev.Metadata = schema.Metadata(logging.MaskMetadata(md))
	}

	metrics.IncEvent(string(ev.Type))
	return i.processor.Process(ctx, ev), nil
}
