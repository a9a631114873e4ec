// Package schema defines the security event model shared by every abuse-guard
// component: event types, severities, response actions and bounded metadata.
package schema

import (
	"time"

	"github.com/google/uuid"
)

// EventType names a kind of security event reported by a collaborator.
type EventType string

const (
	EventAuthFailed       EventType = "AUTH_FAILED"
	EventInvalidCode      EventType = "INVALID_CODE"
	EventAPIRequest       EventType = "API_REQUEST"
	EventPermissionDenied EventType = "PERMISSION_DENIED"
	EventSessionAnomaly   EventType = "SESSION_ANOMALY"
)

// EventTypes lists every known event type.
var EventTypes = []EventType{
	EventAuthFailed,
	EventInvalidCode,
	EventAPIRequest,
	EventPermissionDenied,
	EventSessionAnomaly,
}

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	for _, known := range EventTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Severity represents alert severity levels.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities from 1 (low) to 4 (critical). Unknown is 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool { return s.Rank() > 0 }

// Action is a mitigation step executed when a pattern fires.
type Action string

const (
	ActionBlockIP           Action = "BLOCK_IP"
	ActionRateLimit         Action = "RATE_LIMIT"
	ActionAlertAdmin        Action = "ALERT_ADMIN"
	ActionLogIncident       Action = "LOG_INCIDENT"
	ActionForceLogout       Action = "FORCE_LOGOUT"
	ActionEmergencyResponse Action = "EMERGENCY_RESPONSE"
)

// Actions lists every known action.
var Actions = []Action{
	ActionBlockIP,
	ActionRateLimit,
	ActionAlertAdmin,
	ActionLogIncident,
	ActionForceLogout,
	ActionEmergencyResponse,
}

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	for _, known := range Actions {
		if a == known {
			return true
		}
	}
	return false
}

// IdentifierScoped reports whether a acts on the offending identifier itself
// and therefore cannot run for a cross-identifier alert.
func (a Action) IdentifierScoped() bool {
	switch a {
	case ActionBlockIP, ActionRateLimit, ActionForceLogout, ActionEmergencyResponse:
		return true
	}
	return false
}

// GlobalIdentifier is the sentinel identifier of distributed alerts. It is
// reserved and rejected as an event identifier.
const GlobalIdentifier = "global"

// Metadata bounds.
const (
	MaxMetadataKeys     = 16
	MaxMetadataKeyLen   = 64
	MaxMetadataValueLen = 256
	MaxIdentifierLen    = 256
)

// MetadataPrincipal is the metadata key FORCE_LOGOUT reads the principal from.
const MetadataPrincipal = "principal"

// Metadata is a bounded string map attached to events and alerts.
type Metadata map[string]string

// Clone returns a copy of m.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// SecurityEvent is a single reported occurrence. It is never persisted as-is;
// only its timestamp lands in sliding-window sets.
type SecurityEvent struct {
	ID         uuid.UUID `json:"id"`
	Identifier string    `json:"identifier" validate:"required,max=256,identifier"`
	Type       EventType `json:"event_type" validate:"required,event_type"`
	Timestamp  time.Time `json:"timestamp"`
	Metadata   Metadata  `json:"metadata,omitempty" validate:"max=16,dive,keys,required,max=64,printascii,endkeys,max=256"`
}
