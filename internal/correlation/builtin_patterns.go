package correlation

import (
	"time"

	"abuse-guard/internal/schema"
)

// BuiltinPatterns returns the built-in detection patterns.
func BuiltinPatterns() []*Pattern {
	return []*Pattern{
		// Authentication
		AuthBruteForcePattern(),
		SessionHijackPattern(),
		PrivilegeProbingPattern(),

		// Enrollment
		ClassCodeBruteForcePattern(),
		DistributedClassScanPattern(),

		// Volume
		APIFloodPattern(),
	}
}

// AuthBruteForcePattern detects repeated failed logins from one source.
func AuthBruteForcePattern() *Pattern {
	return &Pattern{
		Name:        "AUTH_BRUTE_FORCE",
		Description: "Repeated authentication failures from the same source",
		Kind:        KindThreshold,
		EventTypes:  []schema.EventType{schema.EventAuthFailed},
		Threshold:   10,
		Window:      30 * time.Minute,
		Severity:    schema.SeverityHigh,
		Actions:     []schema.Action{schema.ActionBlockIP, schema.ActionAlertAdmin},
		MITRE: &MITREMapping{
			TacticID:    "TA0006",
			TacticName:  "Credential Access",
			TechniqueID: "T1110",
		},
	}
}

// ClassCodeBruteForcePattern detects guessing of invite or class codes.
func ClassCodeBruteForcePattern() *Pattern {
	return &Pattern{
		Name:        "CLASS_CODE_BRUTE_FORCE",
		Description: "Repeated invalid join codes from the same source",
		Kind:        KindThreshold,
		EventTypes:  []schema.EventType{schema.EventInvalidCode},
		Threshold:   15,
		Window:      time.Hour,
		Severity:    schema.SeverityHigh,
		Actions:     []schema.Action{schema.ActionBlockIP, schema.ActionLogIncident},
	}
}

// DistributedClassScanPattern detects code scanning spread across many
// sources, each staying below the per-source threshold.
func DistributedClassScanPattern() *Pattern {
	return &Pattern{
		Name:        "DISTRIBUTED_CLASS_SCAN",
		Description: "Invalid join codes from many distinct sources",
		Kind:        KindDistinct,
		EventTypes:  []schema.EventType{schema.EventInvalidCode},
		Threshold:   20,
		Window:      time.Hour,
		Severity:    schema.SeverityCritical,
		Actions:     []schema.Action{schema.ActionAlertAdmin, schema.ActionLogIncident},
		MITRE: &MITREMapping{
			TacticID:    "TA0043",
			TacticName:  "Reconnaissance",
			TechniqueID: "T1595",
		},
	}
}

// APIFloodPattern detects request volume far above normal client behavior.
func APIFloodPattern() *Pattern {
	return &Pattern{
		Name:        "API_FLOOD",
		Description: "Request volume above the per-source limit",
		Kind:        KindThreshold,
		EventTypes:  []schema.EventType{schema.EventAPIRequest},
		Threshold:   600,
		Window:      time.Minute,
		Cooldown:    time.Hour,
		Severity:    schema.SeverityMedium,
		Actions:     []schema.Action{schema.ActionRateLimit, schema.ActionLogIncident},
		MITRE: &MITREMapping{
			TacticID:    "TA0040",
			TacticName:  "Impact",
			TechniqueID: "T1499",
		},
	}
}

// SessionHijackPattern detects repeated session anomalies for one principal.
func SessionHijackPattern() *Pattern {
	return &Pattern{
		Name:        "SESSION_HIJACK_SUSPECTED",
		Description: "Repeated session anomalies for the same principal",
		Kind:        KindThreshold,
		EventTypes:  []schema.EventType{schema.EventSessionAnomaly},
		Threshold:   3,
		Window:      10 * time.Minute,
		Severity:    schema.SeverityHigh,
		Actions:     []schema.Action{schema.ActionForceLogout, schema.ActionAlertAdmin, schema.ActionLogIncident},
		MITRE: &MITREMapping{
			TacticID:    "TA0006",
			TacticName:  "Credential Access",
			TechniqueID: "T1539",
		},
	}
}

// PrivilegeProbingPattern detects sustained attempts to reach forbidden
// resources.
func PrivilegeProbingPattern() *Pattern {
	return &Pattern{
		Name:        "PRIVILEGE_PROBING",
		Description: "Repeated permission denials from the same source",
		Kind:        KindThreshold,
		EventTypes:  []schema.EventType{schema.EventPermissionDenied},
		Threshold:   25,
		Window:      15 * time.Minute,
		Severity:    schema.SeverityCritical,
		Actions:     []schema.Action{schema.ActionEmergencyResponse},
		MITRE: &MITREMapping{
			TacticID:    "TA0004",
			TacticName:  "Privilege Escalation",
			TechniqueID: "T1068",
		},
	}
}
