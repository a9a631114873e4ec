package store

// Key layout. Identifiers and pattern names are validated before they reach
// these helpers, so ':' is a safe separator.

// WindowKey is the sliding-window set for one (pattern, identifier).
func WindowKey(pattern, identifier string) string {
	return "window:" + pattern + ":" + identifier
}

// CooldownKey suppresses repeat alerts for one (pattern, identifier).
func CooldownKey(pattern, identifier string) string {
	return "cooldown:" + pattern + ":" + identifier
}

// AlertKey holds one alert record.
func AlertKey(id string) string {
	return "alert:" + id
}

// AlertIndexKey orders alert ids by creation time.
const AlertIndexKey = "alerts:index"

// BlockKey holds a BlockEntry. Its existence means "blocked".
func BlockKey(identifier string) string {
	return "block:" + identifier
}

// BudgetKey holds a tightened request budget installed by RATE_LIMIT.
func BudgetKey(identifier string) string {
	return "budget:" + identifier
}

// BudgetUsageKey is the sliding window counting requests against a budget.
func BudgetUsageKey(identifier string) string {
	return "budget-usage:" + identifier
}

// RevokedKey marks a principal's sessions invalid.
func RevokedKey(principal string) string {
	return "revoked:" + principal
}

// AuditLogKey holds signed audit records scored by timestamp.
const AuditLogKey = "audit:log"
