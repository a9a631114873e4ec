package errors

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	// Pattern to match file paths (Linux and Windows)
	filePathPattern = regexp.MustCompile(`(/[a-zA-Z0-9_\-./]+)|([A-Z]:\\[a-zA-Z0-9_\-\\ ./]+)`)

	// Pattern to match IP addresses
	ipPattern = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)

	// Pattern to match store and credential details
	internalErrorPattern = regexp.MustCompile(`(?i)(redis:|dial tcp|connection refused|password=|secret=|token=|api[_-]?key=)`)
)

// Messages returned to callers that must not learn why they were refused.
const (
	// RejectedMessage is the only detail a blocked identifier ever sees.
	RejectedMessage = "request rejected"
	// ThrottledMessage is returned when a tightened request budget is exhausted.
	ThrottledMessage = "too many requests"
	// ReauthMessage is returned to principals whose sessions were revoked.
	ReauthMessage = "re-authentication required"
	// InternalMessage replaces any unclassified internal failure.
	InternalMessage = "internal error"
)

// ProductionMode determines whether to use sanitized errors.
// Set to true in production deployments.
var ProductionMode = false

// SetProductionMode sets the production mode flag.
// Should be called during application initialization.
func SetProductionMode(production bool) {
	ProductionMode = production
}

// SanitizeString removes sensitive information from a string.
func SanitizeString(s string) string {
	if !ProductionMode {
		return s
	}

	s = filePathPattern.ReplaceAllStringFunc(s, func(match string) string {
		return filepath.Base(match)
	})

	// Keep the first two octets for debugging context
	s = ipPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := strings.Split(match, ".")
		if len(parts) == 4 {
			return fmt.Sprintf("%s.%s.x.x", parts[0], parts[1])
		}
		return "x.x.x.x"
	})

	if internalErrorPattern.MatchString(s) {
		s = "store operation failed"
	}

	if strings.Contains(s, "goroutine") || strings.Count(s, "\n") > 3 {
		s = "internal server error - operation failed"
	}

	return s
}

// PublicMessage returns the message an API caller may see for err.
// Validation errors pass through so producers can fix their input; every
// other kind collapses to a generic message.
func PublicMessage(err error) string {
	if err == nil {
		return ""
	}
	switch KindOf(err) {
	case KindValidation:
		return SanitizeString(err.Error())
	case KindTransientStore:
		return "service temporarily unavailable"
	default:
		return InternalMessage
	}
}
