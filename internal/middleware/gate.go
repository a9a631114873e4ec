// Package middleware provides HTTP middleware for the abuse guard.
package middleware

import (
	"context"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"abuse-guard/internal/alerting"
	"abuse-guard/internal/config"
	gerrors "abuse-guard/internal/errors"
	"abuse-guard/internal/schema"
)

// Guard is the part of the abuse guard the ingress gate consults.
type Guard interface {
	IsBlocked(ctx context.Context, identifier string) bool
	AllowRequest(ctx context.Context, identifier string) (bool, time.Duration)
	IsRevoked(ctx context.Context, principal string) bool
	RecordEvent(ctx context.Context, identifier string, eventType schema.EventType, md schema.Metadata) ([]*alerting.Alert, error)
}

// Gate returns middleware that refuses blocked, throttled and revoked
// callers and reports every admitted request as API_REQUEST.
//
// Refusals carry only a generic message. The order of checks is block,
// budget, revocation.
func Gate(guard Guard, cfg config.GateConfig, trustProxy bool, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	exempt := make(map[string]bool, len(cfg.ExemptPaths))
	for _, p := range cfg.ExemptPaths {
		exempt[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if exempt[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			ctx := r.Context()
			identifier := cfg.IdentifierPrefix + ClientIP(r, trustProxy)

			if guard.IsBlocked(ctx, identifier) {
				writeRefusal(w, http.StatusForbidden, gerrors.RejectedMessage)
				return
			}

			if ok, retryAfter := guard.AllowRequest(ctx, identifier); !ok {
				if secs := int64(math.Ceil(retryAfter.Seconds())); secs > 0 {
					w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
				}
				writeRefusal(w, http.StatusTooManyRequests, gerrors.ThrottledMessage)
				return
			}

			var principal string
			if cfg.PrincipalHeader != "" {
				principal = r.Header.Get(cfg.PrincipalHeader)
			}
			if principal != "" && guard.IsRevoked(ctx, principal) {
				writeRefusal(w, http.StatusUnauthorized, gerrors.ReauthMessage)
				return
			}

			md := schema.Metadata{
				"method": r.Method,
				"route":  truncate(r.URL.Path, schema.MaxMetadataValueLen),
			}
			if principal != "" {
				md[schema.MetadataPrincipal] = truncate(principal, schema.MaxMetadataValueLen)
			}
			if _, err := guard.RecordEvent(ctx, identifier, schema.EventAPIRequest, md); err != nil {
				logger.Debug("api request not recorded", "identifier", identifier, "error", err)
			}

			next.ServeHTTP(w, r)
		})
	}
}

func writeRefusal(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + message + `"}`))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// ClientIP extracts the client IP from r. With trustProxy it prefers the
// rightmost X-Forwarded-For entry, which the nearest proxy set and the
// client cannot spoof, then X-Real-IP.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			parts := strings.Split(xff, ",")
			for i := len(parts) - 1; i >= 0; i-- {
				if ip := strings.TrimSpace(parts[i]); ip != "" {
					return ip
				}
			}
		}

		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return xri
		}
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
