package middleware

import (
	"crypto/subtle"
	"net/http"
	"sort"
	"strconv"

	"abuse-guard/internal/config"
	"abuse-guard/internal/security/audit"
)

type credential struct {
	actor string
	key   []byte
}

// APIKeyAuth checks the admin API key and records the operator it belongs
// to as the audit actor. Named keys come from auth.operators; bare
// auth.api_keys entries are named api-key-1, api-key-2, ... When auth is
// disabled every request passes through as the anonymous actor.
func APIKeyAuth(cfg config.AuthConfig) func(http.Handler) http.Handler {
	header := cfg.HeaderName
	if header == "" {
		header = "X-API-Key"
	}
	creds := credentials(cfg)

	return func(next http.Handler) http.Handler {
		if !cfg.Enabled {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			apiKey := r.Header.Get(header)
			if apiKey == "" {
				writeRefusal(w, http.StatusUnauthorized, "missing API key")
				return
			}
			actor, ok := matchKey(creds, []byte(apiKey))
			if !ok {
				writeRefusal(w, http.StatusUnauthorized, "invalid API key")
				return
			}
			next.ServeHTTP(w, r.WithContext(audit.WithActor(r.Context(), actor)))
		})
	}
}

func credentials(cfg config.AuthConfig) []credential {
	creds := make([]credential, 0, len(cfg.APIKeys)+len(cfg.Operators))
	names := make([]string, 0, len(cfg.Operators))
	for name := range cfg.Operators {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		creds = append(creds, credential{actor: name, key: []byte(cfg.Operators[name])})
	}
	for i, k := range cfg.APIKeys {
		creds = append(creds, credential{actor: "api-key-" + strconv.Itoa(i+1), key: []byte(k)})
	}
	return creds
}

// matchKey compares against every key so timing does not reveal which one
// matched. The first match wins.
func matchKey(creds []credential, candidate []byte) (string, bool) {
	match := -1
	for i, c := range creds {
		if subtle.ConstantTimeCompare(c.key, candidate) == 1 && match < 0 {
			match = i
		}
	}
	if match < 0 {
		return "", false
	}
	return creds[match].actor, true
}
